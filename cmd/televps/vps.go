package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jxucoder/TeleVPS"
	"github.com/jxucoder/TeleVPS/pkg/audit"
	"github.com/jxucoder/TeleVPS/pkg/model"
)

var (
	listOutput    string
	listOwner     uint64
	createOwnerID uint64
	createTag     string
	logsTail      int
	logsMaxChars  int
	historyLimit  int
	historyOutput string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List VPS containers and their owners",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, app *televps.App, cmd *cobra.Command, args []string) error {
		var (
			vpses []model.VPS
			err   error
		)
		if listOwner != 0 {
			vpses, err = app.Controller().ListOwned(ctx, listOwner)
		} else {
			vpses, err = app.Controller().List(ctx)
		}
		if err != nil {
			return err
		}
		return renderVPS(cmd.OutOrStdout(), listOutput, vpses)
	}),
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a VPS for a user and print its tmate link",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, app *televps.App, cmd *cobra.Command, args []string) error {
		if createOwnerID == 0 {
			return fmt.Errorf("--owner-id is required")
		}
		tag := createTag
		if tag == "" {
			tag = fmt.Sprintf("%d", createOwnerID)
		}
		owner := model.Identity{ID: createOwnerID, Tag: tag}
		app.Router().Handle(ctx, &terminal{w: cmd.OutOrStdout()}, terminalCommand("create "+tag, owner))
		return nil
	}),
}

var sshCmd = &cobra.Command{
	Use:   "ssh <container>",
	Short: "Print the tmate SSH/Web link of a container",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, app *televps.App, cmd *cobra.Command, args []string) error {
		token, err := app.Controller().Link(ctx, args[0])
		if err != nil {
			return err
		}
		if token == "" {
			return fmt.Errorf("no tmate info found for %s yet", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	}),
}

var logsCmd = &cobra.Command{
	Use:   "logs <container>",
	Short: "Show recent container output",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, app *televps.App, cmd *cobra.Command, args []string) error {
		out, err := app.Controller().Logs(ctx, args[0], logsTail, logsMaxChars)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	}),
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <container>",
	Short: "Remove a container after typing the confirmation keyword",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, app *televps.App, cmd *cobra.Command, args []string) error {
		term := &terminal{w: cmd.OutOrStdout()}
		done := make(chan struct{})
		go func() {
			defer close(done)
			app.Router().Handle(ctx, term, terminalCommand("destroy "+args[0]))
		}()
		feedInput(ctx, app, term, cmd.InOrStdin(), done)
		return nil
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent lifecycle actions",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, app *televps.App, cmd *cobra.Command, args []string) error {
		entries, err := app.Journal().Recent(ctx, historyLimit)
		if err != nil {
			return err
		}
		return renderHistory(cmd.OutOrStdout(), historyOutput, entries)
	}),
}

// simpleCmd builds start, stop and restart.
func simpleCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <container>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, app *televps.App, cmd *cobra.Command, args []string) error {
			app.Router().Handle(ctx, &terminal{w: cmd.OutOrStdout()}, terminalCommand(action+" "+args[0]))
			return nil
		}),
	}
}

func init() {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format: table, json, yaml")
	listCmd.Flags().Uint64Var(&listOwner, "owner", 0, "Only list containers owned by this user id")
	createCmd.Flags().Uint64Var(&createOwnerID, "owner-id", 0, "Chat user id of the owner")
	createCmd.Flags().StringVar(&createTag, "owner-tag", "", "Display name of the owner")
	logsCmd.Flags().IntVar(&logsTail, "tail", 0, "Number of lines (default from config, max 1000)")
	logsCmd.Flags().IntVar(&logsMaxChars, "max-chars", 0, "Keep at most this many characters from the end")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of entries")
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(listCmd, createCmd, sshCmd, logsCmd, destroyCmd, historyCmd,
		simpleCmd("start", "Start a container"),
		simpleCmd("stop", "Stop a container"),
		simpleCmd("restart", "Restart a container"),
	)
}

// withApp builds a local App for the duration of one command.
func withApp(run func(ctx context.Context, app *televps.App, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		app, err := buildLocalApp()
		if err != nil {
			return err
		}
		defer app.Close()
		return run(ctx, app, cmd, args)
	}
}

// feedInput hands lines read from in to the router as chat messages from
// the local operator until done is closed.
func feedInput(ctx context.Context, app *televps.App, term *terminal, in io.Reader, done <-chan struct{}) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			app.Router().Handle(ctx, term, terminalRequest(line))
		}
	}
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func renderVPS(w io.Writer, format string, vpses []model.VPS) error {
	if vpses == nil {
		vpses = []model.VPS{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(vpses)
	case "yaml":
		return yaml.NewEncoder(w).Encode(vpses)
	case "table", "":
		if len(vpses) == 0 {
			fmt.Fprintln(w, "No VPS containers found.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tOWNER\tOWNER ID\tIMAGE\tSTATUS")
		for _, v := range vpses {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", v.Name, v.OwnerTag, v.OwnerID, v.Image, v.Status)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (table, json, yaml)", format)
	}
}

func renderHistory(w io.Writer, format string, entries []*audit.Entry) error {
	if entries == nil {
		entries = []*audit.Entry{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "yaml":
		return yaml.NewEncoder(w).Encode(entries)
	case "table", "":
		if len(entries) == 0 {
			fmt.Fprintln(w, "No recorded actions.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tACTION\tTARGET\tOUTCOME\tBY\tVIA")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Action, e.Target, e.Outcome, e.ActorTag, e.Platform)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (table, json, yaml)", format)
	}
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List scheduled maintenance jobs",
	Long: `List the maintenance jobs loaded from the jobs directory
(TELEVPS_JOBS_DIR, default ~/.televps/jobs). Example job file:

  action: restart
  every: 24h
  targets: [vps_42_abcde]`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, app *televps.App, cmd *cobra.Command, args []string) error {
		if err := app.Scheduler().LoadJobs(); err != nil {
			return err
		}
		jobs := app.Scheduler().Jobs()
		if len(jobs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No jobs in %s.\n", app.Config().JobsDir)
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tACTION\tEVERY\tTARGETS")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.Name, j.Action, j.Every, strings.Join(j.Targets, ","))
		}
		return tw.Flush()
	}),
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}
