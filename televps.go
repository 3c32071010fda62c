// Package televps is the top-level entry point for TeleVPS.
//
// Use the Builder to compose an application from configuration:
//
//	app, err := televps.NewBuilder().Build()
//	app.Start(ctx)
//
// Or replace individual components:
//
//	app, err := televps.NewBuilder().
//	    WithConfig(cfg).
//	    WithEngine(myEngine).
//	    WithAuditStore(myStore).
//	    Build()
package televps

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jxucoder/TeleVPS/internal/config"
	"github.com/jxucoder/TeleVPS/internal/httpapi"
	"github.com/jxucoder/TeleVPS/internal/metrics"
	"github.com/jxucoder/TeleVPS/pkg/audit"
	sqliteAudit "github.com/jxucoder/TeleVPS/pkg/audit/sqlite"
	"github.com/jxucoder/TeleVPS/pkg/channel"
	"github.com/jxucoder/TeleVPS/pkg/channel/discord"
	"github.com/jxucoder/TeleVPS/pkg/channel/telegram"
	"github.com/jxucoder/TeleVPS/pkg/command"
	"github.com/jxucoder/TeleVPS/pkg/confirm"
	"github.com/jxucoder/TeleVPS/pkg/engine"
	dockerEngine "github.com/jxucoder/TeleVPS/pkg/engine/docker"
	"github.com/jxucoder/TeleVPS/pkg/eventbus"
	"github.com/jxucoder/TeleVPS/pkg/lifecycle"
	slackNotify "github.com/jxucoder/TeleVPS/pkg/notify/slack"
	"github.com/jxucoder/TeleVPS/pkg/procrun"
	"github.com/jxucoder/TeleVPS/pkg/readiness"
	"github.com/jxucoder/TeleVPS/pkg/registry"
	"github.com/jxucoder/TeleVPS/pkg/scheduler"
)

// Builder constructs a TeleVPS App.
type Builder struct {
	config     *config.Config
	engine     engine.Engine
	store      audit.Store
	notifiers  []audit.Notifier
	channels   []channel.Channel
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	noChannels bool
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the configuration. Without it Build calls config.Load.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithEngine sets the container engine implementation.
func (b *Builder) WithEngine(e engine.Engine) *Builder {
	b.engine = e
	return b
}

// WithAuditStore sets the audit store implementation.
func (b *Builder) WithAuditStore(s audit.Store) *Builder {
	b.store = s
	return b
}

// WithNotifier adds an audit notifier.
func (b *Builder) WithNotifier(n audit.Notifier) *Builder {
	b.notifiers = append(b.notifiers, n)
	return b
}

// WithChannel adds a chat channel to the application.
func (b *Builder) WithChannel(ch channel.Channel) *Builder {
	b.channels = append(b.channels, ch)
	return b
}

// WithoutChannels skips the configured Discord and Telegram channels.
// The CLI uses this to drive the controller directly.
func (b *Builder) WithoutChannels() *Builder {
	b.noChannels = true
	return b
}

// WithRegistry registers metrics with reg and serves them from /metrics.
func (b *Builder) WithRegistry(reg *prometheus.Registry) *Builder {
	b.registerer = reg
	b.gatherer = reg
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}
	cfg := b.config

	m := metrics.New(b.registerer)
	poller := readiness.New(b.engine,
		readiness.WithMarkerPath(cfg.MarkerPath),
		readiness.WithInterval(cfg.PollInterval),
		readiness.WithEnsureSession(cfg.EnsureSession, cfg.InstallCmd),
	)
	ctrl := lifecycle.New(b.engine, registry.New(b.engine), poller, cfg.Lifecycle(), lifecycle.WithObserver(m))

	bus := eventbus.NewInMemoryBus()
	gate := confirm.NewGate(bus,
		confirm.WithKeyword(cfg.ConfirmKeyword),
		confirm.WithTimeout(cfg.ConfirmTimeout),
		confirm.WithObserver(m),
	)
	journal := audit.NewJournal(b.store, b.notifiers...)
	router := command.NewRouter(ctrl, gate, bus,
		command.WithPrefix(cfg.BotPrefix),
		command.WithJournal(journal),
	)

	channels := b.channels
	if !b.noChannels {
		channels = append(channels, configuredChannels(cfg, router)...)
	}

	handler := httpapi.New(ctrl,
		httpapi.WithJournal(journal),
		httpapi.WithToken(cfg.APIToken),
		httpapi.WithMetrics(m, b.gatherer),
	)

	return &App{
		config:     cfg,
		scheduler:  scheduler.New(cfg.JobsDir, ctrl, journal),
		engine:     b.engine,
		controller: ctrl,
		gate:       gate,
		bus:        bus,
		journal:    journal,
		router:     router,
		handler:    handler,
		channels:   channels,
	}, nil
}

func configuredChannels(cfg *config.Config, router *command.Router) []channel.Channel {
	var channels []channel.Channel
	if cfg.DiscordEnabled() {
		bot, err := discord.NewBot(cfg.DiscordToken, router)
		if err != nil {
			log.Printf("Warning: failed to initialize Discord bot: %v", err)
		} else {
			channels = append(channels, bot)
			log.Println("Discord bot enabled")
		}
	}
	if cfg.TelegramEnabled() {
		bot, err := telegram.NewBot(cfg.TelegramBotToken, router, cfg.TelegramOperatorIDs)
		if err != nil {
			log.Printf("Warning: failed to initialize Telegram bot: %v", err)
		} else {
			channels = append(channels, bot)
			log.Println("Telegram bot enabled (long polling)")
		}
	}
	return channels
}

// App is a running TeleVPS application.
type App struct {
	config     *config.Config
	engine     engine.Engine
	controller *lifecycle.Controller
	gate       *confirm.Gate
	bus        *eventbus.InMemoryBus
	journal    *audit.Journal
	router     *command.Router
	scheduler  *scheduler.Scheduler
	handler    *httpapi.Server
	channels   []channel.Channel
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.config }

// Controller returns the lifecycle controller.
func (a *App) Controller() *lifecycle.Controller { return a.controller }

// Gate returns the destroy confirmation gate.
func (a *App) Gate() *confirm.Gate { return a.gate }

// Bus returns the inbound chat message bus.
func (a *App) Bus() *eventbus.InMemoryBus { return a.bus }

// Journal returns the audit journal.
func (a *App) Journal() *audit.Journal { return a.journal }

// Router returns the chat command router.
func (a *App) Router() *command.Router { return a.router }

// Scheduler returns the maintenance job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Channels returns the chat channels started by Start.
func (a *App) Channels() []channel.Channel { return a.channels }

// Start starts the HTTP server and all channels. Blocks until ctx is done.
func (a *App) Start(ctx context.Context) error {
	a.checkEngine(ctx)

	if err := a.scheduler.LoadJobs(); err != nil {
		log.Printf("Warning: scheduled jobs not loaded: %v", err)
	} else if n := len(a.scheduler.Jobs()); n > 0 {
		log.Printf("Loaded %d scheduled job(s) from %s", n, a.config.JobsDir)
		go a.scheduler.Run(ctx)
	}

	for _, ch := range a.channels {
		go func() {
			if err := ch.Run(ctx); err != nil {
				log.Printf("%s channel error: %v", ch.Name(), err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    a.config.ServerAddr,
		Handler: a.handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("TeleVPS server listening on %s", a.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.journal.Close()
		return err
	}
	return a.journal.Close()
}

// Close releases the audit store. Use it when the App is built without
// calling Start.
func (a *App) Close() error {
	return a.journal.Close()
}

// checkEngine logs whether the engine answers a version query.
func (a *App) checkEngine(ctx context.Context) {
	v, ok := a.engine.(interface {
		Version(ctx context.Context) procrun.Result
	})
	if !ok {
		return
	}
	res := v.Version(ctx)
	if !res.OK() {
		log.Printf("Warning: container engine is not reachable: %s", strings.TrimSpace(res.Stderr))
		return
	}
	log.Printf("Container engine %s", strings.TrimSpace(res.Stdout))
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// applyDefaults fills in missing fields on the builder.
func applyDefaults(b *Builder) error {
	if b.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		b.config = cfg
	}

	if b.engine == nil {
		b.engine = dockerEngine.New(
			dockerEngine.WithBinary(b.config.DockerBin),
			dockerEngine.WithTimeouts(dockerEngine.Timeouts{
				Launch:    b.config.LaunchTimeout,
				Operation: b.config.OpTimeout,
			}),
		)
	}

	if b.store == nil && b.config.DatabasePath != "" {
		st, err := sqliteAudit.New(b.config.DatabasePath)
		if err != nil {
			return fmt.Errorf("initializing audit store: %w", err)
		}
		b.store = st
	}

	if b.config.SlackEnabled() {
		b.notifiers = append(b.notifiers, slackNotify.New(b.config.SlackBotToken, b.config.SlackAuditChannel))
		log.Println("Slack audit notifications enabled")
	}

	if b.registerer == nil {
		b.registerer = prometheus.DefaultRegisterer
		b.gatherer = prometheus.DefaultGatherer
	}
	return nil
}
