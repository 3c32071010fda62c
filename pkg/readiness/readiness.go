// Package readiness waits for the remote-terminal marker file to appear
// inside a freshly launched container.
package readiness

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jxucoder/TeleVPS/pkg/engine"
	"github.com/jxucoder/TeleVPS/pkg/procrun"
)

// Defaults.
const (
	DefaultMarkerPath   = "/tmp/tmate-ssh.txt"
	DefaultInterval     = 2 * time.Second
	DefaultProbeTimeout = 15 * time.Second
	DefaultInstallCmd   = "apt-get update && apt-get install -y tmate"
	DefaultSocket       = "/tmp/tmate.sock"

	sessionTimeout = 60 * time.Second
	installTimeout = 10 * time.Minute
)

// Reasons reported when a wait ends without a token.
const (
	ReasonCanceled = "canceled"
	ReasonTimeout  = "timeout"
	ReasonEmpty    = "marker empty"
)

// Result is the outcome of a readiness wait.
type Result struct {
	Token    string
	Ready    bool
	Reason   string
	Attempts int
}

// Poller probes a container for its readiness marker at a fixed interval.
type Poller struct {
	engine       engine.Engine
	markerPath   string
	interval     time.Duration
	probeTimeout time.Duration
	ensure       bool
	installCmd   string
	socket       string
}

// Option configures a Poller.
type Option func(*Poller)

// WithMarkerPath sets the file read inside the container.
func WithMarkerPath(path string) Option {
	return func(p *Poller) {
		if path != "" {
			p.markerPath = path
		}
	}
}

// WithInterval sets the delay between probes.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithProbeTimeout bounds each individual probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.probeTimeout = d
		}
	}
}

// WithEnsureSession makes WaitReady start a tmate session itself when the
// first probe finds no marker. installCmd is run through sh when tmate is
// missing from the image; empty keeps the default.
func WithEnsureSession(enabled bool, installCmd string) Option {
	return func(p *Poller) {
		p.ensure = enabled
		if installCmd != "" {
			p.installCmd = installCmd
		}
	}
}

// New creates a Poller.
func New(eng engine.Engine, opts ...Option) *Poller {
	p := &Poller{
		engine:       eng,
		markerPath:   DefaultMarkerPath,
		interval:     DefaultInterval,
		probeTimeout: DefaultProbeTimeout,
		installCmd:   DefaultInstallCmd,
		socket:       DefaultSocket,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MarkerPath returns the marker file path read by probes.
func (p *Poller) MarkerPath() string { return p.markerPath }

// Probe reads the marker once. It returns the trimmed token, or an empty
// token and the reason nothing was read.
func (p *Poller) Probe(ctx context.Context, containerID string) (token, reason string) {
	res := p.engine.Exec(ctx, containerID, []string{"cat", p.markerPath}, p.probeTimeout)
	if !res.OK() {
		return "", failureReason(res)
	}
	token = strings.TrimSpace(res.Stdout)
	if token == "" {
		return "", ReasonEmpty
	}
	return token, ""
}

// WaitReady probes until the marker holds a token, the timeout elapses, or
// ctx is canceled. A timeout <= 0 waits until ctx is done. In-flight probes
// are killed when the wait ends.
func (p *Poller) WaitReady(ctx context.Context, containerID string, timeout time.Duration) Result {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		res      Result
		ensured  = !p.ensure
		lastNote string
		setupErr error
	)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		token, reason := p.Probe(waitCtx, containerID)
		res.Attempts++
		if token != "" {
			res.Token = token
			res.Ready = true
			res.Reason = ""
			return res
		}
		if reason != "" {
			lastNote = reason
		}

		if waitCtx.Err() == nil && !ensured {
			ensured = true
			if setupErr = p.ensureSession(waitCtx, containerID); setupErr != nil {
				log.Printf("readiness: ensure session for %s: %v", containerID, setupErr)
			}
			if waitCtx.Err() == nil {
				continue
			}
		}

		select {
		case <-waitCtx.Done():
			if setupErr != nil {
				lastNote = setupErr.Error()
			}
			res.Reason = endReason(ctx, lastNote)
			return res
		case <-ticker.C:
		}
	}
}

func endReason(parent context.Context, last string) string {
	if parent.Err() != nil {
		return ReasonCanceled
	}
	if last == "" || last == ReasonEmpty {
		return ReasonTimeout
	}
	return ReasonTimeout + ": " + last
}

// ensureSession makes sure tmate is installed, starts a detached session
// and writes its SSH and web links to the marker file.
func (p *Poller) ensureSession(ctx context.Context, containerID string) error {
	if res := p.sh(ctx, containerID, "command -v tmate", p.probeTimeout); !res.OK() {
		log.Printf("readiness: tmate missing in %s, installing", containerID)
		if res := p.sh(ctx, containerID, p.installCmd, installTimeout); !res.OK() {
			return fmt.Errorf("install tmate: %s", failureReason(res))
		}
	}

	tmate := func(args ...string) procrun.Result {
		argv := append([]string{"tmate", "-S", p.socket}, args...)
		return p.engine.Exec(ctx, containerID, argv, sessionTimeout)
	}
	if res := tmate("new-session", "-d"); !res.OK() {
		return fmt.Errorf("start tmate session: %s", failureReason(res))
	}
	if res := tmate("wait", "tmate-ready"); !res.OK() {
		return fmt.Errorf("wait for tmate session: %s", failureReason(res))
	}
	ssh := tmate("display", "-p", "#{tmate_ssh}")
	if !ssh.OK() {
		return fmt.Errorf("read tmate ssh link: %s", failureReason(ssh))
	}
	web := tmate("display", "-p", "#{tmate_web}")
	if !web.OK() {
		return fmt.Errorf("read tmate web link: %s", failureReason(web))
	}

	content := fmt.Sprintf("SSH: %s\nWeb: %s", strings.TrimSpace(ssh.Stdout), strings.TrimSpace(web.Stdout))
	// Content and path travel as positional parameters, never as script text.
	write := p.engine.Exec(ctx, containerID,
		[]string{"sh", "-c", `printf '%s\n' "$1" > "$2"`, "sh", content, p.markerPath}, p.probeTimeout)
	if !write.OK() {
		return fmt.Errorf("write marker: %s", failureReason(write))
	}
	return nil
}

func (p *Poller) sh(ctx context.Context, containerID, script string, timeout time.Duration) procrun.Result {
	return p.engine.Exec(ctx, containerID, []string{"sh", "-c", script}, timeout)
}

func failureReason(res procrun.Result) string {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit code %d", res.ExitCode)
}
