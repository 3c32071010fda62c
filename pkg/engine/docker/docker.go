// Package docker implements engine.Engine on top of the docker CLI.
package docker

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/jxucoder/TeleVPS/pkg/engine"
	"github.com/jxucoder/TeleVPS/pkg/procrun"
)

// Timeouts bounds each class of docker invocation.
type Timeouts struct {
	Launch    time.Duration // docker run
	Operation time.Duration // start/stop/restart/rm/logs
	Inspect   time.Duration // ps/inspect
	Build     time.Duration // docker build
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Launch:    30 * time.Second,
		Operation: 60 * time.Second,
		Inspect:   20 * time.Second,
		Build:     15 * time.Minute,
	}
}

// Runtime implements engine.Engine using the docker binary.
type Runtime struct {
	dockerBin string
	runner    procrun.Runner
	timeouts  Timeouts
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithBinary sets the docker binary path. An empty path keeps the default.
func WithBinary(path string) Option {
	return func(r *Runtime) {
		if path != "" {
			r.dockerBin = path
		}
	}
}

// WithRunner replaces the process runner.
func WithRunner(runner procrun.Runner) Option {
	return func(r *Runtime) { r.runner = runner }
}

// WithTimeouts overrides the per-operation timeouts. Zero fields keep
// their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(r *Runtime) {
		if t.Launch > 0 {
			r.timeouts.Launch = t.Launch
		}
		if t.Operation > 0 {
			r.timeouts.Operation = t.Operation
		}
		if t.Inspect > 0 {
			r.timeouts.Inspect = t.Inspect
		}
		if t.Build > 0 {
			r.timeouts.Build = t.Build
		}
	}
}

// New creates a new docker Runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		runner:   procrun.New(),
		timeouts: DefaultTimeouts(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dockerBin == "" {
		r.dockerBin = FindDocker()
	}
	return r
}

// FindDocker locates the docker binary, checking PATH first and then
// well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func FindDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
		"/usr/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

// Binary returns the docker binary in use.
func (r *Runtime) Binary() string { return r.dockerBin }

func (r *Runtime) docker(ctx context.Context, timeout time.Duration, args ...string) procrun.Result {
	return r.runner.Run(ctx, timeout, r.dockerBin, args...)
}

// Create starts a detached container with a restart policy and labels.
// stdout carries the new container ID on success.
func (r *Runtime) Create(ctx context.Context, opts engine.CreateOptions) procrun.Result {
	args := []string{"run", "-d"}
	if opts.RestartPolicy != "" {
		args = append(args, "--restart", opts.RestartPolicy)
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	for _, l := range opts.Labels {
		args = append(args, "--label", l.Key+"="+l.Value)
	}
	args = append(args, opts.Image)
	return r.docker(ctx, r.timeouts.Launch, args...)
}

// List reports every container, running or stopped, one line each in
// engine.ListFormat.
func (r *Runtime) List(ctx context.Context) procrun.Result {
	return r.docker(ctx, r.timeouts.Inspect, "ps", "-a", "--format", engine.ListFormat)
}

// Inspect reports one engine.InspectFormat line per reference. Unknown
// references make docker exit non-zero but the known ones are still printed.
func (r *Runtime) Inspect(ctx context.Context, refs ...string) procrun.Result {
	args := append([]string{"inspect", "--type", "container", "--format", engine.InspectFormat}, refs...)
	return r.docker(ctx, r.timeouts.Inspect, args...)
}

// Start starts a stopped container.
func (r *Runtime) Start(ctx context.Context, ref string) procrun.Result {
	return r.docker(ctx, r.timeouts.Operation, "start", ref)
}

// Stop stops a running container.
func (r *Runtime) Stop(ctx context.Context, ref string) procrun.Result {
	return r.docker(ctx, r.timeouts.Operation, "stop", ref)
}

// Restart restarts a container.
func (r *Runtime) Restart(ctx context.Context, ref string) procrun.Result {
	return r.docker(ctx, r.timeouts.Operation, "restart", ref)
}

// Remove force-removes a container, killing it first if it is running.
func (r *Runtime) Remove(ctx context.Context, ref string) procrun.Result {
	return r.docker(ctx, r.timeouts.Operation, "rm", "-f", ref)
}

// Exec runs argv inside a running container and collects its output.
func (r *Runtime) Exec(ctx context.Context, ref string, argv []string, timeout time.Duration) procrun.Result {
	args := append([]string{"exec", ref}, argv...)
	return r.docker(ctx, timeout, args...)
}

// Logs returns the last tail lines of the container's output.
func (r *Runtime) Logs(ctx context.Context, ref string, tail int) procrun.Result {
	return r.docker(ctx, r.timeouts.Operation, "logs", "--tail", strconv.Itoa(tail), ref)
}

// ID prints the full ID of the container with the given name, ID or ID
// prefix.
func (r *Runtime) ID(ctx context.Context, ref string) procrun.Result {
	return r.docker(ctx, r.timeouts.Inspect, "container", "inspect", "--format", "{{.Id}}", ref)
}

// Exists reports whether a container with the given name or ID exists.
func (r *Runtime) Exists(ctx context.Context, name string) bool {
	return r.ID(ctx, name).OK()
}

// ImageExists reports whether the image is available locally.
func (r *Runtime) ImageExists(ctx context.Context, image string) bool {
	return r.docker(ctx, r.timeouts.Inspect, "image", "inspect", "--format", "{{.Id}}", image).OK()
}

// Build builds contextDir and tags the result as image.
func (r *Runtime) Build(ctx context.Context, image, contextDir string) procrun.Result {
	return r.docker(ctx, r.timeouts.Build, "build", "-t", image, contextDir)
}

// Version reports the docker server version; a failure means the daemon is
// unreachable.
func (r *Runtime) Version(ctx context.Context) procrun.Result {
	return r.docker(ctx, r.timeouts.Inspect, "version", "--format", "{{.Server.Version}}")
}

var _ engine.Engine = (*Runtime)(nil)
