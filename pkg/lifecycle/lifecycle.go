// Package lifecycle provisions VPS containers and runs lifecycle operations
// on them. It keeps no state between calls: ownership lives in container
// labels and every operation is keyed by container ID or name.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/TeleVPS/pkg/confirm"
	"github.com/jxucoder/TeleVPS/pkg/engine"
	"github.com/jxucoder/TeleVPS/pkg/model"
	"github.com/jxucoder/TeleVPS/pkg/procrun"
	"github.com/jxucoder/TeleVPS/pkg/readiness"
	"github.com/jxucoder/TeleVPS/pkg/registry"
)

// Defaults.
const (
	DefaultImage           = "ubuntu-22.04-with-tmate"
	DefaultRestartPolicy   = "always"
	DefaultReadyTimeout    = 120 * time.Second
	DefaultMaxNameAttempts = 3
	DefaultLogTail         = 120
	MaxLogTail             = 1000
	DefaultLogMaxChars     = 1800

	suffixLen = 5
)

// Outcomes reported to an Observer.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// Config holds the controller settings.
type Config struct {
	Image           string
	RestartPolicy   string
	BuildContext    string // when set, a missing image is built from here first
	ReadyTimeout    time.Duration
	MaxNameAttempts int
	LogTail         int
	LogMaxChars     int
}

// DefaultConfig returns the default controller settings.
func DefaultConfig() Config {
	return Config{
		Image:           DefaultImage,
		RestartPolicy:   DefaultRestartPolicy,
		ReadyTimeout:    DefaultReadyTimeout,
		MaxNameAttempts: DefaultMaxNameAttempts,
		LogTail:         DefaultLogTail,
		LogMaxChars:     DefaultLogMaxChars,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Image == "" {
		c.Image = d.Image
	}
	if c.RestartPolicy == "" {
		c.RestartPolicy = d.RestartPolicy
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.MaxNameAttempts <= 0 {
		c.MaxNameAttempts = d.MaxNameAttempts
	}
	if c.LogTail <= 0 {
		c.LogTail = d.LogTail
	}
	if c.LogTail > MaxLogTail {
		c.LogTail = MaxLogTail
	}
	if c.LogMaxChars <= 0 {
		c.LogMaxChars = d.LogMaxChars
	}
	return c
}

// Observer receives the outcome and duration of every operation.
type Observer interface {
	ObserveOperation(op, outcome string, d time.Duration)
	ObserveReadiness(outcome string, d time.Duration)
}

// ProvisionRequest describes a new VPS.
type ProvisionRequest struct {
	Owner model.Identity
	Image string // empty uses the configured image
	// Progress, when set, is called once the container is running and the
	// readiness wait begins.
	Progress func(p *Provisioned)
}

// Provisioned describes a launched VPS.
type Provisioned struct {
	ContainerID string
	Name        string
	Image       string
	Owner       model.Identity
	Token       string
}

// Controller runs provisioning and lifecycle operations.
type Controller struct {
	engine   engine.Engine
	registry *registry.Reader
	poller   *readiness.Poller
	cfg      Config
	observer Observer
	suffix   func() string
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver reports operation outcomes to o.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithSuffixFunc replaces the random name suffix generator.
func WithSuffixFunc(fn func() string) Option {
	return func(c *Controller) {
		if fn != nil {
			c.suffix = fn
		}
	}
}

// New creates a Controller.
func New(eng engine.Engine, reg *registry.Reader, poller *readiness.Poller, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		engine:   eng,
		registry: reg,
		poller:   poller,
		cfg:      cfg.withDefaults(),
		suffix:   randomSuffix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective settings.
func (c *Controller) Config() Config { return c.cfg }

// Provision launches a container owned by req.Owner and waits for its
// readiness token. A launch failure returns model.ErrLaunchFailed and no
// record. A readiness timeout returns the record of the running container
// together with model.ErrReadinessTimeout.
func (c *Controller) Provision(ctx context.Context, req ProvisionRequest) (*Provisioned, error) {
	start := time.Now()
	p, err := c.provision(ctx, req)
	switch {
	case err == nil:
		c.observe("provision", OutcomeOK, start)
	case p != nil:
		c.observe("provision", OutcomeTimeout, start)
	default:
		c.observe("provision", OutcomeFailed, start)
	}
	return p, err
}

func (c *Controller) provision(ctx context.Context, req ProvisionRequest) (*Provisioned, error) {
	if !req.Owner.Known() {
		return nil, fmt.Errorf("%w: owner has no numeric id", model.ErrResolution)
	}
	image := req.Image
	if image == "" {
		image = c.cfg.Image
	}
	tag := req.Owner.Tag
	if tag == "" {
		tag = model.UnknownOwnerTag
	}

	c.buildIfMissing(ctx, image)

	name, containerID, err := c.launch(ctx, req.Owner.ID, tag, image)
	if err != nil {
		return nil, err
	}
	log.Printf("Provisioned %s (%s) for %s", name, shortID(containerID), tag)

	p := &Provisioned{
		ContainerID: containerID,
		Name:        name,
		Image:       image,
		Owner:       model.Identity{ID: req.Owner.ID, Tag: tag},
	}
	if req.Progress != nil {
		req.Progress(p)
	}

	waitStart := time.Now()
	res := c.poller.WaitReady(ctx, containerID, c.cfg.ReadyTimeout)
	if !res.Ready {
		outcome := OutcomeTimeout
		if res.Reason == readiness.ReasonCanceled {
			outcome = readiness.ReasonCanceled
		}
		c.observeReadiness(outcome, waitStart)
		log.Printf("Readiness for %s not reached after %d probes: %s", name, res.Attempts, res.Reason)
		if ctx.Err() != nil {
			return p, fmt.Errorf("%w: %s: %w", model.ErrReadinessTimeout, name, ctx.Err())
		}
		return p, fmt.Errorf("%w: %s: %s", model.ErrReadinessTimeout, name, res.Reason)
	}
	c.observeReadiness(OutcomeOK, waitStart)
	p.Token = res.Token
	return p, nil
}

// launch allocates a unique name and creates the container. Names already
// in use, whether found by the pre-check or reported by the engine as a
// conflict, are regenerated up to MaxNameAttempts times.
func (c *Controller) launch(ctx context.Context, ownerID uint64, tag, image string) (name, containerID string, err error) {
	for attempt := 1; attempt <= c.cfg.MaxNameAttempts; attempt++ {
		name = fmt.Sprintf("vps_%d_%s", ownerID, c.suffix())
		if c.engine.Exists(ctx, name) {
			log.Printf("Name %s already in use (attempt %d/%d)", name, attempt, c.cfg.MaxNameAttempts)
			continue
		}

		res := c.engine.Create(ctx, engine.CreateOptions{
			Name:          name,
			Image:         image,
			RestartPolicy: c.cfg.RestartPolicy,
			Labels: []engine.Label{
				{Key: model.LabelOwnerID, Value: fmt.Sprintf("%d", ownerID)},
				{Key: model.LabelOwnerTag, Value: tag},
			},
		})
		if res.OK() {
			containerID = firstLine(res.Stdout)
			if containerID == "" {
				containerID = name
			}
			return name, containerID, nil
		}
		if isNameConflict(res.Stderr) {
			log.Printf("Name %s taken during create (attempt %d/%d)", name, attempt, c.cfg.MaxNameAttempts)
			continue
		}
		return "", "", &model.OperationError{
			Op:       "launch",
			Target:   name,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			Kind:     model.ErrLaunchFailed,
		}
	}
	return "", "", fmt.Errorf("%w: no free container name for owner %d after %d attempts",
		model.ErrLaunchFailed, ownerID, c.cfg.MaxNameAttempts)
}

// buildIfMissing builds the image from the configured build context when it
// is not present locally. Failures are logged and the launch proceeds.
func (c *Controller) buildIfMissing(ctx context.Context, image string) {
	if c.cfg.BuildContext == "" || c.engine.ImageExists(ctx, image) {
		return
	}
	log.Printf("Image %s not found, building from %s", image, c.cfg.BuildContext)
	start := time.Now()
	res := c.engine.Build(ctx, image, c.cfg.BuildContext)
	if !res.OK() {
		c.observe("build", OutcomeFailed, start)
		log.Printf("Build of %s failed (exit %d): %s", image, res.ExitCode, strings.TrimSpace(res.Stderr))
		return
	}
	c.observe("build", OutcomeOK, start)
}

// Start starts a stopped container.
func (c *Controller) Start(ctx context.Context, ref string) error {
	return c.passthrough(ctx, "start", ref, c.engine.Start)
}

// Stop stops a running container.
func (c *Controller) Stop(ctx context.Context, ref string) error {
	return c.passthrough(ctx, "stop", ref, c.engine.Stop)
}

// Restart restarts a container.
func (c *Controller) Restart(ctx context.Context, ref string) error {
	return c.passthrough(ctx, "restart", ref, c.engine.Restart)
}

// Destroy force-removes a container. It requires an unused approval for the
// same target from the confirmation gate; the approval is consumed even if
// the engine then fails.
func (c *Controller) Destroy(ctx context.Context, ref string, approval *confirm.Approval) error {
	if !approval.Consume(ref) {
		return fmt.Errorf("%w: %s", model.ErrNotApproved, ref)
	}
	return c.passthrough(ctx, "destroy", ref, c.engine.Remove)
}

func (c *Controller) passthrough(ctx context.Context, op, ref string, call func(context.Context, string) procrun.Result) error {
	if strings.TrimSpace(ref) == "" {
		return &model.OperationError{Op: op, Stderr: "no container given"}
	}
	start := time.Now()
	res := call(ctx, ref)
	if !res.OK() {
		c.observe(op, OutcomeFailed, start)
		return &model.OperationError{Op: op, Target: ref, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	c.observe(op, OutcomeOK, start)
	return nil
}

// Resolve returns the full ID of the container named or identified by ref.
func (c *Controller) Resolve(ctx context.Context, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", &model.OperationError{Op: "resolve", Stderr: "no container given"}
	}
	res := c.engine.ID(ctx, ref)
	id := strings.TrimSpace(res.Stdout)
	if !res.OK() || id == "" {
		stderr := res.Stderr
		if stderr == "" {
			stderr = "no such container: " + ref
		}
		exit := res.ExitCode
		if exit == 0 {
			exit = 1
		}
		return "", &model.OperationError{Op: "resolve", Target: ref, ExitCode: exit, Stderr: stderr}
	}
	return id, nil
}

// Logs returns the last tail lines of a container's output, cut to at most
// maxChars characters from the end. Zero values use the configured
// defaults; tail is capped at MaxLogTail.
func (c *Controller) Logs(ctx context.Context, ref string, tail, maxChars int) (string, error) {
	if tail <= 0 {
		tail = c.cfg.LogTail
	}
	if tail > MaxLogTail {
		tail = MaxLogTail
	}
	if maxChars <= 0 {
		maxChars = c.cfg.LogMaxChars
	}

	start := time.Now()
	res := c.engine.Logs(ctx, ref, tail)
	if !res.OK() {
		c.observe("logs", OutcomeFailed, start)
		return "", &model.OperationError{Op: "logs", Target: ref, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	c.observe("logs", OutcomeOK, start)
	return model.Tail(res.Stdout, maxChars), nil
}

// Link reads the readiness token of an existing container once. An empty
// token means the session is not ready yet.
func (c *Controller) Link(ctx context.Context, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", &model.OperationError{Op: "link", Stderr: "no container given"}
	}
	token, reason := c.poller.Probe(ctx, ref)
	if token == "" && reason != readiness.ReasonEmpty && !c.engine.Exists(ctx, ref) {
		return "", &model.OperationError{Op: "link", Target: ref, ExitCode: 1, Stderr: reason}
	}
	return token, nil
}

// List returns every container with its owner.
func (c *Controller) List(ctx context.Context) ([]model.VPS, error) {
	start := time.Now()
	vpses, err := c.registry.List(ctx)
	c.observeErr("list", err, start)
	return vpses, err
}

// ListOwned returns the containers owned by ownerID.
func (c *Controller) ListOwned(ctx context.Context, ownerID uint64) ([]model.VPS, error) {
	start := time.Now()
	vpses, err := c.registry.ListOwned(ctx, ownerID)
	c.observeErr("list", err, start)
	return vpses, err
}

func (c *Controller) observeErr(op string, err error, start time.Time) {
	if err != nil {
		c.observe(op, OutcomeFailed, start)
		return
	}
	c.observe(op, OutcomeOK, start)
}

func (c *Controller) observe(op, outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveOperation(op, outcome, time.Since(start))
	}
}

func (c *Controller) observeReadiness(outcome string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveReadiness(outcome, time.Since(start))
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}

func isNameConflict(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "conflict") && strings.Contains(s, "already in use")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
