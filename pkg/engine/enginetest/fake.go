// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jxucoder/TeleVPS/pkg/engine"
	"github.com/jxucoder/TeleVPS/pkg/procrun"
)

// Container is a simulated container.
type Container struct {
	ID      string
	Name    string
	Image   string
	Status  string
	Restart string
	Labels  map[string]string
	Files   map[string]string
	Logs    string
}

// Fake is an in-memory engine. Containers are addressed by ID or name.
// Fail forces the result of an operation ("create", "start", "stop",
// "restart", "rm", "logs", "ps", "inspect", "exec", "build", "id").
type Fake struct {
	mu         sync.Mutex
	containers []*Container
	images     map[string]bool
	nextID     int

	Fail map[string]procrun.Result
	// ListOutput, when non-nil, replaces the generated List output.
	ListOutput *string
	// InspectOverride maps a container ID to a raw labels JSON value.
	InspectOverride map[string]string
	// ExecHook, when set, handles Exec calls before the default behavior.
	// Returning handled=false falls through to the default.
	ExecHook func(c *Container, argv []string) (res procrun.Result, handled bool)

	calls []string
}

// NewFake creates an empty fake engine.
func NewFake() *Fake {
	return &Fake{
		images:          make(map[string]bool),
		Fail:            make(map[string]procrun.Result),
		InspectOverride: make(map[string]string),
	}
}

// Add registers an existing container and returns it.
func (f *Fake) Add(c Container) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		f.nextID++
		c.ID = fmt.Sprintf("cid%04d", f.nextID)
	}
	if c.Status == "" {
		c.Status = "Up 1 second"
	}
	if c.Files == nil {
		c.Files = make(map[string]string)
	}
	cp := c
	f.containers = append(f.containers, &cp)
	return &cp
}

// AddImage marks an image as present locally.
func (f *Fake) AddImage(image string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[image] = true
}

// Get returns the container with the given ID or name.
func (f *Fake) Get(ref string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(ref)
}

// Containers returns a snapshot of all containers.
func (f *Fake) Containers() []Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Container, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	return out
}

// WriteFile sets a file inside a container.
func (f *Fake) WriteFile(ref, path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.find(ref); c != nil {
		c.Files[path] = content
	}
}

// Calls returns the operations performed so far, as "op ref" strings.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many times op was invoked.
func (f *Fake) CallCount(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == op || strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

func (f *Fake) find(ref string) *Container {
	for _, c := range f.containers {
		if c.ID == ref || c.Name == ref {
			return c
		}
	}
	return nil
}

func (f *Fake) record(op, ref string) (procrun.Result, bool) {
	f.calls = append(f.calls, strings.TrimSpace(op+" "+ref))
	res, forced := f.Fail[op]
	return res, forced
}

func noSuch(ref string) procrun.Result {
	return procrun.Result{ExitCode: 1, Stderr: fmt.Sprintf("Error response from daemon: No such container: %s\n", ref)}
}

func (f *Fake) Create(_ context.Context, opts engine.CreateOptions) procrun.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, forced := f.record("create", opts.Name); forced {
		return res
	}
	if opts.Name != "" && f.find(opts.Name) != nil {
		return procrun.Result{ExitCode: 125, Stderr: fmt.Sprintf(
			"docker: Error response from daemon: Conflict. The container name \"/%s\" is already in use.\n", opts.Name)}
	}
	f.nextID++
	c := &Container{
		ID:      fmt.Sprintf("cid%04d", f.nextID),
		Name:    opts.Name,
		Image:   opts.Image,
		Status:  "Up Less than a second",
		Restart: opts.RestartPolicy,
		Labels:  make(map[string]string),
		Files:   make(map[string]string),
	}
	for _, l := range opts.Labels {
		c.Labels[l.Key] = l.Value
	}
	f.containers = append(f.containers, c)
	return procrun.Result{Stdout: c.ID + "\n"}
}

func (f *Fake) List(_ context.Context) procrun.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, forced := f.record("ps", ""); forced {
		return res
	}
	if f.ListOutput != nil {
		return procrun.Result{Stdout: *f.ListOutput}
	}
	var b strings.Builder
	for _, c := range f.containers {
		fmt.Fprintf(&b, "%s;;%s;;%s;;%s\n", c.ID, c.Image, c.Name, c.Status)
	}
	return procrun.Result{Stdout: b.String()}
}

func (f *Fake) Inspect(_ context.Context, refs ...string) procrun.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, forced := f.record("inspect", strings.Join(refs, " ")); forced {
		return res
	}
	var out, errOut strings.Builder
	for _, ref := range refs {
		c := f.find(ref)
		if c == nil {
			fmt.Fprintf(&errOut, "Error: No such container: %s\n", ref)
			continue
		}
		labels, ok := f.InspectOverride[c.ID]
		if !ok {
			data, _ := json.Marshal(c.Labels)
			labels = string(data)
		}
		fmt.Fprintf(&out, "%s;;%s\n", c.ID, labels)
	}
	res := procrun.Result{Stdout: out.String(), Stderr: errOut.String()}
	if errOut.Len() > 0 {
		res.ExitCode = 1
	}
	return res
}

func (f *Fake) setStatus(op, ref, status string) procrun.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, forced := f.record(op, ref); forced {
		return res
	}
	c := f.find(ref)
	if c == nil {
		return noSuch(ref)
	}
	c.Status = status
	return procrun.Result{Stdout: ref + "\n"}
}

func (f *Fake) Start(_ context.Context, ref string) procrun.Result {
	return f.setStatus("start", ref, "Up Less than a second")
}

func (f *Fake) Stop(_ context.Context, ref string) procrun.Result {
	return f.setStatus("stop", ref, "Exited (0) Less than a second ago")
}

func (f *Fake) Restart(_ context.Context, ref string) procrun.Result {
	return f.setStatus("restart", ref, "Up Less than a second")
}

func (f *Fake) Remove(_ context.Context, ref string) procrun.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, forced := f.record("rm", ref); forced {
		return res
	}
	for i, c := range f.containers {
		if c.ID == ref || c.Name == ref {
			f.containers = append(f.containers[:i], f.containers[i+1:]...)
			return procrun.Result{Stdout: ref + "\n"}
		}
	}
	return noSuch(ref)
}

func (f *Fake) Exec(_ context.Context, ref string, argv []string, _ time.Duration) procrun.Result {
	f.mu.Lock()
	if res, forced := f.record("exec", ref); forced {
		f.mu.Unlock()
		return res
	}
	c := f.find(ref)
	hook := f.ExecHook
	f.mu.Unlock()

	if c == nil {
		return noSuch(ref)
	}
	if hook != nil {
		if res, handled := hook(c, argv); handled {
			return res
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(argv) == 2 && argv[0] == "cat" {
		content, ok := c.Files[argv[1]]
		if !ok {
			return procrun.Result{ExitCode: 1, Stderr: "cat: " + argv[1] + ": No such file or directory\n"}
		}
		return procrun.Result{Stdout: content}
	}
	return procrun.Result{ExitCode: 127, Stderr: "exec: unsupported command in fake\n"}
}

func (f *Fake) Logs(_ context.Context, ref string, tail int) procrun.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, forced := f.record("logs", ref); forced {
		return res
	}
	c := f.find(ref)
	if c == nil {
		return noSuch(ref)
	}
	lines := strings.SplitAfter(c.Logs, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return procrun.Result{Stdout: strings.Join(lines, "")}
}

func (f *Fake) ID(_ context.Context, ref string) procrun.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, forced := f.record("id", ref); forced {
		return res
	}
	c := f.find(ref)
	if c == nil {
		return noSuch(ref)
	}
	return procrun.Result{Stdout: c.ID + "\n"}
}

func (f *Fake) Exists(_ context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exists", name)
	return f.find(name) != nil
}

func (f *Fake) ImageExists(_ context.Context, image string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("image-exists", image)
	return f.images[image]
}

func (f *Fake) Build(_ context.Context, image, _ string) procrun.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, forced := f.record("build", image); forced {
		return res
	}
	f.images[image] = true
	return procrun.Result{}
}

var _ engine.Engine = (*Fake)(nil)
