// Package engine defines the container-engine primitives the lifecycle
// controller depends on. Implementations drive a real engine (see the
// docker subpackage) through the process runner.
package engine

import (
	"context"
	"time"

	"github.com/jxucoder/TeleVPS/pkg/procrun"
)

// FieldSep separates fields in List and Inspect output lines.
const FieldSep = ";;"

// ListFormat is the Go template used for one List output line per container:
// ID, image, name, status.
const ListFormat = "{{.ID}};;{{.Image}};;{{.Names}};;{{.Status}}"

// InspectFormat is the Go template used for one Inspect output line per
// container: full ID and the label map as JSON.
const InspectFormat = "{{.Id}};;{{json .Config.Labels}}"

// Label is a single key=value container label.
type Label struct {
	Key   string
	Value string
}

// CreateOptions configures a new detached container.
type CreateOptions struct {
	Name          string
	Image         string
	RestartPolicy string // e.g. "always"
	Labels        []Label
}

// Engine is the set of engine primitives used by TeleVPS. Every method
// reports the raw command result; callers decide what a failure means.
type Engine interface {
	Create(ctx context.Context, opts CreateOptions) procrun.Result
	List(ctx context.Context) procrun.Result
	Inspect(ctx context.Context, refs ...string) procrun.Result
	Start(ctx context.Context, ref string) procrun.Result
	Stop(ctx context.Context, ref string) procrun.Result
	Restart(ctx context.Context, ref string) procrun.Result
	Remove(ctx context.Context, ref string) procrun.Result
	Exec(ctx context.Context, ref string, argv []string, timeout time.Duration) procrun.Result
	Logs(ctx context.Context, ref string, tail int) procrun.Result
	// ID prints the full ID of the container named or identified by ref.
	ID(ctx context.Context, ref string) procrun.Result
	Exists(ctx context.Context, name string) bool
	ImageExists(ctx context.Context, image string) bool
	Build(ctx context.Context, image, contextDir string) procrun.Result
}
