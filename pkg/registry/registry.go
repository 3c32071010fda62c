// Package registry reconstructs VPS records from the container engine.
// Ownership is read from container labels on every call; nothing is cached.
package registry

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"

	"github.com/jxucoder/TeleVPS/pkg/engine"
	"github.com/jxucoder/TeleVPS/pkg/model"
)

// Reader lists containers and their owners.
type Reader struct {
	engine engine.Engine
	batch  bool
}

// Option configures a Reader.
type Option func(*Reader)

// WithBatch controls whether labels are looked up with a single inspect
// call for the whole fleet (the default) or one call per container.
func WithBatch(batch bool) Option {
	return func(r *Reader) { r.batch = batch }
}

// New creates a Reader over the given engine.
func New(eng engine.Engine, opts ...Option) *Reader {
	r := &Reader{engine: eng, batch: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type listing struct {
	id, image, name, status string
}

// List returns every container, running or stopped, in engine order.
// Entries whose listing line or metadata cannot be parsed are skipped.
func (r *Reader) List(ctx context.Context) ([]model.VPS, error) {
	res := r.engine.List(ctx)
	if !res.OK() {
		return nil, &model.OperationError{Op: "list", ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	var entries []listing
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, ok := parseListLine(line)
		if !ok {
			log.Printf("registry: skipping malformed listing line %q", line)
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	labels := r.lookupLabels(ctx, entries)

	vpses := make([]model.VPS, 0, len(entries))
	for _, e := range entries {
		raw, ok := labels[e.id]
		if !ok {
			log.Printf("registry: no metadata for %s, skipping", e.id)
			continue
		}
		owner, err := parseOwner(raw)
		if err != nil {
			log.Printf("registry: skipping %s: %v", e.id, err)
			continue
		}
		vpses = append(vpses, model.VPS{
			ContainerID: e.id,
			Name:        e.name,
			OwnerID:     owner.ID,
			OwnerTag:    owner.Tag,
			Image:       e.image,
			Status:      e.status,
		})
	}
	return vpses, nil
}

// ListOwned returns the containers whose owner label equals ownerID.
func (r *Reader) ListOwned(ctx context.Context, ownerID uint64) ([]model.VPS, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var owned []model.VPS
	for _, v := range all {
		if ownerID != 0 && v.OwnerID == ownerID {
			owned = append(owned, v)
		}
	}
	return owned, nil
}

// lookupLabels maps listing IDs to the raw JSON label value from inspect.
// Inspect prints full IDs while ps prints short ones, so lines are matched
// by prefix.
func (r *Reader) lookupLabels(ctx context.Context, entries []listing) map[string]string {
	out := make(map[string]string, len(entries))
	collect := func(stdout string, want []listing) {
		for _, line := range strings.Split(stdout, "\n") {
			fullID, raw, ok := strings.Cut(strings.TrimSpace(line), engine.FieldSep)
			if !ok || fullID == "" {
				continue
			}
			for _, e := range want {
				if strings.HasPrefix(fullID, e.id) {
					out[e.id] = raw
				}
			}
		}
	}

	if r.batch {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.id
		}
		// A container removed between ps and inspect makes docker exit
		// non-zero while still printing the others.
		res := r.engine.Inspect(ctx, ids...)
		collect(res.Stdout, entries)
		return out
	}

	for _, e := range entries {
		res := r.engine.Inspect(ctx, e.id)
		if !res.OK() {
			continue
		}
		collect(res.Stdout, []listing{e})
	}
	return out
}

func parseListLine(line string) (listing, bool) {
	parts := strings.SplitN(line, engine.FieldSep, 4)
	if len(parts) != 4 {
		return listing{}, false
	}
	id := strings.TrimSpace(parts[0])
	if id == "" {
		return listing{}, false
	}
	return listing{
		id:     id,
		image:  strings.TrimSpace(parts[1]),
		name:   strings.TrimSpace(parts[2]),
		status: strings.TrimSpace(parts[3]),
	}, true
}

// parseOwner decodes the label map. Missing labels yield the zero owner and
// the "unknown" tag; a label map that is not valid JSON or an owner ID that
// is not a number is an error.
func parseOwner(raw string) (model.Identity, error) {
	owner := model.Identity{Tag: model.UnknownOwnerTag}

	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return owner, nil
	}
	var labels map[string]string
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return owner, err
	}
	if v := strings.TrimSpace(labels[model.LabelOwnerID]); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return owner, err
		}
		owner.ID = id
	}
	if v := labels[model.LabelOwnerTag]; v != "" {
		owner.Tag = v
	}
	return owner, nil
}
