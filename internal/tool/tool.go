// Package tool resolves tool ids to launch definitions. The daemon's
// registry is config-backed and swapped atomically on reload.
package tool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"toolq/internal/job"
)

var ErrUnknownTool = errors.New("unknown tool")

// Definition describes how to launch a tool program and the execution
// defaults it declares.
type Definition struct {
	ID      string
	Command string
	Args    []string
	Env     []string
	WorkDir string

	// DeclaredTimeout is the tool's own per-invocation timeout hint.
	// 0 means the tool declares none.
	DeclaredTimeout time.Duration

	// CacheTTL governs result-cache entries from this tool. 0 disables TTL.
	CacheTTL time.Duration

	// Limits overrides the validator's defaults when non-nil.
	Limits *job.ArgLimits
}

func (d Definition) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("tool id is required")
	}
	if strings.TrimSpace(d.Command) == "" {
		return errors.New("tool " + d.ID + ": command is required")
	}
	return nil
}

// Registry answers tool lookups for the execution pipeline.
type Registry interface {
	Resolve(ctx context.Context, toolID string) (Definition, error)
	List(ctx context.Context) []Definition
}

// StaticRegistry serves definitions from an in-memory table. Replace swaps
// the whole table, so a config reload is atomic from a resolver's view.
type StaticRegistry struct {
	mu   sync.RWMutex
	defs map[string]Definition
	ids  []string
}

func NewStatic(defs []Definition) (*StaticRegistry, error) {
	r := &StaticRegistry{}
	if err := r.Replace(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates and installs a new table. On error the previous table
// stays in effect.
func (r *StaticRegistry) Replace(defs []Definition) error {
	m := make(map[string]Definition, len(defs))
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return err
		}
		if _, dup := m[d.ID]; dup {
			return errors.New("duplicate tool id: " + d.ID)
		}
		m[d.ID] = d
		ids = append(ids, d.ID)
	}
	r.mu.Lock()
	r.defs = m
	r.ids = ids
	r.mu.Unlock()
	return nil
}

func (r *StaticRegistry) Resolve(_ context.Context, toolID string) (Definition, error) {
	r.mu.RLock()
	d, ok := r.defs[toolID]
	r.mu.RUnlock()
	if !ok {
		return Definition{}, ErrUnknownTool
	}
	return d, nil
}

func (r *StaticRegistry) List(_ context.Context) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.defs[id])
	}
	return out
}
