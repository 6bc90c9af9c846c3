package facade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Point names a hook extension point. Only insert and update carry
// hooks; delete and upsert are irreversible and never do.
type Point string

const (
	BeforeInsert Point = "before_insert"
	AfterInsert  Point = "after_insert"
	BeforeUpdate Point = "before_update"
	AfterUpdate  Point = "after_update"
)

// Hook observes a data operation. A hook error is logged and never
// aborts the operation it observes.
type Hook func(ctx context.Context, table string, fields []string, values []any) error

// Hooks is a registry of named callbacks bound to extension points.
// Callbacks are registered once under a stable string key and then
// bound by key, so configuration can reference hooks by name.
type Hooks struct {
	mu    sync.Mutex
	named map[string]Hook
	bound map[Point][]string
}

func NewHooks() *Hooks {
	return &Hooks{named: map[string]Hook{}, bound: map[Point][]string{}}
}

func (h *Hooks) Register(name string, fn Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.named[name] = fn
}

// Bind attaches a registered callback to a point. Unknown names fail
// at bind time, not at dispatch time.
func (h *Hooks) Bind(point Point, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.named[name]; !ok {
		return fmt.Errorf("hook %q is not registered", name)
	}
	h.bound[point] = append(h.bound[point], name)
	return nil
}

func (h *Hooks) run(ctx context.Context, logger *slog.Logger, point Point, table string, fields []string, values []any) {
	h.mu.Lock()
	names := append([]string(nil), h.bound[point]...)
	fns := make([]Hook, len(names))
	for i, name := range names {
		fns[i] = h.named[name]
	}
	h.mu.Unlock()

	for i, fn := range fns {
		if err := fn(ctx, table, fields, values); err != nil {
			logger.Error("hook failed", "point", string(point), "hook", names[i], "table", table, "error", err)
		}
	}
}
