// Package lifecycle turns the presentation layer's visibility into one explicit signal.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
)

// Listener reacts to a visibility change.
type Listener func(ctx context.Context, visible bool)

// Visibility fans a visible/hidden signal out to its listeners. It starts visible.
type Visibility struct {
	mu        sync.Mutex
	visible   bool
	listeners []Listener
	logger    *slog.Logger
}

// NewVisibility returns a visible signal.
func NewVisibility(logger *slog.Logger) *Visibility {
	if logger == nil {
		logger = slog.Default()
	}
	return &Visibility{visible: true, logger: logger}
}

// OnChange registers l. Listeners run in registration order on the caller of Set.
func (v *Visibility) OnChange(l Listener) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, l)
}

// Visible reports the current value.
func (v *Visibility) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

// Set updates the signal. Setting the current value again does nothing.
func (v *Visibility) Set(ctx context.Context, visible bool) {
	v.mu.Lock()
	if v.visible == visible {
		v.mu.Unlock()
		return
	}
	v.visible = visible
	listeners := append([]Listener(nil), v.listeners...)
	v.mu.Unlock()

	v.logger.Debug("visibility changed", slog.Bool("visible", visible))
	for _, l := range listeners {
		l(ctx, visible)
	}
}
