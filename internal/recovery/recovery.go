// Package recovery restores in-flight work after a restart. Components register a
// Recoverable and the Manager runs them once at startup, before the engine starts
// consuming inbound traffic.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// Recoverable is a component that can restore its state at startup.
type Recoverable interface {
	RecoverState(ctx context.Context) error
}

// RecoverableFunc adapts a function to Recoverable.
type RecoverableFunc func(ctx context.Context) error

// RecoverState calls f.
func (f RecoverableFunc) RecoverState(ctx context.Context) error { return f(ctx) }

type namedRecoverable struct {
	name string
	r    Recoverable
}

// Manager runs registered recoverables in registration order.
type Manager struct {
	recoverables []namedRecoverable
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component. Components run in the order they were registered.
func (m *Manager) Register(name string, r Recoverable) {
	m.recoverables = append(m.recoverables, namedRecoverable{name: name, r: r})
}

// Len returns the number of registered components.
func (m *Manager) Len() int {
	return len(m.recoverables)
}

// RecoverAll runs every component. A failing component does not stop the others;
// the returned error reports how many failed.
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recovered, failed := 0, 0
	for _, nr := range m.recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := nr.r.RecoverState(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", nr.name, "error", err)
			failed++
			continue
		}
		recovered++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recovered, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(m.recoverables))
	}
	return nil
}
