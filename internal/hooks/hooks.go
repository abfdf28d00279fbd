// Package hooks is a small typed event bus. Each event carries a payload
// type; callbacks run in registration order and each returns the payload
// handed to the next one.
package hooks

import (
	"context"
	"fmt"
	"sync"
)

// PluginError wraps a callback failure with the event and plugin that raised it
type PluginError struct {
	Event  string
	Plugin string
	Cause  error
}

func (e *PluginError) Error() string {
	if e.Plugin == "" {
		return fmt.Sprintf("%s hook failed: %v", e.Event, e.Cause)
	}
	return fmt.Sprintf("%s hook failed in plugin %s: %v", e.Event, e.Plugin, e.Cause)
}

func (e *PluginError) Unwrap() error {
	return e.Cause
}

// Callback transforms a payload
type Callback[T any] func(ctx context.Context, payload T) (T, error)

// Event names a hook point with payload type T
type Event[T any] struct {
	Name string
}

// NewEvent declares an event
func NewEvent[T any](name string) Event[T] {
	return Event[T]{Name: name}
}

type registration struct {
	plugin string
	fn     any
}

// Bus holds registrations for one build. It is safe for concurrent use,
// although emits of the same event are expected to be serialized by the caller.
type Bus struct {
	mu    sync.RWMutex
	hooks map[string][]registration
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{hooks: map[string][]registration{}}
}

// On registers fn for ev on behalf of plugin
func On[T any](b *Bus, ev Event[T], plugin string, fn Callback[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[ev.Name] = append(b.hooks[ev.Name], registration{plugin: plugin, fn: fn})
}

// Emit runs every callback registered for ev, threading the payload through.
// The first failure stops the chain and is returned as a *PluginError.
func Emit[T any](ctx context.Context, b *Bus, ev Event[T], payload T) (T, error) {
	b.mu.RLock()
	regs := append([]registration(nil), b.hooks[ev.Name]...)
	b.mu.RUnlock()

	for _, reg := range regs {
		if err := ctx.Err(); err != nil {
			return payload, err
		}

		fn, ok := reg.fn.(Callback[T])
		if !ok {
			return payload, &PluginError{
				Event:  ev.Name,
				Plugin: reg.plugin,
				Cause:  fmt.Errorf("callback registered with mismatched payload type %T", reg.fn),
			}
		}

		next, err := fn(ctx, payload)
		if err != nil {
			return payload, &PluginError{Event: ev.Name, Plugin: reg.plugin, Cause: err}
		}
		payload = next
	}

	return payload, nil
}

// Count returns how many callbacks are registered for the named event
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.hooks[name])
}
