// Package registry is the explicit name->handler table that stands in for
// the source's dynamic dotted-identifier import (spec §9 "Dynamic callable
// dispatch"). The core never resolves code at runtime; a worker process
// registers every callable it supports at startup, and the executor looks
// names up here before invoking them.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// Handler is a registered callable. It receives the positional and keyword
// argument payloads exactly as decoded from the task record, and must
// respect ctx's deadline (spec §4.4): the executor enforces a hard
// process-level timeout regardless, but a cooperative handler returns
// promptly instead of being killed.
type Handler func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error

// Entry pairs a Handler with the declared defaults a bare enqueue call
// falls back to, mirroring the source's @task(queue=..., hard_timeout=...,
// unique=...) decorator metadata (func._task_queue, func._task_hard_timeout,
// func._task_unique).
type Entry struct {
	Handler     Handler
	Queue       string  // "" means "use the caller's/global default"
	HardTimeout float64 // seconds; 0 means "use the caller's/global default"
	Unique      bool
}

// Registry resolves dotted callable identifiers to Entries. Safe for
// concurrent use: workers register everything once at startup before
// serving, but the executor's child process path looks entries up from a
// freshly started instance of the same binary, in a different goroutine
// structure, so reads are always guarded.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces the Entry for name. Registering the same name
// twice is allowed — later registrations win — since a worker process'
// startup sequence is expected to call this deterministically once per
// callable.
func (r *Registry) Register(name string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry
}

// Func registers a bare handler with no declared defaults, for the common
// case of a task with no queue/timeout/unique override.
func (r *Registry) Func(name string, h Handler) {
	r.Register(name, Entry{Handler: h})
}

// Lookup resolves name, reporting ErrUnresolvable if it was never
// registered. This is the "unresolvable callable" error kind of spec §7.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnresolvable, name)
	}
	return e, nil
}

// Names returns every registered callable identifier, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	return names
}

// ErrUnresolvable is wrapped by Lookup when name has no registered Entry.
var ErrUnresolvable = errUnresolvable{}

type errUnresolvable struct{}

func (errUnresolvable) Error() string { return "unresolvable callable" }
