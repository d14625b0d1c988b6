package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	appLog "taskcal/internal/log"
)

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Entry is one remembered delivery.
type Entry struct {
	TaskID     string
	OneOff     bool
	Occurrence time.Time
}

// Backend persists entries so a Registry can survive restarts.
type Backend interface {
	Load(ctx context.Context) ([]Entry, error)
	Put(ctx context.Context, e Entry) error
	Close() error
}

// Registry remembers which one-off tasks already fired and the last
// delivered occurrence of each repeating task. Reads are served from
// memory; writes go through to the backend when there is one.
//
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	fired     map[string]struct{}
	delivered map[string]time.Time

	backend Backend
}

// New returns an empty in-memory registry. Its contents are lost when the
// process exits.
func New() *Registry {
	return &Registry{
		fired:     make(map[string]struct{}),
		delivered: make(map[string]time.Time),
	}
}

// NewWithBackend returns a registry preloaded from b.
func NewWithBackend(ctx context.Context, b Backend) (*Registry, error) {
	r := New()
	entries, err := b.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry load: %w", err)
	}
	for _, e := range entries {
		if e.OneOff {
			r.fired[e.TaskID] = struct{}{}
		} else {
			r.delivered[e.TaskID] = e.Occurrence.UTC()
		}
	}
	r.backend = b
	return r, nil
}

// Open builds a registry for the given driver. path is only used by the
// sqlite driver.
func Open(ctx context.Context, driver, path string) (*Registry, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return New(), nil
	case DriverSQLite:
		b, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		r, err := NewWithBackend(ctx, b)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		appLog.Info("registry opened", "driver", DriverSQLite, "path", path, "fired", len(r.fired), "repeating", len(r.delivered))
		return r, nil
	default:
		return nil, fmt.Errorf("registry: unknown driver %q", driver)
	}
}

// Fired reports whether the one-off task id was already delivered.
func (r *Registry) Fired(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.fired[id]
	return ok
}

// MarkFired records a successful one-off delivery. The in-memory mark
// sticks even if persisting it fails.
func (r *Registry) MarkFired(ctx context.Context, id string, occurrence time.Time) error {
	r.mu.Lock()
	r.fired[id] = struct{}{}
	r.mu.Unlock()
	return r.persist(ctx, Entry{TaskID: id, OneOff: true, Occurrence: occurrence.UTC()})
}

// LastDelivered returns the most recent delivered occurrence of a
// repeating task.
func (r *Registry) LastDelivered(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.delivered[id]
	return t, ok
}

// MarkDelivered records a delivered occurrence of a repeating task. Older
// occurrences never replace newer ones.
func (r *Registry) MarkDelivered(ctx context.Context, id string, occurrence time.Time) error {
	occurrence = occurrence.UTC()
	r.mu.Lock()
	if prev, ok := r.delivered[id]; ok && !occurrence.After(prev) {
		r.mu.Unlock()
		return nil
	}
	r.delivered[id] = occurrence
	r.mu.Unlock()
	return r.persist(ctx, Entry{TaskID: id, Occurrence: occurrence})
}

// Len returns the number of remembered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fired) + len(r.delivered)
}

// Close releases the backend, if any.
func (r *Registry) Close() error {
	if r.backend == nil {
		return nil
	}
	return r.backend.Close()
}

func (r *Registry) persist(ctx context.Context, e Entry) error {
	if r.backend == nil {
		return nil
	}
	if err := r.backend.Put(ctx, e); err != nil {
		return fmt.Errorf("registry persist %s: %w", e.TaskID, err)
	}
	return nil
}
