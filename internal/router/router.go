// Package router implements the flood-routing admission policy.
//
// Every packet seen by a node is offered to Admit. A packet is admitted at
// most once per cache lifetime: the first copy of an id under the hop limit
// wins, every later copy is dropped. Admission does no I/O.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/Operative-001/afetmesh/internal/packet"
)

const (
	DefaultMaxHops    = 5
	DefaultRetention  = 5 * time.Minute
	DefaultMaxEntries = 1000
)

// Config bounds the flood and the duplicate cache.
type Config struct {
	MaxHops    int           // packets with HopCount >= MaxHops are refused
	Retention  time.Duration // cache entries older than this are pruned
	MaxEntries int           // cache size bound
	Now        func() time.Time
}

// Router holds the duplicate cache: packet id -> first admitted at.
type Router struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]time.Time
}

// New creates a Router, filling zero Config fields with defaults.
func New(cfg Config) *Router {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{
		cfg:     cfg,
		entries: make(map[string]time.Time),
	}
}

// MaxHops returns the configured hop limit.
func (r *Router) MaxHops() int { return r.cfg.MaxHops }

// Admit decides whether p should be recorded and relayed.
//
// The hop-limit check runs first and leaves the cache untouched, so a copy
// of the same id arriving later over a shorter path is still judged on its
// own. Once an id is admitted every further copy is refused, whatever its
// hop count.
func (r *Router) Admit(p packet.Packet) bool {
	if p.HopCount >= r.cfg.MaxHops {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.cfg.Now()
	r.pruneLocked(now)
	if _, ok := r.entries[p.ID]; ok {
		return false
	}
	r.entries[p.ID] = now
	return true
}

// Seen reports whether id is currently in the duplicate cache.
func (r *Router) Seen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Len returns the current number of cached ids.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Prune runs one eviction pass.
func (r *Router) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.cfg.Now())
}

// Reap prunes every interval until ctx is done.
func (r *Router) Reap(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.cfg.Retention / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Prune()
		}
	}
}

// pruneLocked drops entries older than Retention, then drops arbitrary
// entries while the cache is over MaxEntries. The size pass is not LRU: map
// iteration order decides which ids go, which is enough to keep the cache
// bounded.
func (r *Router) pruneLocked(now time.Time) {
	for id, seenAt := range r.entries {
		if now.Sub(seenAt) > r.cfg.Retention {
			delete(r.entries, id)
		}
	}
	if len(r.entries) <= r.cfg.MaxEntries {
		return
	}
	for id := range r.entries {
		if len(r.entries) <= r.cfg.MaxEntries {
			break
		}
		delete(r.entries, id)
	}
}
