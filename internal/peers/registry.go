// Package peers keeps the in-memory record of mesh neighbours.
//
// The registry never owns a connection. It remembers where a peer can be
// reached and whether a link to it is currently up; the transport owns the
// link itself. Entries go stale when a peer drifts out of range without a
// clean disconnect, and that is tolerated: they are only dropped when the
// whole registry is cleared.
package peers

import (
	"sort"
	"sync"
	"time"
)

// Record is a remembered counterpart node.
type Record struct {
	ID        string
	Address   string
	LastSeen  time.Time
	RSSI      int
	Connected bool
}

// Registry is a concurrency-safe map of peer id to Record.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Record
}

func New() *Registry {
	return &Registry{byID: make(map[string]*Record)}
}

// Observe inserts or updates the record for a discovery sighting. The
// connected flag is left as is; it changes only through SetConnected.
func (r *Registry) Observe(id, address string, rssi int, seenAt time.Time) (rec Record, isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[id]
	if !ok {
		cur = &Record{ID: id}
		r.byID[id] = cur
	}
	cur.Address = address
	cur.RSSI = rssi
	if seenAt.After(cur.LastSeen) {
		cur.LastSeen = seenAt
	}
	return *cur, !ok
}

// SetConnected updates every record reachable at address. It reports false
// when no known peer uses that address.
func (r *Registry) SetConnected(address string, connected bool) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		found Record
		ok    bool
	)
	for _, rec := range r.byID {
		if rec.Address == address {
			rec.Connected = connected
			found, ok = *rec, true
		}
	}
	return found, ok
}

// Get returns the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ByAddress returns the record reachable at address.
func (r *Registry) ByAddress(address string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byID {
		if rec.Address == address {
			return *rec, true
		}
	}
	return Record{}, false
}

// All returns a snapshot of every record ordered by id.
func (r *Registry) All() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, *rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Clear forgets every peer.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.byID = make(map[string]*Record)
	r.mu.Unlock()
}
