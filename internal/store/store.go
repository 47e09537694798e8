// Package store persists received signals in a local bbolt database.
//
// Records are keyed by packet id, so inserting a signal that is already
// stored is a silent no-op. A secondary index keeps records ordered by the
// time this node received them; queries return newest first.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Operative-001/afetmesh/internal/packet"
	"github.com/Operative-001/afetmesh/internal/stream"
)

var (
	bucketSignals  = []byte("signals")     // id -> JSON Signal
	bucketReceived = []byte("by_received") // receivedAt(8) || id -> id
)

// FileName is the database file created inside the data directory.
const FileName = "signals.db"

var ErrNotFound = errors.New("store: signal not found")

// Signal is a stored alert.
type Signal struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"sender_id"`
	Kind       packet.Kind `json:"kind"`
	CreatedAt  time.Time   `json:"created_at"`
	ReceivedAt time.Time   `json:"received_at"`
	HopCount   int         `json:"hop_count"`
	Latitude   *float64    `json:"latitude,omitempty"`
	Longitude  *float64    `json:"longitude,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// FromPacket builds the record for p as received at receivedAt.
func FromPacket(p packet.Packet, receivedAt time.Time) Signal {
	return Signal{
		ID:         p.ID,
		SenderID:   p.SenderID,
		Kind:       p.Kind,
		CreatedAt:  p.CreatedAt,
		ReceivedAt: receivedAt,
		HopCount:   p.HopCount,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Message:    p.Message,
	}
}

// Store is the signal database.
type Store struct {
	db      *bolt.DB
	changes *stream.Broadcaster[struct{}]
}

// Open opens (or creates) the signal database in dir.
func Open(dir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dir, FileName), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSignals, bucketReceived} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db, changes: stream.New[struct{}](1)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert stores sig unless a record with the same id exists. It reports
// whether the record was newly inserted.
func (s *Store) Insert(ctx context.Context, sig Signal) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if sig.ID == "" {
		return false, errors.New("store: insert: empty id")
	}
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketSignals)
		key := []byte(sig.ID)
		if bkt.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(sig)
		if err != nil {
			return err
		}
		if err := bkt.Put(key, data); err != nil {
			return err
		}
		inserted = true
		return tx.Bucket(bucketReceived).Put(receivedKey(sig), key)
	})
	if err != nil {
		return false, fmt.Errorf("store: insert %s: %w", sig.ID, err)
	}
	if inserted {
		s.changes.Publish(struct{}{})
	}
	return inserted, nil
}

// Get returns the signal with the given id.
func (s *Store) Get(id string) (Signal, error) {
	var sig Signal
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSignals).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &sig)
	})
	return sig, err
}

// All returns every signal, most recently received first.
func (s *Store) All() ([]Signal, error) {
	return s.scan(func(Signal) bool { return true })
}

// ByKind returns the signals of one kind, most recently received first.
func (s *Store) ByKind(kind packet.Kind) ([]Signal, error) {
	return s.scan(func(sig Signal) bool { return sig.Kind == kind })
}

// Count returns the number of stored signals.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketSignals).Stats().KeyN
		return nil
	})
	return n, err
}

// DeleteAll removes every stored signal.
func (s *Store) DeleteAll() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSignals, bucketReceived} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: delete all: %w", err)
	}
	s.changes.Publish(struct{}{})
	return nil
}

// QueryAll is a live view of All: the current result is sent at once and
// again after every change, until ctx is done. A slow reader only ever sees
// the latest result.
func (s *Store) QueryAll(ctx context.Context) <-chan []Signal {
	return s.watch(ctx, s.All)
}

// QueryByKind is a live view of ByKind.
func (s *Store) QueryByKind(ctx context.Context, kind packet.Kind) <-chan []Signal {
	return s.watch(ctx, func() ([]Signal, error) { return s.ByKind(kind) })
}

func (s *Store) watch(ctx context.Context, query func() ([]Signal, error)) <-chan []Signal {
	changed := s.changes.Subscribe(ctx)
	out := make(chan []Signal, 1)
	go func() {
		defer close(out)
		for ok := true; ok; _, ok = <-changed {
			sigs, err := query()
			if err != nil {
				continue
			}
			latest(out, sigs)
		}
	}()
	return out
}

// latest puts v in the single-slot channel, replacing an unread value.
func latest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (s *Store) scan(keep func(Signal) bool) ([]Signal, error) {
	var out []Signal
	err := s.db.View(func(tx *bolt.Tx) error {
		signals := tx.Bucket(bucketSignals)
		c := tx.Bucket(bucketReceived).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			data := signals.Get(id)
			if data == nil {
				continue
			}
			var sig Signal
			if err := json.Unmarshal(data, &sig); err != nil {
				return err
			}
			if keep(sig) {
				out = append(out, sig)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	return out, nil
}

func receivedKey(sig Signal) []byte {
	k := make([]byte, 8, 8+len(sig.ID))
	binary.BigEndian.PutUint64(k, uint64(sig.ReceivedAt.UnixNano()))
	return append(k, sig.ID...)
}
