// Package packet defines the AfetMesh wire record and its codec.
//
// A packet travels as a single length-bounded JSON object. Field names are
// part of the wire contract; unknown fields are ignored so newer nodes can add
// fields without breaking older ones, but every required field must be present.
package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxSize is the largest encoded packet the radio link carries in one message.
const MaxSize = 512

var (
	ErrTooLarge  = errors.New("packet: encoded size exceeds MaxSize")
	ErrMalformed = errors.New("packet: malformed frame")
)

// Kind tags what a packet signals.
type Kind uint8

const (
	KindDistress Kind = iota + 1
	KindSafe
	KindInfo
	KindPing
	KindPong
)

var kindNames = map[Kind]string{
	KindDistress: "DISTRESS",
	KindSafe:     "SAFE",
	KindInfo:     "INFO",
	KindPing:     "PING",
	KindPong:     "PONG",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Durable reports whether packets of this kind are worth persisting.
// Ping and Pong are liveness checks and are never stored.
func (k Kind) Durable() bool {
	return k == KindDistress || k == KindSafe || k == KindInfo
}

func (k Kind) MarshalText() ([]byte, error) {
	s, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("packet: unknown kind %d", uint8(k))
	}
	return []byte(s), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind maps a kind name (DISTRESS, SAFE, ...) to its Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("packet: unknown kind %q", s)
}

// Packet is a signal travelling through the mesh. Only HopCount changes after
// origination, and only on the node that is about to relay it.
type Packet struct {
	ID        string
	SenderID  string
	Kind      Kind
	CreatedAt time.Time
	HopCount  int
	Latitude  *float64
	Longitude *float64
	Message   string
}

// New originates a packet with a fresh id and hop count 0.
// CreatedAt is truncated to the millisecond precision used on the wire.
func New(senderID string, kind Kind, message string, lat, lon *float64) Packet {
	return Packet{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Kind:      kind,
		CreatedAt: time.UnixMilli(time.Now().UnixMilli()),
		Latitude:  lat,
		Longitude: lon,
		Message:   message,
	}
}

// Relayed returns a copy one hop further from the originator.
func (p Packet) Relayed() Packet {
	p.HopCount++
	return p
}

// Equal reports whether two packets carry the same fields.
func (p Packet) Equal(o Packet) bool {
	return p.ID == o.ID &&
		p.SenderID == o.SenderID &&
		p.Kind == o.Kind &&
		p.CreatedAt.Equal(o.CreatedAt) &&
		p.HopCount == o.HopCount &&
		floatPtrEqual(p.Latitude, o.Latitude) &&
		floatPtrEqual(p.Longitude, o.Longitude) &&
		p.Message == o.Message
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// wire is the on-air form. Required fields are pointers so Decode can tell a
// missing field from a zero value.
type wire struct {
	ID        *string  `json:"id"`
	SenderID  *string  `json:"senderId"`
	Kind      *Kind    `json:"type"`
	Timestamp *int64   `json:"timestamp"`
	HopCount  *int     `json:"hopCount"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Encode serialises p. It fails rather than truncates when the result does
// not fit in a single radio message.
func Encode(p Packet) ([]byte, error) {
	ts := p.CreatedAt.UnixMilli()
	b, err := json.Marshal(wire{
		ID:        &p.ID,
		SenderID:  &p.SenderID,
		Kind:      &p.Kind,
		Timestamp: &ts,
		HopCount:  &p.HopCount,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Message:   p.Message,
	})
	if err != nil {
		return nil, fmt.Errorf("packet: encode %s: %w", p.ID, err)
	}
	if len(b) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	return b, nil
}

// Decode parses a frame. Every failure wraps ErrMalformed; the caller is
// expected to drop the frame.
func Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case w.ID == nil || *w.ID == "":
		return Packet{}, fmt.Errorf("%w: missing id", ErrMalformed)
	case w.SenderID == nil:
		return Packet{}, fmt.Errorf("%w: missing senderId", ErrMalformed)
	case w.Kind == nil:
		return Packet{}, fmt.Errorf("%w: missing type", ErrMalformed)
	case w.Timestamp == nil:
		return Packet{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	case w.HopCount == nil:
		return Packet{}, fmt.Errorf("%w: missing hopCount", ErrMalformed)
	case *w.HopCount < 0:
		return Packet{}, fmt.Errorf("%w: negative hopCount", ErrMalformed)
	}
	return Packet{
		ID:        *w.ID,
		SenderID:  *w.SenderID,
		Kind:      *w.Kind,
		CreatedAt: time.UnixMilli(*w.Timestamp),
		HopCount:  *w.HopCount,
		Latitude:  w.Latitude,
		Longitude: w.Longitude,
		Message:   w.Message,
	}, nil
}
