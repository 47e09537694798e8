package packet

import (
	"errors"
	"strings"
	"testing"
)

func ptr(f float64) *float64 { return &f }

func TestEncodeDecodeRoundtrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
	}{
		{"bare", New("node-a", KindPing, "", nil, nil)},
		{"located", New("node-a", KindDistress, "help", ptr(41.0), ptr(29.0))},
		{"zero coordinates", New("node-b", KindSafe, "ok", ptr(0), ptr(0))},
		{"relayed", New("node-c", KindInfo, "road blocked", nil, nil).Relayed().Relayed()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := Encode(tc.pkt)
			if err != nil {
				t.Fatal(err)
			}
			if len(wire) > MaxSize {
				t.Fatalf("encoded size %d > %d", len(wire), MaxSize)
			}
			got, err := Decode(wire)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tc.pkt) {
				t.Fatalf("roundtrip mismatch:\n got %+v\nwant %+v", got, tc.pkt)
			}
		})
	}
}

func TestEncodeTooLarge(t *testing.T) {
	p := New("node-a", KindInfo, strings.Repeat("x", MaxSize), nil, nil)
	_, err := Encode(p)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"empty", ""},
		{"not json", "\x01\x02garbage"},
		{"truncated", `{"id":"abc","senderId":"n","type":"DIST`},
		{"missing id", `{"senderId":"n","type":"SAFE","timestamp":1,"hopCount":0}`},
		{"empty id", `{"id":"","senderId":"n","type":"SAFE","timestamp":1,"hopCount":0}`},
		{"missing sender", `{"id":"a","type":"SAFE","timestamp":1,"hopCount":0}`},
		{"missing type", `{"id":"a","senderId":"n","timestamp":1,"hopCount":0}`},
		{"unknown type", `{"id":"a","senderId":"n","type":"PANIC","timestamp":1,"hopCount":0}`},
		{"missing timestamp", `{"id":"a","senderId":"n","type":"SAFE","hopCount":0}`},
		{"missing hopCount", `{"id":"a","senderId":"n","type":"SAFE","timestamp":1}`},
		{"negative hopCount", `{"id":"a","senderId":"n","type":"SAFE","timestamp":1,"hopCount":-1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.frame))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	frame := `{"id":"abc","senderId":"n1","type":"DISTRESS","timestamp":1700000000000,"hopCount":2,"battery":17,"isProcessed":false}`
	p, err := Decode([]byte(frame))
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "abc" || p.Kind != KindDistress || p.HopCount != 2 {
		t.Fatalf("unexpected packet %+v", p)
	}
	if p.Latitude != nil || p.Message != "" {
		t.Fatalf("optional fields should be absent: %+v", p)
	}
}

func TestNewAssignsUniqueIDs(t *testing.T) {
	a := New("n", KindPing, "", nil, nil)
	b := New("n", KindPing, "", nil, nil)
	if a.ID == b.ID {
		t.Fatal("ids should differ")
	}
	if a.HopCount != 0 {
		t.Fatalf("origin hop count %d", a.HopCount)
	}
}

func TestKindDurable(t *testing.T) {
	for k, want := range map[Kind]bool{
		KindDistress: true, KindSafe: true, KindInfo: true,
		KindPing: false, KindPong: false,
	} {
		if k.Durable() != want {
			t.Errorf("%s.Durable() = %v", k, !want)
		}
	}
}
