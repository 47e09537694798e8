package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Operative-001/afetmesh/internal/radio"
)

const waitFor = 2 * time.Second

func newTestTransport(t *testing.T, air *radio.Air, nodeID string) (*Transport, *radio.MemoryAdapter) {
	t.Helper()
	ad := air.NewAdapter()
	tr := New(Config{
		Adapter:    ad,
		NodeID:     nodeID,
		RetryDelay: 10 * time.Millisecond, // fast for tests
		AckTimeout: 500 * time.Millisecond,
	})
	return tr, ad
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for event")
	}
	var zero T
	return zero
}

func TestDiscoverConnectExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	air := radio.NewAir()
	defer air.Close()

	a, _ := newTestTransport(t, air, "node-a")
	b, bAd := newTestTransport(t, air, "node-b")
	aSeen := a.DiscoveredPeers(ctx)
	aConns := a.ConnectionEvents(ctx)
	bConns := b.ConnectionEvents(ctx)
	aFrames := a.ReceivedFrames(ctx)
	bFrames := b.ReceivedFrames(ctx)

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()
	air.Beacon()

	s := next(t, aSeen)
	if s.Address != bAd.Address() || s.NodeID != "node-b" {
		t.Fatalf("sighting=%+v", s)
	}

	if err := a.Connect(s.Address); err != nil {
		t.Fatal(err)
	}
	ev := next(t, aConns)
	if !ev.Connected || ev.Role != RoleOutbound || ev.Address != bAd.Address() {
		t.Fatalf("a event=%+v", ev)
	}
	if a.State(bAd.Address()) != StateReady {
		t.Fatalf("state=%s", a.State(bAd.Address()))
	}
	if !a.IsConnected(bAd.Address()) {
		t.Fatal("a should report b as connected")
	}
	ev = next(t, bConns)
	if !ev.Connected || ev.Role != RoleInbound || ev.Address != a.Address() {
		t.Fatalf("b event=%+v", ev)
	}

	n, err := a.SendToAllOutboundPeers([]byte("up"))
	if err != nil || n != 1 {
		t.Fatalf("outbound send n=%d err=%v", n, err)
	}
	f := next(t, bFrames)
	if string(f.Data) != "up" || f.Role != RoleInbound || f.Peer != a.Address() {
		t.Fatalf("b frame=%+v", f)
	}

	// The inbound side learns about the subscription asynchronously.
	eventually(t, "subscription", func() bool {
		n, _ := b.SendToAllInbound([]byte("down"))
		return n == 1
	})
	f = next(t, aFrames)
	if string(f.Data) != "down" || f.Role != RoleOutbound || f.Peer != bAd.Address() {
		t.Fatalf("a frame=%+v", f)
	}

	if err := a.SendToPeerAcked(ctx, bAd.Address(), []byte("acked")); err != nil {
		t.Fatalf("acked send: %v", err)
	}
	next(t, bFrames)
}

func TestPeerWithoutSendEndpointIsNotCapable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	air := radio.NewAir()
	defer air.Close()

	a, _ := newTestTransport(t, air, "node-a")
	foreign := air.NewAdapter()
	_, err := foreign.OpenServer(radio.Service{
		Marker:    radio.ServiceMarker,
		Endpoints: []radio.Endpoint{{ID: radio.EndpointReceive, Props: radio.PropNotify}},
	}, radio.ServerHandler{})
	if err != nil {
		t.Fatal(err)
	}

	conns := a.ConnectionEvents(ctx)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	a.Connect(foreign.Address())
	ev := next(t, conns)
	if ev.Connected || ev.Address != foreign.Address() {
		t.Fatalf("event=%+v", ev)
	}
	if !errors.Is(ev.Err, ErrNotCapable) {
		t.Fatalf("err=%v", ev.Err)
	}
	var ce *ConnError
	if !errors.As(ev.Err, &ce) || ce.Address != foreign.Address() {
		t.Fatalf("want *ConnError, got %T", ev.Err)
	}
	if a.State(foreign.Address()) != StateDisconnected {
		t.Fatalf("state=%s", a.State(foreign.Address()))
	}
	if len(a.OutboundPeers()) != 0 {
		t.Fatalf("outbound table=%v", a.OutboundPeers())
	}
	if err := a.SendToPeer(foreign.Address(), []byte("x")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("send to non-ready peer: %v", err)
	}
}

func TestUnreachablePeerReportsConnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	air := radio.NewAir()
	defer air.Close()

	a, _ := newTestTransport(t, air, "node-a")
	conns := a.ConnectionEvents(ctx)
	a.Start()
	defer a.Stop()

	a.Connect("02:00:00:00:FF:FF")
	ev := next(t, conns)
	if ev.Connected || !errors.Is(ev.Err, radio.ErrUnreachable) {
		t.Fatalf("event=%+v", ev)
	}
}

func TestScanAndAdvertiseRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	air := radio.NewAir()
	defer air.Close()

	a, aAd := newTestTransport(t, air, "node-a")
	b, bAd := newTestTransport(t, air, "node-b")
	aAd.FailNextScans(2)
	bAd.FailNextAdverts(2)

	seen := a.DiscoveredPeers(ctx)
	a.Start()
	defer a.Stop()
	b.Start()
	defer b.Stop()

	s := next(t, seen)
	if s.NodeID != "node-b" {
		t.Fatalf("sighting=%+v", s)
	}
}

func TestStartErrorWhenRadioOff(t *testing.T) {
	air := radio.NewAir()
	defer air.Close()
	a, ad := newTestTransport(t, air, "node-a")
	ad.SetEnabled(false)

	err := a.Start()
	var se *StartError
	if !errors.As(err, &se) || !errors.Is(err, radio.ErrUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if a.Running() {
		t.Fatal("should not be running")
	}

	ad.SetEnabled(true)
	if err := a.Start(); err != nil {
		t.Fatalf("retry start: %v", err)
	}
	a.Stop()
}

func TestStopReleasesLinksAndIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	air := radio.NewAir()
	defer air.Close()

	a, _ := newTestTransport(t, air, "node-a")
	b, bAd := newTestTransport(t, air, "node-b")
	aConns := a.ConnectionEvents(ctx)
	bConns := b.ConnectionEvents(ctx)
	a.Start()
	b.Start()
	defer b.Stop()

	a.Connect(bAd.Address())
	if ev := next(t, aConns); !ev.Connected {
		t.Fatalf("event=%+v", ev)
	}
	next(t, bConns)

	a.Stop()
	a.Stop()
	if a.Running() || len(a.ConnectedPeers()) != 0 {
		t.Fatalf("after stop: running=%v peers=%v", a.Running(), a.ConnectedPeers())
	}
	if _, err := a.SendToAllOutboundPeers([]byte("x")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("send after stop: %v", err)
	}
	if err := a.Connect(bAd.Address()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("connect after stop: %v", err)
	}

	ev := next(t, bConns)
	if ev.Connected || ev.Role != RoleInbound {
		t.Fatalf("b should see the inbound link drop: %+v", ev)
	}
	eventually(t, "b inbound table empty", func() bool { return len(b.InboundPeers()) == 0 })
}

func TestPeerLossEmitsDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	air := radio.NewAir()
	defer air.Close()

	a, _ := newTestTransport(t, air, "node-a")
	b, bAd := newTestTransport(t, air, "node-b")
	conns := a.ConnectionEvents(ctx)
	a.Start()
	defer a.Stop()
	b.Start()

	a.Connect(bAd.Address())
	if ev := next(t, conns); !ev.Connected {
		t.Fatalf("event=%+v", ev)
	}
	b.Stop()
	ev := next(t, conns)
	if ev.Connected || ev.Role != RoleOutbound || ev.Err != nil {
		t.Fatalf("event=%+v", ev)
	}
	if a.State(bAd.Address()) != StateDisconnected {
		t.Fatalf("state=%s", a.State(bAd.Address()))
	}
}

func TestOversizedPayloadRefused(t *testing.T) {
	air := radio.NewAir()
	defer air.Close()
	a, _ := newTestTransport(t, air, "node-a")
	a.Start()
	defer a.Stop()

	big := make([]byte, radio.MaxPayload+1)
	if _, err := a.SendToAllInbound(big); !errors.Is(err, radio.ErrTooLarge) {
		t.Fatalf("inbound: %v", err)
	}
	if _, err := a.SendToAllOutboundPeers(big); !errors.Is(err, radio.ErrTooLarge) {
		t.Fatalf("outbound: %v", err)
	}
}

func TestNoPeersSendsNothing(t *testing.T) {
	air := radio.NewAir()
	defer air.Close()
	a, _ := newTestTransport(t, air, "node-a")
	a.Start()
	defer a.Stop()

	n, err := a.SendToAllInbound([]byte("x"))
	if n != 0 || err != nil {
		t.Fatalf("inbound n=%d err=%v", n, err)
	}
	n, err = a.SendToAllOutboundPeers([]byte("x"))
	if n != 0 || err != nil {
		t.Fatalf("outbound n=%d err=%v", n, err)
	}
}

// heldAcks delays write acknowledgements until the test releases them.
type heldAcks struct {
	*radio.MemoryAdapter
	acks chan func()
}

func (h *heldAcks) Dial(addr string, ch radio.ClientHandler) (radio.ClientConn, error) {
	deliver := ch.WriteResult
	ch.WriteResult = func(endpoint string, err error) {
		h.acks <- func() { deliver(endpoint, err) }
	}
	return h.MemoryAdapter.Dial(addr, ch)
}

func TestLateAckDoesNotCompleteNextWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	air := radio.NewAir()
	defer air.Close()

	held := &heldAcks{MemoryAdapter: air.NewAdapter(), acks: make(chan func(), 4)}
	a := New(Config{Adapter: held, NodeID: "node-a", RetryDelay: 10 * time.Millisecond, AckTimeout: waitFor})
	b, bAd := newTestTransport(t, air, "node-b")
	conns := a.ConnectionEvents(ctx)
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	if err := a.Connect(bAd.Address()); err != nil {
		t.Fatal(err)
	}
	if ev := next(t, conns); !ev.Connected {
		t.Fatalf("event=%+v", ev)
	}

	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	if err := a.SendToPeerAcked(short, bAd.Address(), []byte("first")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first write err=%v, want deadline exceeded", err)
	}

	release := func() {
		t.Helper()
		select {
		case deliver := <-held.acks:
			deliver()
		case <-time.After(waitFor):
			t.Fatal("no acknowledgement from the radio")
		}
	}

	result := make(chan error, 1)
	go func() { result <- a.SendToPeerAcked(ctx, bAd.Address(), []byte("second")) }()

	// The first write's acknowledgement arrives late.
	release()
	select {
	case err := <-result:
		t.Fatalf("second write completed by the first write's ack: err=%v", err)
	case <-time.After(100 * time.Millisecond):
	}

	release()
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("second write err=%v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("second write never acknowledged")
	}
}

// countingDialer counts the dials that reach the radio.
type countingDialer struct {
	*radio.MemoryAdapter
	mu    sync.Mutex
	dials int
}

func (c *countingDialer) Dial(addr string, h radio.ClientHandler) (radio.ClientConn, error) {
	c.mu.Lock()
	c.dials++
	c.mu.Unlock()
	return c.MemoryAdapter.Dial(addr, h)
}

func (c *countingDialer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

func TestDialFromEarlierStartIsDiscarded(t *testing.T) {
	air := radio.NewAir()
	defer air.Close()
	ad := &countingDialer{MemoryAdapter: air.NewAdapter()}
	tr := New(Config{Adapter: ad, NodeID: "node-a", RetryDelay: 10 * time.Millisecond})

	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}
	tr.mu.Lock()
	stale := tr.gen
	tr.mu.Unlock()
	tr.Stop()

	tr.dial(stale, "peer")
	if n := ad.count(); n != 0 {
		t.Fatalf("dial after stop reached the radio %d times", n)
	}

	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}
	defer tr.Stop()
	tr.dial(stale, "peer")
	if n := ad.count(); n != 0 {
		t.Fatalf("stale dial reached the radio %d times", n)
	}
	tr.mu.Lock()
	pending := len(tr.pending)
	tr.mu.Unlock()
	if pending != 0 || tr.State("peer") != StateDisconnected {
		t.Fatalf("pending=%d state=%s", pending, tr.State("peer"))
	}
}

func TestFrameBacklogIsBounded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	air := radio.NewAir()
	defer air.Close()

	tr := New(Config{Adapter: air.NewAdapter(), NodeID: "node-a", QueueLimit: 4})
	frames := tr.ReceivedFrames(ctx)
	conns := tr.ConnectionEvents(ctx)
	if err := tr.Start(); err != nil {
		t.Fatal(err)
	}
	defer tr.Stop()
	tr.mu.Lock()
	gen := tr.gen
	tr.mu.Unlock()

	// Stall the worker while the radio keeps calling back.
	gate := make(chan struct{})
	tr.submit(gen, func() { <-gate })
	h := tr.serverHandler(gen)
	h.Connection("peer", true)
	for i := 0; i < 10; i++ {
		h.Write("peer", radio.EndpointSend, []byte{byte(i)})
	}
	done := make(chan struct{})
	tr.submit(gen, func() { close(done) })
	close(gate)
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("worker did not drain")
	}

	if ev := next(t, conns); !ev.Connected || ev.Address != "peer" || ev.Role != RoleInbound {
		t.Fatalf("link event lost or wrong: %+v", ev)
	}
	var got []byte
	for len(frames) > 0 {
		got = append(got, (<-frames).Data[0])
	}
	if want := []byte{6, 7, 8, 9}; string(got) != string(want) {
		t.Fatalf("frames=%v, want %v", got, want)
	}
}
