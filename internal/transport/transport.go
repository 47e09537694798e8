// Package transport manages a node's radio links in both roles at once.
//
// As a server the node advertises the mesh service and accepts peers that
// connect to it; their frames arrive as writes to the send endpoint and are
// answered with notifications on the receive endpoint. As a client the node
// dials peers it discovers, checks that they expose both mesh endpoints,
// subscribes to their receive endpoint and writes to their send endpoint.
//
// The two roles keep separate connection tables. Every radio callback is
// handed to an internal worker queue, so the radio's dispatch context never
// blocks, and all events leave through bounded drop-oldest streams.
package transport

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Operative-001/afetmesh/internal/radio"
	"github.com/Operative-001/afetmesh/internal/stream"
)

const (
	DefaultRetryDelay  = 5 * time.Second
	DefaultEventBuffer = 64
	DefaultAckTimeout  = 2 * time.Second
	DefaultQueueLimit  = 256
)

// Role says which side of a link this node is on.
type Role uint8

const (
	RoleInbound  Role = iota // peer connected to us
	RoleOutbound             // we connected to the peer
)

func (r Role) String() string {
	if r == RoleOutbound {
		return "outbound"
	}
	return "inbound"
}

// Sighting is a discovered peer.
type Sighting struct {
	Address string
	NodeID  string // advertised node id, or Address when none was advertised
	RSSI    int
	SeenAt  time.Time
}

// Frame is one payload received from a peer over either role.
type Frame struct {
	Peer string
	Role Role
	Data []byte
}

// ConnEvent reports a link coming up or going down. Err is set when a link
// attempt failed.
type ConnEvent struct {
	Address   string
	Connected bool
	Role      Role
	Err       error
}

// Config configures a Transport.
type Config struct {
	Adapter     radio.Adapter
	NodeID      string        // advertised to peers
	Marker      string        // service marker; radio.ServiceMarker when empty
	RetryDelay  time.Duration // delay before retrying scan/advertise start
	EventBuffer int           // per-subscriber buffer of each event stream
	AckTimeout  time.Duration // SendToPeerAcked wait bound
	QueueLimit  int           // waiting frame and sighting callbacks kept; oldest dropped beyond it
}

// Transport is the dual-role link manager.
type Transport struct {
	cfg Config

	discovered *stream.Broadcaster[Sighting]
	frames     *stream.Broadcaster[Frame]
	conns      *stream.Broadcaster[ConnEvent]

	mu       sync.Mutex
	running  bool
	gen      int
	work     *stream.Queue
	stopCh   chan struct{}
	server   radio.Server
	inbound  map[string]*inboundLink
	outbound map[string]*outboundLink // Ready links only
	pending  map[string]*outboundLink // Connecting through CapabilityDiscovery
}

// New creates a Transport. Nothing touches the radio until Start.
func New(cfg Config) *Transport {
	if cfg.Marker == "" {
		cfg.Marker = radio.ServiceMarker
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	return &Transport{
		cfg:        cfg,
		discovered: stream.New[Sighting](cfg.EventBuffer),
		frames:     stream.New[Frame](cfg.EventBuffer),
		conns:      stream.New[ConnEvent](cfg.EventBuffer),
		inbound:    make(map[string]*inboundLink),
		outbound:   make(map[string]*outboundLink),
		pending:    make(map[string]*outboundLink),
	}
}

// Address returns the local radio address.
func (t *Transport) Address() string { return t.cfg.Adapter.Address() }

// Start enables the radio, opens the mesh service and begins advertising and
// scanning. It is a no-op while already running. A radio that cannot be
// enabled yields a *StartError.
func (t *Transport) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	if err := t.cfg.Adapter.Enable(); err != nil {
		t.mu.Unlock()
		return &StartError{Err: err}
	}
	t.gen++
	gen := t.gen
	svc := radio.MeshService()
	svc.Marker = t.cfg.Marker
	srv, err := t.cfg.Adapter.OpenServer(svc, t.serverHandler(gen))
	if err != nil {
		t.mu.Unlock()
		return &StartError{Err: err}
	}
	t.server = srv
	t.work = stream.NewBoundedQueue(t.cfg.QueueLimit)
	t.stopCh = make(chan struct{})
	t.running = true
	t.mu.Unlock()

	t.startAdvertising(gen)
	t.startScanning(gen)
	log.Printf("transport: started addr=%s node=%s", t.Address(), t.cfg.NodeID)
	return nil
}

// Stop halts discovery and advertising and releases every link in both
// roles. Pending retries and queued callbacks are abandoned. Stop is
// idempotent.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopCh)
	t.work.Close()
	srv := t.server
	t.server = nil
	links := make([]*outboundLink, 0, len(t.outbound)+len(t.pending))
	for _, l := range t.outbound {
		links = append(links, l)
	}
	for _, l := range t.pending {
		links = append(links, l)
	}
	t.outbound = make(map[string]*outboundLink)
	t.pending = make(map[string]*outboundLink)
	t.inbound = make(map[string]*inboundLink)
	t.mu.Unlock()

	t.cfg.Adapter.StopAdvertising()
	t.cfg.Adapter.StopScanning()
	for _, l := range links {
		l.release(ErrNotRunning)
	}
	if srv != nil {
		srv.Close() //nolint:errcheck
	}
	log.Printf("transport: stopped addr=%s", t.Address())
}

// Running reports whether Start has succeeded and Stop has not been called.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// DiscoveredPeers streams peer sightings until ctx is done.
func (t *Transport) DiscoveredPeers(ctx context.Context) <-chan Sighting {
	return t.discovered.Subscribe(ctx)
}

// ReceivedFrames streams frames from every link of both roles until ctx is
// done.
func (t *Transport) ReceivedFrames(ctx context.Context) <-chan Frame {
	return t.frames.Subscribe(ctx)
}

// ConnectionEvents streams link up/down events until ctx is done.
func (t *Transport) ConnectionEvents(ctx context.Context) <-chan ConnEvent {
	return t.conns.Subscribe(ctx)
}

// IsConnected reports whether a live link to addr exists in either role.
// Outbound links count only once Ready.
func (t *Transport) IsConnected(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, in := t.inbound[addr]
	_, out := t.outbound[addr]
	return in || out
}

// InboundPeers lists peers connected to this node.
func (t *Transport) InboundPeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedAddrs(t.inbound)
}

// OutboundPeers lists Ready outbound peers.
func (t *Transport) OutboundPeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedAddrs(t.outbound)
}

// ConnectedPeers lists every peer with a live link in either role.
func (t *Transport) ConnectedPeers() []string {
	t.mu.Lock()
	seen := make(map[string]struct{}, len(t.inbound)+len(t.outbound))
	for addr := range t.inbound {
		seen[addr] = struct{}{}
	}
	for addr := range t.outbound {
		seen[addr] = struct{}{}
	}
	t.mu.Unlock()
	return sortedAddrs(seen)
}

// State returns the outbound state of addr.
func (t *Transport) State(addr string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.outbound[addr]; ok {
		return StateReady
	}
	if l, ok := t.pending[addr]; ok {
		return l.state
	}
	return StateDisconnected
}

// submit hands fn to the worker of generation gen. Callbacks from an
// earlier Start are dropped. Link-state work goes through submit and is
// never discarded.
func (t *Transport) submit(gen int, fn func()) {
	if q := t.queue(gen); q != nil {
		q.Submit(fn)
	}
}

// offer is submit for frame and sighting callbacks: under a backlog of more
// than QueueLimit of them the oldest is dropped.
func (t *Transport) offer(gen int, fn func()) {
	if q := t.queue(gen); q != nil {
		q.Offer(fn)
	}
}

func (t *Transport) queue(gen int) *stream.Queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.gen != gen {
		return nil
	}
	return t.work
}

func (t *Transport) current(gen int) (chan struct{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.gen != gen {
		return nil, false
	}
	return t.stopCh, true
}

func (t *Transport) startAdvertising(gen int) {
	if _, ok := t.current(gen); !ok {
		return
	}
	ad := radio.Advertisement{Marker: t.cfg.Marker, NodeID: t.cfg.NodeID}
	err := t.cfg.Adapter.StartAdvertising(ad, func(err error) {
		t.retry(gen, "advertise", err, t.startAdvertising)
	})
	if err != nil {
		t.retry(gen, "advertise", err, t.startAdvertising)
	}
}

func (t *Transport) startScanning(gen int) {
	if _, ok := t.current(gen); !ok {
		return
	}
	err := t.cfg.Adapter.StartScanning(t.cfg.Marker, radio.ScanHandler{
		Sighting: func(s radio.Sighting) {
			t.offer(gen, func() { t.onSighting(s) })
		},
		Failed: func(err error) {
			t.retry(gen, "scan", err, t.startScanning)
		},
	})
	if err != nil {
		t.retry(gen, "scan", err, t.startScanning)
	}
}

// retry calls fn after the fixed retry delay unless the transport stops
// first. There is no attempt limit.
func (t *Transport) retry(gen int, what string, err error, fn func(gen int)) {
	stop, ok := t.current(gen)
	if !ok {
		return
	}
	log.Printf("transport: %s failed, retrying in %s: %v", what, t.cfg.RetryDelay, err)
	go func() {
		timer := time.NewTimer(t.cfg.RetryDelay)
		defer timer.Stop()
		select {
		case <-stop:
		case <-timer.C:
			fn(gen)
		}
	}()
}

func (t *Transport) onSighting(s radio.Sighting) {
	if s.NodeID != "" && s.NodeID == t.cfg.NodeID {
		return
	}
	id := s.NodeID
	if id == "" {
		id = s.Address
	}
	t.discovered.Publish(Sighting{Address: s.Address, NodeID: id, RSSI: s.RSSI, SeenAt: time.Now()})
}

func (t *Transport) emit(ev ConnEvent) {
	t.conns.Publish(ev)
}

func sortedAddrs[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
