// Package node implements the mesh protocol engine.
//
// Design:
//   - The node owns no links. It consumes the transport's three event streams
//     (sightings, frames, connection changes) on one worker goroutine.
//   - Every received frame is decoded, moved one hop further, and offered to
//     the router. An admitted packet is stored (alert kinds only), published
//     on the processed stream, and sent on to every connected peer in both
//     roles. The peer that handed it over is not excluded; its own duplicate
//     cache stops the bounce.
//   - Locally originated packets go through the same store/publish/forward
//     sequence.
package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Operative-001/afetmesh/internal/packet"
	"github.com/Operative-001/afetmesh/internal/peers"
	"github.com/Operative-001/afetmesh/internal/router"
	"github.com/Operative-001/afetmesh/internal/store"
	"github.com/Operative-001/afetmesh/internal/stream"
	"github.com/Operative-001/afetmesh/internal/transport"
)

const (
	defaultReconnectDelay = 10 * time.Second
	defaultDialTimeout    = 30 * time.Second
	defaultReapInterval   = time.Minute
)

var ErrNotRunning = errors.New("node: not running")

// Transport is the link layer the node drives.
type Transport interface {
	Start() error
	Stop()
	Address() string
	DiscoveredPeers(ctx context.Context) <-chan transport.Sighting
	ReceivedFrames(ctx context.Context) <-chan transport.Frame
	ConnectionEvents(ctx context.Context) <-chan transport.ConnEvent
	Connect(addr string) error
	IsConnected(addr string) bool
	ConnectedPeers() []string
	SendToAllInbound(data []byte) (int, error)
	SendToAllOutboundPeers(data []byte) (int, error)
}

// Store persists alerts. Insert must be idempotent on the signal id.
type Store interface {
	Insert(ctx context.Context, sig store.Signal) (bool, error)
	QueryAll(ctx context.Context) <-chan []store.Signal
	QueryByKind(ctx context.Context, kind packet.Kind) <-chan []store.Signal
}

// Identity supplies this node's stable id.
type Identity interface {
	CurrentNodeID() string
}

// Config configures a Node.
type Config struct {
	Transport      Transport
	Store          Store // nil disables persistence
	Identity       Identity
	Router         *router.Router // defaults to router.New(router.Config{})
	ReconnectDelay time.Duration  // wait before the single reconnect after a lost link
	DialTimeout    time.Duration  // an attempt with no outcome after this no longer blocks new ones
	ReapInterval   time.Duration  // background duplicate-cache prune interval
	EventBuffer    int            // processed-stream subscriber buffer
	Now            func() time.Time
}

// Node is the mesh protocol engine.
type Node struct {
	cfg       Config
	tr        Transport
	router    *router.Router
	registry  *peers.Registry
	processed *stream.Broadcaster[store.Signal]

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	reconnects map[string]bool      // address -> outstanding attempt is a reconnect
	dialing    map[string]time.Time // address -> outbound attempt started, outcome not yet seen
	waiting    map[string]bool      // address -> reconnect timer pending
	incapable  map[string]bool      // address -> peer does not speak the protocol
}

// New creates a Node.
func New(cfg Config) (*Node, error) {
	if cfg.Transport == nil {
		return nil, errors.New("node: transport is required")
	}
	if cfg.Identity == nil || cfg.Identity.CurrentNodeID() == "" {
		return nil, errors.New("node: identity is required")
	}
	if cfg.Router == nil {
		cfg.Router = router.New(router.Config{})
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Node{
		cfg:        cfg,
		tr:         cfg.Transport,
		router:     cfg.Router,
		registry:   peers.New(),
		processed:  stream.New[store.Signal](cfg.EventBuffer),
		reconnects: make(map[string]bool),
		dialing:    make(map[string]time.Time),
		waiting:    make(map[string]bool),
		incapable:  make(map[string]bool),
	}, nil
}

// ID returns this node's id.
func (n *Node) ID() string { return n.cfg.Identity.CurrentNodeID() }

// Start starts the transport and the event worker.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	// Subscribe before the radio comes up so no early event is missed.
	sightings := n.tr.DiscoveredPeers(ctx)
	frames := n.tr.ReceivedFrames(ctx)
	conns := n.tr.ConnectionEvents(ctx)
	if err := n.tr.Start(); err != nil {
		cancel()
		return fmt.Errorf("node: transport start: %w", err)
	}

	n.ctx, n.cancel = ctx, cancel
	n.done = make(chan struct{})
	n.running = true
	go n.router.Reap(ctx, n.cfg.ReapInterval)
	go n.eventLoop(ctx, sightings, frames, conns, n.done)
	log.Printf("node: started id=%s addr=%s", n.ID(), n.tr.Address())
	return nil
}

// Stop stops the worker, cancels pending reconnects, stops the transport and
// clears the peer registry.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.cancel()
	done := n.done
	n.reconnects = make(map[string]bool)
	n.dialing = make(map[string]time.Time)
	n.waiting = make(map[string]bool)
	n.incapable = make(map[string]bool)
	n.mu.Unlock()

	n.tr.Stop()
	<-done
	n.registry.Clear()
	log.Printf("node: stopped id=%s", n.ID())
}

// Send originates a packet of the given kind and floods it. The local copy
// is recorded with hop count 0; copies sent to peers carry hop count 1.
func (n *Node) Send(kind packet.Kind, message string, lat, lon *float64) (packet.Packet, error) {
	ctx, ok := n.runCtx()
	if !ok {
		return packet.Packet{}, ErrNotRunning
	}
	p := packet.New(n.ID(), kind, message, lat, lon)
	out := p.Relayed()
	data, err := packet.Encode(out)
	if err != nil {
		return packet.Packet{}, err
	}
	n.router.Admit(p)
	n.record(ctx, p)
	n.transmit(out.ID, data)
	return p, nil
}

// Processed streams every admitted packet, local or received, as the record
// the host displays.
func (n *Node) Processed(ctx context.Context) <-chan store.Signal {
	return n.processed.Subscribe(ctx)
}

// Signals is the live view of every stored signal, newest first.
func (n *Node) Signals(ctx context.Context) <-chan []store.Signal {
	if n.cfg.Store == nil {
		return closedView()
	}
	return n.cfg.Store.QueryAll(ctx)
}

// DistressSignals is the live view of stored distress signals, newest first.
func (n *Node) DistressSignals(ctx context.Context) <-chan []store.Signal {
	if n.cfg.Store == nil {
		return closedView()
	}
	return n.cfg.Store.QueryByKind(ctx, packet.KindDistress)
}

// Peers returns the known peers sorted by id.
func (n *Node) Peers() []peers.Record {
	return n.registry.All()
}

// Status is a point-in-time summary of the node.
type Status struct {
	NodeID       string
	Address      string
	Running      bool
	KnownPeers   int
	Connected    []string
	CacheEntries int
}

func (n *Node) Status() Status {
	n.mu.Lock()
	running := n.running
	n.mu.Unlock()
	return Status{
		NodeID:       n.ID(),
		Address:      n.tr.Address(),
		Running:      running,
		KnownPeers:   n.registry.Len(),
		Connected:    n.tr.ConnectedPeers(),
		CacheEntries: n.router.Len(),
	}
}

func (n *Node) runCtx() (context.Context, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ctx, n.running
}

func closedView() <-chan []store.Signal {
	ch := make(chan []store.Signal)
	close(ch)
	return ch
}
