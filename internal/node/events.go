package node

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/Operative-001/afetmesh/internal/packet"
	"github.com/Operative-001/afetmesh/internal/store"
	"github.com/Operative-001/afetmesh/internal/transport"
)

// eventLoop is the node's single worker. It ends when ctx is done and the
// subscriptions close.
func (n *Node) eventLoop(ctx context.Context, sightings <-chan transport.Sighting, frames <-chan transport.Frame, conns <-chan transport.ConnEvent, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sightings:
			if !ok {
				return
			}
			n.handleSighting(s)
		case f, ok := <-frames:
			if !ok {
				return
			}
			n.handleFrame(ctx, f)
		case ev, ok := <-conns:
			if !ok {
				return
			}
			n.handleConn(ctx, ev)
		}
	}
}

// handleSighting records the peer and links out to it whenever it is seen
// with no link in either role, unless an attempt or a reconnect timer for it
// is already outstanding or it has been found not to speak the protocol.
func (n *Node) handleSighting(s transport.Sighting) {
	if s.NodeID == n.ID() {
		return
	}
	n.registry.Observe(s.NodeID, s.Address, s.RSSI, s.SeenAt)
	connected := n.tr.IsConnected(s.Address)
	n.registry.SetConnected(s.Address, connected)
	if connected || !n.claimDial(s.Address) {
		return
	}
	if err := n.tr.Connect(s.Address); err != nil {
		log.Printf("node: connect %s: %v", s.Address, err)
	}
}

// claimDial reports whether a new outbound attempt to addr may start and,
// if so, marks it started.
func (n *Node) claimDial(addr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.incapable[addr] || n.waiting[addr] {
		return false
	}
	now := n.cfg.Now()
	if at, ok := n.dialing[addr]; ok && now.Sub(at) < n.cfg.DialTimeout {
		return false
	}
	n.dialing[addr] = now
	return true
}

// handleConn mirrors link state into the registry. A lost outbound link gets
// one reconnect attempt after the reconnect delay. A failed reconnect is not
// retried from here; the next sighting of the peer starts a fresh attempt.
// A peer that does not speak the protocol is never dialled again.
func (n *Node) handleConn(ctx context.Context, ev transport.ConnEvent) {
	n.registry.SetConnected(ev.Address, n.tr.IsConnected(ev.Address))
	if ev.Role != transport.RoleOutbound {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.dialing, ev.Address)
	if ev.Connected {
		delete(n.reconnects, ev.Address)
		return
	}
	wasReconnect := n.reconnects[ev.Address]
	delete(n.reconnects, ev.Address)
	if errors.Is(ev.Err, transport.ErrNotCapable) {
		n.incapable[ev.Address] = true
		return
	}
	if wasReconnect && ev.Err != nil {
		log.Printf("node: reconnect %s failed, waiting for next sighting: %v", ev.Address, ev.Err)
		return
	}
	n.scheduleReconnectLocked(ctx, ev.Address)
}

func (n *Node) scheduleReconnectLocked(ctx context.Context, addr string) {
	if n.waiting[addr] {
		return
	}
	n.waiting[addr] = true
	delay := n.cfg.ReconnectDelay
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		n.mu.Lock()
		if ctx.Err() != nil {
			n.mu.Unlock()
			return
		}
		delete(n.waiting, addr)
		if n.tr.IsConnected(addr) {
			n.mu.Unlock()
			return
		}
		n.reconnects[addr] = true
		n.dialing[addr] = n.cfg.Now()
		n.mu.Unlock()
		if err := n.tr.Connect(addr); err != nil {
			log.Printf("node: reconnect %s: %v", addr, err)
		}
	}()
}

// handleFrame runs the relay pipeline for one received frame.
func (n *Node) handleFrame(ctx context.Context, f transport.Frame) {
	p, err := packet.Decode(f.Data)
	if err != nil {
		log.Printf("node: drop frame from %s: %v", f.Peer, err)
		return
	}
	if p.SenderID == n.ID() {
		return
	}
	p = p.Relayed()
	if !n.router.Admit(p) {
		return
	}
	n.record(ctx, p)
	data, err := packet.Encode(p)
	if err != nil {
		log.Printf("node: re-encode %s: %v", p.ID, err)
		return
	}
	n.transmit(p.ID, data)
}

// record stores alert kinds and publishes every kind. A store failure is
// logged and does not stop the packet from being forwarded.
func (n *Node) record(ctx context.Context, p packet.Packet) {
	sig := store.FromPacket(p, n.cfg.Now())
	if p.Kind.Durable() && n.cfg.Store != nil {
		if _, err := n.cfg.Store.Insert(ctx, sig); err != nil {
			log.Printf("node: store %s: %v", p.ID, err)
		}
	}
	n.processed.Publish(sig)
}

// transmit sends data to every connected peer in both roles. Failures are
// logged, never retried.
func (n *Node) transmit(id string, data []byte) int {
	in, err := n.tr.SendToAllInbound(data)
	if err != nil {
		log.Printf("node: forward %s inbound: %v", id, err)
	}
	out, err := n.tr.SendToAllOutboundPeers(data)
	if err != nil {
		log.Printf("node: forward %s outbound: %v", id, err)
	}
	return in + out
}
