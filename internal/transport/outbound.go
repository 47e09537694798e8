package transport

import (
	"log"
	"sync"

	"github.com/Operative-001/afetmesh/internal/radio"
)

// State is the client-role state of one peer address.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDiscovering // capability discovery
	StateReady
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "capability-discovery", "ready"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// outboundLink owns one client connection. state is guarded by Transport.mu.
type outboundLink struct {
	addr  string
	state State

	mu     sync.Mutex
	conn   radio.ClientConn
	acks   []chan error
	closed bool
}

func (l *outboundLink) client() radio.ClientConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// attach stores the connection unless the link was released while dialing.
func (l *outboundLink) attach(conn radio.ClientConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conn = conn
	return true
}

// release closes the connection without further callbacks and fails any
// write still waiting for an acknowledgement.
func (l *outboundLink) release(cause error) {
	l.mu.Lock()
	conn, acks := l.conn, l.acks
	l.conn, l.acks, l.closed = nil, nil, true
	l.mu.Unlock()
	for _, ch := range acks {
		ch <- cause
	}
	if conn != nil {
		conn.Close() //nolint:errcheck
	}
}

func (l *outboundLink) addAck(ch chan error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.acks = append(l.acks, ch)
	return true
}

// removeAck withdraws a write that never reached the link.
func (l *outboundLink) removeAck(ch chan error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.acks {
		if c == ch {
			l.acks = append(l.acks[:i], l.acks[i+1:]...)
			return
		}
	}
}

// resolveAck completes the oldest outstanding acknowledged write. Links
// deliver exactly one acknowledgement per acked write, in write order, so
// an entry whose caller gave up still consumes its own acknowledgement.
// Channels are buffered; nobody has to be receiving.
func (l *outboundLink) resolveAck(err error) {
	l.mu.Lock()
	if len(l.acks) == 0 {
		l.mu.Unlock()
		return
	}
	ch := l.acks[0]
	l.acks = l.acks[1:]
	l.mu.Unlock()
	ch <- err
}

// Connect starts an outbound link to addr and returns at once. The outcome
// arrives on ConnectionEvents. Connecting to a peer that is already linked
// or being linked in the client role does nothing.
func (t *Transport) Connect(addr string) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrNotRunning
	}
	gen := t.gen
	t.mu.Unlock()
	t.submit(gen, func() { t.dial(gen, addr) })
	return nil
}

// Disconnect tears down every link to addr in both roles and returns at
// once. Disconnect events follow on ConnectionEvents.
func (t *Transport) Disconnect(addr string) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrNotRunning
	}
	gen := t.gen
	t.mu.Unlock()
	t.submit(gen, func() {
		t.mu.Lock()
		l := t.outbound[addr]
		if l == nil {
			l = t.pending[addr]
		}
		_, in := t.inbound[addr]
		srv := t.server
		t.mu.Unlock()
		if l != nil {
			t.dropOutbound(l, nil)
		}
		if in && srv != nil {
			srv.CancelConnection(addr)
		}
	})
	return nil
}

func (t *Transport) dial(gen int, addr string) {
	t.mu.Lock()
	if !t.running || t.gen != gen {
		t.mu.Unlock()
		return
	}
	if t.outbound[addr] != nil || t.pending[addr] != nil {
		t.mu.Unlock()
		return
	}
	l := &outboundLink{addr: addr, state: StateConnecting}
	t.pending[addr] = l
	t.mu.Unlock()

	conn, err := t.cfg.Adapter.Dial(addr, t.clientHandler(gen, l))
	if err != nil {
		t.dropOutbound(l, err)
		return
	}
	if !l.attach(conn) {
		conn.Close() //nolint:errcheck
	}
}

func (t *Transport) clientHandler(gen int, l *outboundLink) radio.ClientHandler {
	return radio.ClientHandler{
		Connection: func(connected bool, err error) {
			t.submit(gen, func() { t.onClientConnection(l, connected, err) })
		},
		ServicesDiscovered: func(services []radio.Service, err error) {
			t.submit(gen, func() { t.onServices(l, services, err) })
		},
		Notification: func(endpoint string, data []byte) {
			if endpoint != radio.EndpointReceive {
				return
			}
			t.offer(gen, func() {
				if t.isReady(l) {
					t.frames.Publish(Frame{Peer: l.addr, Role: RoleOutbound, Data: data})
				}
			})
		},
		WriteResult: func(endpoint string, err error) {
			l.resolveAck(err)
		},
	}
}

// advance moves a pending link from one state to the next. It fails if the
// link was dropped or is not in the expected state.
func (t *Transport) advance(l *outboundLink, from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[l.addr] != l || l.state != from {
		return false
	}
	l.state = to
	return true
}

func (t *Transport) isReady(l *outboundLink) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outbound[l.addr] == l
}

func (t *Transport) onClientConnection(l *outboundLink, connected bool, err error) {
	if !connected {
		t.dropOutbound(l, err)
		return
	}
	if !t.advance(l, StateConnecting, StateConnected) {
		return
	}
	if !t.advance(l, StateConnected, StateDiscovering) {
		return
	}
	conn := l.client()
	if conn == nil {
		t.dropOutbound(l, radio.ErrNotConnected)
		return
	}
	if err := conn.DiscoverServices(); err != nil {
		t.dropOutbound(l, err)
	}
}

func (t *Transport) onServices(l *outboundLink, services []radio.Service, err error) {
	t.mu.Lock()
	discovering := t.pending[l.addr] == l && l.state == StateDiscovering
	t.mu.Unlock()
	if !discovering {
		return
	}
	if err != nil {
		t.dropOutbound(l, err)
		return
	}
	if !capable(services, t.cfg.Marker) {
		t.dropOutbound(l, ErrNotCapable)
		return
	}
	conn := l.client()
	if conn == nil {
		t.dropOutbound(l, radio.ErrNotConnected)
		return
	}
	if err := conn.Subscribe(radio.EndpointReceive); err != nil {
		t.dropOutbound(l, err)
		return
	}

	t.mu.Lock()
	if t.pending[l.addr] != l {
		t.mu.Unlock()
		return
	}
	delete(t.pending, l.addr)
	l.state = StateReady
	t.outbound[l.addr] = l
	t.mu.Unlock()

	log.Printf("transport: outbound peer ready addr=%s", l.addr)
	t.emit(ConnEvent{Address: l.addr, Connected: true, Role: RoleOutbound})
}

// dropOutbound returns l to Disconnected, removes it from both outbound
// tables and reports the loss. A nil cause is a plain disconnect.
func (t *Transport) dropOutbound(l *outboundLink, cause error) {
	t.mu.Lock()
	removed := false
	if t.pending[l.addr] == l {
		delete(t.pending, l.addr)
		removed = true
	}
	if t.outbound[l.addr] == l {
		delete(t.outbound, l.addr)
		removed = true
	}
	l.state = StateDisconnected
	t.mu.Unlock()
	if !removed {
		return
	}

	l.release(ErrLinkDropped)
	ev := ConnEvent{Address: l.addr, Connected: false, Role: RoleOutbound}
	if cause != nil {
		ev.Err = &ConnError{Address: l.addr, Err: cause}
		log.Printf("transport: outbound link failed addr=%s: %v", l.addr, cause)
	} else {
		log.Printf("transport: outbound peer disconnected addr=%s", l.addr)
	}
	t.emit(ev)
}

// capable reports whether services include the mesh service with a
// writable send endpoint and a notifying receive endpoint.
func capable(services []radio.Service, marker string) bool {
	for _, svc := range services {
		if svc.Marker != marker {
			continue
		}
		send, ok := svc.Endpoint(radio.EndpointSend)
		if !ok || !(send.Props.Has(radio.PropWrite) || send.Props.Has(radio.PropWriteNoResponse)) {
			continue
		}
		recv, ok := svc.Endpoint(radio.EndpointReceive)
		if ok && recv.Props.Has(radio.PropNotify) {
			return true
		}
	}
	return false
}
