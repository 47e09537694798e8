package transport

import (
	"log"

	"github.com/Operative-001/afetmesh/internal/radio"
)

// inboundLink is a peer connected to our server. Inbound links need no
// capability discovery: the service they reached is ours.
type inboundLink struct {
	subscribed bool
}

func (t *Transport) serverHandler(gen int) radio.ServerHandler {
	return radio.ServerHandler{
		Connection: func(addr string, connected bool) {
			t.submit(gen, func() { t.onInbound(addr, connected) })
		},
		Write: func(addr, endpoint string, data []byte) {
			if endpoint != radio.EndpointSend {
				return
			}
			t.offer(gen, func() {
				t.frames.Publish(Frame{Peer: addr, Role: RoleInbound, Data: data})
			})
		},
		Subscription: func(addr, endpoint string, enabled bool) {
			if endpoint != radio.EndpointReceive {
				return
			}
			t.submit(gen, func() { t.onSubscription(addr, enabled) })
		},
	}
}

func (t *Transport) onInbound(addr string, connected bool) {
	t.mu.Lock()
	_, had := t.inbound[addr]
	if connected {
		if !had {
			t.inbound[addr] = &inboundLink{}
		}
	} else {
		delete(t.inbound, addr)
	}
	t.mu.Unlock()

	if connected == had {
		return
	}
	if connected {
		log.Printf("transport: inbound peer connected addr=%s", addr)
	} else {
		log.Printf("transport: inbound peer disconnected addr=%s", addr)
	}
	t.emit(ConnEvent{Address: addr, Connected: connected, Role: RoleInbound})
}

func (t *Transport) onSubscription(addr string, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.inbound[addr]; ok {
		l.subscribed = enabled
	}
}
