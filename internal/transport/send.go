package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Operative-001/afetmesh/internal/radio"
)

func checkSize(data []byte) error {
	if len(data) > radio.MaxPayload {
		return fmt.Errorf("transport: %d bytes: %w", len(data), radio.ErrTooLarge)
	}
	return nil
}

// SendToAllInbound notifies data to every inbound peer subscribed to the
// receive endpoint. It returns how many peers were sent to; per-peer
// failures are joined *SendErrors and are not retried.
func (t *Transport) SendToAllInbound(data []byte) (int, error) {
	if err := checkSize(data); err != nil {
		return 0, err
	}
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return 0, ErrNotRunning
	}
	srv := t.server
	addrs := make([]string, 0, len(t.inbound))
	for addr, l := range t.inbound {
		if l.subscribed {
			addrs = append(addrs, addr)
		}
	}
	t.mu.Unlock()

	sent := 0
	var errs []error
	for _, addr := range addrs {
		if err := srv.Notify(addr, radio.EndpointReceive, data); err != nil {
			errs = append(errs, &SendError{Address: addr, Role: RoleInbound, Err: err})
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// SendToAllOutboundPeers writes data, unacknowledged, to every Ready
// outbound peer.
func (t *Transport) SendToAllOutboundPeers(data []byte) (int, error) {
	if err := checkSize(data); err != nil {
		return 0, err
	}
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return 0, ErrNotRunning
	}
	links := make([]*outboundLink, 0, len(t.outbound))
	for _, l := range t.outbound {
		links = append(links, l)
	}
	t.mu.Unlock()

	sent := 0
	var errs []error
	for _, l := range links {
		if err := l.write(data, radio.WriteNoResponse); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// SendToPeer writes data, unacknowledged, to one Ready outbound peer.
func (t *Transport) SendToPeer(addr string, data []byte) error {
	if err := checkSize(data); err != nil {
		return err
	}
	l, err := t.readyLink(addr)
	if err != nil {
		return err
	}
	return l.write(data, radio.WriteNoResponse)
}

// SendToPeerAcked writes data to one Ready outbound peer and waits for the
// peer to acknowledge it, for at most the configured ack timeout.
//
// A write that was sent but not acknowledged in time keeps its place in the
// link's ack queue, so its late acknowledgement is absorbed there instead of
// completing a later write.
func (t *Transport) SendToPeerAcked(ctx context.Context, addr string, data []byte) error {
	if err := checkSize(data); err != nil {
		return err
	}
	l, err := t.readyLink(addr)
	if err != nil {
		return err
	}
	ch := make(chan error, 1)
	if !l.addAck(ch) {
		return &SendError{Address: addr, Role: RoleOutbound, Err: ErrLinkDropped}
	}
	if err := l.write(data, radio.WriteWithResponse); err != nil {
		l.removeAck(ch)
		return err
	}

	timer := time.NewTimer(t.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		if err != nil {
			return &SendError{Address: addr, Role: RoleOutbound, Err: err}
		}
		return nil
	case <-timer.C:
		return &SendError{Address: addr, Role: RoleOutbound, Err: ErrAckTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) readyLink(addr string) (*outboundLink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil, ErrNotRunning
	}
	l, ok := t.outbound[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, addr)
	}
	return l, nil
}

func (l *outboundLink) write(data []byte, mode radio.WriteMode) error {
	conn := l.client()
	if conn == nil {
		return &SendError{Address: l.addr, Role: RoleOutbound, Err: radio.ErrNotConnected}
	}
	if err := conn.Write(radio.EndpointSend, data, mode); err != nil {
		return &SendError{Address: l.addr, Role: RoleOutbound, Err: err}
	}
	return nil
}
