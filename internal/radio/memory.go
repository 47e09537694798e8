package radio

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Operative-001/afetmesh/internal/stream"
)

// Air is a simulated shared medium. Adapters placed on it hear each other
// when they are within transmission range; unplaced adapters hear everyone.
// Sightings are produced by Beacon, either called directly (tests) or on a
// ticker by Run.
type Air struct {
	mu       sync.RWMutex
	adapters map[string]*MemoryAdapter
	seq      int
}

func NewAir() *Air {
	return &Air{adapters: make(map[string]*MemoryAdapter)}
}

// NewAdapter attaches a new powered-on adapter to the medium.
func (a *Air) NewAdapter() *MemoryAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	m := &MemoryAdapter{
		air:     a,
		addr:    fmt.Sprintf("02:00:00:00:%02X:%02X", byte(a.seq>>8), byte(a.seq)),
		enabled: true,
		q:       stream.NewQueue(),
		clients: make(map[*memClient]struct{}),
	}
	a.adapters[m.addr] = m
	return m
}

// Adapter returns the adapter at addr, or nil.
func (a *Air) Adapter(addr string) *MemoryAdapter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.adapters[addr]
}

// Beacon delivers one round of sightings: every advertising adapter is seen
// by every scanning adapter in range.
func (a *Air) Beacon() {
	for _, m := range a.snapshot() {
		a.beaconFrom(m)
	}
}

// Run beacons every interval until ctx is done.
func (a *Air) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Beacon()
		}
	}
}

// Close powers off and detaches every adapter.
func (a *Air) Close() {
	for _, m := range a.snapshot() {
		m.Detach()
	}
}

func (a *Air) snapshot() []*MemoryAdapter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*MemoryAdapter, 0, len(a.adapters))
	for _, addr := range sortedKeys(a.adapters) {
		out = append(out, a.adapters[addr])
	}
	return out
}

func (a *Air) beaconFrom(src *MemoryAdapter) {
	ad, ok := src.advertisement()
	if !ok {
		return
	}
	for _, dst := range a.snapshot() {
		if dst != src {
			a.deliver(src, dst, ad)
		}
	}
}

func (a *Air) beaconTo(dst *MemoryAdapter) {
	for _, src := range a.snapshot() {
		if src == dst {
			continue
		}
		if ad, ok := src.advertisement(); ok {
			a.deliver(src, dst, ad)
		}
	}
}

func (a *Air) deliver(src, dst *MemoryAdapter, ad Advertisement) {
	marker, h, ok := dst.scanner()
	if !ok || marker != ad.Marker || !inRange(src, dst) {
		return
	}
	s := Sighting{Address: src.addr, Advertisement: ad, RSSI: rssi(src, dst)}
	dst.dispatch(func() {
		if h.Sighting != nil {
			h.Sighting(s)
		}
	})
}

// inRange applies (dx² + dy²) <= r² with the shorter of the two ranges, so
// reachability is symmetric.
func inRange(a, b *MemoryAdapter) bool {
	ap, bp := a.position(), b.position()
	if !ap.placed || !bp.placed {
		return true
	}
	r := math.Min(ap.rng, bp.rng)
	dx, dy := ap.x-bp.x, ap.y-bp.y
	return dx*dx+dy*dy <= r*r
}

func rssi(a, b *MemoryAdapter) int {
	ap, bp := a.position(), b.position()
	if !ap.placed || !bp.placed {
		return -50
	}
	d := math.Hypot(ap.x-bp.x, ap.y-bp.y)
	return -40 - int(math.Round(20*math.Log10(d+1)))
}

func (a *Air) connect(c *memClient) {
	remote := a.Adapter(c.remote)
	if remote == nil || !remote.isEnabled() || !inRange(c.local, remote) {
		c.fail(ErrUnreachable)
		return
	}
	srv := remote.currentServer()
	if srv == nil {
		c.fail(ErrUnreachable)
		return
	}
	l := srv.accept(c)
	if l == nil {
		c.fail(ErrUnreachable)
		return
	}
	if !c.attach(l) {
		srv.drop(l)
		return
	}
	c.local.dispatch(func() { c.h.Connection(true, nil) })
}

type position struct {
	x, y, rng float64
	placed    bool
}

// MemoryAdapter is one node's radio on an Air.
type MemoryAdapter struct {
	air  *Air
	addr string
	q    *stream.Queue

	mu          sync.Mutex
	enabled     bool
	failScans   int
	failAdverts int
	pos         position
	ad          *Advertisement
	scanMarker  string
	scan        *ScanHandler
	server      *memServer
	clients     map[*memClient]struct{}
}

var _ Adapter = (*MemoryAdapter)(nil)

func (m *MemoryAdapter) Address() string { return m.addr }

func (m *MemoryAdapter) Enable() error {
	if !m.isEnabled() {
		return fmt.Errorf("%w: %s powered off", ErrUnavailable, m.addr)
	}
	return nil
}

// SetEnabled powers the adapter on or off. Powering off stops advertising
// and scanning and drops every link.
func (m *MemoryAdapter) SetEnabled(on bool) {
	m.mu.Lock()
	m.enabled = on
	m.mu.Unlock()
	if !on {
		m.StopAdvertising()
		m.StopScanning()
		m.dropLinks(func(inRange bool) bool { return true })
	}
}

// FailNextScans makes the next n StartScanning calls fail asynchronously.
func (m *MemoryAdapter) FailNextScans(n int) {
	m.mu.Lock()
	m.failScans = n
	m.mu.Unlock()
}

// FailNextAdverts makes the next n StartAdvertising calls fail asynchronously.
func (m *MemoryAdapter) FailNextAdverts(n int) {
	m.mu.Lock()
	m.failAdverts = n
	m.mu.Unlock()
}

// Place puts the adapter at (x, y) with transmission range rng. Links that
// fall out of range are dropped.
func (m *MemoryAdapter) Place(x, y, rng float64) {
	m.mu.Lock()
	m.pos = position{x: x, y: y, rng: rng, placed: true}
	m.mu.Unlock()
	m.dropLinks(func(inRange bool) bool { return !inRange })
}

// Detach powers the adapter off, removes it from the medium and stops its
// dispatch goroutine.
func (m *MemoryAdapter) Detach() {
	m.SetEnabled(false)
	if srv := m.currentServer(); srv != nil {
		srv.Close()
	}
	m.air.mu.Lock()
	delete(m.air.adapters, m.addr)
	m.air.mu.Unlock()
	m.q.Close()
}

func (m *MemoryAdapter) StartAdvertising(ad Advertisement, failed func(error)) error {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return ErrUnavailable
	}
	if m.failAdverts > 0 {
		m.failAdverts--
		m.mu.Unlock()
		m.dispatch(func() {
			if failed != nil {
				failed(ErrAdvertFailed)
			}
		})
		return nil
	}
	m.ad = &ad
	m.mu.Unlock()
	m.air.beaconFrom(m)
	return nil
}

func (m *MemoryAdapter) StopAdvertising() {
	m.mu.Lock()
	m.ad = nil
	m.mu.Unlock()
}

func (m *MemoryAdapter) StartScanning(marker string, h ScanHandler) error {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return ErrUnavailable
	}
	if m.failScans > 0 {
		m.failScans--
		m.mu.Unlock()
		m.dispatch(func() {
			if h.Failed != nil {
				h.Failed(ErrScanFailed)
			}
		})
		return nil
	}
	m.scanMarker = marker
	m.scan = &h
	m.mu.Unlock()
	m.air.beaconTo(m)
	return nil
}

func (m *MemoryAdapter) StopScanning() {
	m.mu.Lock()
	m.scan = nil
	m.scanMarker = ""
	m.mu.Unlock()
}

func (m *MemoryAdapter) OpenServer(svc Service, h ServerHandler) (Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return nil, ErrUnavailable
	}
	if m.server != nil {
		return nil, ErrServerOpen
	}
	m.server = &memServer{adapter: m, svc: svc, h: h, links: make(map[string]*memLink)}
	return m.server, nil
}

func (m *MemoryAdapter) Dial(address string, h ClientHandler) (ClientConn, error) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return nil, ErrUnavailable
	}
	c := &memClient{local: m, remote: address, h: h}
	m.clients[c] = struct{}{}
	m.mu.Unlock()
	m.dispatch(func() { m.air.connect(c) })
	return c, nil
}

func (m *MemoryAdapter) dispatch(fn func()) { m.q.Submit(fn) }

func (m *MemoryAdapter) isEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *MemoryAdapter) position() position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

func (m *MemoryAdapter) advertisement() (Advertisement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled || m.ad == nil {
		return Advertisement{}, false
	}
	return *m.ad, true
}

func (m *MemoryAdapter) scanner() (string, ScanHandler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled || m.scan == nil {
		return "", ScanHandler{}, false
	}
	return m.scanMarker, *m.scan, true
}

func (m *MemoryAdapter) currentServer() *memServer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server
}

func (m *MemoryAdapter) clientList() []*memClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*memClient, 0, len(m.clients))
	for c := range m.clients {
		out = append(out, c)
	}
	return out
}

// dropLinks tears down every inbound and outbound link for which drop
// returns true, given whether the two ends are still in range.
func (m *MemoryAdapter) dropLinks(drop func(inRange bool) bool) {
	if srv := m.currentServer(); srv != nil {
		for _, l := range srv.linkList() {
			if drop(inRange(m, l.client.local)) {
				srv.CancelConnection(l.client.local.addr)
			}
		}
	}
	for _, c := range m.clientList() {
		l := c.current()
		if l == nil {
			continue
		}
		if drop(inRange(m, l.server.adapter)) {
			c.Disconnect()
		}
	}
}

// memLink is one live connection; subs is guarded by server.mu.
type memLink struct {
	client *memClient
	server *memServer
	subs   map[string]bool
}

type memServer struct {
	adapter *MemoryAdapter
	svc     Service
	h       ServerHandler

	mu     sync.Mutex
	links  map[string]*memLink
	closed bool
}

func (s *memServer) accept(c *memClient) *memLink {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	l := &memLink{client: c, server: s, subs: make(map[string]bool)}
	addr := c.local.addr
	s.links[addr] = l
	s.mu.Unlock()
	s.adapter.dispatch(func() {
		if s.h.Connection != nil {
			s.h.Connection(addr, true)
		}
	})
	return l
}

// drop removes l and reports the disconnect to the server handler.
func (s *memServer) drop(l *memLink) bool {
	addr := l.client.local.addr
	s.mu.Lock()
	if s.links[addr] != l {
		s.mu.Unlock()
		return false
	}
	delete(s.links, addr)
	s.mu.Unlock()
	s.adapter.dispatch(func() {
		if s.h.Connection != nil {
			s.h.Connection(addr, false)
		}
	})
	return true
}

func (s *memServer) linkList() []*memLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*memLink, 0, len(s.links))
	for _, addr := range sortedKeys(s.links) {
		out = append(out, s.links[addr])
	}
	return out
}

func (s *memServer) subscribe(l *memLink, endpoint string) {
	addr := l.client.local.addr
	s.mu.Lock()
	if s.links[addr] != l {
		s.mu.Unlock()
		return
	}
	l.subs[endpoint] = true
	s.mu.Unlock()
	s.adapter.dispatch(func() {
		if s.h.Subscription != nil {
			s.h.Subscription(addr, endpoint, true)
		}
	})
}

func (s *memServer) Notify(addr, endpoint string, data []byte) error {
	if len(data) > MaxPayload {
		return ErrTooLarge
	}
	s.mu.Lock()
	l, ok := s.links[addr]
	if !ok {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if !l.subs[endpoint] {
		s.mu.Unlock()
		return ErrNotSubscribed
	}
	s.mu.Unlock()
	buf := append([]byte(nil), data...)
	c := l.client
	c.local.dispatch(func() {
		if c.current() == l && c.h.Notification != nil {
			c.h.Notification(endpoint, buf)
		}
	})
	return nil
}

func (s *memServer) Connected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.links)
}

func (s *memServer) CancelConnection(addr string) {
	s.mu.Lock()
	l, ok := s.links[addr]
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.drop(l) && l.client.detach(l) {
		c := l.client
		c.local.dispatch(func() { c.h.Connection(false, nil) })
	}
}

func (s *memServer) Close() error {
	for _, addr := range s.Connected() {
		s.CancelConnection(addr)
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.adapter.mu.Lock()
	if s.adapter.server == s {
		s.adapter.server = nil
	}
	s.adapter.mu.Unlock()
	return nil
}

type memClient struct {
	local  *MemoryAdapter
	remote string
	h      ClientHandler

	mu     sync.Mutex
	link   *memLink
	closed bool
}

func (c *memClient) Address() string { return c.remote }

func (c *memClient) current() *memLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

func (c *memClient) attach(l *memLink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.link = l
	return true
}

func (c *memClient) detach(l *memLink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.link != l {
		return false
	}
	c.link = nil
	return !c.closed
}

func (c *memClient) fail(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.local.dispatch(func() { c.h.Connection(false, err) })
	}
}

func (c *memClient) DiscoverServices() error {
	l := c.current()
	if l == nil {
		return ErrNotConnected
	}
	svc := l.server.svc
	svc.Endpoints = append([]Endpoint(nil), svc.Endpoints...)
	c.local.dispatch(func() {
		if c.current() == l && c.h.ServicesDiscovered != nil {
			c.h.ServicesDiscovered([]Service{svc}, nil)
		}
	})
	return nil
}

func (c *memClient) Subscribe(endpoint string) error {
	l := c.current()
	if l == nil {
		return ErrNotConnected
	}
	ep, ok := l.server.svc.Endpoint(endpoint)
	if !ok || !ep.Props.Has(PropNotify) {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, endpoint)
	}
	l.server.subscribe(l, endpoint)
	return nil
}

func (c *memClient) Write(endpoint string, data []byte, mode WriteMode) error {
	l := c.current()
	if l == nil {
		return ErrNotConnected
	}
	if len(data) > MaxPayload {
		return ErrTooLarge
	}
	ep, ok := l.server.svc.Endpoint(endpoint)
	if !ok || !(ep.Props.Has(PropWrite) || ep.Props.Has(PropWriteNoResponse)) {
		return fmt.Errorf("%w: %s", ErrNoEndpoint, endpoint)
	}
	buf := append([]byte(nil), data...)
	srv, from := l.server, c.local.addr
	srv.adapter.dispatch(func() {
		if srv.h.Write != nil {
			srv.h.Write(from, endpoint, buf)
		}
	})
	if mode == WriteWithResponse {
		c.local.dispatch(func() {
			if c.h.WriteResult != nil {
				c.h.WriteResult(endpoint, nil)
			}
		})
	}
	return nil
}

func (c *memClient) Disconnect() error {
	l := c.current()
	if l == nil {
		return nil
	}
	if c.detach(l) {
		l.server.drop(l)
		c.local.dispatch(func() { c.h.Connection(false, nil) })
	}
	return nil
}

func (c *memClient) Close() error {
	c.mu.Lock()
	c.closed = true
	l := c.link
	c.link = nil
	c.mu.Unlock()
	if l != nil {
		l.server.drop(l)
	}
	c.local.mu.Lock()
	delete(c.local.clients, c)
	c.local.mu.Unlock()
	return nil
}
