package radio

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/Operative-001/afetmesh/internal/stream"
)

const (
	DefaultLANListen         = ":47475"
	DefaultLANBeaconAddr     = "255.255.255.255:47474"
	DefaultLANBeaconPort     = 47474
	DefaultLANBeaconInterval = 2 * time.Second
	DefaultLANDialTimeout    = 5 * time.Second

	helloTimeout = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// LANConfig configures a LANAdapter.
type LANConfig struct {
	Listen         string // TCP address inbound links are accepted on
	Advertise      string // address carried in beacons; derived from Listen when empty
	BeaconAddr     string // UDP destination of beacons
	BeaconPort     int    // UDP port scanned for beacons
	BeaconInterval time.Duration
	DialTimeout    time.Duration
}

// beacon is the UDP advertisement payload.
type beacon struct {
	Advertisement
	Addr string `json:"a"`
}

// LANAdapter runs the radio model over a local network: advertising is a
// periodic UDP broadcast beacon, scanning listens for those beacons, and each
// link is a TCP connection carrying framed service operations.
type LANAdapter struct {
	cfg LANConfig
	q   *stream.Queue

	mu       sync.Mutex
	ln       net.Listener
	addr     string
	advStop  chan struct{}
	scanConn *net.UDPConn
	server   *lanServer
	clients  map[*lanClient]struct{}
	closed   bool
}

var _ Adapter = (*LANAdapter)(nil)

// NewLAN creates a LANAdapter. Nothing is bound until Enable.
func NewLAN(cfg LANConfig) *LANAdapter {
	if cfg.Listen == "" {
		cfg.Listen = DefaultLANListen
	}
	if cfg.BeaconAddr == "" {
		cfg.BeaconAddr = DefaultLANBeaconAddr
	}
	if cfg.BeaconPort == 0 {
		cfg.BeaconPort = DefaultLANBeaconPort
	}
	if cfg.BeaconInterval <= 0 {
		cfg.BeaconInterval = DefaultLANBeaconInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultLANDialTimeout
	}
	return &LANAdapter{
		cfg:     cfg,
		q:       stream.NewQueue(),
		clients: make(map[*lanClient]struct{}),
	}
}

func (a *LANAdapter) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Enable binds the TCP listener. It is idempotent.
func (a *LANAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrUnavailable, a.cfg.Listen, err)
	}
	a.ln = ln
	a.addr = a.cfg.Advertise
	if a.addr == "" {
		a.addr = advertisedAddr(ln.Addr())
	}
	go a.acceptLoop(ln)
	return nil
}

// Close releases every socket and stops the dispatch goroutine.
func (a *LANAdapter) Close() error {
	a.StopAdvertising()
	a.StopScanning()
	if srv := a.currentServer(); srv != nil {
		srv.Close()
	}
	a.mu.Lock()
	a.closed = true
	ln := a.ln
	a.ln = nil
	clients := make([]*lanClient, 0, len(a.clients))
	for c := range a.clients {
		clients = append(clients, c)
	}
	a.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	a.q.Close()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (a *LANAdapter) StartAdvertising(ad Advertisement, failed func(error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ErrUnavailable
	}
	if a.advStop != nil {
		close(a.advStop)
		a.advStop = nil
	}
	conn, err := net.Dial("udp4", a.cfg.BeaconAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAdvertFailed, err)
	}
	payload, err := json.Marshal(beacon{Advertisement: ad, Addr: a.addr})
	if err != nil {
		conn.Close()
		return err
	}
	stop := make(chan struct{})
	a.advStop = stop
	go a.advertiseLoop(conn, payload, stop, failed)
	return nil
}

func (a *LANAdapter) advertiseLoop(conn net.Conn, payload []byte, stop chan struct{}, failed func(error)) {
	defer conn.Close()
	ticker := time.NewTicker(a.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		if _, err := conn.Write(payload); err != nil {
			select {
			case <-stop:
			default:
				a.dispatch(func() {
					if failed != nil {
						failed(fmt.Errorf("%w: %v", ErrAdvertFailed, err))
					}
				})
			}
			return
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (a *LANAdapter) StopAdvertising() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.advStop != nil {
		close(a.advStop)
		a.advStop = nil
	}
}

func (a *LANAdapter) StartScanning(marker string, h ScanHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ErrUnavailable
	}
	if a.scanConn != nil {
		a.scanConn.Close()
		a.scanConn = nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: a.cfg.BeaconPort})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScanFailed, err)
	}
	a.scanConn = conn
	go a.scanLoop(conn, marker, h)
	return nil
}

func (a *LANAdapter) scanLoop(conn *net.UDPConn, marker string, h ScanHandler) {
	buf := make([]byte, 1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.dispatch(func() {
				if h.Failed != nil {
					h.Failed(fmt.Errorf("%w: %v", ErrScanFailed, err))
				}
			})
			return
		}
		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil || b.Marker != marker {
			continue
		}
		addr := b.Addr
		if host, port, err := net.SplitHostPort(addr); err == nil && isUnspecified(host) {
			addr = net.JoinHostPort(src.IP.String(), port)
		}
		s := Sighting{Address: addr, Advertisement: b.Advertisement}
		a.dispatch(func() {
			if h.Sighting != nil {
				h.Sighting(s)
			}
		})
	}
}

func (a *LANAdapter) StopScanning() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanConn != nil {
		a.scanConn.Close()
		a.scanConn = nil
	}
}

func (a *LANAdapter) OpenServer(svc Service, h ServerHandler) (Server, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil, ErrUnavailable
	}
	if a.server != nil {
		return nil, ErrServerOpen
	}
	a.server = &lanServer{adapter: a, svc: svc, h: h, links: make(map[string]*lanLink)}
	return a.server, nil
}

func (a *LANAdapter) Dial(address string, h ClientHandler) (ClientConn, error) {
	a.mu.Lock()
	if a.ln == nil {
		a.mu.Unlock()
		return nil, ErrUnavailable
	}
	c := &lanClient{adapter: a, remote: address, h: h}
	a.clients[c] = struct{}{}
	a.mu.Unlock()
	go c.run()
	return c, nil
}

func (a *LANAdapter) dispatch(fn func()) { a.q.Submit(fn) }

func (a *LANAdapter) currentServer() *lanServer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server
}

func (a *LANAdapter) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			log.Printf("radio: accept: %v", err)
			continue
		}
		srv := a.currentServer()
		if srv == nil {
			conn.Close()
			continue
		}
		go srv.handle(conn)
	}
}

type lanLink struct {
	conn net.Conn
	wmu  sync.Mutex
	subs map[string]bool // guarded by lanServer.mu
}

func (l *lanLink) send(op byte, body []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return writeFrame(l.conn, op, body)
}

type lanServer struct {
	adapter *LANAdapter
	svc     Service
	h       ServerHandler

	mu     sync.Mutex
	links  map[string]*lanLink
	closed bool
}

// handle serves one inbound link. The dialer introduces itself with its
// advertised address so both roles report the same address for a peer.
func (s *lanServer) handle(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout)) //nolint:errcheck
	op, body, err := readFrame(conn)
	if err != nil || op != opHello {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	addr := string(body)
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}

	l := &lanLink{conn: conn, subs: make(map[string]bool)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if old, ok := s.links[addr]; ok {
		old.conn.Close()
	}
	s.links[addr] = l
	s.mu.Unlock()
	s.adapter.dispatch(func() { s.h.Connection(addr, true) })

	defer func() {
		conn.Close()
		s.mu.Lock()
		current := s.links[addr] == l
		if current {
			delete(s.links, addr)
		}
		s.mu.Unlock()
		if current {
			s.adapter.dispatch(func() { s.h.Connection(addr, false) })
		}
	}()

	for {
		op, body, err := readFrame(conn)
		if err != nil {
			return
		}
		switch op {
		case opDiscover:
			data, err := json.Marshal(s.svc)
			if err != nil {
				return
			}
			if err := l.send(opServices, data); err != nil {
				return
			}
		case opSubscribe:
			ep := string(body)
			if e, ok := s.svc.Endpoint(ep); !ok || !e.Props.Has(PropNotify) {
				continue
			}
			s.mu.Lock()
			l.subs[ep] = true
			s.mu.Unlock()
			s.adapter.dispatch(func() {
				if s.h.Subscription != nil {
					s.h.Subscription(addr, ep, true)
				}
			})
		case opWrite:
			if len(body) < 1 {
				return
			}
			flags := body[0]
			ep, data, err := splitEndpointBody(body[1:])
			if err != nil {
				return
			}
			status := byte(0)
			if e, ok := s.svc.Endpoint(ep); ok && (e.Props.Has(PropWrite) || e.Props.Has(PropWriteNoResponse)) {
				s.adapter.dispatch(func() {
					if s.h.Write != nil {
						s.h.Write(addr, ep, data)
					}
				})
			} else {
				status = 1
			}
			if flags&flagAck != 0 {
				if err := l.send(opAck, endpointBody(ep, []byte{status})); err != nil {
					return
				}
			}
		}
	}
}

func (s *lanServer) Notify(addr, endpoint string, data []byte) error {
	if len(data) > MaxPayload {
		return ErrTooLarge
	}
	s.mu.Lock()
	l, ok := s.links[addr]
	if !ok {
		s.mu.Unlock()
		return ErrNotConnected
	}
	subscribed := l.subs[endpoint]
	s.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}
	return l.send(opNotify, endpointBody(endpoint, data))
}

func (s *lanServer) Connected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.links)
}

func (s *lanServer) CancelConnection(addr string) {
	s.mu.Lock()
	l, ok := s.links[addr]
	s.mu.Unlock()
	if ok {
		l.conn.Close()
	}
}

func (s *lanServer) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, l := range s.links {
		l.conn.Close()
	}
	s.mu.Unlock()
	s.adapter.mu.Lock()
	if s.adapter.server == s {
		s.adapter.server = nil
	}
	s.adapter.mu.Unlock()
	return nil
}

type lanClient struct {
	adapter *LANAdapter
	remote  string
	h       ClientHandler

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	wmu    sync.Mutex
}

func (c *lanClient) Address() string { return c.remote }

func (c *lanClient) report(fn func()) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.adapter.dispatch(fn)
	}
}

func (c *lanClient) run() {
	conn, err := net.DialTimeout("tcp", c.remote, c.adapter.cfg.DialTimeout)
	if err != nil {
		c.report(func() { c.h.Connection(false, fmt.Errorf("%w: %v", ErrUnreachable, err)) })
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.send(opHello, []byte(c.adapter.Address())); err != nil {
		conn.Close()
		c.report(func() { c.h.Connection(false, fmt.Errorf("%w: %v", ErrUnreachable, err)) })
		return
	}
	c.report(func() { c.h.Connection(true, nil) })

	for {
		op, body, err := readFrame(conn)
		if err != nil {
			break
		}
		switch op {
		case opServices:
			var svc Service
			if err := json.Unmarshal(body, &svc); err != nil {
				c.report(func() { c.h.ServicesDiscovered(nil, err) })
				continue
			}
			c.report(func() { c.h.ServicesDiscovered([]Service{svc}, nil) })
		case opNotify:
			ep, data, err := splitEndpointBody(body)
			if err != nil || c.h.Notification == nil {
				continue
			}
			c.report(func() { c.h.Notification(ep, data) })
		case opAck:
			ep, rest, err := splitEndpointBody(body)
			if err != nil || c.h.WriteResult == nil {
				continue
			}
			var result error
			if len(rest) == 0 || rest[0] != 0 {
				result = fmt.Errorf("%w: %s", ErrNoEndpoint, ep)
			}
			c.report(func() { c.h.WriteResult(ep, result) })
		}
	}

	conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.report(func() { c.h.Connection(false, nil) })
}

func (c *lanClient) send(op byte, body []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return writeFrame(conn, op, body)
}

func (c *lanClient) DiscoverServices() error {
	return c.send(opDiscover, nil)
}

func (c *lanClient) Subscribe(endpoint string) error {
	return c.send(opSubscribe, []byte(endpoint))
}

func (c *lanClient) Write(endpoint string, data []byte, mode WriteMode) error {
	if len(data) > MaxPayload {
		return ErrTooLarge
	}
	flags := byte(0)
	if mode == WriteWithResponse {
		flags = flagAck
	}
	return c.send(opWrite, append([]byte{flags}, endpointBody(endpoint, data)...))
}

func (c *lanClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *lanClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.adapter.mu.Lock()
	delete(c.adapter.clients, c)
	c.adapter.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// advertisedAddr turns a listener address into one peers can dial, picking
// the first non-loopback IPv4 address when bound to the wildcard.
func advertisedAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	if !tcp.IP.IsUnspecified() {
		return tcp.String()
	}
	port := strconv.Itoa(tcp.Port)
	ifaces, err := net.InterfaceAddrs()
	if err == nil {
		for _, ia := range ifaces {
			ipn, ok := ia.(*net.IPNet)
			if ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return net.JoinHostPort(ipn.IP.String(), port)
			}
		}
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func isUnspecified(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
