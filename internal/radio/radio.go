// Package radio abstracts the short-range, connection-oriented link the mesh
// runs over.
//
// The model follows a low-energy radio stack: a node advertises a service
// marker, scans for others advertising the same marker, serves a set of
// endpoints to peers that connect to it, and connects out to peers it has
// seen. Everything is callback driven. All callbacks of one adapter are
// delivered serially from the adapter's own dispatch goroutine, which the
// caller does not control and must never block.
//
// Two adapters are provided: MemoryAdapter on a simulated shared medium (Air)
// and LANAdapter, which carries beacons over UDP broadcast and links over TCP.
package radio

import (
	"errors"
	"sort"
)

const (
	// MaxPayload is the largest value a single write or notification carries.
	MaxPayload = 512

	// ServiceMarker identifies nodes speaking the mesh protocol, both in
	// advertisements and as the id of the service they expose.
	ServiceMarker = "6e4a0001-af37-4e7b-9c1d-000000a1e770"

	// EndpointSend is the write-only endpoint peers deliver frames to.
	EndpointSend = "6e4a0002-af37-4e7b-9c1d-000000a1e770"

	// EndpointReceive is the notify endpoint a node pushes frames through.
	EndpointReceive = "6e4a0003-af37-4e7b-9c1d-000000a1e770"
)

var (
	ErrUnavailable   = errors.New("radio: adapter unavailable")
	ErrScanFailed    = errors.New("radio: scan failed to start")
	ErrAdvertFailed  = errors.New("radio: advertising failed to start")
	ErrUnreachable   = errors.New("radio: peer unreachable")
	ErrNotConnected  = errors.New("radio: not connected")
	ErrNoEndpoint    = errors.New("radio: endpoint not found")
	ErrNotSubscribed = errors.New("radio: peer not subscribed")
	ErrTooLarge      = errors.New("radio: payload exceeds MaxPayload")
	ErrServerOpen    = errors.New("radio: server already open")
	ErrClosed        = errors.New("radio: closed")
)

// Prop is a bit set of operations an endpoint supports.
type Prop uint8

const (
	PropWrite Prop = 1 << iota
	PropWriteNoResponse
	PropRead
	PropNotify
)

func (p Prop) Has(q Prop) bool { return p&q == q }

// Endpoint is one addressable channel of a service.
type Endpoint struct {
	ID    string `json:"id"`
	Props Prop   `json:"props"`
}

// Service is what a server exposes to connected peers.
type Service struct {
	Marker    string     `json:"marker"`
	Endpoints []Endpoint `json:"endpoints"`
}

// Endpoint looks up an endpoint by id.
func (s Service) Endpoint(id string) (Endpoint, bool) {
	for _, e := range s.Endpoints {
		if e.ID == id {
			return e, true
		}
	}
	return Endpoint{}, false
}

// MeshService is the service every mesh node exposes: a writable send
// endpoint and a notifying receive endpoint.
func MeshService() Service {
	return Service{
		Marker: ServiceMarker,
		Endpoints: []Endpoint{
			{ID: EndpointSend, Props: PropWrite | PropWriteNoResponse},
			{ID: EndpointReceive, Props: PropRead | PropNotify},
		},
	}
}

// Advertisement is broadcast while advertising.
type Advertisement struct {
	Marker string `json:"m"`
	NodeID string `json:"n,omitempty"`
}

// Sighting is one scan result.
type Sighting struct {
	Address string
	Advertisement
	RSSI int
}

// WriteMode selects whether a write is acknowledged by the peer.
type WriteMode uint8

const (
	WriteNoResponse WriteMode = iota
	WriteWithResponse
)

// ScanHandler receives scan results and asynchronous scan failures.
type ScanHandler struct {
	Sighting func(Sighting)
	Failed   func(error)
}

// ServerHandler receives events for peers connected to this node's server.
type ServerHandler struct {
	Connection   func(addr string, connected bool)
	Write        func(addr, endpoint string, data []byte)
	Subscription func(addr, endpoint string, enabled bool)
}

// ClientHandler receives events for one outbound connection.
type ClientHandler struct {
	Connection         func(connected bool, err error)
	ServicesDiscovered func(services []Service, err error)
	Notification       func(endpoint string, data []byte)
	WriteResult        func(endpoint string, err error)
}

// Adapter is the local radio.
type Adapter interface {
	// Address is the link-layer address peers use to dial this adapter.
	Address() string
	// Enable checks that the radio is present, powered and usable.
	Enable() error
	StartAdvertising(ad Advertisement, failed func(error)) error
	StopAdvertising()
	StartScanning(marker string, h ScanHandler) error
	StopScanning()
	OpenServer(svc Service, h ServerHandler) (Server, error)
	// Dial starts connecting to address and returns at once; the outcome
	// arrives through h.Connection.
	Dial(address string, h ClientHandler) (ClientConn, error)
}

// Server is this node's side of inbound connections.
type Server interface {
	Notify(addr, endpoint string, data []byte) error
	Connected() []string
	CancelConnection(addr string)
	Close() error
}

// ClientConn is one outbound connection. Operations are asynchronous; their
// results arrive through the ClientHandler given to Dial.
type ClientConn interface {
	Address() string
	DiscoverServices() error
	Subscribe(endpoint string) error
	Write(endpoint string, data []byte, mode WriteMode) error
	// Disconnect tears the link down; h.Connection(false, nil) follows.
	Disconnect() error
	// Close releases the connection without further callbacks.
	Close() error
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
