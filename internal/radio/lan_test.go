package radio

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := endpointBody(EndpointSend, []byte("payload"))
	if err := writeFrame(&buf, opWrite, body); err != nil {
		t.Fatal(err)
	}
	op, got, err := readFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if op != opWrite {
		t.Fatalf("op=%d", op)
	}
	ep, rest, err := splitEndpointBody(got)
	if err != nil {
		t.Fatal(err)
	}
	if ep != EndpointSend || string(rest) != "payload" {
		t.Fatalf("ep=%q rest=%q", ep, rest)
	}

	if err := writeFrame(&buf, opNotify, make([]byte, maxFrameBody+1)); !errors.Is(err, errFrameTooLarge) {
		t.Fatalf("oversized frame: %v", err)
	}
	if _, _, err := splitEndpointBody([]byte{9, 'a'}); err == nil {
		t.Fatal("short endpoint body should fail")
	}
}

func TestLANLinkLoopback(t *testing.T) {
	srvAd := NewLAN(LANConfig{Listen: "127.0.0.1:0"})
	cliAd := NewLAN(LANConfig{Listen: "127.0.0.1:0"})
	defer srvAd.Close()
	defer cliAd.Close()
	if err := srvAd.Enable(); err != nil {
		t.Fatal(err)
	}
	if err := cliAd.Enable(); err != nil {
		t.Fatal(err)
	}

	peers := make(chan string, 2)
	writes := make(chan string, 2)
	subscribed := make(chan struct{}, 1)
	srv, err := srvAd.OpenServer(MeshService(), ServerHandler{
		Connection: func(addr string, ok bool) {
			if ok {
				peers <- addr
			}
		},
		Write:        func(addr, ep string, data []byte) { writes <- string(data) },
		Subscription: func(addr, ep string, on bool) { subscribed <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}

	connected := make(chan bool, 2)
	services := make(chan []Service, 1)
	notes := make(chan string, 1)
	acks := make(chan error, 1)
	cc, err := cliAd.Dial(srvAd.Address(), ClientHandler{
		Connection:         func(ok bool, err error) { connected <- ok },
		ServicesDiscovered: func(s []Service, err error) { services <- s },
		Notification:       func(ep string, data []byte) { notes <- string(data) },
		WriteResult:        func(ep string, err error) { acks <- err },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !recv(t, connected) {
		t.Fatal("dial failed")
	}
	if got := recv(t, peers); got != cliAd.Address() {
		t.Fatalf("server keyed link as %q, want %q", got, cliAd.Address())
	}

	cc.DiscoverServices()
	svc := recv(t, services)
	if len(svc) != 1 {
		t.Fatalf("services=%+v", svc)
	}
	if _, ok := svc[0].Endpoint(EndpointSend); !ok {
		t.Fatal("send endpoint missing from discovered service")
	}

	cc.Subscribe(EndpointReceive)
	recv(t, subscribed)
	if err := srv.Notify(cliAd.Address(), EndpointReceive, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, notes); got != "hello" {
		t.Fatalf("notification=%q", got)
	}

	cc.Write(EndpointSend, []byte("world"), WriteWithResponse)
	if got := recv(t, writes); got != "world" {
		t.Fatalf("write=%q", got)
	}
	if err := recv(t, acks); err != nil {
		t.Fatalf("ack=%v", err)
	}

	cc.Disconnect()
	if recv(t, connected) {
		t.Fatal("expected link down")
	}
}
