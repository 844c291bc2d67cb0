package rudp

import (
	"sync"
	"testing"
	"time"
)

// echoServerUpcalls implements ServerUpcalls for end-to-end tests: it
// reliably echoes every payload back to its sender and records lifecycle
// transitions for assertions.
type echoServerUpcalls struct {
	mu       sync.Mutex
	newCount int
	gone     int
	received []string
}

func (e *echoServerUpcalls) HandlePacket(p *Peer, appCommand uint8, payload []byte) {
	e.mu.Lock()
	e.received = append(e.received, string(payload))
	e.mu.Unlock()
	_ = p.Send(true, appCommand, payload)
}

func (e *echoServerUpcalls) LinkInfo(*Peer, uint16) {}
func (e *echoServerUpcalls) Dropped(*Peer)          {}

func (e *echoServerUpcalls) PeerNew(*Peer) {
	e.mu.Lock()
	e.newCount++
	e.mu.Unlock()
}

func (e *echoServerUpcalls) PeerDropped(*Peer) {
	e.mu.Lock()
	e.gone++
	e.mu.Unlock()
}

func (e *echoServerUpcalls) receivedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.received)
}

func (e *echoServerUpcalls) newPeerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newCount
}

func (e *echoServerUpcalls) droppedPeerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gone
}

// recordingClientUpcalls implements ClientUpcalls, recording every
// delivered payload and the handshake/loss signals.
type recordingClientUpcalls struct {
	mu        sync.Mutex
	connected bool
	lost      bool
	payloads  []string
}

func (c *recordingClientUpcalls) HandlePacket(_ *Client, appCommand uint8, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, string(payload))
}

func (c *recordingClientUpcalls) LinkInfo(*Client, uint16) {}

func (c *recordingClientUpcalls) Connected(*Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
}

func (c *recordingClientUpcalls) ServerLost(*Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lost = true
}

func (c *recordingClientUpcalls) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *recordingClientUpcalls) isLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

func (c *recordingClientUpcalls) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.payloads))
	copy(out, c.payloads)
	return out
}

// TestClientServerHandshakeAndEcho exercises S1 and S2 end to end over
// real loopback UDP sockets: Dial reaches Connected, PeerNew fires on the
// server, and a reliable payload round-trips through the echo handler.
func TestClientServerHandshakeAndEcho(t *testing.T) {
	srvUp := &echoServerUpcalls{}
	srv, err := Listen("udp", "127.0.0.1:0", srvUp, WithTimeouts(fastTestTimeouts))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	cliUp := &recordingClientUpcalls{}
	cli, err := Dial("udp", srv.LocalAddr().String(), cliUp, WithTimeouts(fastTestTimeouts))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	waitFor(t, time.Second, cliUp.isConnected)
	waitFor(t, time.Second, func() bool { return srvUp.newPeerCount() == 1 })

	if err := cli.Send(true, 0, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(cliUp.snapshot()) == 1 })
	got := cliUp.snapshot()
	if got[0] != "ping" {
		t.Fatalf("client received %q, want echoed %q", got[0], "ping")
	}
	if srvUp.receivedCount() != 1 {
		t.Fatalf("server received %d payloads, want 1", srvUp.receivedCount())
	}
}

// TestServerTracksMultiplePeers verifies the Server demultiplexes several
// independent clients on one socket, each getting its own Peer.
func TestServerTracksMultiplePeers(t *testing.T) {
	srvUp := &echoServerUpcalls{}
	srv, err := Listen("udp", "127.0.0.1:0", srvUp, WithTimeouts(fastTestTimeouts))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	const n = 3
	clients := make([]*Client, n)
	ups := make([]*recordingClientUpcalls, n)
	for i := 0; i < n; i++ {
		ups[i] = &recordingClientUpcalls{}
		c, err := Dial("udp", srv.LocalAddr().String(), ups[i], WithTimeouts(fastTestTimeouts))
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		defer c.Close()
		clients[i] = c
	}

	for i := range clients {
		waitFor(t, time.Second, ups[i].isConnected)
	}
	waitFor(t, time.Second, func() bool { return srvUp.newPeerCount() == n })
	waitFor(t, time.Second, func() bool { return len(srv.Peers()) == n })
}

// TestClientCloseDropsServerPeer covers S5 via the public API: closing a
// client sends CLOSE, which tears down the server's matching peer and
// fires PeerDropped exactly once.
func TestClientCloseDropsServerPeer(t *testing.T) {
	srvUp := &echoServerUpcalls{}
	srv, err := Listen("udp", "127.0.0.1:0", srvUp, WithTimeouts(fastTestTimeouts))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	cliUp := &recordingClientUpcalls{}
	cli, err := Dial("udp", srv.LocalAddr().String(), cliUp, WithTimeouts(fastTestTimeouts))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	waitFor(t, time.Second, cliUp.isConnected)
	waitFor(t, time.Second, func() bool { return len(srv.Peers()) == 1 })

	if err := cli.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitFor(t, time.Second, func() bool { return srvUp.droppedPeerCount() == 1 })
	waitFor(t, time.Second, func() bool { return len(srv.Peers()) == 0 })
}

// TestUnreliableSendDeliversOverLoopback exercises the unreliable path:
// over a healthy loopback link an unreliable payload still arrives.
func TestUnreliableSendDeliversOverLoopback(t *testing.T) {
	srvUp := &echoServerUpcalls{}
	srv, err := Listen("udp", "127.0.0.1:0", srvUp, WithTimeouts(fastTestTimeouts))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	cliUp := &recordingClientUpcalls{}
	cli, err := Dial("udp", srv.LocalAddr().String(), cliUp, WithTimeouts(fastTestTimeouts))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cli.Close()

	waitFor(t, time.Second, cliUp.isConnected)

	if err := cli.Send(false, 1, []byte("fire-and-forget")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, time.Second, func() bool { return srvUp.receivedCount() == 1 })
}
