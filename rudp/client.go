package rudp

import (
	"fmt"
	"net"
	"sync"
)

// ClientUpcalls is the set of callbacks a Client drives. It embeds the
// peer-level upcalls (renamed to take *Client instead of *Peer, since a
// Client only ever has the one peer) and adds the client-specific
// handshake/loss signals named in §6.
type ClientUpcalls interface {
	HandlePacket(c *Client, appCommand uint8, payload []byte)
	LinkInfo(c *Client, ackedSeq uint16)

	// Connected fires once, when the client's peer reaches StateRun.
	Connected(c *Client)

	// ServerLost fires once, when the peer is dropped (CLOSE received
	// or the drop deadline elapsed).
	ServerLost(c *Client)
}

// Client is single-peer convenience: one Endpoint bound to an ephemeral
// local address, talking to exactly one remote Peer.
type Client struct {
	endpoint *Endpoint
	peer     *Peer
	upcalls  ClientUpcalls
	logger   Logger

	connectOnce sync.Once
}

// Dial resolves addr, binds an ephemeral local Endpoint, and begins the
// connection handshake to the resulting peer. It returns immediately
// after sending CONN_REQ; wait for upcalls.Connected to know the
// handshake completed.
func Dial(network, addr string, upcalls ClientUpcalls, opts ...Option) (*Client, error) {
	if upcalls == nil {
		return nil, fmt.Errorf("rudp: Dial: %w", ErrInvalidArgument)
	}
	if addr == "" {
		return nil, fmt.Errorf("rudp: Dial: %w", ErrAddressRequired)
	}

	remote, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, fmt.Errorf("rudp: resolve %s: %w", addr, err)
	}

	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	ep, err := Bind(network, ":0", cfg.logger)
	if err != nil {
		return nil, fmt.Errorf("rudp: bind local endpoint: %w", err)
	}

	c := &Client{
		endpoint: ep,
		upcalls:  upcalls,
		logger:   cfg.logger,
	}
	c.peer = newPeer(ep, remote, c, StateNew, opts...)

	ep.ServeBackground(c)

	if err := c.peer.SendConnect(); err != nil {
		ep.Close()
		return nil, fmt.Errorf("rudp: send connect: %w", err)
	}

	return c, nil
}

// Peer returns the client's single underlying Peer.
func (c *Client) Peer() *Peer { return c.peer }

// LocalAddr returns the bound local address of the client's socket.
func (c *Client) LocalAddr() net.Addr { return c.endpoint.LocalAddr() }

// Deliver implements Demux: it routes inbound datagrams from the
// expected server address to the single peer, and detects the
// CONNECTING/NEW → RUN transition to fire Connected exactly once.
func (c *Client) Deliver(addr net.Addr, buf *Buffer) {
	if addr.String() != c.peer.Addr().String() {
		c.logger.Logf(LevelWarn, "rudp: client dropping packet from unexpected source %s (want %s)", addr, c.peer.Addr())
		return
	}

	wasRun := c.peer.State() == StateRun
	c.peer.Ingress(buf.Data())

	if !wasRun && c.peer.State() == StateRun {
		c.connectOnce.Do(func() { c.upcalls.Connected(c) })
	}
}

// HandlePacket implements Upcalls, forwarding to ClientUpcalls.
func (c *Client) HandlePacket(_ *Peer, appCommand uint8, payload []byte) {
	c.upcalls.HandlePacket(c, appCommand, payload)
}

// LinkInfo implements Upcalls, forwarding to ClientUpcalls.
func (c *Client) LinkInfo(_ *Peer, ackedSeq uint16) {
	c.upcalls.LinkInfo(c, ackedSeq)
}

// Dropped implements Upcalls: the peer is already StateDead by the time
// this fires, so teardown here is limited to reporting loss upward.
func (c *Client) Dropped(_ *Peer) {
	c.upcalls.ServerLost(c)
}

// Send sends an application payload to the server.
func (c *Client) Send(reliable bool, appCommand uint8, payload []byte) error {
	return c.peer.Send(reliable, appCommand, payload)
}

// Close tears the connection down: it sends CLOSE directly (bypassing
// the send queue, since in-flight unacked data is allowed to be lost)
// and closes the local socket.
func (c *Client) Close() error {
	c.peer.SendCloseNoQueue()
	return c.endpoint.Close()
}
