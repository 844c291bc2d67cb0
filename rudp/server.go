package rudp

import (
	"fmt"
	"net"
	"sync"
)

// ServerUpcalls is the set of callbacks a Server drives: the same
// per-peer upcalls every Peer exposes, plus the multi-peer lifecycle
// signals named in §6.
type ServerUpcalls interface {
	Upcalls

	// PeerNew fires once a freshly accepted CONN_REQ has produced a
	// live peer (ingress of the CONN_REQ succeeded).
	PeerNew(p *Peer)

	// PeerDropped fires once a peer is removed, mirroring Upcalls.Dropped
	// but after the Server has already removed it from its peer set.
	PeerDropped(p *Peer)
}

// Server multiplexes many peers on one UDP socket, keyed by canonical
// source address string, the same scheme the retrieval pack's own
// listener uses for its address→peer map.
type Server struct {
	endpoint *Endpoint
	upcalls  ServerUpcalls
	logger   Logger
	opts     []Option

	mu    sync.Mutex
	peers map[string]*Peer
}

// Listen binds a UDP socket on network/localAddr and starts accepting
// peers.
func Listen(network, localAddr string, upcalls ServerUpcalls, opts ...Option) (*Server, error) {
	if upcalls == nil {
		return nil, fmt.Errorf("rudp: Listen: %w", ErrInvalidArgument)
	}

	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	ep, err := Bind(network, localAddr, cfg.logger)
	if err != nil {
		return nil, fmt.Errorf("rudp: bind: %w", err)
	}

	s := &Server{
		endpoint: ep,
		upcalls:  upcalls,
		logger:   cfg.logger,
		opts:     opts,
		peers:    make(map[string]*Peer),
	}

	ep.ServeBackground(s)

	return s, nil
}

// LocalAddr returns the bound local address of the server's socket.
func (s *Server) LocalAddr() net.Addr { return s.endpoint.LocalAddr() }

// Peers returns a snapshot of the currently connected peers.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Deliver implements Demux: it routes to an existing peer by source
// address, or accepts a fresh CONN_REQ into a brand-new peer. Anything
// else from an unknown address is dropped as garbage.
func (s *Server) Deliver(addr net.Addr, buf *Buffer) {
	key := addr.String()

	s.mu.Lock()
	p, ok := s.peers[key]
	s.mu.Unlock()

	if ok {
		p.Ingress(buf.Data())
		return
	}

	hdr, _, err := ParseHeader(buf.Data())
	if err != nil || hdr.Command != CmdConnReq || buf.Len != HeaderSize {
		s.logger.Logf(LevelWarn, "rudp: dropping garbage packet from unknown peer %s", addr)
		return
	}

	p = newPeer(s.endpoint, addr, s, StateNew, s.opts...)

	s.mu.Lock()
	s.peers[key] = p
	s.mu.Unlock()

	if err := p.Ingress(buf.Data()); err != nil {
		s.mu.Lock()
		delete(s.peers, key)
		s.mu.Unlock()
		return
	}

	s.upcalls.PeerNew(p)
}

// HandlePacket implements Upcalls, forwarding to ServerUpcalls.
func (s *Server) HandlePacket(p *Peer, appCommand uint8, payload []byte) {
	s.upcalls.HandlePacket(p, appCommand, payload)
}

// LinkInfo implements Upcalls, forwarding to ServerUpcalls.
func (s *Server) LinkInfo(p *Peer, ackedSeq uint16) {
	s.upcalls.LinkInfo(p, ackedSeq)
}

// Dropped implements Upcalls: removes p from the peer set before
// notifying the application.
func (s *Server) Dropped(p *Peer) {
	s.mu.Lock()
	delete(s.peers, p.Addr().String())
	s.mu.Unlock()

	s.upcalls.Dropped(p)
	s.upcalls.PeerDropped(p)
}

// SendAll sends an application payload to every connected peer,
// returning the first error encountered. Per-peer transient errors are
// otherwise captured in that peer's own sticky last-send-error.
func (s *Server) SendAll(reliable bool, appCommand uint8, payload []byte) error {
	var firstErr error
	for _, p := range s.Peers() {
		if err := p.Send(reliable, appCommand, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close sends CLOSE to every connected peer and closes the socket.
func (s *Server) Close() error {
	for _, p := range s.Peers() {
		p.SendCloseNoQueue()
	}
	return s.endpoint.Close()
}
