package rudp

import "net"

// Sink is the narrow contract the peer engine needs from whatever owns
// the UDP socket: write bytes to a destination address. The Endpoint is
// the concrete implementation; tests substitute a fake to exercise the
// engine without a real socket.
type Sink interface {
	SendTo(addr net.Addr, b []byte) (int, error)
}

// Upcalls is the set of callbacks a Peer drives as it processes ingress
// packets and timer ticks. Client and Server each implement Upcalls for
// the peer(s) they own; this is the Go-native stand-in for the
// function-table handler structs the protocol's peer/client/server
// polymorphism is built from.
type Upcalls interface {
	// HandlePacket delivers a fully reassembled application payload.
	// appCommand is already translated back from the wire command
	// (wire command minus CmdApp).
	HandlePacket(p *Peer, appCommand uint8, payload []byte)

	// LinkInfo reports that the peer's counterpart has acknowledged
	// the reliable segment carrying ackedSeq.
	LinkInfo(p *Peer, ackedSeq uint16)

	// Dropped fires exactly once, when the peer transitions to
	// StateDead (drop-deadline exceeded or CLOSE received). The peer
	// may be destroyed by the caller during this callback; the engine
	// never touches peer state after invoking it.
	Dropped(p *Peer)
}
