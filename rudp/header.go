package rudp

import (
	"errors"
)

// HeaderSize is the fixed on-wire header length: 4 single-byte fields
// followed by 5 big-endian uint16 fields.
const HeaderSize = 4 + 5*2

// ErrMalformedPacket is returned when a packet is too short to contain a
// header, or carries an unsupported protocol version.
var ErrMalformedPacket = errors.New("rudp: malformed packet")

// Header is the fixed packet header, network byte order on the wire.
type Header struct {
	Version       uint8
	Command       Command
	Opt           Opt
	Reserved      uint8
	ReliableSeq   seqnum
	UnreliableSeq seqnum
	ReliableAck   seqnum
	SegmentIndex  uint16
	SegmentsSize  uint16
}

// Reliable reports whether OptReliable is set.
func (h Header) Reliable() bool { return h.Opt&OptReliable != 0 }

// Retransmitted reports whether OptRetransmitted is set.
func (h Header) Retransmitted() bool { return h.Opt&OptRetransmitted != 0 }

// Acked reports whether OptAck is set.
func (h Header) Acked() bool { return h.Opt&OptAck != 0 }

// Marshal encodes h into buf[:HeaderSize]. buf must have length >= HeaderSize.
func (h Header) Marshal(buf []byte) {
	buf[0] = h.Version
	buf[1] = uint8(h.Command)
	buf[2] = uint8(h.Opt)
	buf[3] = h.Reserved
	be.PutUint16(buf[4:6], uint16(h.ReliableSeq))
	be.PutUint16(buf[6:8], uint16(h.UnreliableSeq))
	be.PutUint16(buf[8:10], uint16(h.ReliableAck))
	be.PutUint16(buf[10:12], h.SegmentIndex)
	be.PutUint16(buf[12:14], h.SegmentsSize)
}

// ParseHeader decodes the header from the front of data and returns it
// together with the remaining payload bytes. It does not copy data.
func ParseHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, ErrMalformedPacket
	}

	h := Header{
		Version:       data[0],
		Command:       Command(data[1]),
		Opt:           Opt(data[2]),
		Reserved:      data[3],
		ReliableSeq:   seqnum(be.Uint16(data[4:6])),
		UnreliableSeq: seqnum(be.Uint16(data[6:8])),
		ReliableAck:   seqnum(be.Uint16(data[8:10])),
		SegmentIndex:  be.Uint16(data[10:12]),
		SegmentsSize:  be.Uint16(data[12:14]),
	}

	if h.Version != ProtoVersion {
		return Header{}, nil, ErrMalformedPacket
	}

	return h, data[HeaderSize:], nil
}

// encodePacket builds a complete on-wire packet (header + payload) into a
// freshly pooled buffer and returns that buffer; its Data() is the
// encoded packet, and the caller releases it once written.
func encodePacket(h Header, payload []byte) *Buffer {
	b := AcquireBuffer()
	n := HeaderSize + len(payload)
	b.Len = n
	h.Marshal(b.Bytes[:HeaderSize])
	copy(b.Bytes[HeaderSize:n], payload)
	return b
}
