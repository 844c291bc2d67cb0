package rudp

import (
	"bytes"
	"testing"
)

func TestHeaderMarshalParseRoundTrip(t *testing.T) {
	h := Header{
		Version:       ProtoVersion,
		Command:       CmdApp + 3,
		Opt:           OptReliable | OptAck,
		ReliableSeq:   42,
		UnreliableSeq: 7,
		ReliableAck:   41,
		SegmentIndex:  1,
		SegmentsSize:  3,
	}

	buf := make([]byte, HeaderSize)
	h.Marshal(buf)

	got, rest, err := ParseHeader(append(buf, []byte("payload")...))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, h)
	}
	if string(rest) != "payload" {
		t.Fatalf("payload mismatch: %q", rest)
	}
}

func TestParseHeaderRejectsShort(t *testing.T) {
	_, _, err := ParseHeader(make([]byte, HeaderSize-1))
	if err != ErrMalformedPacket {
		t.Fatalf("expected ErrMalformedPacket, got %v", err)
	}
}

func TestParseHeaderRejectsWrongVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{Version: ProtoVersion + 1, Command: CmdNoop}
	h.Marshal(buf)

	_, _, err := ParseHeader(buf)
	if err != ErrMalformedPacket {
		t.Fatalf("expected ErrMalformedPacket for bad version, got %v", err)
	}
}

func TestHeaderFlagAccessors(t *testing.T) {
	h := Header{Opt: OptReliable | OptRetransmitted}
	if !h.Reliable() || !h.Retransmitted() || h.Acked() {
		t.Fatalf("flag accessors mismatch for opt=%v", h.Opt)
	}
}

func TestEncodePacketRoundTrip(t *testing.T) {
	h := Header{Version: ProtoVersion, Command: CmdApp, ReliableSeq: 1}
	payload := []byte("hello world")

	buf := encodePacket(h, payload)
	defer ReleaseBuffer(buf)

	gotHdr, gotPayload, err := ParseHeader(buf.Data())
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if gotHdr != h {
		t.Fatalf("header mismatch: got %+v, want %+v", gotHdr, h)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", gotPayload, payload)
	}
}

func TestBufferPoolAcquireRelease(t *testing.T) {
	b := AcquireBuffer()
	if b.Len != 0 {
		t.Fatalf("fresh buffer should have Len==0, got %d", b.Len)
	}
	b.Len = 10
	ReleaseBuffer(b)

	b2 := AcquireBuffer()
	if b2.Len != 0 {
		t.Fatalf("reacquired buffer should reset Len to 0, got %d", b2.Len)
	}
	ReleaseBuffer(b2)
}
