package rudp

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"time"
)

// State is a Peer's position in the connection handshake state machine.
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateRun
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnecting:
		return "CONNECTING"
	case StateRun:
		return "RUN"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// sendEntry is one buffered outgoing segment awaiting first transmission
// or retransmission. This is the value-owning stand-in for the protocol's
// intrusive send-queue list node (see SPEC_FULL.md §4.1):
// the queue is a plain ordered slice owned by the Peer rather than
// container-of pointer math over an embedded list link.
type sendEntry struct {
	header  Header
	payload []byte
}

// reassemblyState tracks at most one in-progress multi-segment reliable
// message per peer.
type reassemblyState struct {
	opt      Opt
	command  Command
	buf      []byte
	written  int
	expected uint16
}

// Peer is the per-connection protocol engine: state machine, sequence
// bookkeeping, retransmit queue, RTT/RTO estimator, and segmentation /
// reassembly. A Peer is safe for concurrent use: all ingress, timer, and
// Send calls are serialized behind its own mutex, so the observable
// ordering and single-Dropped-upcall guarantees match the reference
// engine's single-threaded event loop even though the Endpoint's read
// loop and the Peer's own timer run on separate goroutines, as is
// idiomatic for a Go port of a peer-per-goroutine design.
type Peer struct {
	sink     Sink
	addr     net.Addr
	upcalls  Upcalls
	clock    Clock
	timer    Timer
	logger   Logger
	timeouts Timeouts

	mu sync.Mutex

	state State

	inSeqReliable   seqnum
	inSeqUnreliable seqnum

	outSeqReliable   seqnum
	outSeqUnreliable seqnum
	outSeqAcked      seqnum

	sendQueue []*sendEntry

	reassembly *reassemblyState

	srtt, rttvar, rto int64 // milliseconds; srtt<0 means unmeasured

	lastOutTime        int64
	absTimeoutDeadline int64

	mustAck bool

	lastSendErr error

	// pingRetransmitted tracks whether the most recently transmitted
	// outbound PING was a retransmission, so a matching PONG can skip
	// the RTT sample per Karn's algorithm (§4.4).
	pingRetransmitted bool
}

// newPeer builds a Peer in the given initial state. sink and upcalls
// must be non-nil; addr identifies the remote endpoint on sink.
func newPeer(sink Sink, addr net.Addr, upcalls Upcalls, state State, opts ...Option) *Peer {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	outSeqReliable := seqnum(rand.Intn(0x10000))

	p := &Peer{
		sink:     sink,
		addr:     addr,
		upcalls:  upcalls,
		clock:    cfg.clock,
		timer:    cfg.newTimer(),
		logger:   cfg.logger,
		timeouts: cfg.timeouts,

		state: state,

		inSeqReliable:   noSeq,
		inSeqUnreliable: 0,

		outSeqReliable:   outSeqReliable,
		outSeqUnreliable: 0,
		outSeqAcked:      outSeqReliable - 1,

		srtt:  -1,
		rttvar: 0,
		rto:   int64(cfg.timeouts.MaxRTO / time.Millisecond),
	}

	now := p.clock.NowMillis()
	p.lastOutTime = now
	p.absTimeoutDeadline = now + int64(p.timeouts.Drop/time.Millisecond)

	return p
}

// Addr returns the peer's remote address.
func (p *Peer) Addr() net.Addr { return p.addr }

// State reports the peer's current handshake state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastSendError returns and clears the sticky last send-to error, per
// the protocol's "surfaced on subsequent send calls" rule.
func (p *Peer) LastSendError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.lastSendErr
	p.lastSendErr = nil
	return err
}

// RTO returns the current retransmission timeout estimate, for tests and
// diagnostics.
func (p *Peer) RTO() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rto) * time.Millisecond
}

// SRTT returns the current smoothed RTT estimate, or -1 if unmeasured.
func (p *Peer) SRTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.srtt < 0 {
		return -1
	}
	return time.Duration(p.srtt) * time.Millisecond
}

func clampRTO(rto, min, max int64) int64 {
	if rto < min {
		return min
	}
	if rto > max {
		return max
	}
	return rto
}

// recordRTTSampleLocked applies the RFC 6298 estimator update. Must be called
// with p.mu held.
func (p *Peer) recordRTTSampleLocked(r int64) {
	const clockGranularity = 1000 // ms

	if p.srtt < 0 {
		p.srtt = r
		p.rttvar = r / 2
	} else {
		diff := p.srtt - r
		if diff < 0 {
			diff = -diff
		}
		p.rttvar = (3*p.rttvar + diff) / 4
		p.srtt = (7*p.srtt + r) / 8
	}

	minRTO := int64(p.timeouts.MinRTO / time.Millisecond)
	maxRTO := int64(p.timeouts.MaxRTO / time.Millisecond)

	floor := p.rttvar * 4
	if floor < clockGranularity {
		floor = clockGranularity
	}
	p.rto = clampRTO(p.srtt+floor, minRTO, maxRTO)
}

// backOffRTOLocked applies the protocol's retransmission back-off. The
// formula max(rto*2, max_rto) collapses to max_rto on every retransmit;
// this is preserved verbatim as an open question (see DESIGN.md,
// "Back-off formula") rather than "fixed" into a true exponential back-off.
func (p *Peer) backOffRTOLocked() {
	maxRTO := int64(p.timeouts.MaxRTO / time.Millisecond)
	doubled := p.rto * 2
	if doubled < maxRTO {
		doubled = maxRTO
	}
	if doubled > maxRTO {
		doubled = maxRTO
	}
	p.rto = doubled
}

// sequenceKind classifies an inbound reliable header against in_seq_reliable.
type sequenceKind int

const (
	seqUnsequenced sequenceKind = iota
	seqRetransmitted
	seqSequenced
)

func classifySequence(in, s seqnum) sequenceKind {
	switch {
	case s == in:
		return seqRetransmitted
	case s == in+1:
		return seqSequenced
	default:
		return seqUnsequenced
	}
}

// Ingress processes one inbound datagram payload (header already
// prefixed) addressed to this peer.
func (p *Peer) Ingress(data []byte) error {
	hdr, payload, err := ParseHeader(data)
	if err != nil {
		p.logger.Logf(LevelWarn, "rudp: dropping malformed packet from %s: %v", p.addr, err)
		return err
	}

	p.mu.Lock()

	if p.state == StateDead {
		p.mu.Unlock()
		return ErrInvalidArgument
	}

	var upcalls []func()
	defer func() {
		p.mu.Unlock()
		for _, fn := range upcalls {
			fn()
		}
	}()

	// Step 1: ACK piggyback.
	if hdr.Acked() {
		if hdr.ReliableAck.delta(p.outSeqReliable) > 0 {
			p.logger.Logf(LevelWarn, "rudp: dropping packet from %s: ack %d ahead of out_seq_reliable %d", p.addr, hdr.ReliableAck, p.outSeqReliable)
			return ErrMalformedPacket
		}
		upcalls = append(upcalls, p.ackProcessLocked(hdr.ReliableAck)...)
	}

	kind := classifySequence(p.inSeqReliable, hdr.ReliableSeq)

	// Only a reliable packet can open a new epoch. An unreliable
	// datagram whose reliable_seq equals in_seq_reliable+1 is ordinary
	// reordering (it outran the reliable packet that will open that
	// epoch), not a genuine SEQUENCED packet, and must be dropped rather
	// than delivered-and-advanced: otherwise in_seq_reliable moves ahead
	// of the reliable packet that owns that seq, and when the real
	// reliable packet then arrives it classifies as RETRANSMITTED and is
	// acked without ever being delivered — a silent loss.
	if !hdr.Reliable() && kind == seqSequenced {
		kind = seqUnsequenced
	}

	switch kind {
	case seqUnsequenced:
		switch {
		case p.state == StateNew && hdr.Command == CmdConnReq:
			p.inSeqReliable = hdr.ReliableSeq
			p.state = StateRun
			p.enqueueLocked(false, CmdConnRsp, encodeAccepted(true))
			p.postAckLocked()
			if err := p.scheduleServiceLocked(); err != nil {
				return err
			}
		case p.state == StateConnecting && hdr.Command == CmdConnRsp:
			p.inSeqReliable = hdr.ReliableSeq
			p.state = StateRun
			if err := p.scheduleServiceLocked(); err != nil {
				return err
			}
		default:
			p.logger.Logf(LevelWarn, "rudp: dropping unsequenced packet from %s: state=%s command=%d seq=%d in_seq=%d", p.addr, p.state, hdr.Command, hdr.ReliableSeq, p.inSeqReliable)
		}
		return nil

	case seqRetransmitted:
		// S == in_seq_reliable. For a reliable packet this is a genuine
		// retransmission of a message already processed: ack it again
		// but never re-deliver, and refresh the deadline since it is
		// live traffic. For an unreliable packet this is the common
		// case (unreliable sends carry the *current* epoch's
		// reliable_seq unchanged) — apply the unreliable-specific
		// SEQUENCED test from §3 against in_seq_unreliable to decide
		// whether this particular datagram is new; a stale duplicate
		// neither refreshes the deadline nor redelivers.
		if hdr.Reliable() {
			p.refreshDeadlineLocked()
			p.postAckLocked()
		} else if hdr.UnreliableSeq.delta(p.inSeqUnreliable) > 0 {
			p.refreshDeadlineLocked()
			p.inSeqUnreliable = hdr.UnreliableSeq
			upcalls = append(upcalls, p.dispatchLocked(hdr, payload)...)
		}

		if p.state == StateDead {
			p.timer.Cancel()
			return nil
		}
		if err := p.scheduleServiceLocked(); err != nil {
			return err
		}
		return nil
	}

	// seqSequenced: S == in_seq_reliable+1, reliable only (the
	// unreliable case was reclassified to seqUnsequenced above).
	p.refreshDeadlineLocked()
	p.inSeqReliable = hdr.ReliableSeq
	p.inSeqUnreliable = 0

	upcalls = append(upcalls, p.dispatchLocked(hdr, payload)...)

	if p.state == StateDead {
		p.timer.Cancel()
		return nil
	}

	if hdr.Reliable() {
		p.postAckLocked()
	}
	if err := p.scheduleServiceLocked(); err != nil {
		return err
	}

	return nil
}

// dispatchLocked handles the command-specific behavior for an accepted
// (SEQUENCED, or fresh-within-epoch unreliable) packet, returning any
// upcalls to run once p.mu is released.
func (p *Peer) dispatchLocked(hdr Header, payload []byte) []func() {
	switch {
	case hdr.Command == CmdClose:
		p.state = StateDead
		peer := p
		return []func(){func() { peer.upcalls.Dropped(peer) }}

	case hdr.Command == CmdPing:
		if p.state == StateRun && !hdr.Retransmitted() {
			// payload aliases the Endpoint's pooled inbound Buffer,
			// which is released back to the pool as soon as Ingress
			// returns; the PONG is flushed later from the timer
			// goroutine, so it needs its own copy.
			echo := make([]byte, len(payload))
			copy(echo, payload)
			p.enqueueLocked(false, CmdPong, echo)
		}

	case hdr.Command == CmdPong:
		if p.state == StateRun && !p.pingRetransmitted {
			ts := decodeTimestamp(payload)
			if ts != 0 {
				rtt := p.clock.NowMillis() - ts
				if rtt < 0 {
					rtt = 0
				}
				p.recordRTTSampleLocked(rtt)
			}
		}

	case hdr.Command == CmdNoop, hdr.Command == CmdConnReq, hdr.Command == CmdConnRsp:
		// already consumed during the handshake transition.

	case hdr.Command >= CmdApp:
		if p.state == StateRun {
			if delivered, appCmd, fullPayload := p.reassembleLocked(hdr, payload); delivered {
				peer := p
				return []func(){func() { peer.upcalls.HandlePacket(peer, appCmd, fullPayload) }}
			}
		}

	default:
		p.logger.Logf(LevelWarn, "rudp: dropping packet from %s: unexpected command %d in state %s", p.addr, hdr.Command, p.state)
	}

	return nil
}

// postAckLocked marks that a reliable inbound needs acknowledging on the
// next outbound packet, piggybacking a NOOP if nothing else is queued.
func (p *Peer) postAckLocked() {
	p.mustAck = true
	if len(p.sendQueue) == 0 {
		p.enqueueLocked(false, CmdNoop, nil)
	}
}

func (p *Peer) refreshDeadlineLocked() {
	p.absTimeoutDeadline = p.clock.NowMillis() + int64(p.timeouts.Drop/time.Millisecond)
}

// ackProcessLocked walks the send queue removing entries the peer has
// acknowledged, returning deferred LinkInfo upcalls to run after unlock.
func (p *Peer) ackProcessLocked(ack seqnum) []func() {
	if ack.delta(p.outSeqAcked) < 0 {
		return nil
	}
	p.outSeqAcked = ack

	var fired []func()
	i := 0
	for i < len(p.sendQueue) {
		e := p.sendQueue[i]
		if e.header.Reliable() && e.header.Retransmitted() && e.header.ReliableSeq.delta(ack) <= 0 {
			acked := uint16(e.header.ReliableSeq)
			peer := p
			fired = append(fired, func() { peer.upcalls.LinkInfo(peer, acked) })
			p.sendQueue = append(p.sendQueue[:i], p.sendQueue[i+1:]...)
			continue
		}
		break
	}
	return fired
}

// reassembleLocked feeds one application segment into the reassembly
// buffer, returning the full payload once the last segment arrives.
func (p *Peer) reassembleLocked(hdr Header, payload []byte) (delivered bool, appCmd uint8, full []byte) {
	appCmd = uint8(hdr.Command - CmdApp)

	if hdr.SegmentsSize <= 1 {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		return true, appCmd, cp
	}

	if hdr.SegmentIndex == 0 {
		p.reassembly = &reassemblyState{
			opt:      hdr.Opt,
			command:  hdr.Command,
			buf:      make([]byte, 0, int(hdr.SegmentsSize)*RecvBufferSize),
			expected: hdr.SegmentsSize,
		}
	}

	r := p.reassembly
	if r == nil {
		p.logger.Logf(LevelWarn, "rudp: dropping out-of-order segment %d/%d from %s: no reassembly in progress", hdr.SegmentIndex, hdr.SegmentsSize, p.addr)
		return false, 0, nil
	}

	r.buf = append(r.buf, payload...)
	r.written++

	if hdr.SegmentIndex == hdr.SegmentsSize-1 {
		full = r.buf
		appCmd = uint8(r.command - CmdApp)
		p.reassembly = nil
		return true, appCmd, full
	}

	return false, appCmd, nil
}

// enqueueLocked stamps and appends one segment to the send queue,
// assigning sequence numbers per the protocol's send rules.
func (p *Peer) enqueueLocked(reliable bool, command Command, payload []byte) {
	hdr := Header{
		Version: ProtoVersion,
		Command: command,
	}

	if reliable {
		p.outSeqUnreliable = 0
		p.outSeqReliable++
		hdr.ReliableSeq = p.outSeqReliable
		hdr.UnreliableSeq = 0
		hdr.Opt = OptReliable
	} else {
		p.outSeqUnreliable++
		hdr.ReliableSeq = p.outSeqReliable
		hdr.UnreliableSeq = p.outSeqUnreliable
		hdr.Opt = 0
	}

	p.sendQueue = append(p.sendQueue, &sendEntry{header: hdr, payload: payload})
}

// Send fragments payload into ≤MaxPayloadSize segments and enqueues them
// for transmission. appCommand is the application-level command number,
// translated on the wire to CmdApp+appCommand.
func (p *Peer) Send(reliable bool, appCommand uint8, payload []byte) error {
	if int(CmdApp)+int(appCommand) > 255 {
		return fmt.Errorf("rudp: app command %d out of range: %w", appCommand, ErrInvalidArgument)
	}
	if len(payload) == 0 {
		return fmt.Errorf("rudp: empty payload: %w", ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateDead {
		return ErrInvalidArgument
	}
	if p.state != StateRun {
		return fmt.Errorf("rudp: send before handshake complete: %w", ErrNotConnected)
	}

	command := CmdApp + Command(appCommand)
	segments := segmentPayload(payload, MaxPayloadSize)

	for i, seg := range segments {
		p.enqueueLocked(reliable, command, seg)
		e := p.sendQueue[len(p.sendQueue)-1]
		e.header.SegmentIndex = uint16(i)
		e.header.SegmentsSize = uint16(len(segments))
	}

	if err := p.scheduleServiceLocked(); err != nil {
		return err
	}

	err := p.lastSendErr
	p.lastSendErr = nil
	return err
}

func segmentPayload(payload []byte, chunk int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{payload}
	}
	n := (len(payload) + chunk - 1) / chunk
	segs := make([][]byte, 0, n)
	for i := 0; i < len(payload); i += chunk {
		end := i + chunk
		if end > len(payload) {
			end = len(payload)
		}
		segs = append(segs, payload[i:end])
	}
	return segs
}

// SendConnect sends the initial CONN_REQ and transitions to CONNECTING.
func (p *Peer) SendConnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = StateConnecting
	p.enqueueLocked(true, CmdConnReq, nil)
	if err := p.scheduleServiceLocked(); err != nil {
		return err
	}
	return p.lastSendErr
}

// SendCloseNoQueue writes a CLOSE packet directly to the sink, bypassing
// the send queue, since the peer is about to be torn down.
func (p *Peer) SendCloseNoQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.outSeqUnreliable++
	hdr := Header{
		Version:       ProtoVersion,
		Command:       CmdClose,
		ReliableSeq:   p.outSeqReliable,
		UnreliableSeq: p.outSeqUnreliable,
	}

	buf := encodePacket(hdr, nil)
	_, err := p.sink.SendTo(p.addr, buf.Data())
	ReleaseBuffer(buf)
	if err != nil {
		p.logger.Logf(LevelWarn, "rudp: close send to %s failed: %v", p.addr, err)
	}

	p.state = StateDead
	p.timer.Cancel()
}

// markDead transitions the peer to StateDead without sending
// anything further, used when the owner tears the peer down locally
// (e.g. after a Dropped upcall) rather than via an explicit close.
func (p *Peer) markDead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateDead
	p.timer.Cancel()
}

// scheduleServiceLocked arms the peer's timer to fire service() after
// the delay computed from the current queue head and timeout state. It
// returns ErrCancelled if the underlying Timer failed to arm.
func (p *Peer) scheduleServiceLocked() error {
	now := p.clock.NowMillis()

	delta := int64(p.timeouts.Action / time.Millisecond)

	if len(p.sendQueue) > 0 {
		head := p.sendQueue[0]
		if head.header.Reliable() && head.header.Retransmitted() {
			delta = (p.lastOutTime + p.rto) - now
		} else {
			delta = 0
		}
	}

	maxDelta := p.absTimeoutDeadline - now
	if delta < 0 {
		delta = 0
	}
	if delta > maxDelta {
		delta = maxDelta
	}
	if delta < 0 {
		delta = 0
	}

	peer := p
	if err := p.timer.Arm(time.Duration(delta)*time.Millisecond, func() { peer.service() }); err != nil {
		return fmt.Errorf("rudp: arm service timer: %w", ErrCancelled)
	}
	return nil
}

// service is the timer-driven tick: it flushes the send queue head-first,
// injects keepalive PINGs when idle, and reschedules itself.
func (p *Peer) service() {
	p.mu.Lock()

	if p.state == StateDead {
		p.mu.Unlock()
		return
	}

	now := p.clock.NowMillis()

	if now > p.absTimeoutDeadline {
		p.state = StateDead
		peer := p
		p.mu.Unlock()
		peer.upcalls.Dropped(peer)
		return
	}

	if len(p.sendQueue) == 0 && now-p.lastOutTime > int64(p.timeouts.Action/time.Millisecond) {
		ts := encodeTimestamp(now)
		p.enqueueLocked(true, CmdPing, ts)
	}

	p.flushLocked(now)
	if err := p.scheduleServiceLocked(); err != nil {
		p.logger.Logf(LevelWarn, "rudp: %s: %v", p.addr, err)
	}

	p.mu.Unlock()
}

// flushLocked writes the send queue head-first, applying the protocol's
// "one retransmit per tick" and ack-piggyback rules. Reliable entries
// that have never been sent are flushed one after another in the same
// tick (so a freshly segmented multi-segment send goes out in one shot);
// the first entry that was already marked RETRANSMITTED on a prior tick
// and is still unacked is sent once more, the RTO is backed off, and the
// walk stops for the tick.
func (p *Peer) flushLocked(now int64) {
	i := 0
	for i < len(p.sendQueue) {
		e := p.sendQueue[i]

		hdr := e.header
		if p.mustAck {
			hdr.Opt |= OptAck
			hdr.ReliableAck = p.inSeqReliable
		}

		buf := encodePacket(hdr, e.payload)
		_, err := p.sink.SendTo(p.addr, buf.Data())
		ReleaseBuffer(buf)

		if err != nil {
			p.lastSendErr = err
		}
		if !errors.Is(err, syscall.EINVAL) {
			p.lastOutTime = now
		}

		if p.mustAck {
			p.mustAck = false
		}

		if hdr.Command == CmdPing {
			p.pingRetransmitted = hdr.Retransmitted()
		}

		if hdr.Reliable() && hdr.Retransmitted() {
			p.backOffRTOLocked()
			return
		}

		if hdr.Reliable() {
			e.header.Opt |= OptRetransmitted
			i++
			continue
		}

		p.sendQueue = append(p.sendQueue[:i], p.sendQueue[i+1:]...)
	}
}

func encodeTimestamp(ts int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(ts)
		ts >>= 8
	}
	return b
}

func decodeTimestamp(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	var ts int64
	for i := 0; i < 8; i++ {
		ts = ts<<8 | int64(b[i])
	}
	return ts
}

func encodeAccepted(accepted bool) []byte {
	b := make([]byte, 4)
	if accepted {
		b[3] = 1
	}
	return b
}
