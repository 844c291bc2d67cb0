package rudp

import (
	"errors"
	"net"
	"strings"
	"sync"
)

// Demux receives inbound datagrams from an Endpoint's read loop and
// routes them to the peer (or peers) responsible for addr. buf is
// released back to the pool by the Endpoint once Deliver returns, so
// implementations must not retain buf.Data() beyond the call.
type Demux interface {
	Deliver(addr net.Addr, buf *Buffer)
}

// Endpoint owns one UDP socket. It demultiplexes inbound datagrams by
// source address, handing each one to a Demux (a Client's single peer,
// or a Server's peer set), and is the concrete Sink the peer engine
// writes through.
type Endpoint struct {
	conn   net.PacketConn
	logger Logger

	mu    sync.Mutex
	demux Demux

	closed chan struct{}
	once   sync.Once
}

// NewEndpoint wraps an already-bound net.PacketConn. Most callers should
// use Dial or Listen instead, which bind the socket for you.
func NewEndpoint(conn net.PacketConn, logger Logger) *Endpoint {
	if logger == nil {
		logger = NoopLogger()
	}
	return &Endpoint{
		conn:   conn,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Bind resolves and opens a UDP socket on network/localAddr.
func Bind(network, localAddr string, logger Logger) (*Endpoint, error) {
	conn, err := net.ListenPacket(network, localAddr)
	if err != nil {
		return nil, err
	}
	return NewEndpoint(conn, logger), nil
}

// Serve installs the demux and starts the read loop. It does not return
// until the Endpoint is closed or the socket errors out permanently.
func (e *Endpoint) Serve(demux Demux) {
	e.mu.Lock()
	e.demux = demux
	e.mu.Unlock()

	for {
		buf := AcquireBuffer()
		n, addr, err := e.conn.ReadFrom(buf.Bytes[:])
		if err != nil {
			ReleaseBuffer(buf)
			if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			e.logger.Logf(LevelWarn, "rudp: recvfrom error: %v", err)
			continue
		}
		buf.Len = n

		e.mu.Lock()
		d := e.demux
		e.mu.Unlock()

		if d != nil {
			d.Deliver(addr, buf)
		}
		ReleaseBuffer(buf)
	}
}

// ServeBackground starts Serve on its own goroutine.
func (e *Endpoint) ServeBackground(demux Demux) {
	go e.Serve(demux)
}

// SendTo writes b to addr, satisfying the Sink interface the peer engine
// depends on.
func (e *Endpoint) SendTo(addr net.Addr, b []byte) (int, error) {
	return e.conn.WriteTo(b, addr)
}

// LocalAddr returns the socket's bound local address.
func (e *Endpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Close closes the underlying socket, unblocking Serve.
func (e *Endpoint) Close() error {
	var err error
	e.once.Do(func() {
		err = e.conn.Close()
		close(e.closed)
	})
	return err
}

// Closed returns a channel that is closed once Close has run.
func (e *Endpoint) Closed() <-chan struct{} { return e.closed }
