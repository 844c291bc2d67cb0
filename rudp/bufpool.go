package rudp

import "sync"

// Buffer is a pooled, fixed-capacity datagram buffer. Len is the portion
// of Bytes actually in use; the rest is scratch space owned by the pool.
type Buffer struct {
	Bytes [RecvBufferSize]byte
	Len   int
}

var bufPool = sync.Pool{
	New: func() interface{} { return new(Buffer) },
}

// AcquireBuffer draws a zero-length buffer from the shared pool.
func AcquireBuffer() *Buffer {
	b := bufPool.Get().(*Buffer)
	b.Len = 0
	return b
}

// ReleaseBuffer returns b to the pool. b must not be used afterward.
func ReleaseBuffer(b *Buffer) {
	if b == nil {
		return
	}
	bufPool.Put(b)
}

// Data returns the in-use portion of the buffer.
func (b *Buffer) Data() []byte { return b.Bytes[:b.Len] }
