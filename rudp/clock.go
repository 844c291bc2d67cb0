package rudp

import "time"

// Clock produces monotonic millisecond timestamps for the peer engine's
// RTT estimation and timeout scheduling.
type Clock interface {
	NowMillis() int64
}

// systemClock measures elapsed time since it was created using time.Since,
// which is backed by Go's monotonic clock reading and therefore immune to
// wall-clock adjustments (NTP steps, timezone changes, and so on).
type systemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock backed by the runtime's monotonic timer.
func NewSystemClock() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) NowMillis() int64 {
	return time.Since(c.start).Milliseconds()
}
