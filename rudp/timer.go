package rudp

import (
	"sync"
	"time"
)

// Timer is a single-shot timer: arming it replaces any pending arming.
// Arm can fail (returning ErrCancelled to the caller) for injectable
// implementations backed by a bounded scheduler; systemTimer itself
// never fails since time.AfterFunc has no failure mode.
type Timer interface {
	Arm(d time.Duration, cb func()) error
	Cancel()
}

// systemTimer wraps time.AfterFunc to satisfy Timer.
type systemTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

// NewSystemTimer returns a Timer backed by time.AfterFunc.
func NewSystemTimer() Timer {
	return &systemTimer{}
}

func (s *systemTimer) Arm(d time.Duration, cb func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.t != nil {
		s.t.Stop()
	}
	s.t = time.AfterFunc(d, cb)
	return nil
}

func (s *systemTimer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
}
