package rudp

import "time"

// Timeouts bundles the peer engine's tunable timing knobs. Unlike the
// reference engine's mutable package-level tunables (shared across every
// peer), Timeouts is a small value configured per Peer via functional
// options, so a Server can run peers with different liveness budgets.
type Timeouts struct {
	MinRTO time.Duration
	MaxRTO time.Duration
	Action time.Duration
	Drop   time.Duration
}

// DefaultTimeouts matches the values named in the protocol's defaults.
var DefaultTimeouts = Timeouts{
	MinRTO: 100 * time.Millisecond,
	MaxRTO: 1000 * time.Millisecond,
	Action: 500 * time.Millisecond,
	Drop:   5000 * time.Millisecond,
}

// Option configures a Peer, Client, or Server at construction time.
type Option func(*config)

type config struct {
	timeouts Timeouts
	logger   Logger
	clock    Clock
	newTimer func() Timer
}

func defaultConfig() config {
	return config{
		timeouts: DefaultTimeouts,
		logger:   NoopLogger(),
		clock:    NewSystemClock(),
		newTimer: NewSystemTimer,
	}
}

// WithTimeouts overrides the default RTO/action/drop timing knobs.
func WithTimeouts(t Timeouts) Option {
	return func(c *config) { c.timeouts = t }
}

// WithLogger installs a Logger for protocol diagnostics. The default is
// a no-op logger.
func WithLogger(l Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the monotonic clock, primarily for tests that need
// to control elapsed time deterministically.
func WithClock(cl Clock) Option {
	return func(c *config) {
		if cl != nil {
			c.clock = cl
		}
	}
}

// WithTimer overrides the per-peer Timer constructor, primarily for
// tests that want to observe or fake arming/cancellation.
func WithTimer(newTimer func() Timer) Option {
	return func(c *config) {
		if newTimer != nil {
			c.newTimer = newTimer
		}
	}
}
