package rudp

import "errors"

// Sentinel errors, checked with errors.Is, matching the wrapping idiom
// (fmt.Errorf("...: %w", err)) used throughout this package.
var (
	// ErrInvalidArgument covers bad command ranges and operations
	// attempted against a peer that has already reached StateDead.
	ErrInvalidArgument = errors.New("rudp: invalid argument")

	// ErrNotConnected is returned for sends attempted before the
	// handshake has reached StateRun.
	ErrNotConnected = errors.New("rudp: not connected")

	// ErrAddressRequired is returned when an operation needs a
	// destination address and none was supplied or resolvable.
	ErrAddressRequired = errors.New("rudp: address required")

	// ErrCancelled is returned when arming a Timer fails.
	ErrCancelled = errors.New("rudp: cancelled")
)
