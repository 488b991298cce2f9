package domain

import "errors"

// Sentinel errors shared across the engine. Higher layers branch with
// errors.Is; adapters translate them to transport responses.
var (
	// ErrConflict signals that a conditional write found the field already
	// changed, e.g. a seat claim that lost the race. Recovered silently by
	// clearing the pending claim.
	ErrConflict = errors.New("conflict")

	// ErrPermission is returned when the moderation matrix forbids the
	// caller from acting on the target. No mutation is applied.
	ErrPermission = errors.New("permission denied")

	// ErrInsufficientFunds fails a gift before any store call.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNotFound reports a vanished room, user or document.
	ErrNotFound = errors.New("not found")

	// ErrTransport wraps voice SDK failures. Triggers a bounded
	// leave-then-rejoin reset, never unbounded retry.
	ErrTransport = errors.New("transport failure")

	// ErrTargetGone rejects one gift transfer whose target seat changed
	// occupant between resolution and commit. Other transfers proceed.
	ErrTargetGone = errors.New("gift target gone")

	ErrSeatLocked    = errors.New("seat locked")
	ErrSeatOccupied  = errors.New("seat occupied")
	ErrClaimInFlight = errors.New("seat claim already in flight")
	ErrRoomLocked    = errors.New("room locked")
	ErrBadAccessCode = errors.New("bad access code")

	// ErrCapturePermission means the microphone could not be acquired.
	// Non-fatal: the participant stays joined but cannot publish.
	ErrCapturePermission = errors.New("capture permission denied")
)
