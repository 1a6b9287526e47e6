package statemachine

import "errors"

// Validation errors: bad input, no retry expected.
var (
	// ErrInvalidID indicates an identifier failed its format validation.
	ErrInvalidID = errors.New("invalid id")
	// ErrInvalidState indicates a record is not in a state the requested operation accepts.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidTransition indicates a state transition is not permitted by the FSM table.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrOutOfRange indicates a numeric input fell outside its accepted bounds.
	ErrOutOfRange = errors.New("value out of range")
	// ErrInvalidConfig indicates an invalid configuration was provided.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Authorization errors: surfaced to the caller and audited YELLOW.
var (
	// ErrPermissionDenied indicates the caller does not own the resource it is acting on.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrRoleRequired indicates the caller's role does not satisfy the operation's requirement.
	ErrRoleRequired = errors.New("role required")
	// ErrOwnershipViolation indicates an entity's ownership invariant would be broken.
	ErrOwnershipViolation = errors.New("ownership violation")
)

// Not found / conflict errors.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a create collided with an existing record.
	ErrAlreadyExists = errors.New("already exists")
	// ErrTerminalState indicates an operation was attempted on a record already in a terminal state.
	ErrTerminalState = errors.New("terminal state")
	// ErrDuplicateBridge indicates a (platform, externalChannelId) pair is already active.
	ErrDuplicateBridge = errors.New("duplicate bridge")
)

// Retry bookkeeping.
var (
	// ErrMaxRetriesExceeded indicates the maximum number of retries has been exceeded.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)
