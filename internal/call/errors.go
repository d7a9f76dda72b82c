package call

import "errors"

var (
	// ErrCallNotFound means the call id is unknown or the call is terminal.
	ErrCallNotFound = errors.New("call not found")

	// ErrCallAlreadyActive means the user already occupies a non-terminal call.
	ErrCallAlreadyActive = errors.New("user already in an active call")

	// ErrCallFull means a 1:1 call already has both parties joined.
	ErrCallFull = errors.New("call is full")

	// ErrUnauthorized means the acting user is not a party to the call.
	ErrUnauthorized = errors.New("not a party to this call")

	// ErrInvalidState means the operation is not legal in the call's
	// current state.
	ErrInvalidState = errors.New("operation not valid in current call state")
)
