package conduit

import "errors"

var (
	// Submission errors, surfaced synchronously to the caller.
	ErrInvalidRequest = errors.New("conduit: invalid task request")
	ErrQueueFull      = errors.New("conduit: task registry at capacity")

	// Not found errors.
	ErrTaskNotFound = errors.New("conduit: task not found")
	ErrJobNotFound  = errors.New("conduit: job record not found")

	// Conflict errors.
	ErrTaskAlreadyExists = errors.New("conduit: task already exists")
	ErrJobAlreadyExists  = errors.New("conduit: job record already exists")

	// Wiring errors.
	ErrNoInvoker = errors.New("conduit: no downstream invoker configured")

	// State errors.
	ErrInvalidState = errors.New("conduit: invalid state transition")
)
