package call

import "errors"

// Immediate validation errors, returned synchronously by the public
// operations. Runtime failures (media, signaling, negotiation,
// connectivity) are delivered through the error reporter instead,
// since the operations mutate the session asynchronously.
var (
	// ErrBusy: a session is already active; a new one cannot start
	// until cleanup has run.
	ErrBusy = errors.New("call: another call is active")

	// ErrInvalidState: the operation is not valid in the current
	// state. The session is left untouched.
	ErrInvalidState = errors.New("call: operation not valid in current state")
)

// Failure categories wrapped around the underlying cause before being
// handed to the reporter. All of them run cleanup.
var (
	ErrMediaAcquisition = errors.New("call: media acquisition failed")
	ErrSignaling        = errors.New("call: signaling delivery failed")
	ErrNegotiation      = errors.New("call: negotiation failed")
	ErrConnectivity     = errors.New("call: connection lost")
)
