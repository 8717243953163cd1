package gateway

import "errors"

// Caller-visible failures of session operations.
var (
	// ErrDisconnected means the operation was attempted, or aborted, outside
	// the Connected state.
	ErrDisconnected = errors.New("disconnected")
	// ErrTimeout means a request or chat-turn deadline elapsed with no
	// response.
	ErrTimeout = errors.New("timeout")
	// ErrInvalidResponse means the server payload was malformed or had an
	// unexpected shape.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrRunActive means a chat turn was started while another is still in
	// flight.
	ErrRunActive = errors.New("a chat run is already active")
)

// GatewayError is a logical failure reported by the gateway inside a
// correlated response.
type GatewayError struct {
	Message string
}

func (e *GatewayError) Error() string {
	return "gateway error: " + e.Message
}
