package apns

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection matches every *ConnectionError.
	ErrConnection = errors.New("apns: connection failed")
	// ErrProtocolDecode matches every *ProtocolDecodeError.
	ErrProtocolDecode = errors.New("apns: malformed gateway data")
	// ErrSessionClosed is returned when a push is attempted on a closed session.
	ErrSessionClosed = errors.New("apns: session closed")
	// ErrChannelClosed is returned when the gateway ends the connection before
	// every stream of a group was answered.
	ErrChannelClosed = errors.New("apns: channel closed before all responses arrived")
)

// ConnectionError reports a gateway connection that could not be established.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("apns: connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// ProtocolDecodeError reports bytes from the gateway the transport could not
// decode. The channel is closed when it occurs.
type ProtocolDecodeError struct {
	Err error
}

func (e *ProtocolDecodeError) Error() string {
	return fmt.Sprintf("%v: %v", ErrProtocolDecode, e.Err)
}

func (e *ProtocolDecodeError) Unwrap() []error {
	return []error{ErrProtocolDecode, e.Err}
}
