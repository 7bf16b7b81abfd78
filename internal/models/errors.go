package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned when a notification has no device token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrPayloadTooLarge is returned when the encoded payload cannot fit MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("notification payload too large")
)

// ValidationError reports a notification field that failed validation.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// PayloadTooLargeError reports an encoded payload above the gateway limit.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("%v: %d bytes exceeds %d (enable Dottize to trim the alert)", ErrPayloadTooLarge, e.Size, e.Limit)
}

func (e *PayloadTooLargeError) Unwrap() error {
	return ErrPayloadTooLarge
}
