// Package errors defines sentinel errors shared by the storage and
// transport backends.
package errors

import "errors"

var (
	// ErrTimeout reports that a backend operation exceeded its deadline.
	ErrTimeout = errors.New("turnstile: timeout")

	// ErrConnectionClosed reports an operation on a closed backend.
	ErrConnectionClosed = errors.New("turnstile: connection closed")
)
