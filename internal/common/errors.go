// Package common defines shared constants and sentinel errors used across
// client and server layers of chatrelay. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Wire-protocol errors. ErrMalformedPayload is recoverable: the caller
	// drops the payload and keeps reading. ErrFrameTooLarge is fatal to the
	// stream.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrFrameTooLarge    = errors.New("frame too large")

	// Auth errors, rendered to the user verbatim by the login response.
	ErrAlreadyOnline        = errors.New("already online")
	ErrBadCredential        = errors.New("bad credential")
	ErrNotAuthenticated     = errors.New("please log in first")
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")

	// Key-exchange / crypto errors.
	ErrNoPublicKey = errors.New("no public key on file")
	ErrDecrypt     = errors.New("decrypt failed")

	// Connection lifecycle.
	ErrClosed       = errors.New("connection closed")
	ErrNotConnected = errors.New("not connected")
)
