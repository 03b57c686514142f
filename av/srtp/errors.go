package srtp

import "errors"

var (
	// ErrUnsupportedPolicy indicates a cipher/auth combination the SRTP
	// backend cannot run.
	ErrUnsupportedPolicy = errors.New("unsupported SRTP policy")

	// ErrInvalidKeyLength indicates a master key or salt of the wrong size.
	ErrInvalidKeyLength = errors.New("invalid SRTP key length")

	// ErrTransformerClosed indicates use after Close.
	ErrTransformerClosed = errors.New("SRTP transformer closed")

	// ErrAuthFailed indicates an inbound packet failed authentication or
	// replay checks.
	ErrAuthFailed = errors.New("SRTP authentication failed")
)
