package security

import "errors"

// Lifecycle errors
var (
	// ErrEngineClosed indicates use of a TransformEngine after Close.
	ErrEngineClosed = errors.New("transform engine closed")

	// ErrNotInitialized indicates an operation that needs Initialize first.
	ErrNotInitialized = errors.New("transform engine not initialized")

	// ErrAlreadyInitialized indicates a second call to Initialize.
	ErrAlreadyInitialized = errors.New("transform engine already initialized")
)

// Configuration errors
var (
	// ErrNilScheduler indicates an engine built without a scheduler.
	ErrNilScheduler = errors.New("scheduler cannot be nil")

	// ErrNilCacheOpener indicates an engine built without a ZID cache opener.
	ErrNilCacheOpener = errors.New("cache opener cannot be nil")

	// ErrNilWriter indicates an engine built without a packet writer.
	ErrNilWriter = errors.New("packet writer cannot be nil")

	// ErrInvalidSalt indicates an account salt that is missing or not hex.
	ErrInvalidSalt = errors.New("invalid account salt")
)

// Key installation errors
var (
	// ErrUnsupportedSuite indicates negotiated algorithms with no SRTP policy.
	ErrUnsupportedSuite = errors.New("unsupported SRTP suite")

	// ErrNoMaster indicates a slave started without a master control.
	ErrNoMaster = errors.New("multistream slave has no master")
)
