package zrtp

import "errors"

var (
	// ErrMalformed indicates a ZRTP message that cannot be parsed.
	ErrMalformed = errors.New("malformed ZRTP message")

	// ErrNilCallback indicates NewEngine was called without a callback.
	ErrNilCallback = errors.New("zrtp callback cannot be nil")

	// ErrNilCache indicates NewEngine was called without a ZID cache.
	ErrNilCache = errors.New("zrtp cache cannot be nil")

	// ErrCacheClosed indicates use of a cache after Close.
	ErrCacheClosed = errors.New("zrtp cache closed")

	// ErrNotSecure indicates an operation that needs a secured session.
	ErrNotSecure = errors.New("zrtp session not secure")
)
