package kvstore

import "errors"

var (
	// ErrStoreClosed is returned for calls made after Close.
	ErrStoreClosed = errors.New("kvstore: client is closed")

	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("kvstore: invalid configuration")

	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("kvstore: invalid key")
)

// IsUnavailable reports whether err means the store could not be reached,
// either because the client is closed or the circuit breaker is open.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreClosed) || isBreakerRejection(err)
}
