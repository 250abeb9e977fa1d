package cache

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrNotStored is returned when the store rejected a write.
	ErrNotStored = errors.New("cache: value not stored")
)

// CacheError carries the operation and key that failed.
type CacheError struct {
	Op      string
	Key     string
	Message string
	Err     error
}

// Error implements the error interface
func (e *CacheError) Error() string {
	if e == nil {
		return "cache: nil error"
	}
	msg := fmt.Sprintf("cache %s error for key %s: %s", e.Op, e.Key, e.Message)
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error
func (e *CacheError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCacheError creates a CacheError, filling blank fields.
func NewCacheError(op, key, message string, err error) *CacheError {
	if op == "" {
		op = "unknown"
	}
	if key == "" {
		key = "unknown"
	}
	if message == "" {
		message = "unknown error"
	}
	return &CacheError{Op: op, Key: key, Message: message, Err: err}
}

// CachedError is returned in place of running the producer when a recent
// failure for the same key is still cached.
type CachedError struct {
	Key      string
	Message  string
	CachedAt time.Time
}

func (e *CachedError) Error() string {
	return fmt.Sprintf("cache: cached failure (since %s): %s", e.CachedAt.Format(time.RFC3339), e.Message)
}

// IsCachedError reports whether err came from a negative cache entry.
func IsCachedError(err error) bool {
	var ce *CachedError
	return errors.As(err, &ce)
}
