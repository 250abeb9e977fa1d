package codec

import "errors"

var (
	// ErrSerialization is returned when a value cannot be encoded or a tagged payload cannot be decoded.
	ErrSerialization = errors.New("codec: serialization failed")

	// ErrTypeMismatch is returned when a raw text value is decoded into a non-string target.
	ErrTypeMismatch = errors.New("codec: stored value does not match target type")
)

// IsSerialization reports whether err is a serialization failure.
func IsSerialization(err error) bool {
	return errors.Is(err, ErrSerialization)
}
