package password

import "errors"

var (
	// ErrMalformedDigest is returned by Check when a digest cannot be parsed.
	ErrMalformedDigest = errors.New("malformed password digest")
	// ErrUnsupportedAlgorithm is returned when a digest or config names an unknown algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
	// ErrPasswordTooLong is returned when the plaintext exceeds the configured byte limit.
	ErrPasswordTooLong = errors.New("password too long")
)
