package kernels

import "errors"

var (
	// ErrAuthenticationFailed means the server rejected the bearer credential.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNotFound means the requested kernel does not exist on the server.
	ErrNotFound = errors.New("kernel not found")
)
