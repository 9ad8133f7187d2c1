package limiter

import "errors"

var (
	// ErrInvalidPolicy is returned by AddPolicy when a policy is missing its
	// name or carries a non-positive limit or window.
	ErrInvalidPolicy = errors.New("limiter: invalid policy")

	// ErrStoreClosed is returned by stores after Close.
	ErrStoreClosed = errors.New("limiter: store closed")
)
