package domain

import "errors"

// Error taxonomy of the connection layer. Everything else (bus transport
// failures, socket write failures) is handled internally: retried,
// converted into disconnects, or logged - never surfaced to callers.
var (
	// ErrConnectionLimitExceeded is returned by Connect when the user
	// already holds the maximum number of connections on this instance.
	ErrConnectionLimitExceeded = errors.New("connection limit exceeded")

	// ErrMessageTooLarge is returned by the Send* family when the payload
	// exceeds the configured maximum size. The message never reaches the bus.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMessageRateLimitExceeded is returned by user-scoped sends when the
	// sender exhausted its sliding window. Not retried automatically.
	ErrMessageRateLimitExceeded = errors.New("message rate limit exceeded")
)
