package pipeline

import "errors"

var (
	// ErrInvalidInput means the request itself is unusable (empty text, no owner).
	ErrInvalidInput = errors.New("invalid input")

	// ErrProviderUnavailable means the reply could not be generated. Retryable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrStoreFailure means the conversation or verdict could not be persisted. Retryable.
	ErrStoreFailure = errors.New("store failure")

	// ErrPolicyViolation means the provider refused to answer the content.
	ErrPolicyViolation = errors.New("content policy violation")
)

// Retryable reports whether the caller may resubmit the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrStoreFailure)
}
