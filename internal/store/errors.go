package store

import "errors"

var (
	// ErrConditionalCheckFailed reports that a precondition did not hold.
	// This is a correctness signal: callers branch on it, they do not
	// retry it blindly.
	ErrConditionalCheckFailed = errors.New("store: conditional check failed")

	// ErrProvisionedThroughputExceeded reports throttling by the backing
	// store. Implementations retry it internally with backoff before
	// surfacing it.
	ErrProvisionedThroughputExceeded = errors.New("store: provisioned throughput exceeded")

	// ErrLimitExceeded reports a hard capacity limit from the backing store.
	ErrLimitExceeded = errors.New("store: limit exceeded")

	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("store: item not found")
)

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConditionalCheckFailed reports whether err is a failed precondition.
func IsConditionalCheckFailed(err error) bool { return errors.Is(err, ErrConditionalCheckFailed) }
