package worker

import (
	apperrors "github.com/jwalitptl/outbox-relay/pkg/errors"
	"github.com/jwalitptl/outbox-relay/pkg/event"
)

// RetryClassifier determines whether a consumer error should not be retried.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

type RetryClassifierFunc func(err error) bool

func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}
	return fn(err)
}

// DefaultClassifier treats errors marked with event.Permanent, undecodable
// payloads and validation failures as non-retryable.
var DefaultClassifier = RetryClassifierFunc(func(err error) bool {
	return event.IsPermanent(err) || apperrors.Is(err, apperrors.ErrBadRequest)
})
