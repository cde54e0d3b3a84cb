package event

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnknownEventType       = errors.New("unknown event type")
	ErrUnknownConsumer        = errors.New("unknown consumer")
	ErrMalformedPayload       = errors.New("malformed event payload")
	ErrHandlerAlreadyExists   = errors.New("consumer already subscribed to event type")
	ErrPayloadAlreadyDeclared = errors.New("event type already declared")
	ErrInvalidSubscription    = errors.New("event type, consumer name and handler are required")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-transient: retrying the same event will not
// help, so the worker dead-letters it without spending the retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or is a decode failure.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrMalformedPayload)
}

// ConsumerFailure is one handler's error for one event.
type ConsumerFailure struct {
	Consumer string
	Err      error
}

// DispatchError lists every consumer that failed while publishing one event.
type DispatchError struct {
	EventID  uuid.UUID
	Type     string
	Failures []ConsumerFailure
}

func (e *DispatchError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Consumer, f.Err))
	}
	return fmt.Sprintf("dispatch of %s (%s) failed for %d consumer(s): %s",
		e.EventID, e.Type, len(e.Failures), strings.Join(parts, "; "))
}

func (e *DispatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
