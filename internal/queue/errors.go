package queue

import "errors"

var (
	ErrShutdownTimeout   = errors.New("worker shutdown timed out")
	ErrUnknownJobType    = errors.New("unknown job type")
	ErrWorkerState       = errors.New("invalid worker state")
	ErrAttemptsExhausted = errors.New("exceeded max attempts")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the worker fails the job immediately, whatever
// attempts remain.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
