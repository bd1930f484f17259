package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotRunnable       = errors.New("job is not runnable")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("dependency cycle")
	ErrDeadlineExceeded  = errors.New("max working time exceeded")
	ErrDependencyFailed  = errors.New("dependency failed")
	ErrNoUnit            = errors.New("job has no unit of work")
)

// NoRetry marks a step failure as permanent: the job goes to Error on the
// first such failure regardless of its remaining tries.
//
//	return job.Failed(job.NoRetry(fmt.Errorf("bad input: %w", err)))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter asks for the next attempt to wait at least after. The job's
// earliest start time is moved forward, so the start-time gate enforces it.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
