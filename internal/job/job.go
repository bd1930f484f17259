package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoDeadline disables the max working time check.
const NoDeadline time.Duration = -1

// Outcome is what a single Advance did to the job.
type Outcome int

const (
	// OutcomeProgressed: the step produced a value, more work remains.
	OutcomeProgressed Outcome = iota
	// OutcomeRetrying: the step failed but tries remain. The failure is
	// returned for logging only.
	OutcomeRetrying
	// OutcomeCompleted: the computation is exhausted. Terminal.
	OutcomeCompleted
	// OutcomeFailed: the last try failed (or the failure was NoRetry). Terminal.
	OutcomeFailed
	// OutcomeSkipped: the job was not runnable (paused, stopped or terminal).
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProgressed:
		return "progressed"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Job is a resumable unit of work with a retry budget, timing constraints
// and dependencies (by ID).
//
// The identity, name and args are immutable. Everything else is guarded by mu
// because operator commands (Pause/Stop/Resume) may come from another goroutine.
type Job struct {
	id   string
	name string
	args Args

	mu             sync.Mutex
	status         Status
	tries          int
	startAt        time.Time
	maxWorkingTime time.Duration
	workingTime    time.Time
	deps           []string
	results        []any
	lastErr        string
	attempts       int

	unit Unit
}

type Option func(*Job)

// WithID overrides the generated identifier.
func WithID(id string) Option { return func(j *Job) { j.id = id } }

// StartAt sets the earliest time the job may run.
func StartAt(t time.Time) Option { return func(j *Job) { j.startAt = t } }

// MaxWorkingTime bounds the wall-clock time since the first attempt.
// Use NoDeadline to disable.
func MaxWorkingTime(d time.Duration) Option { return func(j *Job) { j.maxWorkingTime = d } }

// Tries sets the retry budget (minimum 1).
func Tries(n int) Option { return func(j *Job) { j.tries = n } }

// WithArgs records the args the unit was built from, for persistence.
func WithArgs(args Args) Option { return func(j *Job) { j.args = args } }

// DependsOn makes the job wait for deps to complete.
func DependsOn(deps ...*Job) Option {
	return func(j *Job) {
		for _, d := range deps {
			if d != nil {
				j.deps = append(j.deps, d.ID())
			}
		}
	}
}

// DependsOnIDs is DependsOn for jobs known only by ID.
func DependsOnIDs(ids ...string) Option {
	return func(j *Job) { j.deps = append(j.deps, ids...) }
}

// New creates a Waiting job. The start time defaults to the construction
// time, not to the time the job is scheduled.
func New(name string, unit Unit, opts ...Option) *Job {
	j := &Job{
		id:             uuid.NewString(),
		name:           name,
		status:         StatusWaiting,
		tries:          1,
		startAt:        time.Now(),
		maxWorkingTime: NoDeadline,
		unit:           unit,
	}
	for _, o := range opts {
		o(j)
	}
	if j.tries < 1 {
		j.tries = 1
	}
	if j.maxWorkingTime < 0 {
		j.maxWorkingTime = NoDeadline
	}
	return j
}

func (j *Job) ID() string   { return j.id }
func (j *Job) Name() string { return j.name }
func (j *Job) Args() Args   { return j.args }

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) Tries() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.tries
}

func (j *Job) StartAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startAt
}

func (j *Job) MaxWorkingTime() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.maxWorkingTime
}

// WorkingTime returns the time of the first execution attempt.
func (j *Job) WorkingTime() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.workingTime, !j.workingTime.IsZero()
}

// Dependencies returns the dependency IDs in declaration order.
func (j *Job) Dependencies() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.deps...)
}

// Results returns a copy of the values produced so far.
func (j *Job) Results() []any {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]any(nil), j.results...)
}

// LastError is the message of the most recent failure, if any.
func (j *Job) LastError() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// Attempts counts Advance calls that actually stepped the unit.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

func (j *Job) Pause()  { j.setStatus(StatusPaused) }
func (j *Job) Stop()   { j.setStatus(StatusStopped) }
func (j *Job) Resume() { j.setStatus(StatusWaiting) }

func (j *Job) setStatus(st Status) {
	j.mu.Lock()
	j.status = st
	j.mu.Unlock()
}

// Fail retires the job with Error from outside the unit (deadline, failed
// dependency). Tries are left untouched.
func (j *Job) Fail(reason error) {
	j.mu.Lock()
	j.status = StatusError
	if reason != nil {
		j.lastErr = reason.Error()
	}
	j.mu.Unlock()
}

// Due reports whether the start time has been reached.
func (j *Job) Due(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !now.Before(j.startAt)
}

// Expired reports whether more than the max working time has elapsed since
// the first attempt. Jobs that never ran, or have no deadline, never expire.
func (j *Job) Expired(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.maxWorkingTime < 0 || j.workingTime.IsZero() {
		return false
	}
	return now.Sub(j.workingTime) > j.maxWorkingTime
}

// Advance performs exactly one step of the unit of work.
//
// The first call records the working time, which is never reset, so the
// deadline keeps counting across retries. A failed step costs one try; while
// tries remain the failure is reported with OutcomeRetrying and the job stays
// eligible. Only OutcomeCompleted and OutcomeFailed are terminal.
func (j *Job) Advance(ctx context.Context, now time.Time) (Outcome, error) {
	j.mu.Lock()
	if !j.status.Runnable() {
		st := j.status
		j.mu.Unlock()
		return OutcomeSkipped, fmt.Errorf("%w: %s", ErrNotRunnable, st)
	}
	if j.unit == nil {
		j.status = StatusError
		j.tries = 0
		j.lastErr = ErrNoUnit.Error()
		j.mu.Unlock()
		return OutcomeFailed, ErrNoUnit
	}
	if j.workingTime.IsZero() {
		j.workingTime = now
	}
	j.status = StatusRunning
	j.attempts++
	unit := j.unit
	j.mu.Unlock()

	res := step(ctx, unit)

	j.mu.Lock()
	defer j.mu.Unlock()
	switch res.Kind {
	case KindValue:
		j.results = append(j.results, res.Value)
		return OutcomeProgressed, nil
	case KindExhausted:
		if res.HasValue {
			j.results = append(j.results, res.Value)
		}
		j.status = StatusCompleted
		return OutcomeCompleted, nil
	}

	err := res.Err
	j.lastErr = err.Error()
	if j.tries > 0 {
		j.tries--
	}
	if j.tries == 0 || IsNoRetry(err) {
		j.status = StatusError
		return OutcomeFailed, err
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		if next := now.Add(ra.RetryAfter()); next.After(j.startAt) {
			j.startAt = next
		}
	}
	return OutcomeRetrying, err
}

func step(ctx context.Context, u Unit) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	res = u.Step(ctx)
	if res.Kind == KindFailed && res.Err == nil {
		res.Err = errors.New("unit step failed")
	}
	return res
}

// State is a point-in-time copy of a job, used for persistence and
// diagnostics.
type State struct {
	ID             string
	Name           string
	Args           Args
	Status         Status
	Tries          int
	StartAt        time.Time
	MaxWorkingTime time.Duration
	WorkingTime    time.Time
	Dependencies   []string
	Results        []any
	LastError      string
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return State{
		ID:             j.id,
		Name:           j.name,
		Args:           j.args,
		Status:         j.status,
		Tries:          j.tries,
		StartAt:        j.startAt,
		MaxWorkingTime: j.maxWorkingTime,
		WorkingTime:    j.workingTime,
		Dependencies:   append([]string(nil), j.deps...),
		Results:        append([]any(nil), j.results...),
		LastError:      j.lastErr,
	}
}

// Restore rebuilds a job from a persisted state and a freshly built unit.
// The result is a new instance with the same identity and status.
func Restore(st State, unit Unit) *Job {
	tries := st.Tries
	if tries < 0 {
		tries = 0
	}
	mwt := st.MaxWorkingTime
	if mwt < 0 {
		mwt = NoDeadline
	}
	status := st.Status
	if status == "" {
		status = StatusWaiting
	}
	return &Job{
		id:             st.ID,
		name:           st.Name,
		args:           st.Args,
		status:         status,
		tries:          tries,
		startAt:        st.StartAt,
		maxWorkingTime: mwt,
		workingTime:    st.WorkingTime,
		deps:           append([]string(nil), st.Dependencies...),
		results:        append([]any(nil), st.Results...),
		lastErr:        st.LastError,
		unit:           unit,
	}
}
