package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobloop/internal/eventbus"
	"jobloop/internal/job"
	"jobloop/internal/runtime/supervisor"
	logx "jobloop/pkg/logx"
)

// Start runs the dispatch loop in the background. Use Wait to block until it
// returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	done, err := s.claimLocked()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup = sup
	s.mu.Unlock()

	sup.Go("scheduler.loop", func(ctx context.Context) error {
		err := s.loop(ctx, done)
		if errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	})
	return nil
}

// Wait blocks until the loop started by Start returns, and reports its error.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Wait(ctx)
}

// Run is the dispatch loop. It returns nil once the pool and overflow are
// empty, ErrStopped after Stop, or the context error.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	done, err := s.claimLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.loop(ctx, done)
}

// claimLocked marks the loop as running. Stop waits on the returned channel.
func (s *Scheduler) claimLocked() (chan struct{}, error) {
	if s.stopped {
		return nil, ErrStopped
	}
	if s.running {
		return nil, ErrRunning
	}
	s.running = true
	done := make(chan struct{})
	s.loopDone = done
	return done, nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) error {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.loopDone = nil
		s.mu.Unlock()
		close(done)
	}()

	s.log.Debug("dispatch loop started")
	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		dispatched, width, more := s.tick(ctx)
		if !more {
			if s.isStopped() {
				return ErrStopped
			}
			s.log.Debug("dispatch loop drained")
			return nil
		}
		if dispatched {
			idle = 0
			continue
		}
		// A whole pass without dispatching anything: back off.
		idle++
		if idle >= width {
			idle = 0
			s.sleep(ctx)
		}
	}
}

// tick pops the head of the pool and dispatches it. width is the pool length
// at pop time; more is false when there is nothing left to run.
func (s *Scheduler) tick(ctx context.Context) (dispatched bool, width int, more bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false, 0, false
	}
	if len(s.pool) == 0 {
		s.promoteLocked()
	}
	if len(s.pool) == 0 {
		s.mu.Unlock()
		return false, 0, false
	}
	j := s.pool[0]
	s.pool = s.pool[1:]
	width = len(s.pool) + 1
	s.inflight = j
	s.mu.Unlock()

	dispatched = s.dispatch(ctx, j)

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
	return dispatched, width, true
}

// dispatch applies the gates to j and, when all pass, advances it by one
// step. It reports whether the unit was stepped.
func (s *Scheduler) dispatch(ctx context.Context, j *job.Job) bool {
	now := s.now()
	st := j.Status()
	switch {
	case st.Parked():
		s.mu.Lock()
		s.parkLocked(j)
		s.promoteLocked()
		s.mu.Unlock()
		return false
	case st.Terminal():
		s.release()
		return false
	}

	deps, err := s.graph.Dependencies(j)
	if err != nil {
		j.Fail(err)
		s.finish(j, eventbus.JobFailed, err)
		return false
	}
	pending := ""
	for _, d := range deps {
		switch d.Status() {
		case job.StatusError:
			s.mu.Lock()
			s.failDependencyLocked(j, d)
			s.promoteLocked()
			s.mu.Unlock()
			return false
		case job.StatusCompleted:
		default:
			if pending == "" {
				pending = d.Name()
			}
		}
	}
	if pending != "" {
		s.throttledWarn("job waiting on dependency", j, logx.String("dependency", pending))
		s.requeue(j)
		return false
	}

	if j.Expired(now) {
		err := fmt.Errorf("%w: %s", job.ErrDeadlineExceeded, j.MaxWorkingTime())
		j.Fail(err)
		s.finish(j, eventbus.JobDeadline, err)
		return false
	}
	if !j.Due(now) {
		s.requeue(j)
		return false
	}

	out, err := j.Advance(ctx, now)
	s.mu.Lock()
	s.stats.dispatched++
	s.mu.Unlock()

	switch out {
	case job.OutcomeCompleted:
		s.finish(j, eventbus.JobCompleted, nil)
	case job.OutcomeFailed:
		s.finish(j, eventbus.JobFailed, err)
	case job.OutcomeRetrying:
		s.mu.Lock()
		s.stats.retries++
		s.mu.Unlock()
		s.log.Warn("job step failed, retrying",
			logx.String("job", j.Name()),
			logx.String("id", j.ID()),
			logx.Int("tries_left", j.Tries()),
			logx.Err(err),
		)
		s.publish(eventbus.JobRetry, j, err)
		s.requeue(j)
	case job.OutcomeProgressed:
		s.publish(eventbus.JobStep, j, nil)
		s.requeue(j)
	case job.OutcomeSkipped:
		// Paused or stopped between the gate and the step.
		s.requeue(j)
		return false
	}
	return true
}

// finish records a terminal job and frees its slot.
func (s *Scheduler) finish(j *job.Job, kind string, err error) {
	s.mu.Lock()
	if kind == eventbus.JobCompleted {
		s.stats.completed++
	} else {
		s.stats.failed++
	}
	s.recordLocked(j)
	s.promoteLocked()
	s.mu.Unlock()

	if err != nil {
		s.log.Error("job failed",
			logx.String("job", j.Name()),
			logx.String("id", j.ID()),
			logx.String("reason", kind),
			logx.Err(err),
		)
	} else {
		s.log.Info("job completed",
			logx.String("job", j.Name()),
			logx.String("id", j.ID()),
			logx.Int("attempts", j.Attempts()),
		)
	}
	s.publish(kind, j, err)
}

// release frees the slot of a job that left the pool without finishing here.
func (s *Scheduler) release() {
	s.mu.Lock()
	s.promoteLocked()
	s.mu.Unlock()
}

// requeue sends j back through admission, which appends it to the pool tail
// (or overflow, if its slot was taken meanwhile).
func (s *Scheduler) requeue(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.requeued++
	if j.Status().Parked() {
		s.parkLocked(j)
		s.promoteLocked()
		return
	}
	if err := s.scheduleLocked(j); err != nil {
		j.Fail(err)
		s.stats.failed++
		s.recordLocked(j)
		s.promoteLocked()
		s.publish(eventbus.JobFailed, j, err)
	}
}

func (s *Scheduler) sleep(ctx context.Context) {
	s.mu.Lock()
	d := s.cfg.IdleWait
	s.mu.Unlock()
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-t.C:
	}
}

func (s *Scheduler) throttledWarn(msg string, j *job.Job, fields ...logx.Field) {
	if !s.warn.Allow() {
		return
	}
	fields = append(fields, logx.String("job", j.Name()), logx.String("id", j.ID()))
	s.log.Warn(msg, fields...)
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
