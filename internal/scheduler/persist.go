package scheduler

import (
	"context"
	"errors"
	"fmt"

	"jobloop/internal/eventbus"
	"jobloop/internal/job"
	"jobloop/internal/snapshot"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
)

// Stop ends the loop and persists every pending job.
//
// Overflow is drained into the pool first, then the pool and the parked jobs
// are written as one snapshot, each with its dependency subgraph nested.
// Memory is cleared only after the snapshot was saved; on a save error the
// jobs stay in place and Stop may be retried. Calling Stop again is a no-op.
// Schedule and Resume return ErrStopped from the moment Stop begins.
//
// Without a store there is nowhere to persist to: the pending jobs are LOST.
// Stop logs them at error level and counts them in Stats.Dropped.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped && len(s.pool) == 0 && len(s.overflow) == 0 && len(s.parked) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	done := s.loopDone
	s.mu.Unlock()

	s.kick()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.pool = append(s.pool, s.overflow...)
	s.overflow = nil
	roots := s.pendingLocked()
	s.mu.Unlock()

	persisted := len(roots)
	if err := s.save(ctx, roots); err != nil {
		if !errors.Is(err, storage.ErrDisabled) {
			return err
		}
		persisted = 0
		if len(roots) > 0 {
			ids := make([]string, len(roots))
			for i, j := range roots {
				ids[i] = j.ID()
			}
			s.log.Error("storage disabled; pending jobs dropped", logx.Int("jobs", len(roots)), logx.Strings("ids", ids))
			s.mu.Lock()
			s.stats.dropped += uint64(len(roots))
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	s.pool = nil
	s.parked = nil
	s.graph.Reset()
	s.mu.Unlock()

	s.log.Info("scheduler stopped", logx.Int("persisted", persisted))
	s.publish(eventbus.SchedulerStopped, nil, nil)
	return nil
}

// Checkpoint saves the pending jobs without stopping anything. The job being
// stepped right now is included, at the head where tick popped it.
func (s *Scheduler) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	roots := make([]*job.Job, 0, len(s.pool)+len(s.overflow)+len(s.parked)+1)
	if j := s.inflight; j != nil && !j.Status().Terminal() && !s.queuedLocked(j.ID()) && indexOf(s.parked, j.ID()) < 0 {
		roots = append(roots, j)
	}
	roots = append(roots, s.pool...)
	roots = append(roots, s.overflow...)
	roots = append(roots, s.parked...)
	s.mu.Unlock()

	if err := s.save(ctx, roots); err != nil {
		s.publish(eventbus.SchedulerCheckpointFailed, nil, err)
		return err
	}
	s.log.Debug("checkpoint saved", logx.Int("jobs", len(roots)))
	s.publish(eventbus.SchedulerCheckpoint, nil, nil)
	return nil
}

// Restart rebuilds the jobs of the last snapshot and starts the loop.
//
// Every job name is resolved through the registry before anything is
// scheduled: an unknown name aborts the restart and leaves the scheduler
// untouched. Paused and stopped jobs are restored parked.
func (s *Scheduler) Restart(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return ErrRunning
	}
	if s.store == nil {
		return storage.ErrDisabled
	}

	data, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	s.mu.Lock()
	format := s.cfg.Format
	s.mu.Unlock()
	doc, err := snapshot.Unmarshal(data, format)
	if err != nil {
		return err
	}
	dec, err := snapshot.Decode(doc, s.reg)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	// Validate against a scratch arena so a bad snapshot leaves ours alone.
	scratch := job.NewGraph()
	scratch.Add(dec.All...)
	for _, root := range dec.Roots {
		if err := scratch.Validate(root); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	pool := append([]*job.Job(nil), s.pool...)
	overflow := append([]*job.Job(nil), s.overflow...)
	parked := append([]*job.Job(nil), s.parked...)
	prev := make(map[string]*job.Job, len(dec.All))
	for _, j := range dec.All {
		old, _ := s.graph.Get(j.ID())
		prev[j.ID()] = old
	}
	s.graph.Add(dec.All...)
	for _, root := range dec.Roots {
		if root.Status().Parked() {
			s.parkLocked(root)
			continue
		}
		if err := s.scheduleLocked(root); err != nil {
			s.pool, s.overflow, s.parked = pool, overflow, parked
			for id, old := range prev {
				if old != nil {
					s.graph.Add(old)
				} else {
					s.graph.Remove(id)
				}
			}
			s.mu.Unlock()
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}
	s.stopped = false
	queued := len(s.pool) + len(s.overflow)
	s.mu.Unlock()

	s.log.Info("scheduler restarted",
		logx.Int("jobs", len(dec.All)),
		logx.Int("queued", queued),
		logx.Time("saved_at", doc.SavedAt),
	)
	s.publish(eventbus.SchedulerRestarted, nil, nil)
	return s.Start(ctx)
}

func (s *Scheduler) pendingLocked() []*job.Job {
	roots := make([]*job.Job, 0, len(s.pool)+len(s.parked))
	roots = append(roots, s.pool...)
	roots = append(roots, s.parked...)
	return roots
}

func (s *Scheduler) save(ctx context.Context, roots []*job.Job) error {
	if s.store == nil {
		return storage.ErrDisabled
	}
	s.mu.Lock()
	format := s.cfg.Format
	s.mu.Unlock()

	doc, err := snapshot.Encode(roots, s.graph, s.now())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	data, err := snapshot.Marshal(doc, format)
	if err != nil {
		return err
	}
	if err := s.store.SaveSnapshot(ctx, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
