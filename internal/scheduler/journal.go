package scheduler

import (
	"context"

	"jobloop/internal/eventbus"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
)

const journalBuffer = 1024

// Journal appends every job and scheduler event from bus to store until ctx
// is done. Events the bus drops under backpressure are not journaled.
func Journal(ctx context.Context, bus eventbus.Bus, store storage.Store, log logx.Logger) error {
	if bus == nil || store == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ch, unsub := bus.Subscribe(journalBuffer, "job.", "scheduler.")
	defer unsub()

	var failures int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			// The write outlives ctx so the final "scheduler.stopped" lands.
			err := store.AppendEvent(context.WithoutCancel(ctx), toStorageEvent(e))
			if err != nil {
				failures++
				if failures == 1 || failures%100 == 0 {
					log.Warn("journal append failed", logx.Int("failures", failures), logx.Err(err))
				}
				continue
			}
			failures = 0
		}
	}
}

func toStorageEvent(e eventbus.Event) storage.Event {
	return storage.Event{
		At:      e.Time,
		Kind:    e.Kind,
		JobID:   e.Job.ID,
		JobName: e.Job.Name,
		Status:  e.Job.Status,
		Attempt: e.Job.Attempt,
		Tries:   e.Job.Tries,
		Error:   e.Err,
	}
}
