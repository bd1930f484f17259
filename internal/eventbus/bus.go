package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Job lifecycle event kinds.
const (
	JobAdmitted               = "job.admitted"
	JobOverflowed             = "job.overflowed"
	JobPromoted               = "job.promoted"
	JobStep                   = "job.step"
	JobRetry                  = "job.retry"
	JobCompleted              = "job.completed"
	JobFailed                 = "job.failed"
	JobDeadline               = "job.deadline"
	JobDependencyFailed       = "job.dependency_failed"
	JobParked                 = "job.parked"
	SchedulerStopped          = "scheduler.stopped"
	SchedulerRestarted        = "scheduler.restarted"
	SchedulerCheckpoint       = "scheduler.checkpoint"
	SchedulerCheckpointFailed = "scheduler.checkpoint_failed"
)

// Event is a lightweight, in-memory signal used to decouple the scheduler
// from its observers (journal, logs, tests).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Kind string
	Time time.Time
	Job  JobInfo
	Err  string
}

// JobInfo identifies the job an event is about. It is a copy, never a live
// reference.
type JobInfo struct {
	ID      string
	Name    string
	Status  string
	Tries   int
	Attempt int
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose kind starts with one of prefixes
	// (every event when none are given).
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch       chan Event
	prefixes []string
}

func (s *sub) wants(kind string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Kind) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// A concurrent unsubscribe may close the channel under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), prefixes: append([]string(nil), prefixes...)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
