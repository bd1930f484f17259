package scheduler

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobloop/internal/eventbus"
	"jobloop/internal/job"
	"jobloop/internal/registry"
	"jobloop/internal/runtime/supervisor"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
)

// Scheduler owns the job arena, the bounded pool and the overflow queue.
//
// Invariants (guarded by mu):
//   - len(pool) <= cfg.PoolSize, except right after Apply shrinks the pool or
//     while Stop drains overflow.
//   - a job ID appears at most once across pool, overflow and parked.
//   - terminal jobs are never admitted.
type Scheduler struct {
	reg   *registry.Registry
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
	graph *job.Graph

	warn *rate.Limiter
	wake chan struct{}

	mu       sync.Mutex
	cfg      Config
	pool     []*job.Job
	overflow []*job.Job
	parked   []*job.Job
	inflight *job.Job // popped by tick, being dispatched
	stopped  bool
	running  bool
	loopDone chan struct{}
	sup      *supervisor.Supervisor

	history []HistoryItem
	stats   counters
}

type counters struct {
	dispatched uint64
	completed  uint64
	failed     uint64
	retries    uint64
	requeued   uint64
	promoted   uint64
	dropped    uint64
}

// New creates a scheduler. reg is used by Restart to rebuild persisted jobs.
func New(cfg Config, reg *registry.Registry, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		reg:   reg,
		log:   logx.Nop(),
		now:   time.Now,
		graph: job.NewGraph(),
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.reg == nil {
		s.reg = registry.New()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.warn = rate.NewLimiter(rate.Every(cfg.WarnEvery), 1)
	return s
}

// Add registers jobs in the arena without admitting them. Dependencies must
// be added before (or together with) the jobs that are scheduled.
func (s *Scheduler) Add(jobs ...*job.Job) {
	s.graph.Add(jobs...)
}

// Job looks up a registered job by ID.
func (s *Scheduler) Job(id string) (*job.Job, bool) {
	return s.graph.Get(id)
}

// Schedule admits j into the pool, or into overflow when the pool is full.
//
// Jobs that are not runnable or already queued are ignored. When the pool has
// room, dependencies that are not yet queued are admitted first (recursively),
// and dependencies waiting in overflow are promoted. A job whose direct
// dependency already failed is retired with Error instead of being admitted.
// Unknown dependencies and cycles are returned as errors and nothing is queued.
// After Stop, Schedule returns ErrStopped until Restart.
func (s *Scheduler) Schedule(j *job.Job) error {
	if j == nil {
		return nil
	}
	if s.isStopped() {
		return ErrStopped
	}
	s.graph.Add(j)
	if err := s.graph.Validate(j); err != nil {
		return err
	}

	s.mu.Lock()
	// Stop may have begun meanwhile; it only persists what it collects.
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	err := s.scheduleLocked(j)
	s.mu.Unlock()

	s.kick()
	return err
}

func (s *Scheduler) scheduleLocked(j *job.Job) error {
	if !j.Status().Runnable() || s.queuedLocked(j.ID()) {
		return nil
	}
	deps, err := s.graph.Dependencies(j)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if d.Status() == job.StatusError {
			s.failDependencyLocked(j, d)
			return nil
		}
	}

	if s.hasRoomLocked() {
		for _, d := range deps {
			if d.Status().Terminal() || s.inPoolLocked(d.ID()) {
				continue
			}
			if i := indexOf(s.overflow, d.ID()); i >= 0 {
				if s.hasRoomLocked() {
					s.overflow = removeAt(s.overflow, i)
					s.pool = append(s.pool, d)
					s.stats.promoted++
					s.publish(eventbus.JobPromoted, d, nil)
				}
				continue
			}
			if err := s.scheduleLocked(d); err != nil {
				return err
			}
		}
		// Dependencies may have taken the last slots.
		if s.hasRoomLocked() {
			s.pool = append(s.pool, j)
			s.publish(eventbus.JobAdmitted, j, nil)
			return nil
		}
	}
	s.overflow = append(s.overflow, j)
	s.publish(eventbus.JobOverflowed, j, nil)
	return nil
}

func (s *Scheduler) failDependencyLocked(j, dep *job.Job) {
	err := fmt.Errorf("%w: %s (%s)", job.ErrDependencyFailed, dep.Name(), dep.ID())
	j.Fail(err)
	s.stats.failed++
	s.recordLocked(j)
	s.publish(eventbus.JobDependencyFailed, j, err)
}

// promoteLocked moves the oldest overflow job into the pool if there is room.
func (s *Scheduler) promoteLocked() {
	for len(s.overflow) > 0 && s.hasRoomLocked() {
		j := s.overflow[0]
		s.overflow = s.overflow[1:]
		if !j.Status().Runnable() {
			if j.Status().Parked() {
				s.parkLocked(j)
			}
			continue
		}
		s.pool = append(s.pool, j)
		s.stats.promoted++
		s.publish(eventbus.JobPromoted, j, nil)
		return
	}
}

func (s *Scheduler) parkLocked(j *job.Job) {
	if indexOf(s.parked, j.ID()) >= 0 {
		return
	}
	s.parked = append(s.parked, j)
	s.publish(eventbus.JobParked, j, nil)
}

func (s *Scheduler) hasRoomLocked() bool { return len(s.pool) < s.cfg.PoolSize }

func (s *Scheduler) inPoolLocked(id string) bool { return indexOf(s.pool, id) >= 0 }

func (s *Scheduler) queuedLocked(id string) bool {
	return indexOf(s.pool, id) >= 0 || indexOf(s.overflow, id) >= 0
}

// Pause takes a job out of rotation. A job currently in the pool is parked
// the next time the loop reaches it.
func (s *Scheduler) Pause(id string) error {
	j, ok := s.graph.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if j.Status().Terminal() {
		return fmt.Errorf("%w: %s is %s", job.ErrNotRunnable, id, j.Status())
	}
	j.Pause()
	return nil
}

// Cancel marks a job Stopped. Like a paused job it is kept (and persisted)
// until resumed.
func (s *Scheduler) Cancel(id string) error {
	j, ok := s.graph.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if j.Status().Terminal() {
		return fmt.Errorf("%w: %s is %s", job.ErrNotRunnable, id, j.Status())
	}
	j.Stop()
	return nil
}

// Resume puts a paused or stopped job back to Waiting and schedules it.
// It does not start the loop.
func (s *Scheduler) Resume(id string) error {
	j, ok := s.graph.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if j.Status().Terminal() {
		return fmt.Errorf("%w: %s is %s", job.ErrNotRunnable, id, j.Status())
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	j.Resume()
	if i := indexOf(s.parked, id); i >= 0 {
		s.parked = removeAt(s.parked, i)
	}
	err := s.scheduleLocked(j)
	s.mu.Unlock()

	s.kick()
	return err
}

// Apply updates the tunables at runtime. Shrinking the pool never evicts
// admitted jobs; admission simply waits until the pool drains below the new
// size. Growing it promotes from overflow right away.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	for len(s.overflow) > 0 && s.hasRoomLocked() {
		before := len(s.pool)
		s.promoteLocked()
		if len(s.pool) == before {
			break
		}
	}
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.mu.Unlock()

	if old.WarnEvery != cfg.WarnEvery {
		s.warn.SetLimit(rate.Every(cfg.WarnEvery))
	}
	if old.PoolSize != cfg.PoolSize || old.IdleWait != cfg.IdleWait {
		s.log.Info("scheduler config applied",
			logx.Int("pool_size", cfg.PoolSize),
			logx.Duration("idle_wait", cfg.IdleWait),
		)
	}
	s.kick()
}

// Snapshot returns counters, queue sizes and recent history.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	return Stats{
		Running:     s.running,
		Stopped:     s.stopped,
		PoolLen:     len(s.pool),
		PoolSize:    s.cfg.PoolSize,
		OverflowLen: len(s.overflow),
		Parked:      len(s.parked),
		Known:       s.graph.Len(),
		Dispatched:  s.stats.dispatched,
		Completed:   s.stats.completed,
		Failed:      s.stats.failed,
		Retries:     s.stats.retries,
		Requeued:    s.stats.requeued,
		Promoted:    s.stats.promoted,
		Dropped:     s.stats.dropped,
		History:     h,
	}
}

// Pending returns the IDs currently in the pool, overflow and parked, in
// that order.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pool)+len(s.overflow)+len(s.parked))
	for _, q := range [][]*job.Job{s.pool, s.overflow, s.parked} {
		for _, j := range q {
			out = append(out, j.ID())
		}
	}
	return out
}

func (s *Scheduler) recordLocked(j *job.Job) {
	st := j.State()
	s.history = append(s.history, HistoryItem{
		ID:       st.ID,
		Name:     st.Name,
		Status:   st.Status.String(),
		Attempts: j.Attempts(),
		Results:  len(st.Results),
		Finished: s.now(),
		Error:    st.LastError,
	})
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

func (s *Scheduler) publish(kind string, j *job.Job, err error) {
	if s.bus == nil {
		return
	}
	e := eventbus.Event{Kind: kind, Time: s.now()}
	if j != nil {
		st := j.State()
		e.Job = eventbus.JobInfo{
			ID:      st.ID,
			Name:    st.Name,
			Status:  st.Status.String(),
			Tries:   st.Tries,
			Attempt: j.Attempts(),
		}
	}
	if err != nil {
		e.Err = err.Error()
	}
	s.bus.Publish(e)
}

// kick wakes the loop from its idle sleep.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func indexOf(q []*job.Job, id string) int {
	for i, j := range q {
		if j.ID() == id {
			return i
		}
	}
	return -1
}

func removeAt(q []*job.Job, i int) []*job.Job {
	return append(q[:i:i], q[i+1:]...)
}
