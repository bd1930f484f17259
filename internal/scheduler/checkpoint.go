package scheduler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "jobloop/pkg/logx"
)

// SpecKind is the normalized kind of a checkpoint schedule.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a parsed checkpoint schedule.
//
// Supported forms:
//   - cron: "*/5 * * * *", "@hourly", "@every 30s" (optional seconds field)
//   - interval duration: "30s", "2h30m"
//   - interval HH:MM: "00:15" (15 minutes)
//
// The "cron:" prefix forces cron parsing, "interval:" and "every:" force
// interval parsing.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// SecondOptional allows both 5-field and 6-field cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a checkpoint schedule. Cron expressions are validated.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return cronSpec(s)
	}

	if reHHMM.MatchString(s) || isDuration(s) {
		return intervalSpec(s)
	}
	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:15', or duration like '30s')",
		raw,
	)
}

func cronSpec(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron schedule required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMM(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '30s')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}

func isDuration(s string) bool {
	_, err := time.ParseDuration(s)
	return err == nil
}

// parseHHMM reads hours (up to 999) and minutes (0..59) as a duration.
func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// Checkpointer saves the scheduler's pending jobs on a cron schedule so a
// crash loses at most one period of progress.
type Checkpointer struct {
	sched *Scheduler
	log   logx.Logger

	mu   sync.Mutex
	c    *cron.Cron
	spec string
}

func NewCheckpointer(s *Scheduler, log logx.Logger) *Checkpointer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Checkpointer{sched: s, log: log.With(logx.String("comp", "checkpoint"))}
}

// Start (re)arms the trigger. An empty spec disables checkpoints.
func (c *Checkpointer) Start(ctx context.Context, spec string) error {
	spec = strings.TrimSpace(spec)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c != nil && spec == c.spec {
		return nil
	}
	c.stopLocked()
	if spec == "" {
		return nil
	}

	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	cl := cronLogger{log: c.log}
	cr := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	run := cron.FuncJob(func() {
		if err := c.sched.Checkpoint(ctx); err != nil && !errors.Is(err, ErrStopped) {
			c.log.Warn("checkpoint failed", logx.Err(err))
		}
	})
	switch ps.Kind {
	case SpecInterval:
		cr.Schedule(cron.Every(ps.Every), run)
	default:
		if _, err := cr.AddJob(ps.Cron, run); err != nil {
			return err
		}
	}
	cr.Start()
	c.c = cr
	c.spec = spec
	c.log.Info("checkpoints armed", logx.String("schedule", spec), logx.String("source", ps.Source))
	return nil
}

// Stop disarms the trigger and waits for a running checkpoint.
func (c *Checkpointer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Checkpointer) stopLocked() {
	if c.c == nil {
		return
	}
	<-c.c.Stop().Done()
	c.c = nil
	c.spec = ""
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
