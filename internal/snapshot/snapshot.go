// Package snapshot converts job graphs to and from their persisted form.
//
// Every record nests the full records of its dependencies, so a document is
// self-contained. Shared dependencies appear once per dependent and are
// deduplicated by ID when decoded.
package snapshot

import (
	"errors"
	"fmt"
	"math"
	"time"

	"jobloop/internal/job"
	"jobloop/internal/registry"
)

// Version is bumped on incompatible layout changes.
const Version = 1

// Document is the top-level persisted form.
type Document struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Jobs    []Record  `json:"jobs"`
}

// Record is one job.
type Record struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Status job.Status `json:"status"`
	Tries  int        `json:"tries"`
	// MaxWorkingTime is in seconds; -1 means unbounded.
	MaxWorkingTime float64        `json:"max_working_time"`
	StartAt        time.Time      `json:"start_at"`
	Args           []any          `json:"args"`
	Kwargs         map[string]any `json:"kwargs"`
	WorkingTime    *time.Time     `json:"working_time,omitempty"`
	Dependencies   []Record       `json:"dependencies,omitempty"`
	Results        []any          `json:"results,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
}

// Resolver looks up the dependencies of a job. *job.Graph implements it.
type Resolver interface {
	Dependencies(j *job.Job) ([]*job.Job, error)
}

// Encode builds a document from roots, nesting each root's dependencies.
func Encode(roots []*job.Job, deps Resolver, now time.Time) (Document, error) {
	doc := Document{Version: Version, SavedAt: now.UTC(), Jobs: make([]Record, 0, len(roots))}
	for _, j := range roots {
		rec, err := encode(j, deps, map[string]bool{})
		if err != nil {
			return Document{}, err
		}
		doc.Jobs = append(doc.Jobs, rec)
	}
	return doc, nil
}

func encode(j *job.Job, deps Resolver, path map[string]bool) (Record, error) {
	st := j.State()
	if path[st.ID] {
		return Record{}, fmt.Errorf("%w: at %s", job.ErrCycle, st.ID)
	}
	path[st.ID] = true
	defer delete(path, st.ID)

	rec := Record{
		ID:             st.ID,
		Name:           st.Name,
		Status:         st.Status,
		Tries:          st.Tries,
		MaxWorkingTime: -1,
		StartAt:        st.StartAt.UTC(),
		Args:           append([]any{}, st.Args.Positional...),
		Kwargs:         map[string]any{},
		Results:        st.Results,
		LastError:      st.LastError,
	}
	for k, v := range st.Args.Keyword {
		rec.Kwargs[k] = v
	}
	if st.MaxWorkingTime >= 0 {
		rec.MaxWorkingTime = st.MaxWorkingTime.Seconds()
	}
	if !st.WorkingTime.IsZero() {
		wt := st.WorkingTime.UTC()
		rec.WorkingTime = &wt
	}

	ds, err := deps.Dependencies(j)
	if err != nil {
		return Record{}, err
	}
	for _, d := range ds {
		dr, err := encode(d, deps, path)
		if err != nil {
			return Record{}, err
		}
		rec.Dependencies = append(rec.Dependencies, dr)
	}
	return rec, nil
}

// Decoded is the result of Decode.
type Decoded struct {
	// Roots are the top-level jobs in document order.
	Roots []*job.Job
	// All holds every distinct job, dependencies included.
	All []*job.Job
}

// Decode rebuilds jobs through reg. Every name is resolved before any job is
// built, so an unknown name fails the whole document.
func Decode(doc Document, reg *registry.Registry) (Decoded, error) {
	if doc.Version > Version {
		return Decoded{}, fmt.Errorf("snapshot version %d is newer than supported %d", doc.Version, Version)
	}
	if err := checkNames(doc.Jobs, reg); err != nil {
		return Decoded{}, err
	}

	var out Decoded
	built := map[string]*job.Job{}
	var build func(rec Record) (*job.Job, error)
	build = func(rec Record) (*job.Job, error) {
		if rec.ID == "" {
			return nil, errors.New("snapshot record without id")
		}
		if j, ok := built[rec.ID]; ok {
			return j, nil
		}
		ids := make([]string, 0, len(rec.Dependencies))
		for _, d := range rec.Dependencies {
			dj, err := build(d)
			if err != nil {
				return nil, err
			}
			ids = append(ids, dj.ID())
		}
		st, err := toState(rec, ids)
		if err != nil {
			return nil, err
		}
		u, err := reg.Build(rec.Name, st.Args)
		if err != nil {
			return nil, err
		}
		j := job.Restore(st, u)
		built[rec.ID] = j
		out.All = append(out.All, j)
		return j, nil
	}

	seen := map[string]bool{}
	for _, rec := range doc.Jobs {
		j, err := build(rec)
		if err != nil {
			return Decoded{}, err
		}
		if !seen[j.ID()] {
			seen[j.ID()] = true
			out.Roots = append(out.Roots, j)
		}
	}
	return out, nil
}

func checkNames(recs []Record, reg *registry.Registry) error {
	for _, rec := range recs {
		if _, err := reg.Lookup(rec.Name); err != nil {
			return err
		}
		if err := checkNames(rec.Dependencies, reg); err != nil {
			return err
		}
	}
	return nil
}

func toState(rec Record, deps []string) (job.State, error) {
	status := job.StatusWaiting
	if rec.Status != "" {
		s, err := job.ParseStatus(string(rec.Status))
		if err != nil {
			return job.State{}, fmt.Errorf("job %s: %w", rec.ID, err)
		}
		status = s
	}
	mwt := job.NoDeadline
	if rec.MaxWorkingTime >= 0 && !math.IsInf(rec.MaxWorkingTime, 0) && !math.IsNaN(rec.MaxWorkingTime) {
		mwt = time.Duration(rec.MaxWorkingTime * float64(time.Second))
	}
	st := job.State{
		ID:             rec.ID,
		Name:           rec.Name,
		Status:         status,
		Tries:          rec.Tries,
		StartAt:        rec.StartAt,
		MaxWorkingTime: mwt,
		Dependencies:   deps,
		Results:        rec.Results,
		LastError:      rec.LastError,
		Args:           job.Args{Positional: rec.Args},
	}
	if len(rec.Kwargs) > 0 {
		st.Args.Keyword = rec.Kwargs
	}
	if rec.WorkingTime != nil {
		st.WorkingTime = *rec.WorkingTime
	}
	return st, nil
}
