package job

import (
	"fmt"
	"sync"
)

// Graph is an arena of jobs keyed by ID. Dependencies are stored on each job
// as ID lists and resolved through the graph, so shared dependencies are the
// same instance and cycles can be detected before admission.
type Graph struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewGraph() *Graph {
	return &Graph{jobs: make(map[string]*Job)}
}

// Add registers jobs. A job with an ID already present replaces the old one.
func (g *Graph) Add(jobs ...*Job) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, j := range jobs {
		if j != nil {
			g.jobs[j.ID()] = j
		}
	}
}

func (g *Graph) Get(id string) (*Job, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	j, ok := g.jobs[id]
	return j, ok
}

// Remove forgets id. Jobs depending on it fail validation afterwards.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	delete(g.jobs, id)
	g.mu.Unlock()
}

func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.jobs)
}

// Reset drops every job.
func (g *Graph) Reset() {
	g.mu.Lock()
	g.jobs = make(map[string]*Job)
	g.mu.Unlock()
}

// Dependencies resolves the direct dependencies of j in declaration order.
func (g *Graph) Dependencies(j *Job) ([]*Job, error) {
	ids := j.Dependencies()
	if len(ids) == 0 {
		return nil, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		d, ok := g.jobs[id]
		if !ok {
			return nil, fmt.Errorf("%w: job %s depends on %s", ErrUnknownDependency, j.ID(), id)
		}
		out = append(out, d)
	}
	return out, nil
}

// Validate checks that every job reachable from root is registered and that
// the dependency closure has no cycle.
func (g *Graph) Validate(root *Job) error {
	const (
		white = iota
		grey
		black
	)
	g.mu.RLock()
	defer g.mu.RUnlock()

	color := map[string]int{}
	var visit func(j *Job, path []string) error
	visit = func(j *Job, path []string) error {
		id := j.ID()
		switch color[id] {
		case grey:
			return fmt.Errorf("%w: %v", ErrCycle, append(path, id))
		case black:
			return nil
		}
		color[id] = grey
		for _, depID := range j.Dependencies() {
			d, ok := g.jobs[depID]
			if !ok {
				return fmt.Errorf("%w: job %s depends on %s", ErrUnknownDependency, id, depID)
			}
			next := append(append([]string(nil), path...), id)
			if err := visit(d, next); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	return visit(root, nil)
}

// Closure returns root followed by every job it depends on, transitively,
// each exactly once in depth-first order.
func (g *Graph) Closure(root *Job) ([]*Job, error) {
	if err := g.Validate(root); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := map[string]bool{}
	var out []*Job
	var walk func(j *Job)
	walk = func(j *Job) {
		if seen[j.ID()] {
			return
		}
		seen[j.ID()] = true
		out = append(out, j)
		for _, id := range j.Dependencies() {
			walk(g.jobs[id])
		}
	}
	walk(root)
	return out, nil
}
