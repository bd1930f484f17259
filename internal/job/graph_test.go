package job

import (
	"errors"
	"testing"
)

func TestGraphValidate(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	a := New("a", &scriptUnit{})
	b := New("b", &scriptUnit{}, DependsOn(a))
	c := New("c", &scriptUnit{}, DependsOn(a, b))
	g.Add(a, b, c)

	if err := g.Validate(c); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	orphan := New("orphan", &scriptUnit{}, DependsOnIDs("missing"))
	g.Add(orphan)
	if err := g.Validate(orphan); !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("err = %v, want ErrUnknownDependency", err)
	}
}

func TestGraphDetectsCycle(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	x := New("x", &scriptUnit{}, WithID("x"), DependsOnIDs("z"))
	y := New("y", &scriptUnit{}, WithID("y"), DependsOnIDs("x"))
	z := New("z", &scriptUnit{}, WithID("z"), DependsOnIDs("y"))
	g.Add(x, y, z)

	if err := g.Validate(x); !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}

	self := New("self", &scriptUnit{}, WithID("self"), DependsOnIDs("self"))
	g.Add(self)
	if err := g.Validate(self); !errors.Is(err, ErrCycle) {
		t.Fatalf("self dependency: err = %v, want ErrCycle", err)
	}
}

func TestGraphClosureVisitsSharedDependencyOnce(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	shared := New("shared", &scriptUnit{})
	left := New("left", &scriptUnit{}, DependsOn(shared))
	right := New("right", &scriptUnit{}, DependsOn(shared))
	root := New("root", &scriptUnit{}, DependsOn(left, right))
	g.Add(shared, left, right, root)

	got, err := g.Closure(root)
	if err != nil {
		t.Fatalf("Closure: %v", err)
	}
	want := []string{root.ID(), left.ID(), shared.ID(), right.ID()}
	if len(got) != len(want) {
		t.Fatalf("closure has %d jobs, want %d", len(got), len(want))
	}
	for i, j := range got {
		if j.ID() != want[i] {
			t.Fatalf("closure[%d] = %s, want %s", i, j.Name(), want[i])
		}
	}
}

func TestGraphDependenciesInOrder(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	a := New("a", &scriptUnit{})
	b := New("b", &scriptUnit{})
	c := New("c", &scriptUnit{}, DependsOn(b, a))
	g.Add(a, b, c)

	deps, err := g.Dependencies(c)
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	if len(deps) != 2 || deps[0] != b || deps[1] != a {
		t.Fatalf("deps out of order")
	}

	g.Remove(a.ID())
	if _, err := g.Dependencies(c); !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("err = %v, want ErrUnknownDependency", err)
	}
	if g.Len() != 2 {
		t.Fatalf("Len = %d, want 2", g.Len())
	}
}

func TestGraphRemove(t *testing.T) {
	t.Parallel()
	g := NewGraph()
	a := New("a", &scriptUnit{})
	b := New("b", &scriptUnit{}, DependsOn(a))
	g.Add(a, b)

	g.Remove(a.ID())
	if _, ok := g.Get(a.ID()); ok || g.Len() != 1 {
		t.Fatalf("a still known, len = %d", g.Len())
	}
	if err := g.Validate(b); !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("err = %v, want ErrUnknownDependency", err)
	}
}
