package registry

import (
	"context"
	"errors"
	"testing"

	"jobloop/internal/job"
)

type constUnit struct{ v any }

func (u constUnit) Step(context.Context) job.Result { return job.Done(u.v) }

func TestRegistryBuild(t *testing.T) {
	t.Parallel()
	r := New()
	r.MustRegister("echo", func(args job.Args) (job.Unit, error) {
		s, err := args.String(0, "text")
		if err != nil {
			return nil, err
		}
		return constUnit{v: s}, nil
	})

	u, err := r.Build("echo", job.NewArgs("hi"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res := u.Step(context.Background()); res.Value != "hi" {
		t.Fatalf("value = %v", res.Value)
	}

	if _, err := r.Build("echo", job.NewArgs(1.0)); err == nil {
		t.Fatal("expected factory error to propagate")
	}
}

func TestRegistryNotFound(t *testing.T) {
	t.Parallel()
	r := New()

	_, err := r.Lookup("ghost")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Name != "ghost" {
		t.Fatalf("err = %v, want NotFoundError{ghost}", err)
	}
	if _, err := r.NewJob("ghost", job.Args{}); !errors.As(err, &nf) {
		t.Fatalf("NewJob err = %v", err)
	}
}

func TestRegistryRejectsInvalid(t *testing.T) {
	t.Parallel()
	r := New()
	if err := r.Register(" ", func(job.Args) (job.Unit, error) { return nil, nil }); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := r.Register("x", nil); err == nil {
		t.Fatal("expected error for nil factory")
	}
}

func TestRegistryNewJobKeepsArgs(t *testing.T) {
	t.Parallel()
	r := New()
	r.MustRegister("b", func(job.Args) (job.Unit, error) { return constUnit{}, nil })
	r.MustRegister("a", func(job.Args) (job.Unit, error) { return constUnit{}, nil })

	j, err := r.NewJob("a", job.NewArgs("x"), job.Tries(4))
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if j.Name() != "a" || j.Tries() != 4 || len(j.Args().Positional) != 1 {
		t.Fatalf("job = %+v", j.State())
	}
	if got := r.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Names = %v", got)
	}
}
