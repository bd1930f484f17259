package snapshot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"jobloop/internal/job"
	"jobloop/internal/registry"
)

type nopUnit struct{}

func (nopUnit) Step(context.Context) job.Result { return job.Exhausted() }

func testRegistry() *registry.Registry {
	r := registry.New()
	for _, name := range []string{"mkdir", "write", "rm"} {
		r.MustRegister(name, func(job.Args) (job.Unit, error) { return nopUnit{}, nil })
	}
	return r
}

// diamond: root -> (left, right) -> shared
func diamond(t *testing.T) (*job.Graph, *job.Job) {
	t.Helper()
	reg := testRegistry()
	mk := func(name string, opts ...job.Option) *job.Job {
		j, err := reg.NewJob(name, job.NewArgs("p-"+name).With("mode", 0o755), opts...)
		if err != nil {
			t.Fatalf("NewJob: %v", err)
		}
		return j
	}
	shared := mk("mkdir", job.Tries(3))
	left := mk("write", job.DependsOn(shared), job.MaxWorkingTime(1500*time.Millisecond))
	right := mk("write", job.DependsOn(shared))
	root := mk("rm", job.DependsOn(left, right))

	_, _ = shared.Advance(context.Background(), time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	g := job.NewGraph()
	g.Add(shared, left, right, root)
	return g, root
}

func TestEncodeNestsDependencies(t *testing.T) {
	t.Parallel()
	g, root := diamond(t)

	doc, err := Encode([]*job.Job{root}, g, time.Now())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(doc.Jobs) != 1 {
		t.Fatalf("jobs = %d", len(doc.Jobs))
	}
	r := doc.Jobs[0]
	if len(r.Dependencies) != 2 || len(r.Dependencies[0].Dependencies) != 1 {
		t.Fatalf("unexpected nesting: %+v", r)
	}
	if r.MaxWorkingTime != -1 || r.Dependencies[0].MaxWorkingTime != 1.5 {
		t.Fatalf("max working time = %v / %v", r.MaxWorkingTime, r.Dependencies[0].MaxWorkingTime)
	}
	shared := r.Dependencies[0].Dependencies[0]
	if shared.Status != job.StatusCompleted || shared.WorkingTime == nil {
		t.Fatalf("shared = %+v", shared)
	}
}

func TestRoundTripBothFormats(t *testing.T) {
	t.Parallel()
	for _, f := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(f), func(t *testing.T) {
			t.Parallel()
			g, root := diamond(t)
			doc, err := Encode([]*job.Job{root}, g, time.Now())
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			b, err := Marshal(doc, f)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			back, err := Unmarshal(b, f)
			if err != nil {
				t.Fatalf("Unmarshal: %v\n%s", err, b)
			}
			dec, err := Decode(back, testRegistry())
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(dec.Roots) != 1 || len(dec.All) != 4 {
				t.Fatalf("roots=%d all=%d, want 1/4", len(dec.Roots), len(dec.All))
			}

			got := dec.Roots[0]
			if got.ID() != root.ID() || got == root {
				t.Fatal("root must be a new instance with the same id")
			}
			ng := job.NewGraph()
			ng.Add(dec.All...)
			if err := ng.Validate(got); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			closure, _ := ng.Closure(got)
			if len(closure) != 4 {
				t.Fatalf("closure = %d jobs, want shared dependency once", len(closure))
			}
			shared := closure[len(closure)-2]
			if shared.Status() != job.StatusCompleted {
				t.Fatalf("shared status = %s", shared.Status())
			}
			if wt, ok := shared.WorkingTime(); !ok || !wt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
				t.Fatalf("working time = %v", wt)
			}
			if n, err := got.Args().Int(-1, "mode"); err != nil || n != 0o755 {
				t.Fatalf("kwarg mode = %d, %v", n, err)
			}
		})
	}
}

func TestDecodeUnknownNameBuildsNothing(t *testing.T) {
	t.Parallel()
	doc := Document{Version: Version, Jobs: []Record{
		{ID: "a", Name: "mkdir"},
		{ID: "b", Name: "write", Dependencies: []Record{{ID: "c", Name: "teleport"}}},
	}}
	_, err := Decode(doc, testRegistry())
	var nf *registry.NotFoundError
	if !errors.As(err, &nf) || nf.Name != "teleport" {
		t.Fatalf("err = %v, want NotFoundError{teleport}", err)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	t.Parallel()
	if _, err := Decode(Document{Version: Version, Jobs: []Record{{ID: "a", Name: "mkdir", Status: "DONE"}}}, testRegistry()); err == nil {
		t.Fatal("expected status error")
	}
	if _, err := Decode(Document{Version: Version + 1}, testRegistry()); err == nil {
		t.Fatal("expected version error")
	}
	if _, err := Unmarshal([]byte(`{"version":1,"jobs":[],"extra":true}`), FormatJSON); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := Unmarshal([]byte(`{"version":1,"jobs":[]} {}`), FormatJSON); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err = %v, want trailing data", err)
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	cases := map[string]Format{"": FormatJSON, "JSON": FormatJSON, "yml": FormatYAML, " yaml ": FormatYAML}
	for in, want := range cases {
		if got, err := ParseFormat(in); err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("toml"); err == nil {
		t.Fatal("expected error")
	}
}
