package units

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobloop/internal/job"
	"jobloop/internal/registry"
	"jobloop/pkg/logx"
)

func newRegistry(t *testing.T, out *bytes.Buffer) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := (Builtins{Out: out, Log: logx.Nop()}).Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func run(t *testing.T, reg *registry.Registry, name string, args job.Args) job.Result {
	t.Helper()
	u, err := reg.Build(name, args)
	if err != nil {
		t.Fatalf("Build(%s): %v", name, err)
	}
	return u.Step(context.Background())
}

func TestFuncRetriesByRerunning(t *testing.T) {
	t.Parallel()
	calls := 0
	u := Func(func(context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("not yet")
		}
		return "ok", nil
	})
	j := job.New("f", u, job.Tries(3))
	for i := 0; i < 3; i++ {
		_, _ = j.Advance(context.Background(), time.Now())
	}
	if j.Status() != job.StatusCompleted || calls != 3 {
		t.Fatalf("status=%s calls=%d", j.Status(), calls)
	}
	if r := j.Results(); len(r) != 1 || r[0] != "ok" {
		t.Fatalf("results = %v", r)
	}
}

func TestStepsRunEachStageOnce(t *testing.T) {
	t.Parallel()
	var seen []int
	fail := true
	u := Steps(
		func(context.Context) (any, error) { seen = append(seen, 1); return 1, nil },
		func(context.Context) (any, error) {
			seen = append(seen, 2)
			if fail {
				fail = false
				return nil, errors.New("flaky")
			}
			return 2, nil
		},
	)

	kinds := []job.ResultKind{job.KindValue, job.KindFailed, job.KindExhausted, job.KindExhausted}
	for i, want := range kinds {
		if got := u.Step(context.Background()).Kind; got != want {
			t.Fatalf("step %d: kind = %d, want %d", i, got, want)
		}
	}
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 2 {
		t.Fatalf("stages ran %v", seen)
	}
}

func TestFilesystemUnits(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t, &bytes.Buffer{})
	dir := filepath.Join(t.TempDir(), "test")
	file := filepath.Join(dir, "test.txt")

	if res := run(t, reg, CreateDirectory, job.NewArgs(dir)); res.Kind != job.KindExhausted {
		t.Fatalf("create_directory: %+v", res)
	}
	if res := run(t, reg, CreateDirectory, job.NewArgs(dir)); res.Kind != job.KindFailed || !job.IsNoRetry(res.Err) {
		t.Fatalf("second create_directory: %+v", res)
	}
	if res := run(t, reg, CreateAndWrite, job.NewArgs(file).With("content", "a b\nc d e\n")); res.Kind != job.KindExhausted {
		t.Fatalf("create_and_write: %+v", res)
	}
	res := run(t, reg, ReadFile, job.NewArgs(file))
	lines, ok := res.Value.([]string)
	if !ok || len(lines) != 2 || lines[1] != "c d e\n" {
		t.Fatalf("read_file: %+v", res)
	}
	if res := run(t, reg, DeleteFile, job.NewArgs(file)); res.Kind != job.KindExhausted {
		t.Fatalf("delete_file: %+v", res)
	}
	if res := run(t, reg, DeleteDirectory, job.NewArgs(dir)); res.Kind != job.KindExhausted {
		t.Fatalf("delete_directory: %+v", res)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("directory still present: %v", err)
	}
}

func TestTextAndPrintUnits(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	reg := newRegistry(t, &out)

	if res := run(t, reg, TextCountSpaces, job.NewArgs("a b  c")); res.Value != 3 {
		t.Fatalf("text_count_spaces = %v", res.Value)
	}
	run(t, reg, PrintSomething, job.NewArgs(1))
	if out.String() != "1\n" {
		t.Fatalf("print_something wrote %q", out.String())
	}
	if _, err := reg.Build(PrintSomething, job.Args{}); err == nil {
		t.Fatal("expected missing argument error")
	}
}

func TestGetRequest(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("hello"))
		case "/busy":
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/missing":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	reg := newRegistry(t, &bytes.Buffer{})

	if res := run(t, reg, GetRequest, job.NewArgs(srv.URL+"/ok")); res.Value != "hello" {
		t.Fatalf("ok: %+v", res)
	}

	res := run(t, reg, GetRequest, job.NewArgs(srv.URL+"/busy"))
	var ra job.RetryAfterError
	if !errors.As(res.Err, &ra) || ra.RetryAfter() != 7*time.Second {
		t.Fatalf("busy: %+v", res)
	}
	if res := run(t, reg, GetRequest, job.NewArgs(srv.URL+"/missing")); !job.IsNoRetry(res.Err) {
		t.Fatalf("missing: %+v", res)
	}
	if res := run(t, reg, GetRequest, job.NewArgs(srv.URL+"/down")); res.Err == nil || job.IsNoRetry(res.Err) {
		t.Fatalf("down: %+v", res)
	}
}
