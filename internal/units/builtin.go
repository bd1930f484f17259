package units

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"jobloop/internal/job"
	"jobloop/internal/registry"
	"jobloop/pkg/logx"
)

// Built-in unit names.
const (
	CreateDirectory = "create_directory"
	DeleteDirectory = "delete_directory"
	CreateAndWrite  = "create_and_write"
	ReadFile        = "read_file"
	DeleteFile      = "delete_file"
	GetRequest      = "get_request"
	TextCountSpaces = "text_count_spaces"
	PrintSomething  = "print_something"
)

const maxBodyBytes = 4 << 20

// Builtins holds what the built-in units need from the outside world.
type Builtins struct {
	Out    io.Writer
	Client *http.Client
	Log    logx.Logger
}

// Register binds every built-in unit into reg.
func (b Builtins) Register(reg *registry.Registry) error {
	if b.Out == nil {
		b.Out = logx.Stdout()
	}
	if b.Client == nil {
		b.Client = &http.Client{Timeout: 15 * time.Second}
	}
	log := b.Log.With(logx.String("comp", "units"))

	path := func(args job.Args) (string, error) { return args.String(0, "path") }

	table := map[string]registry.Factory{
		CreateDirectory: func(args job.Args) (job.Unit, error) {
			p, err := path(args)
			if err != nil {
				return nil, err
			}
			return Func(func(context.Context) (any, error) {
				if err := os.Mkdir(p, 0o755); err != nil {
					if errors.Is(err, os.ErrExist) {
						return nil, job.NoRetry(err)
					}
					return nil, err
				}
				log.Debug("directory created", logx.String("path", p))
				return nil, nil
			}), nil
		},
		DeleteDirectory: func(args job.Args) (job.Unit, error) {
			p, err := path(args)
			if err != nil {
				return nil, err
			}
			return Func(func(context.Context) (any, error) {
				if err := os.Remove(p); err != nil {
					return nil, err
				}
				log.Debug("directory removed", logx.String("path", p))
				return nil, nil
			}), nil
		},
		CreateAndWrite: func(args job.Args) (job.Unit, error) {
			p, err := path(args)
			if err != nil {
				return nil, err
			}
			content, err := args.String(1, "content")
			if err != nil {
				return nil, err
			}
			return Func(func(context.Context) (any, error) {
				if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
					return nil, err
				}
				return len(content), nil
			}), nil
		},
		ReadFile: func(args job.Args) (job.Unit, error) {
			p, err := path(args)
			if err != nil {
				return nil, err
			}
			return Func(func(context.Context) (any, error) {
				b, err := os.ReadFile(p)
				if err != nil {
					return nil, err
				}
				return splitLines(string(b)), nil
			}), nil
		},
		DeleteFile: func(args job.Args) (job.Unit, error) {
			p, err := path(args)
			if err != nil {
				return nil, err
			}
			return Func(func(context.Context) (any, error) {
				return nil, os.Remove(p)
			}), nil
		},
		GetRequest: func(args job.Args) (job.Unit, error) {
			url, err := args.String(0, "url")
			if err != nil {
				return nil, err
			}
			return Func(func(ctx context.Context) (any, error) {
				return b.get(ctx, url)
			}), nil
		},
		TextCountSpaces: func(args job.Args) (job.Unit, error) {
			text, err := args.String(0, "text")
			if err != nil {
				return nil, err
			}
			return Func(func(context.Context) (any, error) {
				return strings.Count(text, " "), nil
			}), nil
		},
		PrintSomething: func(args job.Args) (job.Unit, error) {
			v, ok := args.Lookup(0, "id")
			if !ok {
				return nil, fmt.Errorf("missing argument 0 (id)")
			}
			return Func(func(context.Context) (any, error) {
				_, err := fmt.Fprintln(b.Out, v)
				return nil, err
			}), nil
		},
	}
	for name, f := range table {
		if err := reg.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

func (b Builtins) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", job.NoRetry(err)
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", job.RetryAfter(fmt.Errorf("get %s: %s", url, resp.Status), retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("get %s: %s", url, resp.Status)
	case resp.StatusCode >= 400:
		return "", job.NoRetry(fmt.Errorf("get %s: %s", url, resp.Status))
	}
	return string(body), nil
}

func retryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Second
	}
	if d, err := time.ParseDuration(raw + "s"); err == nil && d > 0 {
		return d
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Second
}

// splitLines keeps line terminators, one element per line.
func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
