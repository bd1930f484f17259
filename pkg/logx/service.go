package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level string
	// Format of the console sink: "console" (human readable, default) or
	// "json" (one object per line, for journald and log shippers).
	Format  string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// DefaultFilePath is used when the file sink is enabled without a path.
const DefaultFilePath = "./logs/jobloop.log"

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Service owns the sinks. Apply swaps level and sinks while loggers derived
// from it stay valid.
type Service struct {
	mu   sync.Mutex
	file *os.File
	out  io.Writer

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service plus its root logger.
func New(cfg Config) (*Service, Logger) {
	return newService(cfg, os.Stdout)
}

func newService(cfg Config, out io.Writer) (*Service, Logger) {
	s := &Service{out: out}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// Apply is safe to call concurrently with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleSink(s.out, cfg.Format))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v; file sink disabled\n", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		// Never go silent because of a config mistake.
		sinks = append(sinks, consoleSink(s.out, cfg.Format))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if prev != nil {
		_ = prev.Close()
	}
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleSink(w io.Writer, format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return w
	}
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// parseLevel maps the config spelling to zerolog; unknown means info.
func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG", "TRACE":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// Stdout is where units print their output.
func Stdout() io.Writer { return os.Stdout }
