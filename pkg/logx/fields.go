package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to a log event. Later fields overwrite earlier ones
// with the same key.
type Field func(e *zerolog.Event)

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }

// Strings logs a list, e.g. the pending job IDs or changed config sections.
func Strings(k string, v []string) Field { return func(e *zerolog.Event) { e.Strs(k, v) } }

func Int(k string, v int) Field       { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field     { return func(e *zerolog.Event) { e.Bool(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Str(k, v.String()) }
}

func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) {
		if !v.IsZero() {
			e.Time(k, v)
		}
	}
}

func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}
