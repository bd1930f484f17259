package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration reads the Go duration string of the config field at path.
// An empty value yields def. Negative values are rejected.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}
