package config

import (
	"fmt"
	"strings"
	"time"
)

// Config durations are Go duration strings ("90s", "5m"); empty means unset.
// Non-zero values below a millisecond are rejected since every scheduling
// path in the daemon works in epoch milliseconds.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	case d > 0 && d < time.Millisecond:
		return 0, fmt.Errorf("%s: duration %q is below millisecond resolution", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// unset or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	if d, err := ParseDurationField(path, raw); err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
