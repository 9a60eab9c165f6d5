package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means zero and
// negative values are rejected. path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, 0, false)
}

// ParseDurationOrDefault is ParseDurationField with zero and empty both
// mapped to def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(path, raw, def, false)
}

// ParseDurationKeepZero maps only an empty value to def; an explicit "0s"
// stays zero. Used where zero has a meaning (no delay, wait forever).
func ParseDurationKeepZero(path, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(path, raw, def, true)
}

func parseDuration(path, raw string, def time.Duration, keepZero bool) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, s)
	case d == 0 && !keepZero:
		return def, nil
	}
	return d, nil
}
