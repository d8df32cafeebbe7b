package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration parses a Go duration string at the config key path. Empty or
// zero yields def; negative values are rejected.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Ratio checks a rate or fraction at the config key path. 0 means unset and
// yields def.
func Ratio(path string, v, def float64) (float64, error) {
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("%s must be within [0,1], got %v", path, v)
	}
	if v == 0 {
		return def, nil
	}
	return v, nil
}
