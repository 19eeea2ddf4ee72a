package token

import (
	"fmt"
	"strconv"
	"time"
)

// ParseTTL parses a human-readable lifetime such as "30s", "30m", "12h" or
// "7d" into a duration. Only those four units are supported; anything else is
// a configuration error and is rejected rather than silently defaulted.
func ParseTTL(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid ttl %q: expected <number><s|m|h|d>", s)
	}

	unit := s[len(s)-1]
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid ttl %q: expected positive integer before unit", s)
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid ttl %q: unsupported unit %q", s, string(unit))
	}
}
