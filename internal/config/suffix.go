package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseAge parses the age suffix grammar of spec.md §6: digits followed
// by an optional unit letter in s|m|h|d|w (default s). Empty input
// returns def. Negative values are rejected.
func ParseAge(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	n, unit, err := splitSuffix(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("config: negative age %q", raw)
	}
	var mul time.Duration
	switch unit {
	case "", "s":
		mul = time.Second
	case "m":
		mul = time.Minute
	case "h":
		mul = time.Hour
	case "d":
		mul = 24 * time.Hour
	case "w":
		mul = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("config: unknown age unit %q in %q", unit, raw)
	}
	return time.Duration(n) * mul, nil
}

// ParseSize parses the size suffix grammar of spec.md §6: digits
// followed by an optional unit letter in b|k|m|g, optionally suffixed
// with an extra "b" (default bytes). Empty input returns def. Negative
// values are rejected.
func ParseSize(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	n, unit, err := splitSuffix(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("config: negative size %q", raw)
	}
	unit = strings.TrimSuffix(unit, "b")
	var mul int64
	switch unit {
	case "", "b":
		mul = 1
	case "k":
		mul = 1024
	case "m":
		mul = 1024 * 1024
	case "g":
		mul = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("config: unknown size unit %q in %q", unit, raw)
	}
	return n * mul, nil
}

func splitSuffix(raw string) (int64, string, error) {
	i := 0
	for i < len(raw) && raw[i] >= '0' && raw[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, "", fmt.Errorf("config: value %q has no leading digits", raw)
	}
	n, err := strconv.ParseInt(raw[:i], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("config: invalid numeric value %q: %w", raw, err)
	}
	return n, strings.ToLower(raw[i:]), nil
}
