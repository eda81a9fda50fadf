package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Get returns the environment value for key, or fallback when unset or blank.
func Get(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func Int(key string, fallback int) (int, error) {
	v := Get(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config %s: invalid int %q: %w", key, v, err)
	}
	return n, nil
}

func Int64(key string, fallback int64) (int64, error) {
	v := Get(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config %s: invalid int %q: %w", key, v, err)
	}
	return n, nil
}

func Duration(key string, fallback time.Duration) (time.Duration, error) {
	v := Get(key, "")
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config %s: invalid duration %q: %w", key, v, err)
	}
	return d, nil
}

func Bool(key string, fallback bool) (bool, error) {
	v := Get(key, "")
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config %s: invalid bool %q: %w", key, v, err)
	}
	return b, nil
}

// reader collects the first parse error so Load can read many keys in a row.
type reader struct {
	err error
}

func (r *reader) int(key string, fallback int) int {
	n, err := Int(key, fallback)
	r.keep(err)
	return n
}

func (r *reader) int64(key string, fallback int64) int64 {
	n, err := Int64(key, fallback)
	r.keep(err)
	return n
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	d, err := Duration(key, fallback)
	r.keep(err)
	return d
}

func (r *reader) bool(key string, fallback bool) bool {
	b, err := Bool(key, fallback)
	r.keep(err)
	return b
}

func (r *reader) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}
