// Package config reads the environment variables shared by the binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Int returns the positive integer in key or def when unset or invalid.
func Int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warnf("invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

// Duration returns the non-negative duration in key or def when unset or
// invalid.
func Duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Warnf("invalid %s=%q, using %v", key, v, def)
		return def
	}
	return d
}

// String returns the value of key or def when unset.
func String(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// Require returns the values of keys in order, failing when any is empty.
func Require(keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	var missing []string
	for i, k := range keys {
		out[i] = os.Getenv(k)
		if out[i] == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing config: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Debug switches the standard logger to debug level when DEBUG is true.
func Debug() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
}
