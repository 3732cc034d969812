// Package redis reserves the distributed bucket backend. Multi-instance
// deployments need shared counters; the single-node backends cannot provide
// that. The constructor fails until the integration lands so configuration
// pointing here is an explicit startup error instead of silently local state.
package redis

import "fmt"

// New always fails. The "redis" backend name is reserved in configuration;
// selecting it must not fall back to per-instance counting.
func New(addr, password string, db int) (any, error) {
	return nil, fmt.Errorf("redis bucket backend not implemented: use the memory backend for single-instance or the database backend for shared counters")
}
