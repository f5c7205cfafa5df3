// Package cmap provides a sharded concurrent map keyed by strings.
//
// Keys are spread over shards with murmur3, each shard guarded by its own
// RWMutex. The HTTP layer keeps one rate limiter per client address in
// a Map and sweeps idle entries periodically.
//
// Usage:
//
//	m := cmap.New[*clientLimiter]()
//	l := m.GetOrCreate(ip, newLimiter)
//	m.Sweep(func(_ string, l *clientLimiter) bool { return l.idle(now) })
package cmap
