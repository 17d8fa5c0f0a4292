// Package counter implements the observation sources consulted by
// rate-limit conditions: a single-node in-memory sliding window and a
// Redis-backed variant for multi-node deployments. Both record the
// observation and return the count inside the trailing window in one step,
// so concurrent callers never race between counting and recording.
package counter

import (
	"context"
	"sync"
	"time"
)

// bucket holds one key's observation timestamps, ascending unix micros.
type bucket struct {
	times    []int64
	lastSeen time.Time
}

// MemoryCounter keeps per-key observations in process memory. Suitable for
// single-node deployments; counts reset on restart.
type MemoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryCounter creates an in-memory counter and starts a background
// sweep that drops keys with no recent observations.
func NewMemoryCounter() *MemoryCounter {
	c := &MemoryCounter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	go c.cleanup()
	return c
}

// Observe records one observation against key and returns the number of
// observations inside the trailing window, including this one. The window
// is half-open: an observation exactly window-old has already fallen out.
func (c *MemoryCounter) Observe(_ context.Context, key string, window time.Duration) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{}
		c.buckets[key] = b
	}
	b.lastSeen = now

	cutoff := now.Add(-window).UnixMicro()
	keep := 0
	for keep < len(b.times) && b.times[keep] <= cutoff {
		keep++
	}
	b.times = append(b.times[keep:], now.UnixMicro())
	return uint64(len(b.times)), nil
}

func (c *MemoryCounter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		now := c.now()
		for k, b := range c.buckets {
			if now.Sub(b.lastSeen) > time.Hour {
				delete(c.buckets, k)
			}
		}
		c.mu.Unlock()
	}
}
