package counter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestCounter(start time.Time) (*MemoryCounter, *time.Time) {
	now := start
	c := &MemoryCounter{
		buckets: make(map[string]*bucket),
		now:     func() time.Time { return now },
	}
	return c, &now
}

func TestMemoryCounter_CountsWithinWindow(t *testing.T) {
	c, now := newTestCounter(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		got, err := c.Observe(ctx, "t1|actor|alice", time.Minute)
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if got != want {
			t.Fatalf("observe %d: count = %d, want %d", want, got, want)
		}
		*now = now.Add(time.Second)
	}
}

func TestMemoryCounter_OldObservationsFallOut(t *testing.T) {
	c, now := newTestCounter(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := c.Observe(ctx, "k", time.Minute); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if _, err := c.Observe(ctx, "k", time.Minute); err != nil {
		t.Fatalf("observe: %v", err)
	}

	*now = now.Add(2 * time.Minute)
	got, err := c.Observe(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("observe after window: %v", err)
	}
	if got != 1 {
		t.Fatalf("count after window = %d, want 1 (only the new observation)", got)
	}
}

func TestMemoryCounter_ExactWindowBoundaryExcluded(t *testing.T) {
	c, now := newTestCounter(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := c.Observe(ctx, "k", time.Minute); err != nil {
		t.Fatalf("observe: %v", err)
	}

	// Exactly one window later the first observation is no longer inside.
	*now = now.Add(time.Minute)
	got, err := c.Observe(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if got != 1 {
		t.Fatalf("count at exact boundary = %d, want 1", got)
	}
}

func TestMemoryCounter_KeysIndependent(t *testing.T) {
	c, _ := newTestCounter(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if _, err := c.Observe(ctx, "a", time.Minute); err != nil {
		t.Fatalf("observe a: %v", err)
	}
	got, err := c.Observe(ctx, "b", time.Minute)
	if err != nil {
		t.Fatalf("observe b: %v", err)
	}
	if got != 1 {
		t.Fatalf("key b count = %d, want 1", got)
	}
}

func TestMemoryCounter_ConcurrentObservations(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	const n = 64

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Observe(ctx, "shared", time.Minute); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent observe: %v", err)
	}

	got, err := c.Observe(ctx, "shared", time.Minute)
	if err != nil {
		t.Fatalf("final observe: %v", err)
	}
	if got != n+1 {
		t.Fatalf("final count = %d, want %d", got, n+1)
	}
}

func TestMemoryCounter_ManyKeys(t *testing.T) {
	c, _ := newTestCounter(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("t|actor|a%d", i)
		if got, err := c.Observe(ctx, key, time.Minute); err != nil || got != 1 {
			t.Fatalf("observe %s: count=%d err=%v", key, got, err)
		}
	}
	if len(c.buckets) != 100 {
		t.Fatalf("bucket count = %d, want 100", len(c.buckets))
	}
}
