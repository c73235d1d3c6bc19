// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowStrictlyIncreasing(t *testing.T) {
	fixed := time.Unix(0, 0)
	c := NewClockWithSource(func() time.Time { return fixed })

	var last Timestamp
	for i := 0; i < 1000; i++ {
		ts := c.Now()
		require.Greater(t, uint64(ts), uint64(last))
		last = ts
	}
}

func TestClockNowConcurrentStrictlyIncreasing(t *testing.T) {
	fixed := time.Unix(0, 0)
	c := NewClockWithSource(func() time.Time { return fixed })

	const goroutines = 16
	const perGoroutine = 200
	results := make(chan Timestamp, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				results <- c.Now()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[Timestamp]bool)
	for ts := range results {
		require.False(t, seen[ts], "timestamp %d issued twice", ts)
		seen[ts] = true
	}
	require.Len(t, seen, goroutines*perGoroutine)
}

func TestClockUpdateAdvancesFutureTimestamps(t *testing.T) {
	fixed := time.Unix(0, 0)
	c := NewClockWithSource(func() time.Time { return fixed })

	c.Update(Timestamp(1 << 30))
	next := c.Now()
	require.Greater(t, uint64(next), uint64(1<<30))
}
