// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package arena

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaAllocReturnsDistinctNonOverlappingSlices(t *testing.T) {
	a := New(64)
	x, err := a.Alloc(8)
	require.NoError(t, err)
	y, err := a.Alloc(8)
	require.NoError(t, err)

	for i := range x {
		x[i] = 0xAA
	}
	for i := range y {
		y[i] = 0xBB
	}
	require.Equal(t, byte(0xAA), x[0])
	require.Equal(t, byte(0xBB), y[0])
}

func TestArenaAllocFailsWhenFull(t *testing.T) {
	a := New(16)
	_, err := a.Alloc(16)
	require.NoError(t, err)

	_, err = a.Alloc(1)
	require.ErrorIs(t, err, ErrArenaFull)
}

func TestArenaAllocBytesCopiesSource(t *testing.T) {
	a := New(32)
	src := []byte("hello")
	dst, err := a.AllocBytes(src)
	require.NoError(t, err)
	require.Equal(t, src, dst)

	src[0] = 'H'
	require.NotEqual(t, src[0], dst[0])
}

func TestArenaConcurrentAllocDoesNotOverAllocate(t *testing.T) {
	a := New(1000)
	var wg sync.WaitGroup
	successes := make(chan int, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Alloc(10); err == nil {
				successes <- 1
			}
		}()
	}
	wg.Wait()
	close(successes)

	n := 0
	for range successes {
		n++
	}
	require.LessOrEqual(t, n, 100)
	require.GreaterOrEqual(t, a.Used(), uint64(n*10))
}
