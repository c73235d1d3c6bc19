// Copyright 2017 Dgraph Labs, Inc. and Contributors
// Modifications copyright (C) 2017 Andy Kimball and Contributors
// Modifications copyright (c) The Kudu Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0

// Package arena implements a bump allocator whose lifetime is tied to a
// single MemRowSet (§9 design note: "Arena-owned MRS memory ... Freeing is
// arena-level, not per-entry"). Adapted from the skiplist arena in
// cockroachdb-pebble/internal/arenaskl, trimmed to the byte-bump subset a
// MemRowSet needs: ordering is delegated to skipmap, so no node layout is
// required here, just raw allocation.
package arena

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrArenaFull is returned by Alloc when the arena has no room left.
var ErrArenaFull = errors.New("arena: allocation failed because arena is full")

// Arena is a fixed-size, append-only byte allocator. It is safe for
// concurrent use: Alloc is lock-free via a single atomic bump pointer.
type Arena struct {
	n   atomic.Uint64
	buf []byte
}

// New allocates a new Arena with the given capacity in bytes.
func New(size uint64) *Arena {
	return &Arena{buf: make([]byte, size)}
}

// Size returns the arena's total capacity.
func (a *Arena) Size() uint64 { return uint64(len(a.buf)) }

// Used returns the number of bytes reserved so far, including the sizes of
// Alloc calls that failed with ErrArenaFull, so once an Alloc has failed it
// stays above Size(); callers should treat Used() >= Size() as "full".
func (a *Arena) Used() uint64 { return a.n.Load() }

// Alloc reserves n contiguous bytes and returns a slice over them. The
// returned slice is only valid for the lifetime of the Arena: once the
// MemRowSet that owns this Arena drops its last reference, the whole
// backing array is reclaimed at once.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.New("arena: negative allocation size")
	}
	offset := a.n.Add(uint64(n))
	if offset > uint64(len(a.buf)) {
		return nil, ErrArenaFull
	}
	return a.buf[offset-uint64(n) : offset : offset], nil
}

// AllocBytes copies src into a fresh arena allocation and returns the copy.
func (a *Arena) AllocBytes(src []byte) ([]byte, error) {
	dst, err := a.Alloc(len(src))
	if err != nil {
		return nil, err
	}
	copy(dst, src)
	return dst, nil
}
