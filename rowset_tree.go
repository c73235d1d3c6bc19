// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import "sort"

// RowSet is the interface RowSetTree indexes: anything with a fixed key
// range that can answer presence/iteration queries (§4.6). Both DiskRowSet
// and DuplicatingRowSet implement it.
type RowSet interface {
	// ID is a stable identifier, used for equality and DESIGN.md's
	// handle+registry cycle-breaking model (tablet.go owns id -> RowSet).
	ID() int64
	MinKey() []byte
	MaxKey() []byte
}

// rsInterval pairs a RowSet with its key range for sorted lookup.
type rsInterval struct {
	rs  RowSet
	lo  []byte
	hi  []byte // exclusive
}

// RowSetTree is a pure, immutable interval index over a set of RowSets'
// (min-key, max-key) ranges (C7). Grounded on pebble's version.go
// level-file-list search idiom (sorted-by-start-key slice + binary search
// for a stab query) generalized to overlapping intervals, since unlike a
// pebble level a RowSetTree's intervals CAN transiently overlap through a
// DuplicatingRowSet (I6). replace() never mutates the receiver: it returns
// a new tree so that readers holding an old TabletComponents snapshot keep
// working against a consistent, unchanged tree (§4.6, §9).
type RowSetTree struct {
	cmp     Comparer
	byLo    []rsInterval // sorted by lo ascending
}

// NewRowSetTree builds a tree over the given rowsets.
func NewRowSetTree(cmp Comparer, rowsets []RowSet) *RowSetTree {
	t := &RowSetTree{cmp: cmp}
	t.byLo = make([]rsInterval, len(rowsets))
	for i, rs := range rowsets {
		t.byLo[i] = rsInterval{rs: rs, lo: rs.MinKey(), hi: rs.MaxKey()}
	}
	sort.Slice(t.byLo, func(i, j int) bool { return cmp(t.byLo[i].lo, t.byLo[j].lo) < 0 })
	return t
}

// Empty returns a tree with no rowsets, e.g. for a freshly created tablet.
func Empty(cmp Comparer) *RowSetTree {
	return &RowSetTree{cmp: cmp}
}

// Probe returns every rowset whose interval covers key. Normally this is
// at most one rowset (I6), but during a compaction's DuplicatingRowSet
// window it may transiently return more than one candidate (§4.6).
func (t *RowSetTree) Probe(key []byte) []RowSet {
	var out []RowSet
	// byLo is sorted by lo; any interval with lo <= key is a candidate,
	// so we can stop scanning once lo > key.
	idx := sort.Search(len(t.byLo), func(i int) bool { return t.cmp(t.byLo[i].lo, key) > 0 })
	for i := 0; i < idx; i++ {
		iv := t.byLo[i]
		if t.cmp(key, iv.hi) < 0 {
			out = append(out, iv.rs)
		}
	}
	return out
}

// Overlap returns every rowset whose interval intersects [lo, hi). A nil lo
// means "from the beginning"; a nil hi means "to the end" (§4.6, used by
// scans and by compaction candidate selection).
func (t *RowSetTree) Overlap(lo, hi []byte) []RowSet {
	var out []RowSet
	for _, iv := range t.byLo {
		if hi != nil && t.cmp(iv.lo, hi) >= 0 {
			continue
		}
		if lo != nil && t.cmp(iv.hi, lo) <= 0 {
			continue
		}
		out = append(out, iv.rs)
	}
	return out
}

// All returns every rowset in the tree, in min-key order.
func (t *RowSetTree) All() []RowSet {
	out := make([]RowSet, len(t.byLo))
	for i, iv := range t.byLo {
		out[i] = iv.rs
	}
	return out
}

// Len reports the number of rowsets indexed.
func (t *RowSetTree) Len() int { return len(t.byLo) }

// Replace returns a new RowSetTree with every rowset in remove dropped and
// every rowset in add inserted, leaving all others untouched (§4.6's pure
// replace). The receiver is never mutated, so a reader that captured this
// tree via an old TabletComponents snapshot continues to see it exactly as
// it was.
func (t *RowSetTree) Replace(remove []RowSet, add []RowSet) *RowSetTree {
	removeSet := make(map[int64]struct{}, len(remove))
	for _, rs := range remove {
		removeSet[rs.ID()] = struct{}{}
	}
	next := make([]RowSet, 0, len(t.byLo)-len(remove)+len(add))
	for _, iv := range t.byLo {
		if _, gone := removeSet[iv.rs.ID()]; gone {
			continue
		}
		next = append(next, iv.rs)
	}
	next = append(next, add...)
	return NewRowSetTree(t.cmp, next)
}
