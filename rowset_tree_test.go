// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeRowSet is a minimal RowSet for exercising RowSetTree in isolation,
// without pulling in a real DiskRowSet's on-disk machinery.
type fakeRowSet struct {
	id     int64
	lo, hi []byte
}

func (f *fakeRowSet) ID() int64      { return f.id }
func (f *fakeRowSet) MinKey() []byte { return f.lo }
func (f *fakeRowSet) MaxKey() []byte { return f.hi }

func newFakeRowSet(id int64, lo, hi byte) *fakeRowSet {
	return &fakeRowSet{id: id, lo: []byte{lo}, hi: []byte{hi}}
}

func TestRowSetTreeProbeFindsCoveringRowSet(t *testing.T) {
	a := newFakeRowSet(1, 0, 10)
	b := newFakeRowSet(2, 10, 20)
	tree := NewRowSetTree(defaultCompare, []RowSet{a, b})

	got := tree.Probe([]byte{5})
	require.Len(t, got, 1)
	require.Equal(t, int64(1), got[0].ID())

	got = tree.Probe([]byte{15})
	require.Len(t, got, 1)
	require.Equal(t, int64(2), got[0].ID())

	got = tree.Probe([]byte{25})
	require.Empty(t, got)
}

func TestRowSetTreeProbeCanReturnMultipleDuringOverlap(t *testing.T) {
	a := newFakeRowSet(1, 0, 20)
	b := newFakeRowSet(2, 0, 20) // transient duplicate covering the same range
	tree := NewRowSetTree(defaultCompare, []RowSet{a, b})

	got := tree.Probe([]byte{5})
	require.Len(t, got, 2)
}

func TestRowSetTreeOverlapMatchesIntersectingRanges(t *testing.T) {
	a := newFakeRowSet(1, 0, 10)
	b := newFakeRowSet(2, 10, 20)
	c := newFakeRowSet(3, 20, 30)
	tree := NewRowSetTree(defaultCompare, []RowSet{a, b, c})

	got := tree.Overlap([]byte{5}, []byte{15})
	ids := idsOf(got)
	require.ElementsMatch(t, []int64{1, 2}, ids)

	got = tree.Overlap(nil, nil)
	require.Len(t, got, 3)
}

func TestRowSetTreeReplaceIsPureAndLeavesOldTreeIntact(t *testing.T) {
	a := newFakeRowSet(1, 0, 10)
	b := newFakeRowSet(2, 10, 20)
	orig := NewRowSetTree(defaultCompare, []RowSet{a, b})

	c := newFakeRowSet(3, 0, 20)
	next := orig.Replace([]RowSet{a, b}, []RowSet{c})

	require.Equal(t, 2, orig.Len())
	require.Equal(t, 1, next.Len())
	require.Equal(t, int64(3), next.All()[0].ID())
}

func idsOf(rs []RowSet) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.ID()
	}
	return out
}
