// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComponentsHolderLoadUnrefBalances(t *testing.T) {
	mrs := NewMemRowSet(1, testSchema(), defaultCompare, 1<<16)
	h := newComponentsHolder(defaultCompare, mrs)

	a := h.Load()
	b := h.Load()
	require.Same(t, a, b)

	a.unref()
	b.unref()
}

// TestNewTabletComponentsKeepsReusedMemRowSetAliveAcrossGenerations pins the
// current generation the way a reader would, installs a new generation that
// reuses the same MemRowSet (as flush's first swap and compaction's first
// swap both do), and checks that the MemRowSet survives the old generation's
// death because the new generation took its own reference before the swap.
func TestNewTabletComponentsKeepsReusedMemRowSetAliveAcrossGenerations(t *testing.T) {
	mrs := NewMemRowSet(1, testSchema(), defaultCompare, 1<<16)
	h := newComponentsHolder(defaultCompare, mrs)

	reader := h.Load() // simulates a reader pinning the pre-swap generation

	next := newTabletComponents(mrs, Empty(defaultCompare), nil)
	h.Swap(next)

	// The old generation (held only by reader now) dying must not free the
	// MemRowSet, since next also holds a reference to it.
	reader.unref()
	require.NotNil(t, mrs.arena, "mrs was freed while the new generation still referenced it")

	current := h.Load()
	current.unref()

	// Once the new generation itself goes away, the MemRowSet's last ref
	// drops and its arena is released.
	next.unref()
	require.Nil(t, mrs.arena)
}

func TestTabletComponentsUnrefReleasesOldMRSChain(t *testing.T) {
	oldMRS := NewMemRowSet(1, testSchema(), defaultCompare, 1<<16)
	newMRS := NewMemRowSet(2, testSchema(), defaultCompare, 1<<16)

	c := newTabletComponents(newMRS, Empty(defaultCompare), []*MemRowSet{oldMRS})
	c.refcnt = 1

	oldMRS.Unref() // drop the MemRowSet's own original creation reference
	require.NotNil(t, oldMRS.arena, "components should still hold a reference")

	c.unref()
	require.Nil(t, oldMRS.arena)
}
