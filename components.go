// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"sync"
	"sync/atomic"
)

// TabletComponents is the immutable bundle (MRS, RowSetTree) every write and
// every read atomically acquires one reference to (C8). Grounded directly on
// pebble's readState (read_state.go): a refcounted struct swapped under a
// dedicated RWMutex that is held only for the swap itself, never for the
// span of a read, so readers never contend with each other or with writers
// beyond a single atomic increment/decrement (DESIGN.md).
type TabletComponents struct {
	refcnt int32
	mrs    *MemRowSet
	tree   *RowSetTree

	// oldMRS holds every MemRowSet superseded by this generation's mrs but
	// not yet fully flushed to disk; readers that pinned an older
	// TabletComponents may still need to read from one of these until the
	// flush installing this generation's tree entry finishes and the old
	// MRS's own refcount drops to zero (§4.9 "old MRS kept referenced by
	// components until flush completes").
	oldMRS []*MemRowSet
}

// ref adds a reference to c. Call before reading its mrs/tree fields.
func (c *TabletComponents) ref() {
	atomic.AddInt32(&c.refcnt, 1)
}

// unref removes a reference, releasing every rowset/MemRowSet this
// generation pinned once the last reader is gone (§5's "storage freed only
// when no components snapshot and no iterator still references it").
func (c *TabletComponents) unref() {
	if atomic.AddInt32(&c.refcnt, -1) == 0 {
		c.mrs.Unref()
		for _, old := range c.oldMRS {
			old.Unref()
		}
	}
}

// MRS returns this generation's active MemRowSet. Caller must have ref'd c.
func (c *TabletComponents) MRS() *MemRowSet { return c.mrs }

// Tree returns this generation's RowSetTree. Caller must have ref'd c.
func (c *TabletComponents) Tree() *RowSetTree { return c.tree }

// componentsHolder owns the live TabletComponents pointer, swapped under
// componentLock (§5's "component-lock"). Loading is a single RLock/RUnlock
// pair around an atomic increment, matching pebble's DB.readState.
type componentsHolder struct {
	mu  sync.RWMutex
	val *TabletComponents
}

// newTabletComponents builds a new generation around mrs and oldMRS,
// reference-bumping each one first. Mirrors pebble's
// updateReadStateLocked, which calls s.current.Ref() and
// mem.readerRef() for every version/memtable the new readState reuses
// *before* swapping it in and unref'ing the old readState -- otherwise
// the old generation's death would drop the last reference to state the
// new generation still needs. Use this whenever a new generation carries
// forward a *MemRowSet from the generation it supersedes; construct
// TabletComponents directly only when mrs is freshly created and has no
// other owner yet.
func newTabletComponents(mrs *MemRowSet, tree *RowSetTree, oldMRS []*MemRowSet) *TabletComponents {
	mrs.Ref()
	for _, m := range oldMRS {
		m.Ref()
	}
	return &TabletComponents{mrs: mrs, tree: tree, oldMRS: oldMRS}
}

// newComponentsHolder seeds the holder with an initial, empty generation.
func newComponentsHolder(cmp Comparer, mrs *MemRowSet) *componentsHolder {
	return &componentsHolder{val: &TabletComponents{
		refcnt: 1,
		mrs:    mrs,
		tree:   Empty(cmp),
	}}
}

// Load returns the current TabletComponents with one reference held; the
// caller must call unref() when done (§4.7 step 1: "Take one reference on
// the current TabletComponents").
func (h *componentsHolder) Load() *TabletComponents {
	h.mu.RLock()
	c := h.val
	c.ref()
	h.mu.RUnlock()
	return c
}

// Swap installs next as the current generation, dropping the holder's own
// reference on the previous one. Live readers that already called Load
// continue to see the old generation until they unref it (§9: "no reader
// ever sees a torn tree"). Swap takes the component-lock (h.mu)
// exclusively itself for the pointer exchange, so the caller must not
// hold it.
func (h *componentsHolder) Swap(next *TabletComponents) {
	next.refcnt = 1
	h.mu.Lock()
	old := h.val
	h.val = next
	h.mu.Unlock()
	old.unref()
}
