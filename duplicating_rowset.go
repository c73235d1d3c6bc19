// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
)

// rowSetState is the design-level state machine for a DiskRowSet's
// compact_flush_lock, modeled as a "try-claim" token per SPEC_FULL.md/§9's
// REDESIGN FLAGS note rather than as a literal mutex: a rowset starts
// Active, a compaction/flush selection claims it exclusively, and once the
// operation installs its replacement the rowset becomes Superseded and is
// never claimable again.
type rowSetState int32

const (
	rowSetActive rowSetState = iota
	rowSetClaimedForCompaction
	rowSetSuperseded
)

// TryClaimForCompaction attempts to move rs from Active to
// ClaimedForCompaction, returning false if another compaction already
// claimed it (or it is a DuplicatingRowSet, which holds the token
// unconditionally and is therefore never selectable itself).
func (rs *DiskRowSet) TryClaimForCompaction() bool {
	return atomic.CompareAndSwapInt32((*int32)(&rs.claimState), int32(rowSetActive), int32(rowSetClaimedForCompaction))
}

// MarkSuperseded transitions a claimed rowset to Superseded once its
// replacement has been installed and it is no longer reachable from the
// live RowSetTree (§5: storage freed only once the last reader releases).
func (rs *DiskRowSet) MarkSuperseded() {
	atomic.StoreInt32((*int32)(&rs.claimState), int32(rowSetSuperseded))
}

// State reports rs's current claim state.
func (rs *DiskRowSet) State() rowSetState {
	return rowSetState(atomic.LoadInt32((*int32)(&rs.claimState)))
}

// DuplicatingRowSet is the transient device installed in place of one or
// more input DiskRowSets while a flush/compaction's output is being
// finished, so concurrent readers never observe a partial swap (§4.7,
// §4.10, glossary). It permanently holds the compact_flush_lock token (it
// can never itself be selected for compaction) and routes every write to
// the new output only (Open Question (b)'s resolution: no mirroring to the
// inputs), catching up any mutation that landed on an input during the
// output's off-line build via CatchUp.
type DuplicatingRowSet struct {
	id     int64
	inputs []*DiskRowSet
	output *DiskRowSet

	// buildSnapshot is the MVCC snapshot the output was built from (§4.7
	// step 2); any delta recorded on an input strictly after this point was
	// missed by the build and must be caught up onto the output.
	buildSnapshot MvccSnapshot

	// touched[i] is the set of row-ids on inputs[i] (local to that input's
	// own numbering) that CatchUp found a post-buildSnapshot delta for and
	// replayed onto the output. RowID is a uint32, so the 32-bit
	// roaring.Bitmap fits it directly.
	touched []*roaring.Bitmap
}

// NewDuplicatingRowSet wraps inputs and output for the duration of a
// flush/compaction's installation window.
func NewDuplicatingRowSet(id int64, inputs []*DiskRowSet, output *DiskRowSet, buildSnapshot MvccSnapshot) *DuplicatingRowSet {
	return &DuplicatingRowSet{id: id, inputs: inputs, output: output, buildSnapshot: buildSnapshot}
}

// ID satisfies RowSet.
func (d *DuplicatingRowSet) ID() int64 { return d.id }

// MinKey satisfies RowSet: the lowest key across the output and every input.
func (d *DuplicatingRowSet) MinKey() []byte {
	min := d.output.MinKey()
	for _, in := range d.inputs {
		if k := in.MinKey(); k != nil && (min == nil || in.cmp(k, min) < 0) {
			min = k
		}
	}
	return min
}

// MaxKey satisfies RowSet: the highest key across the output and every input.
func (d *DuplicatingRowSet) MaxKey() []byte {
	max := d.output.MaxKey()
	for _, in := range d.inputs {
		if k := in.MaxKey(); k != nil && (max == nil || in.cmp(k, max) > 0) {
			max = k
		}
	}
	return max
}

// Get reads through the output, which is a complete superset of the
// inputs' data as of buildSnapshot; any mutation not yet caught up is, by
// construction, also absent from the inputs' post-buildSnapshot view used
// by a reader holding the old (pre-duplicating) components, so no reader
// observes an inconsistent result (§9).
func (d *DuplicatingRowSet) Get(key []byte, snap MvccSnapshot) (Row, bool) {
	return d.output.Get(key, snap)
}

// CheckPresent mirrors DiskRowSet.CheckPresent via the output.
func (d *DuplicatingRowSet) CheckPresent(key []byte, snap MvccSnapshot) bool {
	return d.output.CheckPresent(key, snap)
}

// Scan mirrors DiskRowSet.Scan via the output.
func (d *DuplicatingRowSet) Scan(lo, hi []byte, snap MvccSnapshot, fn RowSetScanFunc) {
	d.output.Scan(lo, hi, snap, fn)
}

// Mutate routes an UPDATE/DELETE against key directly to the output's
// DeltaTracker (Open Question (b)). Returns NotFound if key is not a base
// row of the output, which should not happen since the output is built
// from a superset snapshot that strictly precedes any write reaching this
// DuplicatingRowSet.
func (d *DuplicatingRowSet) Mutate(key []byte, change ChangeList, ts Timestamp) error {
	rowID, ok := d.output.rowIDFor(key)
	if !ok {
		return NotFound(key)
	}
	d.output.delta.Update(rowID, ts, change)
	return nil
}

// CatchUp re-applies every delta recorded on an input strictly after
// buildSnapshot onto the output (§4.7 step 6: "Re-apply mutations that
// landed on inputs during step 3 to the output"). It runs without the
// component-lock held, after the DuplicatingRowSet is installed and before
// it is superseded by the bare output.
func (d *DuplicatingRowSet) CatchUp() error {
	d.touched = make([]*roaring.Bitmap, len(d.inputs))
	for idx, in := range d.inputs {
		touched := roaring.New()
		for _, f := range in.delta.Files() {
			for _, rec := range f.records {
				if !d.buildSnapshot.IsVisible(rec.Key.TS) {
					if err := d.replayMissed(in, rec); err != nil {
						return err
					}
					touched.Add(uint32(rec.Key.RowID))
				}
			}
		}
		for _, rec := range in.delta.dms.Load().allSorted() {
			if !d.buildSnapshot.IsVisible(rec.Key.TS) {
				if err := d.replayMissed(in, rec); err != nil {
					return err
				}
				touched.Add(uint32(rec.Key.RowID))
			}
		}
		d.touched[idx] = touched
	}
	return nil
}

// TouchedRowCount reports how many distinct rows on inputs[inputIdx] had at
// least one post-buildSnapshot delta caught up onto the output by the most
// recent CatchUp call. Used by MaintenanceOpStats and by tests asserting
// catch-up actually ran.
func (d *DuplicatingRowSet) TouchedRowCount(inputIdx int) uint64 {
	if inputIdx < 0 || inputIdx >= len(d.touched) || d.touched[inputIdx] == nil {
		return 0
	}
	return d.touched[inputIdx].GetCardinality()
}

func (d *DuplicatingRowSet) replayMissed(in *DiskRowSet, rec *deltaRecord) error {
	if int(rec.Key.RowID) >= len(in.keys) {
		return Corruption("duplicating rowset: catch-up row-id %d out of range for input rowset %d", rec.Key.RowID, in.id)
	}
	key := in.keys[rec.Key.RowID]
	return d.Mutate(key, rec.Change, rec.Key.TS)
}
