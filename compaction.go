// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import "sort"

// CompactFlags selects which compaction variants Compact runs (§6
// compact(flags), §4.10's "Merge / Minor delta / Major delta" variants).
type CompactFlags int

const (
	CompactMerge CompactFlags = 1 << iota
	CompactMinorDelta
)

// Compact runs the requested compaction variants once each. Major delta
// compaction is not flag-driven since it requires an explicit rowset and
// column set (§6 major_delta_compact(rowset, columns)); call
// MajorDeltaCompact directly for that variant.
func (t *Tablet) Compact(flags CompactFlags) error {
	if flags&CompactMerge != 0 {
		if err := t.mergeCompactOnce(); err != nil {
			return err
		}
	}
	if flags&CompactMinorDelta != 0 {
		if err := t.MinorCompactWorstDeltas(); err != nil {
			return err
		}
	}
	return nil
}

// mergeCompactOnce selects one candidate set via the compaction picker and
// runs a merge compaction on it, doing nothing if fewer than two rowsets
// are eligible (§4.10).
func (t *Tablet) mergeCompactOnce() error {
	t.compactSelectLock.Lock()
	candidates := t.pickMergeCandidates()
	t.compactSelectLock.Unlock()
	if len(candidates) < 2 {
		return nil
	}
	return t.mergeCompact(candidates)
}

// pickMergeCandidates scores adjacent (in key order) pairs of active
// DiskRowSets by a combination of combined row count (write amplification
// proxy) and delta file count (delta density), returning the cheapest pair
// (§4.10: "scores candidate sets ... by (write amplification, key-range
// overlap, delta density)"). Adjacent rowsets always have overlapping or
// touching ranges in the relevant sense for a flat (non-leveled) rowset
// layout, so overlap itself does not need a separate term.
func (t *Tablet) pickMergeCandidates() []*DiskRowSet {
	c := t.holder.Load()
	defer c.unref()

	var disk []*DiskRowSet
	for _, rs := range c.Tree().All() {
		if d, ok := rs.(*DiskRowSet); ok && d.State() == rowSetActive {
			disk = append(disk, d)
		}
	}
	if len(disk) < 2 {
		return nil
	}
	sort.Slice(disk, func(i, j int) bool { return t.cmp(disk[i].MinKey(), disk[j].MinKey()) < 0 })

	bestIdx, bestScore := -1, -1
	for i := 0; i+1 < len(disk); i++ {
		score := disk[i].Count() + disk[i+1].Count() + 1000*(len(disk[i].delta.Files())+len(disk[i+1].delta.Files()))
		if bestIdx == -1 || score < bestScore {
			bestIdx, bestScore = i, score
		}
	}
	return []*DiskRowSet{disk[bestIdx], disk[bestIdx+1]}
}

// mergeCompact merges inputs into a single new DiskRowSet via the same
// DuplicatingRowSet protocol flush uses (§4.7, §4.10's "Execution uses the
// same DuplicatingRowSet protocol as flush"). Each input is claimed via its
// compact_flush_lock try-claim token first so two concurrent compactions
// can never select the same rowset (§9).
func (t *Tablet) mergeCompact(inputs []*DiskRowSet) error {
	if len(inputs) < 2 {
		return InvalidArgument("compaction: merge needs at least 2 inputs, got %d", len(inputs))
	}
	for i, in := range inputs {
		if !in.TryClaimForCompaction() {
			for _, claimed := range inputs[:i] {
				claimed.claimState = rowSetActive
			}
			return Aborted("compaction: rowset %d already claimed by another compaction", in.id)
		}
	}

	hooks := t.opts.CompactionHooks
	snap := t.mvcc.Snapshot()

	// Dedup by encoded primary key, not row-id: row-ids are local to the
	// DiskRowSet that assigned them, so a row-id set can't be compared
	// across the several inputs a merge compaction reads from.
	seen := make(map[string]bool)
	var pairs []diskRowSetBuild
	for _, in := range inputs {
		in.Scan(nil, nil, snap, func(key []byte, row Row) bool {
			k := string(key)
			if !seen[k] {
				seen[k] = true
				pairs = append(pairs, diskRowSetBuild{key: append([]byte{}, key...), row: row})
			}
			return true
		})
	}
	if hooks != nil {
		hooks.fire(&hooks.PostSelectIterators)
	}

	outID := t.allocRowSetID()
	output, err := NewDiskRowSet(outID, t.schemaNow(), t.cmp, t.rowSetDir(outID), t.opts.FS, pairs, t.opts.BloomFalsePositiveRate)
	if err != nil {
		return err
	}
	if hooks != nil {
		hooks.fire(&hooks.PostWriteSnapshot)
	}

	dupID := t.allocRowSetID()
	var inputRS []RowSet
	for _, in := range inputs {
		inputRS = append(inputRS, in)
	}
	dup := NewDuplicatingRowSet(dupID, inputs, output, snap)

	current := t.holder.Load()
	installedTree := current.Tree().Replace(inputRS, []RowSet{dup})
	installed := newTabletComponents(current.MRS(), installedTree, current.oldMRS)
	current.unref()
	t.holder.Swap(installed)
	if hooks != nil {
		hooks.fire(&hooks.PostSwapInDuplicatingSet)
	}

	if err := dup.CatchUp(); err != nil {
		return err
	}
	if hooks != nil {
		hooks.fire(&hooks.PostReupdateMissedDeltas)
	}

	final := t.holder.Load()
	finalTree := final.Tree().Replace([]RowSet{dup}, []RowSet{output})
	installed2 := newTabletComponents(final.MRS(), finalTree, final.oldMRS)
	final.unref()
	t.holder.Swap(installed2)
	if hooks != nil {
		hooks.fire(&hooks.PostSwapNewRowSet)
	}

	t.registerRowSet(output)
	for _, in := range inputs {
		in.MarkSuperseded()
		t.unregisterRowSet(in.id)
	}

	if err := t.persistMetadata(); err != nil {
		return err
	}

	t.mu.Lock()
	t.stats.MergeCompactCount++
	t.mu.Unlock()
	return nil
}

// MinorCompactWorstDeltas collapses the adjacent delta files of whichever
// DiskRowSet has the most open delta files, if it meets or exceeds
// opts.MaxOpenDeltaFiles (§6 minor_compact_worst_deltas(), §4.10 "Minor
// delta compaction").
func (t *Tablet) MinorCompactWorstDeltas() error {
	c := t.holder.Load()
	defer c.unref()

	var worst *DiskRowSet
	worstCount := 0
	for _, rs := range c.Tree().All() {
		d, ok := rs.(*DiskRowSet)
		if !ok {
			continue
		}
		if n := len(d.delta.Files()); n > worstCount {
			worst, worstCount = d, n
		}
	}
	if worst == nil || worstCount < t.opts.MaxOpenDeltaFiles {
		return nil
	}
	_, err := worst.delta.MinorCompact(worst.delta.Files())
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.stats.MinorDeltaCount++
	t.mu.Unlock()
	return nil
}

// MajorDeltaCompact folds every delta touching columns into rowsetID's base
// columns and rewrites their on-disk column files (§6
// major_delta_compact(rowset, columns), §4.10 "Major delta compaction").
func (t *Tablet) MajorDeltaCompact(rowsetID int64, columns []string) error {
	t.mu.Lock()
	rs, ok := t.mu.rowsets[rowsetID].(*DiskRowSet)
	t.mu.Unlock()
	if !ok {
		return InvalidArgument("major delta compact: unknown rowset %d", rowsetID)
	}

	folded, err := rs.delta.MajorCompactColumns(columns, RowID(len(rs.keys)), t.schemaNow())
	if err != nil {
		return err
	}
	for rowID, cols := range folded {
		if int(rowID) >= len(rs.rows) {
			continue
		}
		for name, v := range cols {
			if idx := t.schemaNow().ColumnByName(name); idx >= 0 {
				rs.rows[rowID].Values[idx] = v
			}
		}
	}
	for _, name := range columns {
		ci := t.schemaNow().ColumnByName(name)
		if ci < 0 {
			continue
		}
		if err := rs.rewriteColumn(ci); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.stats.MajorDeltaCount++
	t.mu.Unlock()
	return nil
}
