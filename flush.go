// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

// Flush turns the current MemRowSet into a new DiskRowSet and installs it
// (§4.9). Flushes are serialized by rowsetsFlushLock so at most one flush
// is ever in flight (§5).
func (t *Tablet) Flush() error {
	t.rowsetsFlushLock.Lock()
	defer t.rowsetsFlushLock.Unlock()
	return t.flushLocked()
}

func (t *Tablet) flushLocked() error {
	hooks := t.opts.FlushHooks
	if hooks == nil {
		hooks = &FlushHooks{}
	}

	// Step 1: under component-lock exclusive (componentsHolder.Swap),
	// replace the current MRS with a fresh empty one; keep the old one
	// referenced by the new generation until this flush installs its
	// on-disk replacement and drops its own pin.
	pre := t.holder.Load()
	oldMRS := pre.MRS()
	tree := pre.Tree()
	pre.unref()

	oldMRS.Freeze()
	oldMRS.Ref()

	t.mu.Lock()
	newMRSID := t.mu.nextMRSID
	t.mu.nextMRSID++
	t.mu.Unlock()
	newMRS := NewMemRowSet(newMRSID, t.schemaNow(), t.cmp, t.opts.MemRowSetTargetSize)

	next := &TabletComponents{mrs: newMRS, tree: tree, oldMRS: []*MemRowSet{oldMRS}}
	t.holder.Swap(next)
	hooks.fire(&hooks.PostSwapNewMemRowSet)

	// Step 2: snapshot MVCC and write a new DiskRowSet from the frozen MRS
	// at that snapshot.
	snap := t.mvcc.Snapshot()
	hooks.fire(&hooks.PostTakeMVCCSnapshot)

	var pairs []diskRowSetBuild
	oldMRS.Scan(nil, nil, snap, func(key []byte, row Row) bool {
		pairs = append(pairs, diskRowSetBuild{key: append([]byte{}, key...), row: row})
		return true
	})

	outID := t.allocRowSetID()
	output, err := NewDiskRowSet(outID, t.schemaNow(), t.cmp, t.rowSetDir(outID), t.opts.FS, pairs, t.opts.BloomFalsePositiveRate)
	if err != nil {
		return err
	}
	hooks.fire(&hooks.PostWriteSnapshot)

	// Step 3: install via the DuplicatingRowSet protocol (§4.7). A flush's
	// only "input" is the frozen MRS, which by I5 can never accept another
	// write after Freeze -- so there is no catch-up window here, but the
	// protocol's structure (install, catch-up, finalize) is still followed
	// for symmetry with compaction and so fault-hook timing matches §4.9's
	// published hook list exactly.
	dupID := t.allocRowSetID()
	dup := NewDuplicatingRowSet(dupID, nil, output, snap)

	current := t.holder.Load()
	installedTree := current.Tree().Replace(nil, []RowSet{dup})
	installed := newTabletComponents(current.MRS(), installedTree, current.oldMRS)
	current.unref()
	t.holder.Swap(installed)
	hooks.fire(&hooks.PostSwapInDuplicatingSet)

	if err := dup.CatchUp(); err != nil {
		return err
	}
	hooks.fire(&hooks.PostReupdateMissedDeltas)

	// Step 7: replace the DuplicatingRowSet with the bare output, dropping
	// oldMRS from the generation (newTabletComponents' nil oldMRS here lets
	// this generation's death release the pin the previous one held).
	final := t.holder.Load()
	finalTree := final.Tree().Replace([]RowSet{dup}, []RowSet{output})
	installed2 := newTabletComponents(final.MRS(), finalTree, nil)
	final.unref()
	t.holder.Swap(installed2)
	hooks.fire(&hooks.PostSwapNewRowSet)

	t.registerRowSet(output)

	// Step 4: persist tablet metadata.
	if err := t.persistMetadata(); err != nil {
		return err
	}

	t.mu.Lock()
	t.stats.FlushCount++
	t.stats.RowsFlushed += int64(len(pairs))
	t.mu.Unlock()
	return nil
}

// FlushBiggestDMS flushes the DeltaMemStore of whichever DiskRowSet
// currently has the largest in-memory delta buffer (§6
// flush_biggest_dms()).
func (t *Tablet) FlushBiggestDMS() error {
	c := t.holder.Load()
	defer c.unref()

	var biggest *DiskRowSet
	var biggestSize uint64
	for _, rs := range c.Tree().All() {
		d, ok := rs.(*DiskRowSet)
		if !ok {
			continue
		}
		if size := d.delta.DMSSize(); biggest == nil || size > biggestSize {
			biggest, biggestSize = d, size
		}
	}
	if biggest == nil {
		return nil
	}
	_, err := biggest.delta.FlushDMS()
	return err
}
