// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"container/heap"
	"context"

	"golang.org/x/sync/errgroup"
)

// RowVisitor is called once per live, visible row in key order. Returning
// false stops the scan early. Shared by MemRowSet.Scan, DiskRowSet.Scan,
// DuplicatingRowSet.Scan, and the merging Iterator built on top of them.
type RowVisitor func(key []byte, row Row) bool

// rowSource is anything the Iterator stack can pull a sorted, snapshotted
// run of rows from (§4.8 step 2: "per-rowset iterator that yields
// (key, row@snapshot) applying deltas").
type rowSource interface {
	Scan(lo, hi []byte, snap MvccSnapshot, fn RowVisitor)
}

// Iterator is the merged, projected view a scan observes (C9). It pins a
// TabletComponents reference and an MvccSnapshot for its entire lifetime
// (§4.8: "not snapshot-pure... guaranteed to observe at least the data
// present at capture time and at most the MVCC snapshot") and yields a
// finite, non-restartable sequence of rows.
type Iterator struct {
	cmp        Comparer
	projection Schema
	base       Schema
	rows       []keyedRow
	pos        int

	components *TabletComponents
	closed     bool
}

type keyedRow struct {
	key []byte
	row Row
}

// NewIterator builds a merged iterator over components restricted to
// [lo, hi), materialized under snap and projected to projection. The
// Iterator takes its own reference on components, released by Close; the
// caller's reference is left untouched (§4.8).
//
// Per-rowset scans run concurrently via an errgroup -- each candidate
// rowset's Scan is independent I/O/CPU work, the same fan-out pebble's own
// table-cache iterator construction performs per sstable (DESIGN.md) -- and
// are then merged sequentially by a container/heap k-way merge, breaking
// ties (a key present in more than one source, which I1/I6 make only a
// transient possibility during a DuplicatingRowSet's installation window)
// by preferring whichever source was listed first: the live MRS, then any
// older MemRowSets still being flushed, then rowsets in RowSetTree order
// (§4.8 step 3).
func NewIterator(components *TabletComponents, base, projection Schema, cmp Comparer, snap MvccSnapshot, lo, hi []byte) (*Iterator, error) {
	components.ref()

	sources := make([]rowSource, 0, 1+components.Tree().Len())
	sources = append(sources, components.MRS())
	for _, old := range components.oldMRS {
		sources = append(sources, old)
	}
	for _, rs := range components.Tree().Overlap(lo, hi) {
		src, ok := rs.(rowSource)
		if !ok {
			components.unref()
			return nil, InvalidArgument("iterator: rowset %d does not support scanning", rs.ID())
		}
		sources = append(sources, src)
	}

	perSource := make([][]keyedRow, len(sources))
	g, _ := errgroup.WithContext(context.Background())
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			var collected []keyedRow
			src.Scan(lo, hi, snap, func(key []byte, row Row) bool {
				collected = append(collected, keyedRow{key: append([]byte{}, key...), row: row})
				return true
			})
			perSource[i] = collected
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		components.unref()
		return nil, err
	}

	merged := mergeSourceRuns(perSource, cmp)
	for i, kr := range merged {
		merged[i].row = Project(base, projection, kr.row)
	}

	return &Iterator{
		cmp:        cmp,
		projection: projection,
		base:       base,
		rows:       merged,
		components: components,
	}, nil
}

// Next returns the next row in key order, or ok=false once exhausted.
func (it *Iterator) Next() (key []byte, row Row, ok bool) {
	if it.closed || it.pos >= len(it.rows) {
		return nil, Row{}, false
	}
	kr := it.rows[it.pos]
	it.pos++
	return kr.key, kr.row, true
}

// Close releases the Iterator's reference on its TabletComponents
// generation. Safe to call more than once.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.components.unref()
}

// heapItem is one entry in the k-way merge's priority queue: the next
// unconsumed row from one of the per-source runs.
type heapItem struct {
	key      []byte
	row      Row
	srcIndex int // source priority: lower wins ties
	runIndex int
}

type rowHeap struct {
	items []heapItem
	cmp   Comparer
}

func (h *rowHeap) Len() int { return len(h.items) }
func (h *rowHeap) Less(i, j int) bool {
	c := h.cmp(h.items[i].key, h.items[j].key)
	if c != 0 {
		return c < 0
	}
	return h.items[i].srcIndex < h.items[j].srcIndex
}
func (h *rowHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *rowHeap) Push(x interface{}) { h.items = append(h.items, x.(heapItem)) }
func (h *rowHeap) Pop() interface{} {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

// mergeSourceRuns performs a k-way merge of already-sorted per-source runs,
// deduplicating equal keys by keeping the lowest-srcIndex occurrence
// (§4.8 step 3).
func mergeSourceRuns(runs [][]keyedRow, cmp Comparer) []keyedRow {
	h := &rowHeap{cmp: cmp}
	cursor := make([]int, len(runs))
	for i, run := range runs {
		if len(run) > 0 {
			heap.Push(h, heapItem{key: run[0].key, row: run[0].row, srcIndex: i, runIndex: 0})
			cursor[i] = 1
		}
	}
	var out []keyedRow
	var lastKey []byte
	haveLast := false
	for h.Len() > 0 {
		top := heap.Pop(h).(heapItem)
		if !haveLast || cmp(top.key, lastKey) != 0 {
			out = append(out, keyedRow{key: top.key, row: top.row})
			lastKey = top.key
			haveLast = true
		}
		run := runs[top.srcIndex]
		if cursor[top.srcIndex] < len(run) {
			next := run[cursor[top.srcIndex]]
			heap.Push(h, heapItem{key: next.key, row: next.row, srcIndex: top.srcIndex, runIndex: cursor[top.srcIndex]})
			cursor[top.srcIndex]++
		}
	}
	return out
}
