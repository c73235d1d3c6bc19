// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/jokerZH/kudu/internal/arena"
)

// mrsEntry is a MemRowSet entry: (key, head-row-at-insert-time,
// mutation-chain) per §3. chain always has at least one node: the INSERT
// that created the entry.
type mrsEntry struct {
	insertTS Timestamp
	chain    *mutation
}

// MemRowSet is the ordered in-memory mutable store of rows (C4). It is
// backed by a skipmap.FuncMap keyed on encoded primary key -- the same
// concurrent skip-list-map + atomic-swap-on-freeze idiom
// AndrewTheMaster-...lsmdb/pkg/memtable uses for its memtable rotation
// (DESIGN.md) -- plus a per-MemRowSet Arena that owns the row/mutation
// byte payloads (§9 design note).
type MemRowSet struct {
	id     int64
	schema Schema
	cmp    Comparer
	m      *skipmap.FuncMap[[]byte, *mrsEntry]
	arena  *arena.Arena

	refs   atomic.Int32
	frozen atomic.Bool
	size   atomic.Uint64
}

// NewMemRowSet creates a new, empty MemRowSet with the given id and arena
// budget. id is the tablet's monotonic MRS-flush counter value (§4.9,
// SPEC_FULL.md §12's CurrentMRSID).
func NewMemRowSet(id int64, schema Schema, cmp Comparer, arenaSize uint64) *MemRowSet {
	mrs := &MemRowSet{
		id:     id,
		schema: schema,
		cmp:    cmp,
		arena:  arena.New(arenaSize),
	}
	mrs.m = skipmap.NewFunc[[]byte, *mrsEntry](func(a, b []byte) bool {
		return cmp(a, b) < 0
	})
	mrs.refs.Store(1)
	return mrs
}

// ID returns this MemRowSet's flush-counter id.
func (mrs *MemRowSet) ID() int64 { return mrs.id }

// Ref increments the MemRowSet's reference count. Called whenever a
// TabletComponents snapshot or an iterator pins this MRS.
func (mrs *MemRowSet) Ref() { mrs.refs.Add(1) }

// Unref decrements the reference count. When it reaches zero the Arena is
// dropped in one shot, per §9's "Freeing is arena-level, not per-entry".
func (mrs *MemRowSet) Unref() {
	if mrs.refs.Add(-1) == 0 {
		mrs.arena = nil
		mrs.m = nil
	}
}

// Freeze marks the MemRowSet read-only (I5: "a frozen MRS is never
// mutated again"). Insert/Mutate return an invariant fatal if called
// after Freeze.
func (mrs *MemRowSet) Freeze() { mrs.frozen.Store(true) }

// Frozen reports whether Freeze has been called.
func (mrs *MemRowSet) Frozen() bool { return mrs.frozen.Load() }

// Size returns the approximate number of bytes consumed in the MRS's
// arena, used by Tablet.MemRowSetSize() (§6, P3).
func (mrs *MemRowSet) Size() uint64 { return mrs.size.Load() }

// Count returns the number of live entries (including ones whose chain's
// latest mutation is a delete -- callers needing "live" counts must
// materialize under a snapshot).
func (mrs *MemRowSet) Count() int { return mrs.m.Len() }

// Has reports whether key has an entry in this MRS at all (regardless of
// MVCC visibility). Used by the routing layer to decide AlreadyPresent
// before calling Insert (§4.3: "checked through the routing layer, not
// inside MRS alone").
func (mrs *MemRowSet) Has(key []byte) bool {
	_, ok := mrs.m.Load(key)
	return ok
}

// Insert creates a new entry for key with row materialized at ts. The
// caller (the routing layer, under the component-lock + row-lock + mvcc
// protocol of §4.7) is responsible for having already checked that key
// has no live version anywhere in the tablet.
func (mrs *MemRowSet) Insert(logger Logger, key []byte, row Row, ts Timestamp) error {
	if mrs.Frozen() {
		invariantFatalf(logger, "memrowset %d: insert after freeze", mrs.id)
	}
	keyCopy, err := mrs.arena.AllocBytes(key)
	if err != nil {
		return IOError(err)
	}
	rowCopy, err := mrs.copyRow(row)
	if err != nil {
		return IOError(err)
	}
	m := &mutation{ts: ts, change: ChangeList{Kind: ChangeInsert, Row: rowCopy}}
	if _, loaded := mrs.m.LoadOrStore(keyCopy, &mrsEntry{insertTS: ts, chain: m}); loaded {
		invariantFatalf(logger, "memrowset %d: duplicate insert for key %x reached MRS directly (I1 breach)", mrs.id, key)
	}
	mrs.size.Add(uint64(len(keyCopy)) + rowSize(rowCopy))
	return nil
}

// Mutate appends an UPDATE or DELETE to the existing chain for key. The
// caller is responsible for having verified key currently has a live
// entry (§4.3: "checked through routing").
func (mrs *MemRowSet) Mutate(logger Logger, key []byte, change ChangeList, ts Timestamp) error {
	if mrs.Frozen() {
		invariantFatalf(logger, "memrowset %d: mutate after freeze", mrs.id)
	}
	entry, ok := mrs.m.Load(key)
	if !ok {
		return NotFound(key)
	}
	if ts <= entry.insertTS {
		invariantFatalf(logger, "memrowset %d: mutation ts %d does not exceed insert ts %d for key %x (I2 breach)", mrs.id, ts, entry.insertTS, key)
	}
	m := &mutation{ts: ts, change: change}
	appendMutation(entry.chain, m)
	mrs.size.Add(changeListSize(change))
	return nil
}

// Get materializes the row for key under snap, reporting ok=false if the
// key has never been inserted or is deleted as of snap.
func (mrs *MemRowSet) Get(key []byte, snap MvccSnapshot) (Row, bool) {
	entry, ok := mrs.m.Load(key)
	if !ok {
		return Row{}, false
	}
	return materialize(Row{}, false, entry.chain, mrs.schema, snap)
}

// ScanFunc is called once per live, visible row in key order. Returning
// false stops the scan early. It is an alias of RowVisitor so that
// MemRowSet and DiskRowSet both satisfy the Iterator stack's rowSource
// interface (iterator.go).
type ScanFunc = RowVisitor

// Scan walks every entry in key order, materializing it under snap and
// invoking fn for rows visible and not deleted (§4.3: "lazy, finite,
// non-restartable sequence"). Scan is not literally lazy in this
// implementation (skipmap's Range callback model does not support pull
// iteration) but it is finite and non-restartable, satisfying the
// observable contract.
func (mrs *MemRowSet) Scan(lo, hi []byte, snap MvccSnapshot, fn ScanFunc) {
	mrs.m.Range(func(key []byte, entry *mrsEntry) bool {
		if lo != nil && mrs.cmp(key, lo) < 0 {
			return true
		}
		if hi != nil && mrs.cmp(key, hi) >= 0 {
			return false
		}
		row, ok := materialize(Row{}, false, entry.chain, mrs.schema, snap)
		if !ok {
			return true
		}
		return fn(key, row)
	})
}

func (mrs *MemRowSet) copyRow(row Row) (Row, error) {
	out := Row{Values: make([]interface{}, len(row.Values))}
	for i, v := range row.Values {
		if s, ok := v.(string); ok {
			b, err := mrs.arena.AllocBytes([]byte(s))
			if err != nil {
				return Row{}, err
			}
			out.Values[i] = string(b)
			continue
		}
		out.Values[i] = v
	}
	return out, nil
}

func rowSize(r Row) uint64 {
	var n uint64
	for _, v := range r.Values {
		switch x := v.(type) {
		case string:
			n += uint64(len(x))
		default:
			n += 8
		}
	}
	return n
}

func changeListSize(c ChangeList) uint64 {
	switch c.Kind {
	case ChangeInsert:
		return rowSize(c.Row)
	case ChangeUpdate:
		var n uint64
		for k, v := range c.Columns {
			n += uint64(len(k))
			if s, ok := v.(string); ok {
				n += uint64(len(s))
			} else {
				n += 8
			}
		}
		return n
	default:
		return 0
	}
}
