// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// mutableRowSet is a RowSet that also accepts routed UPDATE/DELETE changes
// (§4.5's write path, §4.7's DuplicatingRowSet write routing).
type mutableRowSet interface {
	RowSet
	CheckPresent(key []byte, snap MvccSnapshot) bool
	Mutate(key []byte, change ChangeList, ts Timestamp) error
}

// Tablet is the top-level handle wiring together the lock manager, MVCC
// manager, the current TabletComponents generation, and the maintenance
// pipelines (§2, §6). It is the engine-loop analogue of pebble's DB.
type Tablet struct {
	opts   *Options
	schema atomic.Pointer[Schema]
	cmp    Comparer

	clock *Clock
	mvcc  *MVCCManager
	locks *LockManager

	holder *componentsHolder

	// rowsetsFlushLock (flushes) and compactSelectLock (compaction
	// selection) are the two named exclusive locks of §5/§4.7.
	rowsetsFlushLock  sync.Mutex
	compactSelectLock sync.Mutex

	mu struct {
		sync.Mutex
		nextMRSID    int64
		nextRowSetID int64
		rowsets      map[int64]RowSet // tablet-owned id -> object registry (§9's handle+registry cycle-breaking)
	}

	metadata *metadataStore
	stats    MaintenanceOpStats
}

// MaintenanceOpStats tracks cumulative counters the external maintenance
// scheduler reads to decide when to trigger flush/compact (SPEC_FULL.md
// §12, recovered from tablet.h's maintenance-manager op-stats hooks).
type MaintenanceOpStats struct {
	FlushCount         int64
	MergeCompactCount  int64
	MinorDeltaCount    int64
	MajorDeltaCount    int64
	RowsFlushed        int64
	BytesFlushed       int64
}

// Open creates (or reopens, if metadata already exists in opts.Dir) a
// Tablet. opts.EnsureDefaults is called on the caller's behalf.
func Open(opts *Options) (*Tablet, error) {
	opts.EnsureDefaults()
	if err := opts.Schema.Validate(); err != nil {
		return nil, err
	}

	t := &Tablet{
		opts:  opts,
		cmp:   opts.Comparer,
		clock: opts.Clock,
		mvcc:  NewMVCCManager(opts.Clock),
		locks: NewLockManager(),
	}
	t.schema.Store(&opts.Schema)
	t.mu.rowsets = make(map[int64]RowSet)
	t.metadata = newMetadataStore(opts.Dir, opts.FS)

	existing, err := t.metadata.load()
	if err != nil {
		return nil, err
	}

	if len(existing.RowSets) > 0 {
		t.mu.nextMRSID = existing.MRSFlushedID + 1
	}
	mrs := NewMemRowSet(t.mu.nextMRSID, opts.Schema, opts.Comparer, opts.MemRowSetTargetSize)
	t.mu.nextMRSID++
	t.holder = newComponentsHolder(opts.Comparer, mrs)

	if len(existing.RowSets) > 0 {
		rowsets := make([]RowSet, 0, len(existing.RowSets))
		for _, rsMeta := range existing.RowSets {
			rs, err := reopenDiskRowSet(rsMeta, opts)
			if err != nil {
				return nil, err
			}
			t.mu.rowsets[rs.id] = rs
			if rs.id >= t.mu.nextRowSetID {
				t.mu.nextRowSetID = rs.id + 1
			}
			rowsets = append(rowsets, rs)
		}
		next := newTabletComponents(mrs, NewRowSetTree(opts.Comparer, rowsets), nil)
		t.holder.Swap(next)
	}
	return t, nil
}

func (t *Tablet) logger() Logger   { return t.opts.Logger }
func (t *Tablet) schemaNow() Schema { return *t.schema.Load() }

func (t *Tablet) allocRowSetID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.mu.nextRowSetID
	t.mu.nextRowSetID++
	return id
}

func (t *Tablet) registerRowSet(rs RowSet) {
	t.mu.Lock()
	t.mu.rowsets[rs.ID()] = rs
	t.mu.Unlock()
}

func (t *Tablet) unregisterRowSet(id int64) {
	t.mu.Lock()
	delete(t.mu.rowsets, id)
	t.mu.Unlock()
}

// rowSetDir returns the on-disk subdirectory for rowset id (§6's "a tablet
// directory holds a set of rowset sub-directories").
func (t *Tablet) rowSetDir(id int64) string {
	return t.opts.Dir + "/rowset_" + strconv.FormatInt(id, 10)
}

// persistMetadata writes the current live DiskRowSet list to the tablet's
// metadata file (§4.9 step 4, §6's persisted-metadata atomicity).
func (t *Tablet) persistMetadata() error {
	c := t.holder.Load()
	defer c.unref()
	var md tabletMetadata
	for _, rs := range c.Tree().All() {
		if d, ok := rs.(*DiskRowSet); ok {
			md.RowSets = append(md.RowSets, rowSetMeta{ID: d.id, UUID: d.uuid, Dir: d.dir})
		}
	}
	t.mu.Lock()
	md.MRSFlushedID = t.mu.nextMRSID - 1
	t.mu.Unlock()
	return t.metadata.save(&md)
}

// TransactionState is the handle threaded through a single write's prepare
// and apply calls (§6's `state`). The MVCC timestamp and components
// generation are not filled in until the row lock is acquired by
// PrepareInsert/PrepareMutate (I3); see StartTransaction.
type TransactionState struct {
	txnID      TxnID
	ts         Timestamp
	components *TabletComponents
	locks      *TxnLocks
	replayAt   *Timestamp // set by StartTransactionAt; nil selects Begin over BeginAt
	begun      bool
}

// StartTransaction returns a TransactionState with nothing but an empty row
// lock set. Per tablet.h's StartTransaction contract ("This should always be
// done _after_ any relevant row locks are acquired"), the MVCC timestamp and
// TabletComponents generation are deliberately not captured here: they are
// captured by PrepareInsert/PrepareMutate, once the row lock is held.
// Allocating the timestamp first would let two writers to the same key take
// timestamps in one order but acquire the row lock -- and so actually
// mutate -- in the opposite order, producing a non-monotonic mutation chain
// (I2).
func (t *Tablet) StartTransaction() *TransactionState {
	return &TransactionState{locks: t.locks.NewTxnLocks()}
}

// StartTransactionAt is the replay variant (§6). Like StartTransaction, the
// timestamp is not validated or assigned until the row lock is held.
func (t *Tablet) StartTransactionAt(ts Timestamp) *TransactionState {
	return &TransactionState{locks: t.locks.NewTxnLocks(), replayAt: &ts}
}

// beginAfterLock allocates state's MVCC timestamp and captures the current
// TabletComponents generation. Callers must already hold the row lock(s)
// state's write touches (I3); it is a no-op if state has already begun,
// since a single TransactionState only ever needs one timestamp.
func (t *Tablet) beginAfterLock(state *TransactionState) error {
	if state.begun {
		return nil
	}
	components := t.holder.Load()
	var (
		txnID TxnID
		ts    Timestamp
		err   error
	)
	if state.replayAt != nil {
		ts = *state.replayAt
		txnID, err = t.mvcc.BeginAt(ts)
	} else {
		txnID, ts = t.mvcc.Begin()
	}
	if err != nil {
		components.unref()
		return err
	}
	state.txnID, state.ts, state.components, state.begun = txnID, ts, components, true
	return nil
}

// PreparedWrite is the row-lock-held, not-yet-applied form of an insert or
// mutate (§6).
type PreparedWrite struct {
	kind   ChangeKind
	key    []byte
	row    Row
	change ChangeList
}

// PrepareInsert acquires the row lock for row's key, then allocates state's
// MVCC timestamp and components generation now that the lock is held (I3).
// AlreadyPresent is only detected at ApplyInsert time (§6: "fails
// AlreadyPresent only at apply time").
func (t *Tablet) PrepareInsert(state *TransactionState, row Row) (*PreparedWrite, error) {
	key, err := t.schemaNow().Key(row)
	if err != nil {
		return nil, err
	}
	state.locks.Acquire(key)
	if err := t.beginAfterLock(state); err != nil {
		state.locks.ReleaseAll()
		return nil, err
	}
	return &PreparedWrite{kind: ChangeInsert, key: key, row: row}, nil
}

// PrepareMutate acquires the row lock for key, then allocates state's MVCC
// timestamp and components generation now that the lock is held (I3).
func (t *Tablet) PrepareMutate(state *TransactionState, key []byte, change ChangeList) (*PreparedWrite, error) {
	state.locks.Acquire(key)
	if err := t.beginAfterLock(state); err != nil {
		state.locks.ReleaseAll()
		return nil, err
	}
	return &PreparedWrite{kind: change.Kind, key: key, change: change}, nil
}

// ApplyInsert applies a prepared insert under state's captured components
// (§4.7 step 6). Returns AlreadyPresent if a live version of the key exists
// anywhere in the tablet (I1).
func (t *Tablet) ApplyInsert(state *TransactionState, p *PreparedWrite) error {
	present := AllCommittedSnapshot()
	if mrs := state.components.MRS(); mrs.Has(p.key) {
		if _, live := mrs.Get(p.key, present); live {
			return AlreadyPresent(p.key)
		}
		// The key was deleted in this MemRowSet: re-insert it by appending
		// a fresh INSERT to its existing mutation chain.
		return mrs.Mutate(t.logger(), p.key, ChangeList{Kind: ChangeInsert, Row: p.row}, state.ts)
	}
	for _, old := range state.components.oldMRS {
		if _, live := old.Get(p.key, present); live {
			return AlreadyPresent(p.key)
		}
	}
	for _, rs := range state.components.Tree().Probe(p.key) {
		if mrs, ok := rs.(mutableRowSet); ok && mrs.CheckPresent(p.key, present) {
			return AlreadyPresent(p.key)
		}
	}
	return state.components.MRS().Insert(t.logger(), p.key, p.row, state.ts)
}

// ApplyMutate applies a prepared UPDATE/DELETE under state's captured
// components (§4.7 step 6). Returns NotFound if no live version of key
// exists in the destination the key routes to.
func (t *Tablet) ApplyMutate(state *TransactionState, p *PreparedWrite) error {
	if state.components.MRS().Has(p.key) {
		if _, live := state.components.MRS().Get(p.key, AllCommittedSnapshot()); !live {
			return NotFound(p.key)
		}
		return state.components.MRS().Mutate(t.logger(), p.key, p.change, state.ts)
	}
	for _, rs := range state.components.Tree().Probe(p.key) {
		mrs, ok := rs.(mutableRowSet)
		if !ok {
			continue
		}
		if mrs.CheckPresent(p.key, AllCommittedSnapshot()) {
			return mrs.Mutate(p.key, p.change, state.ts)
		}
	}
	return NotFound(p.key)
}

// CommitTransaction commits state's MVCC timestamp and releases its row
// locks and components reference (§4.7 step 7).
func (t *Tablet) CommitTransaction(state *TransactionState) {
	if state.begun {
		t.mvcc.Commit(t.logger(), state.txnID)
		state.components.unref()
	}
	state.locks.ReleaseAll()
}

// AbortTransaction is CommitTransaction's counterpart for a write that
// failed at apply time (§7: "concurrency conflicts ... surfaced after row
// lock is released and the transaction is aborted"). The allocated
// timestamp is still committed to the MVCC manager since no data was
// written under it; that is harmless and keeps the safe-timestamp
// advancing.
func (t *Tablet) AbortTransaction(state *TransactionState) {
	t.CommitTransaction(state)
}

// NewIterator produces a merged, projected Iterator over [lo, hi). A nil
// snap takes a fresh current snapshot (§6's `new_iterator(projection[,
// snap])`).
func (t *Tablet) NewIterator(projection Schema, snap *MvccSnapshot, lo, hi []byte) (*Iterator, error) {
	components := t.holder.Load()
	defer components.unref()
	var s MvccSnapshot
	if snap != nil {
		s = *snap
	} else {
		s = t.mvcc.Snapshot()
	}
	// NewIterator takes its own, independent reference on components, kept
	// alive for the Iterator's lifetime and released by Iterator.Close.
	return NewIterator(components, t.schemaNow(), projection, t.cmp, s, lo, hi)
}

// MemRowSetSize reports the current MRS's approximate byte size (§6
// mem_size, P3).
func (t *Tablet) MemRowSetSize() uint64 {
	c := t.holder.Load()
	defer c.unref()
	return c.MRS().Size()
}

// OnDiskSize sums every registered DiskRowSet's base-row count as a rough
// proxy for on-disk footprint (the CFile byte-accurate size is an external
// collaborator, §1).
func (t *Tablet) OnDiskSize() uint64 {
	c := t.holder.Load()
	defer c.unref()
	var n uint64
	for _, rs := range c.Tree().All() {
		if d, ok := rs.(*DiskRowSet); ok {
			n += uint64(d.Count()) * 64
		}
	}
	return n
}

// NumRowSets reports the live rowset count (§6 num_rowsets, P3).
func (t *Tablet) NumRowSets() int {
	c := t.holder.Load()
	defer c.unref()
	return c.Tree().Len()
}

// CountRows performs a full scan under a fresh snapshot and counts live
// rows (§6 count_rows).
func (t *Tablet) CountRows() (int, error) {
	it, err := t.NewIterator(t.schemaNow(), nil, nil, nil)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for {
		_, _, ok := it.Next()
		if !ok {
			break
		}
		n++
	}
	return n, nil
}

// AlterSchema flushes the MRS and every rowset's DMS, then stores target
// while holding the component-lock exclusively (§6 alter_schema). It does
// not wait for or block writers: a write that is in flight, or that starts
// between the flush and the swap, proceeds against whatever components it
// captured. target must be reachable from the current schema via
// IsCompatibleAlter.
func (t *Tablet) AlterSchema(target Schema) error {
	if err := t.schemaNow().IsCompatibleAlter(target); err != nil {
		return err
	}
	if err := t.Flush(); err != nil {
		return err
	}
	c := t.holder.Load()
	for _, rs := range c.Tree().All() {
		if d, ok := rs.(*DiskRowSet); ok {
			if _, err := d.delta.FlushDMS(); err != nil {
				c.unref()
				return err
			}
		}
	}
	c.unref()

	t.holder.mu.Lock()
	defer t.holder.mu.Unlock()
	t.schema.Store(&target)
	return nil
}

// DebugDump renders a human-readable summary of the tablet's current
// components, mirroring tablet.h's DebugDump collaborator (SPEC_FULL.md
// §12).
func (t *Tablet) DebugDump() string {
	c := t.holder.Load()
	defer c.unref()
	out := fmt.Sprintf("mrs[%d]: %d rows, %s\n", c.MRS().ID(), c.MRS().Count(), humanize.Bytes(c.MRS().Size()))
	var onDisk uint64
	for _, rs := range c.Tree().All() {
		out += rowSetDebugLine(rs)
		if d, ok := rs.(*DiskRowSet); ok {
			onDisk += uint64(d.Count()) * 64
		}
	}
	out += fmt.Sprintf("total on-disk: %s\n", humanize.Bytes(onDisk))
	return out
}

func rowSetDebugLine(rs RowSet) string {
	switch v := rs.(type) {
	case *DiskRowSet:
		return fmt.Sprintf("rowset[%d]: %d base rows, %d delta files\n", v.id, v.Count(), len(v.delta.Files()))
	case *DuplicatingRowSet:
		return fmt.Sprintf("duplicating-rowset[%d]: %d inputs\n", v.id, len(v.inputs))
	default:
		return fmt.Sprintf("rowset[%d]: unknown kind\n", rs.ID())
	}
}

// PrintRSLayout renders the rowset key-range layout in tree order,
// mirroring tablet.h's PrintRSLayout collaborator (SPEC_FULL.md §12).
func (t *Tablet) PrintRSLayout() string {
	c := t.holder.Load()
	defer c.unref()
	out := ""
	for _, rs := range c.Tree().All() {
		out += fmt.Sprintf("[%x, %x) id=%d\n", rs.MinKey(), rs.MaxKey(), rs.ID())
	}
	return out
}

// CurrentMRSID returns the id of the MemRowSet currently accepting writes
// (SPEC_FULL.md §12, recovered from tablet.h's current_mrs_id_ accessor).
func (t *Tablet) CurrentMRSID() int64 {
	c := t.holder.Load()
	defer c.unref()
	return c.MRS().ID()
}

// GetRowSetsForTests returns every live RowSet, for white-box test
// assertions (SPEC_FULL.md §12, recovered from tablet.h's
// GetRowSetsForTests).
func (t *Tablet) GetRowSetsForTests() []RowSet {
	c := t.holder.Load()
	defer c.unref()
	return c.Tree().All()
}

// MaintenanceStats returns a snapshot of the tablet's cumulative
// maintenance counters (SPEC_FULL.md §12).
func (t *Tablet) MaintenanceStats() MaintenanceOpStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
