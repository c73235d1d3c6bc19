// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"bytes"
	"encoding/gob"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/zhangyunhao116/skipmap"

	"github.com/jokerZH/kudu/internal/reclog"
)

// gob needs every concrete type that will travel through a Row's
// []interface{} or a ChangeList's map[string]interface{} registered up
// front; these are exactly the value types schema.go's ColumnType enum
// supports.
func init() {
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(string(""))
	gob.Register(false)
}

// RowID identifies a row's position within a single DiskRowSet's base
// column files. Row-ids are only meaningful relative to the DiskRowSet
// that assigned them (§4.4, §4.5).
type RowID uint32

// deltaKey orders delta entries first by row-id then by timestamp (§3:
// "Delta entry ... sorted first by row-id then timestamp").
type deltaKey struct {
	RowID RowID
	TS    Timestamp
}

func deltaKeyLess(a, b deltaKey) bool {
	if a.RowID != b.RowID {
		return a.RowID < b.RowID
	}
	return a.TS < b.TS
}

type deltaRecord struct {
	Key    deltaKey
	Change ChangeList
}

// DeltaMemStore is the in-memory mutable delta buffer over a frozen
// on-disk row set (C5/glossary DMS). Backed by the same skipmap idiom as
// MemRowSet (DESIGN.md).
type DeltaMemStore struct {
	m     *skipmap.FuncMap[deltaKey, *deltaRecord]
	count atomic.Int64
}

// NewDeltaMemStore returns an empty DMS.
func NewDeltaMemStore() *DeltaMemStore {
	return &DeltaMemStore{m: skipmap.NewFunc[deltaKey, *deltaRecord](deltaKeyLess)}
}

func (d *DeltaMemStore) update(rowID RowID, ts Timestamp, change ChangeList) {
	k := deltaKey{RowID: rowID, TS: ts}
	d.m.Store(k, &deltaRecord{Key: k, Change: change})
	d.count.Add(1)
}

func (d *DeltaMemStore) recordsForRow(rowID RowID) []*deltaRecord {
	var out []*deltaRecord
	d.m.Range(func(k deltaKey, v *deltaRecord) bool {
		if k.RowID == rowID {
			out = append(out, v)
		}
		return k.RowID <= rowID // skipmap.Range is in key order, so rowID only increases
	})
	return out
}

func (d *DeltaMemStore) allSorted() []*deltaRecord {
	out := make([]*deltaRecord, 0, d.count.Load())
	d.m.Range(func(_ deltaKey, v *deltaRecord) bool {
		out = append(out, v)
		return true
	})
	return out
}

// deltaFile is one immutable on-disk delta file, kept fully decoded in
// memory (sorted by deltaKey) for simplicity; only the record bytes that
// crossed the reclog boundary are ever written to or read from disk.
type deltaFile struct {
	seq     int
	path    string
	records []*deltaRecord // sorted by deltaKey
}

func (f *deltaFile) recordsForRow(rowID RowID) []*deltaRecord {
	lo := sort.Search(len(f.records), func(i int) bool { return f.records[i].Key.RowID >= rowID })
	var out []*deltaRecord
	for i := lo; i < len(f.records) && f.records[i].Key.RowID == rowID; i++ {
		out = append(out, f.records[i])
	}
	return out
}

// DeltaTracker owns a single DMS plus an ordered list of immutable delta
// files for one DiskRowSet (C5). Reads proceed oldest-file -> newest-file
// -> DMS, strictly ordered within that by embedded timestamp (§4.4's
// "Ordering rule (critical)").
type DeltaTracker struct {
	mu       sync.RWMutex
	dir      string
	fs       vfs.FS
	nextSeq  int
	dms      atomic.Pointer[DeltaMemStore]
	files    []*deltaFile // oldest first, protected by mu
}

// NewDeltaTracker returns a DeltaTracker rooted at dir, writing delta
// files through fs.
func NewDeltaTracker(dir string, fs vfs.FS) *DeltaTracker {
	dt := &DeltaTracker{dir: dir, fs: fs}
	dt.dms.Store(NewDeltaMemStore())
	return dt
}

// Update appends a mutation against rowID to the DMS (§4.4).
func (dt *DeltaTracker) Update(rowID RowID, ts Timestamp, change ChangeList) {
	dt.dms.Load().update(rowID, ts, change)
}

// ApplyDeltas folds every visible delta for rowID, in the §4.4 ordering
// rule, onto baseRow and reports whether the row is present afterwards.
// Bases never contain tombstones, so the row starts out present; a visible
// DELETE hides it and a later visible INSERT makes it present again.
func (dt *DeltaTracker) ApplyDeltas(rowID RowID, baseRow Row, schema Schema, snap MvccSnapshot) (Row, bool) {
	var all []*deltaRecord

	dt.mu.RLock()
	for _, f := range dt.files {
		all = append(all, f.recordsForRow(rowID)...)
	}
	dt.mu.RUnlock()

	all = append(all, dt.dms.Load().recordsForRow(rowID)...)

	sort.SliceStable(all, func(i, j int) bool { return all[i].Key.TS < all[j].Key.TS })

	row := baseRow
	present := true
	for _, rec := range all {
		if !snap.IsVisible(rec.Key.TS) {
			continue
		}
		switch rec.Change.Kind {
		case ChangeInsert:
			row = rec.Change.Row
			present = true
		case ChangeUpdate:
			row = applyUpdate(row, schema, rec.Change.Columns)
		case ChangeDelete:
			present = false
		}
	}
	if !present {
		return Row{}, false
	}
	return row, true
}

// FlushDMS writes the current DMS to a new delta file at the tail of the
// list and atomically swaps in a fresh empty DMS. Existing readers that
// already loaded the old DMS pointer continue to see it (§4.4).
func (dt *DeltaTracker) FlushDMS() (*deltaFile, error) {
	old := dt.dms.Swap(NewDeltaMemStore())
	records := old.allSorted()
	sort.Slice(records, func(i, j int) bool { return deltaKeyLess(records[i].Key, records[j].Key) })

	dt.mu.Lock()
	seq := dt.nextSeq
	dt.nextSeq++
	dt.mu.Unlock()

	f := &deltaFile{seq: seq, path: deltaFilePath(dt.dir, seq), records: records}
	if err := dt.writeFile(f); err != nil {
		return nil, err
	}

	dt.mu.Lock()
	dt.files = append(dt.files, f)
	dt.mu.Unlock()
	return f, nil
}

// MinorCompact merges the given adjacent delta files (identified by their
// position in Files()) into a single replacement file (§4.4). subset must
// be a contiguous run of the tracker's current file list.
func (dt *DeltaTracker) MinorCompact(subset []*deltaFile) (*deltaFile, error) {
	if len(subset) < 2 {
		return nil, errors.New("delta: minor compaction needs at least 2 files")
	}
	merged := mergeDeltaFiles(subset)

	dt.mu.Lock()
	defer dt.mu.Unlock()
	start, ok := contiguousIndex(dt.files, subset)
	if !ok {
		return nil, errors.New("delta: minor compaction input is not a contiguous current subset")
	}
	seq := dt.nextSeq
	dt.nextSeq++
	merged.seq = seq
	merged.path = deltaFilePath(dt.dir, seq)
	if err := dt.writeFile(merged); err != nil {
		return nil, err
	}
	newFiles := make([]*deltaFile, 0, len(dt.files)-len(subset)+1)
	newFiles = append(newFiles, dt.files[:start]...)
	newFiles = append(newFiles, merged)
	newFiles = append(newFiles, dt.files[start+len(subset):]...)
	dt.files = newFiles
	return merged, nil
}

// MajorCompactColumns folds every delta touching one of columns into the
// base, for every rowID in [0, numRows). It returns, per rowID, the final
// value for each requested column (so the caller -- DiskRowSet -- can
// rewrite those base column files), and replaces the tracker's delta
// state with deltas that do NOT touch any of columns (§4.4, §4.10).
func (dt *DeltaTracker) MajorCompactColumns(columns []string, numRows RowID, schema Schema) (map[RowID]map[string]interface{}, error) {
	colSet := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		colSet[c] = struct{}{}
	}

	result := make(map[RowID]map[string]interface{})
	var keep []*deltaRecord

	dt.mu.Lock()
	defer dt.mu.Unlock()

	collect := func(rec *deltaRecord) {
		switch rec.Change.Kind {
		case ChangeUpdate:
			touches := false
			folded := make(map[string]interface{})
			untouched := make(map[string]interface{})
			for k, v := range rec.Change.Columns {
				if _, ok := colSet[k]; ok {
					folded[k] = v
					touches = true
				} else {
					untouched[k] = v
				}
			}
			if touches {
				if result[rec.Key.RowID] == nil {
					result[rec.Key.RowID] = make(map[string]interface{})
				}
				for k, v := range folded {
					result[rec.Key.RowID][k] = v
				}
			}
			if len(untouched) > 0 {
				keep = append(keep, &deltaRecord{Key: rec.Key, Change: ChangeList{Kind: ChangeUpdate, Columns: untouched}})
			}
		default:
			// INSERT/DELETE are not column-scoped; they always stay in
			// the delta stream for the columns not being folded, but
			// since a DELETE/INSERT affects row presence rather than a
			// column value there is nothing to fold into a base column
			// here -- they are retained as-is.
			keep = append(keep, rec)
		}
	}

	for _, f := range dt.files {
		for _, rec := range f.records {
			collect(rec)
		}
	}
	for _, rec := range dt.dms.Load().allSorted() {
		collect(rec)
	}

	sort.Slice(keep, func(i, j int) bool { return deltaKeyLess(keep[i].Key, keep[j].Key) })

	seq := dt.nextSeq
	dt.nextSeq++
	merged := &deltaFile{seq: seq, path: deltaFilePath(dt.dir, seq), records: keep}
	if len(keep) > 0 {
		if err := dt.writeFile(merged); err != nil {
			return nil, err
		}
		dt.files = []*deltaFile{merged}
	} else {
		dt.files = nil
	}
	dt.dms.Store(NewDeltaMemStore())
	return result, nil
}

// Files returns a snapshot of the tracker's current delta file list.
func (dt *DeltaTracker) Files() []*deltaFile {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	out := make([]*deltaFile, len(dt.files))
	copy(out, dt.files)
	return out
}

// DMSSize approximates the in-memory DMS footprint, feeding
// Tablet.DeltaMemStoresSize() (§6).
func (dt *DeltaTracker) DMSSize() uint64 {
	return uint64(dt.dms.Load().count.Load()) * 64 // rough per-record estimate, mirrors MemRowSet's approximate sizing
}

func (dt *DeltaTracker) writeFile(f *deltaFile) error {
	if dt.fs == nil {
		return nil // in-memory-only tracker (e.g. used in unit tests without a directory)
	}
	if err := dt.fs.MkdirAll(dt.dir, 0755); err != nil {
		return IOError(err)
	}
	file, err := dt.fs.Create(f.path)
	if err != nil {
		return IOError(err)
	}
	defer file.Close()
	w := reclog.NewWriter(file)
	for _, rec := range f.records {
		buf, err := encodeDeltaRecord(rec)
		if err != nil {
			return err
		}
		if _, err := w.WriteRecord(buf); err != nil {
			return IOError(err)
		}
	}
	return IOError(file.Sync())
}

func deltaFilePath(dir string, seq int) string {
	return dir + "/delta_" + strconv.Itoa(seq) + ".deltafile"
}

func encodeDeltaRecord(rec *deltaRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, Corruption("encoding delta record: %v", err)
	}
	return buf.Bytes(), nil
}

func decodeDeltaRecord(data []byte) (*deltaRecord, error) {
	var rec deltaRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, Corruption("decoding delta record: %v", err)
	}
	return &rec, nil
}

func mergeDeltaFiles(files []*deltaFile) *deltaFile {
	var all []*deltaRecord
	for _, f := range files {
		all = append(all, f.records...)
	}
	sort.Slice(all, func(i, j int) bool { return deltaKeyLess(all[i].Key, all[j].Key) })
	return &deltaFile{records: all}
}

// contiguousIndex finds the starting index of subset within files,
// requiring an exact contiguous, in-order match by file identity.
func contiguousIndex(files, subset []*deltaFile) (int, bool) {
	if len(subset) == 0 || len(subset) > len(files) {
		return 0, false
	}
	for start := 0; start+len(subset) <= len(files); start++ {
		match := true
		for i, f := range subset {
			if files[start+i] != f {
				match = false
				break
			}
		}
		if match {
			return start, true
		}
	}
	return 0, false
}
