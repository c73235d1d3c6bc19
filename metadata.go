// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"bytes"
	"encoding/gob"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/golang/snappy"

	"github.com/jokerZH/kudu/internal/bloom"
	"github.com/jokerZH/kudu/internal/reclog"
)

// rowSetMeta is the persisted description of one on-disk DiskRowSet,
// enough to reopen it without rescanning the whole tablet directory (§6's
// "metadata file listing live rowsets and the MRS-flush counter").
type rowSetMeta struct {
	ID   int64
	UUID string
	Dir  string
}

// tabletMetadata is the gob-encoded blob stored at <dir>/tablet.metadata
// (§6's persisted metadata).
type tabletMetadata struct {
	RowSets      []rowSetMeta
	MRSFlushedID int64
}

// metadataStore owns reading and atomically rewriting tabletMetadata,
// using the same new-blob-then-swap discipline pebble's version edits use
// for the MANIFEST (§6: "written to a new metadata blob and swapped").
type metadataStore struct {
	dir string
	fs  vfs.FS
}

func newMetadataStore(dir string, fs vfs.FS) *metadataStore {
	return &metadataStore{dir: dir, fs: fs}
}

func (m *metadataStore) path() string { return m.dir + "/tablet.metadata" }

// load reads the persisted metadata blob, returning an empty
// tabletMetadata for a freshly created tablet directory.
func (m *metadataStore) load() (*tabletMetadata, error) {
	if m.fs == nil {
		return &tabletMetadata{}, nil
	}
	f, err := m.fs.Open(m.path())
	if err != nil {
		return &tabletMetadata{}, nil
	}
	defer f.Close()
	recs, err := reclog.ReadAll(f)
	if err != nil {
		return nil, IOError(err)
	}
	if len(recs) == 0 {
		return &tabletMetadata{}, nil
	}
	var md tabletMetadata
	if err := gob.NewDecoder(bytes.NewReader(recs[len(recs)-1])).Decode(&md); err != nil {
		return nil, Corruption("tablet metadata: %v", err)
	}
	return &md, nil
}

// save persists md by writing it to a fresh temp file and renaming it over
// the live metadata path, so a reader never observes a partially written
// blob (§6).
func (m *metadataStore) save(md *tabletMetadata) error {
	if m.fs == nil {
		return nil
	}
	if err := m.fs.MkdirAll(m.dir, 0755); err != nil {
		return IOError(err)
	}
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(md); err != nil {
		return Corruption("encoding tablet metadata: %v", err)
	}
	tmp := m.path() + ".tmp"
	f, err := m.fs.Create(tmp)
	if err != nil {
		return IOError(err)
	}
	w := reclog.NewWriter(f)
	if _, err := w.WriteRecord(payload.Bytes()); err != nil {
		f.Close()
		return IOError(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return IOError(err)
	}
	if err := f.Close(); err != nil {
		return IOError(err)
	}
	return IOError(m.fs.Rename(tmp, m.path()))
}

// reopenDiskRowSet rebuilds a DiskRowSet from its on-disk column files,
// bloom filter, and delta files, per meta's recorded directory (used on
// Tablet.Open for an existing tablet directory).
func reopenDiskRowSet(meta rowSetMeta, opts *Options) (*DiskRowSet, error) {
	rs := &DiskRowSet{
		id:     meta.ID,
		uuid:   meta.UUID,
		dir:    meta.Dir,
		fs:     opts.FS,
		schema: opts.Schema,
		cmp:    opts.Comparer,
	}

	n := -1
	rows := make([]Row, 0)
	for ci, col := range opts.Schema.Columns {
		f, err := opts.FS.Open(columnFilePath(meta.Dir, col.Name))
		if err != nil {
			return nil, IOError(err)
		}
		raw, err := decodeColumnFile(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		values, err := decodeColumnValues(opts.Schema, ci, raw)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			n = len(values)
			for range values {
				rows = append(rows, Row{Values: make([]interface{}, len(opts.Schema.Columns))})
			}
		} else if len(values) != n {
			return nil, Corruption("rowset %d: column %q has %d values, want %d", meta.ID, col.Name, len(values), n)
		}
		for i, v := range values {
			rows[i].Values[ci] = v
		}
	}
	rs.rows = rows
	rs.keys = make([][]byte, len(rows))
	for i, r := range rows {
		key, err := opts.Schema.Key(r)
		if err != nil {
			return nil, err
		}
		rs.keys[i] = key
	}

	bf, err := opts.FS.Open(bloomFilePath(meta.Dir))
	if err != nil {
		return nil, IOError(err)
	}
	bloomBytes, err := io.ReadAll(bf)
	bf.Close()
	if err != nil {
		return nil, IOError(err)
	}
	filter, err := bloom.Load(bloomBytes)
	if err != nil {
		return nil, IOError(err)
	}
	rs.bloom = filter

	dt, err := reopenDeltaTracker(meta.Dir, opts.FS)
	if err != nil {
		return nil, err
	}
	rs.delta = dt
	return rs, nil
}

func decodeColumnFile(r io.Reader) ([]byte, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, IOError(err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, Corruption("column file: %v", err)
	}
	return raw, nil
}

// decodeColumnValues decodes a single-column stream produced by
// encodeColumn back into a slice of values.
func decodeColumnValues(schema Schema, ci int, raw []byte) ([]interface{}, error) {
	col := schema.Columns[ci]
	single := Schema{Columns: []Column{col}, KeyColumns: 1}
	buf := bytes.NewReader(raw)
	var out []interface{}
	for buf.Len() > 0 {
		r, err := single.decodeOneRow(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, r.Values[0])
	}
	return out, nil
}

// reopenDeltaTracker rebuilds a DeltaTracker from the delta_*.deltafile
// entries found in dir, sorted by sequence number (§6: "ordered by n,
// oldest to newest").
func reopenDeltaTracker(dir string, fs vfs.FS) (*DeltaTracker, error) {
	dt := NewDeltaTracker(dir, fs)
	if fs == nil {
		return dt, nil
	}
	names, err := fs.List(dir)
	if err != nil {
		return dt, nil // freshly created directory, nothing to reopen
	}
	var files []*deltaFile
	for _, name := range names {
		if !strings.HasPrefix(name, "delta_") || !strings.HasSuffix(name, ".deltafile") {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "delta_"), ".deltafile"))
		if err != nil {
			continue
		}
		path := fs.PathJoin(dir, name)
		f, err := fs.Open(path)
		if err != nil {
			return nil, IOError(err)
		}
		recs, err := reclog.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, IOError(err)
		}
		records := make([]*deltaRecord, 0, len(recs))
		for _, b := range recs {
			rec, err := decodeDeltaRecord(b)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		sort.Slice(records, func(i, j int) bool { return deltaKeyLess(records[i].Key, records[j].Key) })
		files = append(files, &deltaFile{seq: seq, path: path, records: records})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })
	dt.files = files
	if len(files) > 0 {
		dt.nextSeq = files[len(files)-1].seq + 1
	}
	return dt, nil
}
