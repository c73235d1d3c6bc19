// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func TestMetadataStoreLoadOnFreshDirReturnsEmpty(t *testing.T) {
	fs := vfs.NewMem()
	m := newMetadataStore("/tab", fs)
	md, err := m.load()
	require.NoError(t, err)
	require.Empty(t, md.RowSets)
	require.Equal(t, int64(0), md.MRSFlushedID)
}

func TestMetadataStoreSaveLoadRoundTrip(t *testing.T) {
	fs := vfs.NewMem()
	m := newMetadataStore("/tab", fs)

	md := &tabletMetadata{
		RowSets: []rowSetMeta{
			{ID: 1, UUID: "u1", Dir: "/tab/rowset_1"},
			{ID: 2, UUID: "u2", Dir: "/tab/rowset_2"},
		},
		MRSFlushedID: 3,
	}
	require.NoError(t, m.save(md))

	got, err := m.load()
	require.NoError(t, err)
	require.Equal(t, md.RowSets, got.RowSets)
	require.Equal(t, md.MRSFlushedID, got.MRSFlushedID)
}

func TestMetadataStoreSaveOverwritesPreviousBlob(t *testing.T) {
	fs := vfs.NewMem()
	m := newMetadataStore("/tab", fs)

	require.NoError(t, m.save(&tabletMetadata{MRSFlushedID: 1}))
	require.NoError(t, m.save(&tabletMetadata{MRSFlushedID: 2}))

	got, err := m.load()
	require.NoError(t, err)
	require.Equal(t, int64(2), got.MRSFlushedID)
}

func TestReopenDiskRowSetRoundTripsBaseColumnsAndBloom(t *testing.T) {
	fs := vfs.NewMem()
	schema := testSchema()
	pairs := []diskRowSetBuild{
		{key: encodeInt64Key(1), row: Row{Values: []interface{}{int64(1), "a", 1.0, true}}},
		{key: encodeInt64Key(2), row: Row{Values: []interface{}{int64(2), "b", 2.0, false}}},
	}
	rs, err := NewDiskRowSet(1, schema, defaultCompare, "/tab/rowset_1", fs, pairs, 0.01)
	require.NoError(t, err)

	_, err = rs.delta.FlushDMS() // exercise the delta-dir round trip too, even though it's empty
	require.NoError(t, err)

	reopened, err := reopenDiskRowSet(rowSetMeta{ID: 1, UUID: rs.uuid, Dir: "/tab/rowset_1"}, &Options{Schema: schema, Comparer: defaultCompare, FS: fs})
	require.NoError(t, err)

	require.Equal(t, rs.Count(), reopened.Count())
	row, ok := reopened.Get(encodeInt64Key(2), AllCommittedSnapshot())
	require.True(t, ok)
	require.Equal(t, "b", row.Values[1])
}
