// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func TestDeltaTrackerApplyDeltasOrdersByTimestampAcrossFileAndDMS(t *testing.T) {
	dt := NewDeltaTracker("", nil)
	schema := testSchema()
	base := Row{Values: []interface{}{int64(1), "base", 1.0, true}}

	dt.Update(0, 10, ChangeList{Kind: ChangeUpdate, Columns: map[string]interface{}{"name": "from-file"}})
	_, err := dt.FlushDMS()
	require.NoError(t, err)

	dt.Update(0, 20, ChangeList{Kind: ChangeUpdate, Columns: map[string]interface{}{"name": "from-dms"}})

	row, ok := dt.ApplyDeltas(0, base, schema, AllCommittedSnapshot())
	require.True(t, ok)
	require.Equal(t, "from-dms", row.Values[1])

	row, ok = dt.ApplyDeltas(0, base, schema, MvccSnapshot{CommittedBefore: 15})
	require.True(t, ok)
	require.Equal(t, "from-file", row.Values[1])
}

func TestDeltaTrackerApplyDeltasDelete(t *testing.T) {
	dt := NewDeltaTracker("", nil)
	schema := testSchema()
	base := Row{Values: []interface{}{int64(2), "base", 1.0, true}}

	dt.Update(1, 10, ChangeList{Kind: ChangeDelete})
	_, ok := dt.ApplyDeltas(1, base, schema, AllCommittedSnapshot())
	require.False(t, ok)

	_, ok = dt.ApplyDeltas(1, base, schema, MvccSnapshot{CommittedBefore: 5})
	require.True(t, ok)
}

func TestDeltaTrackerFlushDMSProducesOrderedFile(t *testing.T) {
	dt := NewDeltaTracker("", nil)
	dt.Update(5, 1, ChangeList{Kind: ChangeDelete})
	dt.Update(2, 1, ChangeList{Kind: ChangeDelete})
	dt.Update(3, 1, ChangeList{Kind: ChangeDelete})

	f, err := dt.FlushDMS()
	require.NoError(t, err)
	require.Len(t, f.records, 3)
	for i := 1; i < len(f.records); i++ {
		require.True(t, deltaKeyLess(f.records[i-1].Key, f.records[i].Key))
	}
	require.Len(t, dt.Files(), 1)
}

func TestDeltaTrackerMinorCompactMergesContiguousFiles(t *testing.T) {
	dt := NewDeltaTracker("", nil)
	dt.Update(1, 1, ChangeList{Kind: ChangeDelete})
	_, err := dt.FlushDMS()
	require.NoError(t, err)
	dt.Update(2, 2, ChangeList{Kind: ChangeDelete})
	_, err = dt.FlushDMS()
	require.NoError(t, err)

	files := dt.Files()
	require.Len(t, files, 2)

	merged, err := dt.MinorCompact(files)
	require.NoError(t, err)
	require.Len(t, merged.records, 2)
	require.Len(t, dt.Files(), 1)
}

func TestDeltaTrackerMinorCompactRejectsSingleFile(t *testing.T) {
	dt := NewDeltaTracker("", nil)
	dt.Update(1, 1, ChangeList{Kind: ChangeDelete})
	f, err := dt.FlushDMS()
	require.NoError(t, err)

	_, err = dt.MinorCompact([]*deltaFile{f})
	require.Error(t, err)
}

func TestDeltaTrackerMajorCompactColumnsFoldsIntoBaseAndDropsFoldedUpdates(t *testing.T) {
	dt := NewDeltaTracker("", nil)
	dt.Update(0, 1, ChangeList{Kind: ChangeUpdate, Columns: map[string]interface{}{"name": "x", "score": 5.0}})
	_, err := dt.FlushDMS()
	require.NoError(t, err)

	result, err := dt.MajorCompactColumns([]string{"name"}, 1, testSchema())
	require.NoError(t, err)
	require.Equal(t, "x", result[0]["name"])

	schema := testSchema()
	row, ok := dt.ApplyDeltas(0, Row{Values: []interface{}{int64(0), "base", 1.0, true}}, schema, AllCommittedSnapshot())
	require.True(t, ok)
	// "name" was folded away; the remaining "score" update should still apply.
	require.Equal(t, 5.0, row.Values[2])
}

func TestDeltaTrackerWriteFileRoundTripsThroughVFS(t *testing.T) {
	fs := vfs.NewMem()
	dt := NewDeltaTracker("/tab", fs)
	dt.Update(0, 1, ChangeList{Kind: ChangeDelete})

	f, err := dt.FlushDMS()
	require.NoError(t, err)

	got, err := fs.Open(f.path)
	require.NoError(t, err)
	defer got.Close()

	reopened, err := reopenDeltaTracker("/tab", fs)
	require.NoError(t, err)
	require.Len(t, reopened.Files(), 1)
	require.Len(t, reopened.Files()[0].records, 1)
}
