// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMVCCSnapshotVisibility(t *testing.T) {
	clock := NewClockWithSource(time.Now)
	m := NewMVCCManager(clock)

	txn1, ts1 := m.Begin()
	snap := m.Snapshot()

	// ts1 is in flight at snapshot time, so it is excluded even though it
	// is less than the snapshot's committed-before bound.
	require.False(t, snap.IsVisible(ts1))

	m.Commit(newTestLogger(), txn1)

	// A later snapshot, taken after commit, sees ts1.
	snap2 := m.Snapshot()
	require.True(t, snap2.IsVisible(ts1))
}

func TestMVCCSafeTimestampAdvancesOnCommit(t *testing.T) {
	clock := NewClockWithSource(time.Now)
	m := NewMVCCManager(clock)

	txn1, ts1 := m.Begin()
	txn2, _ := m.Begin()

	require.Equal(t, Timestamp(0), m.SafeTimestamp())

	m.Commit(newTestLogger(), txn1)
	// txn2 is still in flight, so the safe timestamp advances to just below
	// txn2's allocated timestamp (the new minimum in flight), which is at
	// least ts1.
	require.LessOrEqual(t, uint64(ts1), uint64(m.SafeTimestamp()))

	m.Commit(newTestLogger(), txn2)
	require.Equal(t, 0, m.NumInFlight())
}

func TestMVCCBeginAtRejectsStaleTimestamp(t *testing.T) {
	clock := NewClockWithSource(time.Now)
	m := NewMVCCManager(clock)

	txn, ts := m.Begin()
	m.Commit(newTestLogger(), txn)
	safe := m.SafeTimestamp()
	require.GreaterOrEqual(t, uint64(safe), uint64(ts))

	_, err := m.BeginAt(safe)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMVCCSnapshotAtBlocksUntilSafe(t *testing.T) {
	clock := NewClockWithSource(time.Now)
	m := NewMVCCManager(clock)

	txn0, ts1 := m.Begin()
	target := ts1 + 1

	done := make(chan MvccSnapshot, 1)
	go func() {
		done <- m.SnapshotAt(target)
	}()

	select {
	case <-done:
		t.Fatal("SnapshotAt returned before the safe timestamp caught up")
	case <-time.After(20 * time.Millisecond):
	}

	// Committing the transaction that holds ts1 leaves nothing in flight, so
	// the safe timestamp moves past target.
	m.Commit(newTestLogger(), txn0)

	select {
	case snap := <-done:
		require.Equal(t, target, snap.CommittedBefore)
	case <-time.After(time.Second):
		t.Fatal("SnapshotAt never returned")
	}
}

func TestAllCommittedSnapshotSeesEverything(t *testing.T) {
	snap := AllCommittedSnapshot()
	require.True(t, snap.IsVisible(0))
	require.True(t, snap.IsVisible(Timestamp(1<<40)))
}
