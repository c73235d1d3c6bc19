// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"sort"
	"sync"
)

// LockManager is a sharded map from encoded primary key to an exclusive
// lock slot (C3). Locks are acquired strictly before an MVCC timestamp
// (I3) and held until the owning transaction commits. Deadlock avoidance
// is by total key order: TxnLocks.Acquire sorts its keys before acquiring
// any of them (§4.2).
type LockManager struct {
	shards []lockShard
}

const lockShardCount = 64

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*rowLock
}

type rowLock struct {
	mu      sync.Mutex
	waiters int
}

// NewLockManager constructs an empty LockManager.
func NewLockManager() *LockManager {
	lm := &LockManager{shards: make([]lockShard, lockShardCount)}
	for i := range lm.shards {
		lm.shards[i].locks = make(map[string]*rowLock)
	}
	return lm
}

func (lm *LockManager) shardFor(key string) *lockShard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return &lm.shards[h%uint32(len(lm.shards))]
}

// acquire blocks until the lock for key is free, then takes it.
func (lm *LockManager) acquire(key []byte) *rowLock {
	k := string(key)
	shard := lm.shardFor(k)

	shard.mu.Lock()
	l, ok := shard.locks[k]
	if !ok {
		l = &rowLock{}
		shard.locks[k] = l
	}
	l.waiters++
	shard.mu.Unlock()

	l.mu.Lock()
	return l
}

// release unlocks l, tearing down the shard entry for key if no other
// goroutine is waiting on it. It must be called exactly once per acquire:
// a second call for the same acquisition decrements the waiter count again
// and unlocks an already-unlocked mutex. TxnLocks.ReleaseAll is safe to
// call repeatedly because it forgets each lock as it releases it.
func (lm *LockManager) release(key []byte, l *rowLock) {
	k := string(key)
	shard := lm.shardFor(k)

	shard.mu.Lock()
	l.waiters--
	if l.waiters == 0 {
		delete(shard.locks, k)
	}
	shard.mu.Unlock()

	l.mu.Unlock()
}

// TxnLocks accumulates the row locks a single transaction holds so that
// they can be released together at commit/abort time, and so that
// multi-key writes can be acquired in total key order to avoid deadlock
// (§4.2).
type TxnLocks struct {
	lm    *LockManager
	held  map[string]*rowLock
}

// NewTxnLocks returns an empty lock set bound to lm.
func (lm *LockManager) NewTxnLocks() *TxnLocks {
	return &TxnLocks{lm: lm, held: make(map[string]*rowLock)}
}

// Acquire locks every key in keys, sorted, so that two transactions racing
// over overlapping key sets always acquire in the same relative order.
func (t *TxnLocks) Acquire(keys ...[]byte) {
	sorted := make([][]byte, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i]) < string(sorted[j])
	})
	for _, k := range sorted {
		ks := string(k)
		if _, ok := t.held[ks]; ok {
			continue // already held by this transaction
		}
		t.held[ks] = t.lm.acquire(k)
	}
}

// ReleaseAll releases every lock this transaction holds.
func (t *TxnLocks) ReleaseAll() {
	for ks, l := range t.held {
		t.lm.release([]byte(ks), l)
		delete(t.held, ks)
	}
}
