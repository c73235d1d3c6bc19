// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"bytes"
	"fmt"
	"log"
	"os"

	"github.com/cockroachdb/pebble/vfs"
)

// Logger defines an interface for writing log messages, mirrored on
// pebble's internal/base.Logger (DESIGN.md).
type Logger interface {
	Infof(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// defaultLogger writes to the standard library logger on stderr.
type defaultLogger struct {
	l *log.Logger
}

func (d *defaultLogger) Infof(format string, args ...interface{}) {
	d.l.Printf("INFO: "+format, args...)
}

func (d *defaultLogger) Fatalf(format string, args ...interface{}) {
	d.l.Fatalf("FATAL: "+format, args...)
}

// DefaultLogger returns a Logger that writes to os.Stderr.
func DefaultLogger() Logger {
	return &defaultLogger{l: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
}

// Comparer orders encoded keys. The default is bytes.Compare, which is
// correct for the big-endian / length-prefixed key encoding schema.go
// produces.
type Comparer func(a, b []byte) int

func defaultCompare(a, b []byte) int { return bytes.Compare(a, b) }

// FlushHooks are fault-injection points fired at interesting stages of the
// flush pipeline (§4.9, SPEC_FULL.md §10.4). In production they are all
// nil and cost nothing beyond a nil check; tests set them to observe or
// delay specific transitions. This is the "named pre/post probe points
// with a test-only registry" design note from §9 -- deliberately not a
// virtual method on a production interface.
type FlushHooks struct {
	PostSwapNewMemRowSet      func()
	PostTakeMVCCSnapshot      func()
	PostWriteSnapshot         func()
	PostSwapInDuplicatingSet  func()
	PostReupdateMissedDeltas  func()
	PostSwapNewRowSet         func()
}

func (h *FlushHooks) fire(hook *func()) {
	if h == nil || hook == nil || *hook == nil {
		return
	}
	(*hook)()
}

// CompactionHooks mirror FlushHooks for the compaction pipeline.
type CompactionHooks struct {
	PostSelectIterators func()
	FlushHooks
}

// Options configures a Tablet. Grounded on pebble.Options (DESIGN.md):
// a single struct of knobs with an EnsureDefaults method.
type Options struct {
	// Schema is the tablet's row schema. Required.
	Schema Schema

	// Comparer orders encoded primary keys. Defaults to bytes.Compare.
	Comparer Comparer

	// Clock supplies MVCC timestamps. Defaults to a wall-clock Clock.
	Clock *Clock

	// FS is the filesystem DiskRowSets and metadata are written through.
	// Defaults to vfs.Default.
	FS vfs.FS

	// Dir is the tablet's on-disk directory.
	Dir string

	// Logger receives informational and fatal log lines.
	Logger Logger

	// MemRowSetTargetSize is the arena budget, in bytes, past which the
	// maintenance scheduler (external, §1) is expected to trigger a
	// Flush. The tablet itself only reports MemRowSetSize(); it does not
	// self-trigger flushes.
	MemRowSetTargetSize uint64

	// BloomFalsePositiveRate sizes new DiskRowSet bloom filters.
	BloomFalsePositiveRate float64

	// MaxOpenDeltaFiles is the per-rowset delta file count at or above which
	// MinorCompactWorstDeltas considers that rowset.
	MaxOpenDeltaFiles int

	// FlushHooks and CompactionHooks are test-only fault injection tables.
	FlushHooks      *FlushHooks
	CompactionHooks *CompactionHooks
}

// EnsureDefaults fills in zero-valued fields with their defaults, mirroring
// pebble.Options.EnsureDefaults. Returns the receiver for chaining.
func (o *Options) EnsureDefaults() *Options {
	if o.Comparer == nil {
		o.Comparer = defaultCompare
	}
	if o.Clock == nil {
		o.Clock = NewClock()
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger()
	}
	if o.MemRowSetTargetSize == 0 {
		o.MemRowSetTargetSize = 64 << 20 // 64MiB, matches Kudu's default MRS budget order of magnitude.
	}
	if o.BloomFalsePositiveRate == 0 {
		o.BloomFalsePositiveRate = 0.01
	}
	if o.MaxOpenDeltaFiles == 0 {
		o.MaxOpenDeltaFiles = 8
	}
	return o
}

func (o *Options) String() string {
	return fmt.Sprintf("Options{dir=%s, memRowSetTargetSize=%d, bloomFPR=%.4f, maxOpenDeltaFiles=%d}",
		o.Dir, o.MemRowSetTargetSize, o.BloomFalsePositiveRate, o.MaxOpenDeltaFiles)
}
