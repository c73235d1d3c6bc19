// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"github.com/cockroachdb/errors"
)

// Sentinel error markers for the taxonomy in SPEC_FULL.md §10.2 / spec.md §7.
// Callers classify a wrapped error at a pipeline boundary with errors.Is,
// never by inspecting a concrete type.
var (
	// ErrAlreadyPresent is returned when an insert targets a key that
	// already has a live version in the tablet.
	ErrAlreadyPresent = errors.New("tablet: already present")

	// ErrNotFound is returned when a mutate targets a key with no live
	// version anywhere in the tablet.
	ErrNotFound = errors.New("tablet: not found")

	// ErrInvalidArgument covers schema mismatches and malformed requests
	// (e.g. begin_at with a stale timestamp).
	ErrInvalidArgument = errors.New("tablet: invalid argument")

	// ErrCorruption covers detected on-disk corruption. A compaction that
	// hits this abandons itself and retains its inputs (§7).
	ErrCorruption = errors.New("tablet: corruption")

	// ErrIOError covers I/O failures that abort the current operation but
	// not the process.
	ErrIOError = errors.New("tablet: io error")

	// ErrAborted is returned once the tablet has started shutting down.
	ErrAborted = errors.New("tablet: aborted")
)

// AlreadyPresent wraps ErrAlreadyPresent with a key-specific message.
func AlreadyPresent(key []byte) error {
	return errors.Wrapf(ErrAlreadyPresent, "key %x", key)
}

// NotFound wraps ErrNotFound with a key-specific message.
func NotFound(key []byte) error {
	return errors.Wrapf(ErrNotFound, "key %x", key)
}

// InvalidArgument wraps ErrInvalidArgument with a caller-supplied reason.
func InvalidArgument(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// Corruption wraps ErrCorruption with a caller-supplied reason.
func Corruption(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruption, format, args...)
}

// IOError wraps an underlying I/O failure with ErrIOError.
func IOError(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithSecondaryError(errors.Wrapf(ErrIOError, "%v", err), err)
}

// Aborted wraps ErrAborted with a caller-supplied reason.
func Aborted(format string, args ...interface{}) error {
	return errors.Wrapf(ErrAborted, format, args...)
}

// invariantFatalf reports a breach of one of invariants I1-I6. Per §7 these
// are programming errors: the process is expected to die rather than risk
// silent data loss, so this logs via the fatal log path and panics instead
// of returning an error value.
func invariantFatalf(logger Logger, format string, args ...interface{}) {
	logger.Fatalf("invariant violation: "+format, args...)
	panic(errors.Newf(format, args...))
}
