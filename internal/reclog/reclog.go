// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

// Package reclog implements a minimal append-only, length+checksum framed
// record log over a vfs.File. It is styled on
// cockroachdb-pebble/record/record.go's on-disk frame shape (length
// prefix, checksum, payload) but implemented directly against
// encoding/binary + xxhash rather than imported, because pebble's public
// record.Reader constructor takes a base.DiskFileNum argument defined in
// pebble's unexported internal/base package and so cannot actually be
// driven from outside the pebble module (DESIGN.md). It backs both the
// tablet's persisted rowset-list metadata (§6) and DiskRowSet delta files
// (§4.4).
package reclog

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// Writer appends length+checksum framed records to an underlying writer.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for appending records.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteRecord appends one record and returns the number of bytes written
// to the underlying writer (header + payload).
func (w *Writer) WriteRecord(payload []byte) (int, error) {
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[4:12], xxhash.Sum64(payload))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return 0, errors.Wrap(err, "reclog: write header")
	}
	if len(payload) > 0 {
		if _, err := w.w.Write(payload); err != nil {
			return 0, errors.Wrap(err, "reclog: write payload")
		}
	}
	return len(hdr) + len(payload), nil
}

// Reader sequentially reads records previously written by Writer.
type Reader struct {
	r io.Reader
}

// NewReader wraps r for reading records in order.
func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// ErrCorruptRecord is returned when a record's checksum does not match its
// payload.
var ErrCorruptRecord = errors.New("reclog: corrupt record")

// Next reads the next record, returning io.EOF when the log is exhausted.
func (r *Reader) Next() ([]byte, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errors.Wrap(io.ErrUnexpectedEOF, "reclog: truncated header")
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	wantSum := binary.LittleEndian.Uint64(hdr[4:12])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return nil, errors.Wrap(err, "reclog: truncated payload")
		}
	}
	if xxhash.Sum64(payload) != wantSum {
		return nil, ErrCorruptRecord
	}
	return payload, nil
}

// ReadAll drains every record from r in order.
func ReadAll(r io.Reader) ([][]byte, error) {
	rd := NewReader(r)
	var out [][]byte
	for {
		rec, err := rd.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
