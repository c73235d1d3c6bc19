// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// ColumnType enumerates the fixed set of column encodings the engine
// understands. The CFile format itself is an external collaborator (§1);
// these are just enough to encode/decode a row for the purposes of the
// engine loop.
type ColumnType int

const (
	ColInt64 ColumnType = iota
	ColFloat64
	ColString
	ColBool
)

// Column describes one column of the tablet schema.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Schema is a fixed, ordered list of columns. The first KeyColumns form the
// primary key (§3: "a prefix of columns forms the primary key").
type Schema struct {
	Columns    []Column
	KeyColumns int
}

// Validate checks that the schema is well formed: at least one key column,
// no duplicate names, and key columns are not nullable (primary keys are
// always present).
func (s Schema) Validate() error {
	if s.KeyColumns <= 0 || s.KeyColumns > len(s.Columns) {
		return InvalidArgument("schema: key columns must be in [1, %d], got %d", len(s.Columns), s.KeyColumns)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for i, c := range s.Columns {
		if _, ok := seen[c.Name]; ok {
			return InvalidArgument("schema: duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if i < s.KeyColumns && c.Nullable {
			return InvalidArgument("schema: key column %q must not be nullable", c.Name)
		}
	}
	return nil
}

// ColumnByName returns the index of the named column, or -1.
func (s Schema) ColumnByName(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// IsCompatibleAlter reports whether target is reachable from s via
// column add/drop/rename on the unchanged key prefix only (§1 Non-goals:
// "schema evolution beyond column add/drop/rename on compatible keys").
func (s Schema) IsCompatibleAlter(target Schema) error {
	if s.KeyColumns != target.KeyColumns {
		return InvalidArgument("schema: alter may not change key column count")
	}
	for i := 0; i < s.KeyColumns; i++ {
		a, b := s.Columns[i], target.Columns[i]
		if a.Type != b.Type {
			return InvalidArgument("schema: alter may not change key column %q type", a.Name)
		}
	}
	return nil
}

// Row is a decoded, schema-ordered tuple of column values. nil entries mean
// SQL NULL for nullable columns.
type Row struct {
	Values []interface{}
}

// Key encodes the primary key prefix of the row into a byte-comparable
// form. Fixed-width columns are encoded big-endian so that byte comparison
// matches value comparison; variable-length (string) columns are length
// prefixed so that no key is a prefix of another.
func (s Schema) Key(r Row) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < s.KeyColumns; i++ {
		if err := encodeValue(&buf, s.Columns[i], r.Values[i]); err != nil {
			return nil, errors.Wrapf(err, "encoding key column %q", s.Columns[i].Name)
		}
	}
	return buf.Bytes(), nil
}

// EncodeRow encodes the full row (key columns and value columns) into a
// contiguous byte sequence, per §3 "Rows are encoded as contiguous byte
// sequences of schema-defined width".
func (s Schema) EncodeRow(r Row) ([]byte, error) {
	var buf bytes.Buffer
	for i, c := range s.Columns {
		isNull := r.Values[i] == nil
		buf.WriteByte(boolByte(isNull))
		if isNull {
			continue
		}
		if err := encodeValue(&buf, c, r.Values[i]); err != nil {
			return nil, errors.Wrapf(err, "encoding column %q", c.Name)
		}
	}
	return buf.Bytes(), nil
}

// DecodeRow is the inverse of EncodeRow.
func (s Schema) DecodeRow(data []byte) (Row, error) {
	return s.decodeOneRow(bytes.NewReader(data))
}

// decodeOneRow decodes a single row from buf, advancing it past the row's
// bytes. Used by DecodeRow and by metadata.go's column-file reopen path,
// which decodes a contiguous run of rows out of a single stream.
func (s Schema) decodeOneRow(buf *bytes.Reader) (Row, error) {
	r := Row{Values: make([]interface{}, len(s.Columns))}
	for i, c := range s.Columns {
		nullByte, err := buf.ReadByte()
		if err != nil {
			return Row{}, Corruption("row decode: truncated null flag for column %q: %v", c.Name, err)
		}
		if nullByte != 0 {
			r.Values[i] = nil
			continue
		}
		v, err := decodeValue(buf, c)
		if err != nil {
			return Row{}, errors.Wrapf(err, "decoding column %q", c.Name)
		}
		r.Values[i] = v
	}
	return r, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func encodeValue(buf *bytes.Buffer, c Column, v interface{}) error {
	switch c.Type {
	case ColInt64:
		i, ok := v.(int64)
		if !ok {
			return InvalidArgument("column %q: expected int64, got %T", c.Name, v)
		}
		var b [8]byte
		// XOR the sign bit so that big-endian byte comparison matches
		// signed integer comparison (the same trick Kudu's key encoding
		// and pebble's crdbtest key encoders both use).
		binary.BigEndian.PutUint64(b[:], uint64(i)^(1<<63))
		buf.Write(b[:])
	case ColFloat64:
		f, ok := v.(float64)
		if !ok {
			return InvalidArgument("column %q: expected float64, got %T", c.Name, v)
		}
		// Flip every bit of a negative value and only the sign bit of a
		// non-negative one, so big-endian byte order matches numeric order.
		bits := math.Float64bits(f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], bits)
		buf.Write(b[:])
	case ColBool:
		bv, ok := v.(bool)
		if !ok {
			return InvalidArgument("column %q: expected bool, got %T", c.Name, v)
		}
		buf.WriteByte(boolByte(bv))
	case ColString:
		sv, ok := v.(string)
		if !ok {
			return InvalidArgument("column %q: expected string, got %T", c.Name, v)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sv)))
		buf.Write(lenBuf[:])
		buf.WriteString(sv)
	default:
		return InvalidArgument("column %q: unknown column type %d", c.Name, c.Type)
	}
	return nil
}

func decodeValue(buf *bytes.Reader, c Column) (interface{}, error) {
	switch c.Type {
	case ColInt64:
		var b [8]byte
		if _, err := buf.Read(b[:]); err != nil {
			return nil, Corruption("truncated int64: %v", err)
		}
		return int64(binary.BigEndian.Uint64(b[:]) ^ (1 << 63)), nil
	case ColFloat64:
		var b [8]byte
		if _, err := buf.Read(b[:]); err != nil {
			return nil, Corruption("truncated float64: %v", err)
		}
		bits := binary.BigEndian.Uint64(b[:])
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return math.Float64frombits(bits), nil
	case ColBool:
		b, err := buf.ReadByte()
		if err != nil {
			return nil, Corruption("truncated bool: %v", err)
		}
		return b != 0, nil
	case ColString:
		var lenBuf [4]byte
		if _, err := buf.Read(lenBuf[:]); err != nil {
			return nil, Corruption("truncated string length: %v", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		sb := make([]byte, n)
		if _, err := buf.Read(sb); err != nil {
			return nil, Corruption("truncated string body: %v", err)
		}
		return string(sb), nil
	default:
		return nil, InvalidArgument("unknown column type %d", c.Type)
	}
}

// Project applies a projection schema to a row decoded under the base
// schema, per §4.8 step 4: missing columns fill with defaults/nulls,
// dropped columns are skipped.
func Project(base, projection Schema, r Row) Row {
	out := Row{Values: make([]interface{}, len(projection.Columns))}
	for i, pc := range projection.Columns {
		if bi := base.ColumnByName(pc.Name); bi >= 0 {
			out.Values[i] = r.Values[bi]
			continue
		}
		if pc.Nullable {
			out.Values[i] = nil
		} else {
			out.Values[i] = zeroValue(pc.Type)
		}
	}
	return out
}

func zeroValue(t ColumnType) interface{} {
	switch t {
	case ColInt64:
		return int64(0)
	case ColFloat64:
		return float64(0)
	case ColBool:
		return false
	case ColString:
		return ""
	default:
		return nil
	}
}
