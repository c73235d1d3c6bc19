// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

// Package bloom implements a fixed-size Bloom filter over encoded primary
// keys (§4.5, §6: "bloom -- bloom filter over encoded primary keys").
// Hashing uses xxhash, one of the hash functions already present in the
// teacher's own go.mod require block (DESIGN.md), in place of pebble's
// hand-rolled murmur-style hash.
package bloom

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// Filter is an immutable, double-hashed Bloom filter (the classic
// "kirsch-mitzenmacher" trick: derive k probe positions from two 64-bit
// hash halves instead of k independent hash functions).
type Filter struct {
	bits   []uint64
	nbits  uint64
	probes uint32
}

// Sizing computes the bit-array size and probe count for n expected keys
// at the given false positive rate, matching the original's
// BloomFilterSizing collaborator (SPEC_FULL.md §12).
func Sizing(n int, falsePositiveRate float64) (nbits uint64, probes uint32) {
	if n <= 0 {
		n = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	bitsPerKey := -math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)
	nbits = uint64(math.Ceil(bitsPerKey * float64(n)))
	if nbits < 64 {
		nbits = 64
	}
	// Round up to a multiple of 64 so the bit array packs into whole words.
	nbits = (nbits + 63) &^ 63
	p := uint32(math.Round(bitsPerKey * math.Ln2))
	if p < 1 {
		p = 1
	}
	if p > 30 {
		p = 30
	}
	probes = p
	return
}

// New builds an empty Filter sized for n keys at the given false positive
// rate.
func New(n int, falsePositiveRate float64) *Filter {
	nbits, probes := Sizing(n, falsePositiveRate)
	return &Filter{
		bits:   make([]uint64, nbits/64),
		nbits:  nbits,
		probes: probes,
	}
}

func (f *Filter) positions(key []byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(key)
	h2 = xxhash.Sum64([]byte{byte(h1)}) ^ (h1 >> 32)
	return
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := f.positions(key)
	for i := uint32(0); i < f.probes; i++ {
		bitPos := (h1 + uint64(i)*h2) % f.nbits
		f.bits[bitPos/64] |= 1 << (bitPos % 64)
	}
}

// MayContain reports whether key might be present. A false result is
// authoritative ("absent"); a true result means "maybe-present" per §4.5
// and requires a follow-up index probe.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := f.positions(key)
	for i := uint32(0); i < f.probes; i++ {
		bitPos := (h1 + uint64(i)*h2) % f.nbits
		if f.bits[bitPos/64]&(1<<(bitPos%64)) == 0 {
			return false
		}
	}
	return true
}

// Bytes serializes the filter for writing to the `bloom` file (§6).
func (f *Filter) Bytes() []byte {
	out := make([]byte, 4+4+len(f.bits)*8)
	putU32(out[0:4], uint32(f.nbits))
	putU32(out[4:8], f.probes)
	for i, w := range f.bits {
		putU64(out[8+i*8:], w)
	}
	return out
}

// Load deserializes a filter previously produced by Bytes.
func Load(data []byte) (*Filter, error) {
	if len(data) < 8 {
		return nil, errTruncated
	}
	nbits := uint64(getU32(data[0:4]))
	probes := getU32(data[4:8])
	body := data[8:]
	if uint64(len(body)) != (nbits/64)*8 {
		return nil, errTruncated
	}
	bits := make([]uint64, nbits/64)
	for i := range bits {
		bits[i] = getU64(body[i*8:])
	}
	return &Filter{bits: bits, nbits: nbits, probes: probes}, nil
}

func putU32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

type bloomError string

func (e bloomError) Error() string { return string(e) }

const errTruncated = bloomError("bloom: truncated filter bytes")
