// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package oracle is the read-only view of a process memory dump that the
// record-layout reversing pipeline consumes. It never mutates, and it
// never infers structure; it answers "what's mapped here" and "what bytes
// live at this address", the way golang.org/x/debug's internal/core
// answers the same questions for a live core file.
package oracle

// Mapping is a contiguous region of the dumped address space.
type Mapping struct {
	Min, Max Address
	Perm     Perm
	Name     string // backing file or segment label, may be ""
}

func (m Mapping) Size() int64 {
	return m.Max.Sub(m.Min)
}

func (m Mapping) Contains(a Address) bool {
	return a >= m.Min && a < m.Max
}

// Platform describes the target word size and byte order, the two
// facts the classifier needs to interpret a word-sized window of bytes.
type Platform struct {
	WordSize   int64 // 4 or 8
	LittleEndian bool
}

// Oracle is the read-only byte source the pipeline is built against. It
// is never implemented by the pipeline itself — only consumed. Process,
// below, is the concrete ELF-core-backed implementation; tests use a
// fake.
type Oracle interface {
	// Mappings returns every mapped region of the dump, in no particular
	// order.
	Mappings() []Mapping

	// ReadBytes returns the size bytes starting at addr. It returns
	// ErrOutOfRange if any part of [addr, addr+size) is unmapped.
	ReadBytes(addr Address, size int64) ([]byte, error)

	// MappingForAddress returns the mapping containing addr, if any.
	MappingForAddress(addr Address) (Mapping, bool)

	// Platform returns the target word size and endianness.
	Platform() Platform
}
