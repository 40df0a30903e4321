// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heapwalker defines the interface the reversing pipeline uses
// to learn what was allocated in a dump, without knowing anything about
// the allocator that produced it. It is an external collaborator: the
// pipeline only ever consumes a Walker, it never implements one for
// production use. BumpWalker and StaticWalker below exist for tests;
// the CLI reads allocations through FileWalker.
package heapwalker

import (
	"encoding/json"
	"os"

	"github.com/coreforge/recordrev/internal/oracle"
)

// Allocation is one allocator chunk: its address and size in bytes.
type Allocation struct {
	Addr oracle.Address
	Size int64
}

// HeapDescriptor is one heap segment as reported by the walker.
type HeapDescriptor struct {
	HeapStart   oracle.Address
	Allocations []Allocation
}

// Walker supplies the list of allocations per heap. Implementations are
// expected to know the specifics of whatever allocator produced the
// dump (a C malloc arena, a language runtime's heap, a custom pool);
// the pipeline itself never inspects allocator metadata directly.
type Walker interface {
	Heaps() ([]HeapDescriptor, error)
}

// BumpWalker treats a single mapping as one contiguous heap carved by a
// bump allocator: every allocation is back-to-back, sizes supplied by
// the caller up front. This is the reference implementation used by
// tests, not a general-purpose
// heap walker; a real one has to understand the target allocator's
// free lists and size classes, which is out of scope here the same way
// it is out of scope for the classifier itself.
type BumpWalker struct {
	HeapStart   oracle.Address
	Sizes       []int64
}

func (w *BumpWalker) Heaps() ([]HeapDescriptor, error) {
	allocs := make([]Allocation, 0, len(w.Sizes))
	addr := w.HeapStart
	for _, size := range w.Sizes {
		allocs = append(allocs, Allocation{Addr: addr, Size: size})
		addr = addr.Add(size)
	}
	return []HeapDescriptor{{HeapStart: w.HeapStart, Allocations: allocs}}, nil
}

// StaticWalker reports a fixed, caller-supplied set of heaps. Used by
// tests that want to place allocations at arbitrary, non-contiguous
// addresses.
type StaticWalker struct {
	Descriptors []HeapDescriptor
}

func (w *StaticWalker) Heaps() ([]HeapDescriptor, error) {
	return w.Descriptors, nil
}

// jsonDescriptor is the wire shape a real heap-walker collaborator is
// expected to emit: one JSON document per dump, hex addresses for
// readability.
type jsonDescriptor struct {
	HeapStart   string `json:"heap_start"`
	Allocations []struct {
		Addr string `json:"addr"`
		Size int64  `json:"size"`
	} `json:"allocations"`
}

// FileWalker loads heap descriptors from a JSON file on disk — the
// format an out-of-process heap walker is expected to hand the CLI
// until a real allocator-aware walker is wired in.
type FileWalker struct {
	Path string
}

func (w *FileWalker) Heaps() ([]HeapDescriptor, error) {
	f, err := os.Open(w.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []jsonDescriptor
	if err := json.NewDecoder(f).Decode(&docs); err != nil {
		return nil, err
	}

	out := make([]HeapDescriptor, 0, len(docs))
	for _, d := range docs {
		hd := HeapDescriptor{HeapStart: oracle.Address(parseHex(d.HeapStart))}
		for _, a := range d.Allocations {
			hd.Allocations = append(hd.Allocations, Allocation{Addr: oracle.Address(parseHex(a.Addr)), Size: a.Size})
		}
		out = append(out, hd)
	}
	return out, nil
}

func parseHex(s string) uint64 {
	var v uint64
	if len(s) > 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		s = s[2:]
	}
	for _, c := range s {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint64(c-'A') + 10
		}
	}
	return v
}
