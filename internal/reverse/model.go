// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/coreforge/recordrev/internal/heapwalker"
	"github.com/coreforge/recordrev/internal/oracle"
	"github.com/coreforge/recordrev/internal/reverseerr"
)

// FieldDecl is one declared field inside a RecordType. Decls within a
// RecordType are kept strictly ordered by Offset and never overlap;
// together they tile [0, RecordType.Size).
type FieldDecl struct {
	Offset    int64
	Size      int64
	Kind      FieldKind
	Name      string
	IsPadding bool
	Comment   string
}

// Equal compares two field declarations by offset, size, and kind.
func (d FieldDecl) Equal(o FieldDecl) bool {
	return d.Offset == o.Offset && d.Size == o.Size && d.Kind.Equal(o.Kind)
}

// PointeeKind classifies what a PointerField's target actually is.
type PointeeKind uint8

const (
	PointeeNull PointeeKind = iota
	PointeeKnownRecord
	PointeeString
	PointeeExternalLibrary
	PointeeUnresolved
)

func (k PointeeKind) String() string {
	switch k {
	case PointeeNull:
		return "Null"
	case PointeeKnownRecord:
		return "KnownRecord"
	case PointeeString:
		return "String"
	case PointeeExternalLibrary:
		return "ExternalLibrary"
	default:
		return "Unresolved"
	}
}

// PointerField augments a FieldDecl of kind Pointer with what
// PointerResolver discovered about its target.
type PointerField struct {
	FieldDecl
	PointeeAddr  oracle.Address
	PointeeDesc  PointeeKind
	RecordAddr   oracle.Address // valid when PointeeDesc == PointeeKnownRecord
	RecordOffset int64          // >0 if the pointer lands inside an allocation but not at its head
	KindHint     string
}

// RecordType is a reusable, named field layout shared by every record
// unified under it. Records point to RecordTypes by reference — two
// records in the same SignatureTypist chain share the same *RecordType,
// not merely an equal one.
type RecordType struct {
	TypeName string
	Size     int64
	Fields   []FieldDecl
}

// Signature is the concatenation of each field's (kind.sig, size),
// e.g. "P8I4z4" for a pointer, a 4-byte int, and 4 zero bytes.
func (t *RecordType) Signature() string {
	var b strings.Builder
	for _, f := range t.Fields {
		b.WriteByte(f.Kind.Sig())
		fmt.Fprintf(&b, "%d", f.Size)
	}
	return b.String()
}

func (t *RecordType) field(name string) (FieldDecl, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDecl{}, false
}

// FieldInstance is a (decl, parent) pair. It owns no state of its own:
// the value lives in the parent record's bytes.
type FieldInstance struct {
	Decl   FieldDecl
	Parent *AnonymousRecord
}

// Bytes returns the raw bytes this instance occupies in its parent.
func (fi FieldInstance) Bytes() []byte {
	b := fi.Parent.bytes
	if fi.Decl.Offset+fi.Decl.Size > int64(len(b)) {
		return nil
	}
	return b[fi.Decl.Offset : fi.Decl.Offset+fi.Decl.Size]
}

// AnonymousRecord is one allocation, tracked at an address with a
// mutable RecordType assignment. It is "anonymous" until SignatureTypist
// unifies it into a named, shared RecordType and marks it Final.
type AnonymousRecord struct {
	Address      oracle.Address
	Size         int64
	RecordType   *RecordType
	ReverseLevel int
	Final        bool
	Dirty        bool

	bytes  []byte // lazily materialized from the byte oracle
	fields []FieldInstance // lazily built, shadows RecordType.Fields 1:1

	mu sync.Mutex
}

// SetRecordType replaces the record's type, invalidating any
// previously built FieldInstance list since the new type may carve up
// the bytes differently.
func (r *AnonymousRecord) SetRecordType(t *RecordType, final bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RecordType = t
	r.fields = nil
	r.Dirty = true
	if final {
		r.Final = true
	}
}

// Bytes returns the record's bytes, fetching them from the oracle on
// first access.
func (r *AnonymousRecord) Bytes(o oracle.Oracle) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bytes != nil {
		return r.bytes, nil
	}
	b, err := o.ReadBytes(r.Address, r.Size)
	if err != nil {
		return nil, err
	}
	r.bytes = b
	return b, nil
}

// Fields lazily builds the FieldInstance list shadowing RecordType.Fields.
func (r *AnonymousRecord) Fields() []FieldInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fields != nil || r.RecordType == nil {
		return r.fields
	}
	fi := make([]FieldInstance, len(r.RecordType.Fields))
	for i, d := range r.RecordType.Fields {
		fi[i] = FieldInstance{Decl: d, Parent: r}
	}
	r.fields = fi
	return fi
}

// GetField returns the instance for the named field, if present.
func (r *AnonymousRecord) GetField(name string) (FieldInstance, bool) {
	for _, fi := range r.Fields() {
		if fi.Decl.Name == name {
			return fi, true
		}
	}
	return FieldInstance{}, false
}

// HeapContext is one heap segment: its starting address and the set of
// allocations the heap walker reported within it.
type HeapContext struct {
	HeapStart   oracle.Address
	Allocations []heapwalker.Allocation

	// records maps allocation address to its AnonymousRecord, kept
	// sorted by address to support both exact and containing lookups
	// by binary search.
	records []*AnonymousRecord
}

// RecordAt returns the record whose address exactly equals addr.
func (h *HeapContext) RecordAt(addr oracle.Address) (*AnonymousRecord, bool) {
	i := sort.Search(len(h.records), func(i int) bool { return h.records[i].Address >= addr })
	if i < len(h.records) && h.records[i].Address == addr {
		return h.records[i], true
	}
	return nil, false
}

// RecordContaining returns the record whose [Address, Address+Size)
// range contains addr, along with the offset of addr within it.
func (h *HeapContext) RecordContaining(addr oracle.Address) (*AnonymousRecord, int64, bool) {
	i := sort.Search(len(h.records), func(i int) bool { return h.records[i].Address > addr }) - 1
	if i < 0 || i >= len(h.records) {
		return nil, 0, false
	}
	r := h.records[i]
	off := addr.Sub(r.Address)
	if off < 0 || off >= r.Size {
		return nil, 0, false
	}
	return r, off, true
}

func (h *HeapContext) sortRecords() {
	sort.Slice(h.records, func(i, j int) bool { return h.records[i].Address < h.records[j].Address })
}

// ProcessContext is the single mutable root the whole pipeline operates
// over: one per dump. It owns the heaps, the type registry, and the
// flat address-keyed record store; all inter-record references are by
// address, resolved back through this store — never a direct pointer
// cycle between records.
type ProcessContext struct {
	DumpName string
	CacheDir string
	Oracle   oracle.Oracle
	Log      *zap.SugaredLogger

	Heaps []*HeapContext

	// TypeRegistry is the source of truth for shared, named RecordTypes
	// (list types and SignatureTypist chain types). The unnamed
	// per-record types built by the classifier and StringCorrector are
	// not registered here.
	TypeRegistry map[string]*RecordType

	// PointerGraphFull and PointerGraphHeaps are built by
	// PointerGraphBuilder; see graph.go.
	PointerGraphFull  *Graph
	PointerGraphHeaps *Graph

	recordByAddr map[oracle.Address]*AnonymousRecord
	heapByAddr   map[oracle.Address]*HeapContext // heap start -> heap, for address containment dispatch
}

// NewProcessContext builds an empty context ready to have heaps added.
func NewProcessContext(dumpName, cacheDir string, o oracle.Oracle, log *zap.SugaredLogger) *ProcessContext {
	return &ProcessContext{
		DumpName:     dumpName,
		CacheDir:     cacheDir,
		Oracle:       o,
		Log:          log,
		TypeRegistry: make(map[string]*RecordType),
		recordByAddr: make(map[oracle.Address]*AnonymousRecord),
		heapByAddr:   make(map[oracle.Address]*HeapContext),
	}
}

// LoadHeaps populates the context from a heap walker's descriptors,
// creating one fresh AnonymousRecord per allocation. Every record
// address lies in exactly one HeapContext.
func (pc *ProcessContext) LoadHeaps(descs []heapwalker.HeapDescriptor) error {
	for _, d := range descs {
		hc := &HeapContext{HeapStart: d.HeapStart, Allocations: d.Allocations}
		for _, a := range d.Allocations {
			if a.Size <= 0 {
				return reverseerr.At(reverseerr.Input, uint64(a.Addr), "allocation at %s has non-positive size %d", a.Addr, a.Size)
			}
			r := &AnonymousRecord{Address: a.Addr, Size: a.Size}
			hc.records = append(hc.records, r)
			pc.recordByAddr[a.Addr] = r
		}
		hc.sortRecords()
		pc.Heaps = append(pc.Heaps, hc)
		pc.heapByAddr[d.HeapStart] = hc
	}
	sort.Slice(pc.Heaps, func(i, j int) bool { return pc.Heaps[i].HeapStart < pc.Heaps[j].HeapStart })
	return nil
}

// GetRecord returns the record at an exact address, if one exists.
func (pc *ProcessContext) GetRecord(addr oracle.Address) (*AnonymousRecord, bool) {
	r, ok := pc.recordByAddr[addr]
	return r, ok
}

// ForEachRecord visits every record across every heap in ascending
// address order. Passes are specified to iterate in this order so that
// cache writes and emitted files are reproducible across runs.
func (pc *ProcessContext) ForEachRecord(fn func(*AnonymousRecord) bool) {
	for _, hc := range pc.Heaps {
		for _, r := range hc.records {
			if !fn(r) {
				return
			}
		}
	}
}

// ListRecords returns every record across every heap, sorted by size
// then address.
func (pc *ProcessContext) ListRecords() []*AnonymousRecord {
	var out []*AnonymousRecord
	pc.ForEachRecord(func(r *AnonymousRecord) bool {
		out = append(out, r)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size < out[j].Size
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// RecordCount returns the total number of tracked records.
func (pc *ProcessContext) RecordCount() int {
	return len(pc.recordByAddr)
}
