// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import (
	"testing"

	"github.com/coreforge/recordrev/internal/heapwalker"
	"github.com/coreforge/recordrev/internal/oracle"
)

// loadRing backs a 4-record doubly-linked ring (next at offset 0, prev
// at offset 8, an 8-byte zero payload) starting at base, classifies
// every record, and returns the context plus the ring addresses in
// list order.
func loadRing(t *testing.T, base oracle.Address) (*ProcessContext, []oracle.Address) {
	t.Helper()
	const recSize = 24
	addrs := []oracle.Address{base, base.Add(recSize), base.Add(2 * recSize), base.Add(3 * recSize)}

	data := make([]byte, recSize*4)
	put := func(i int, off int64, v oracle.Address) {
		copy(data[int64(i)*recSize+off:], le64(uint64(v)))
	}
	for i := 0; i < 4; i++ {
		put(i, 0, addrs[(i+1)%4]) // next
		put(i, 8, addrs[(i+3)%4]) // prev
		// bytes [16,24) left zero as payload.
	}

	o := newFakeOracle(base, data)
	pc := newTestContext(o)
	w := &heapwalker.BumpWalker{HeapStart: base, Sizes: []int64{recSize, recSize, recSize, recSize}}
	descs, err := w.Heaps()
	if err != nil {
		t.Fatalf("Heaps: %v", err)
	}
	if err := pc.LoadHeaps(descs); err != nil {
		t.Fatalf("LoadHeaps: %v", err)
	}
	pc.ForEachRecord(func(r *AnonymousRecord) bool {
		if err := ClassifyRecord(pc, r); err != nil {
			t.Fatalf("ClassifyRecord(%s): %v", r.Address, err)
		}
		return true
	})
	return pc, addrs
}

// TestDetectDoubleLinkedListsFindsClosedRing exercises the
// DoubleLinkedListDetector pass end to end over a 4-node doubly-linked
// ring: every node's next/prev pair must round back to the seed, and
// every participating record must be retagged under one shared list
// RecordType.
func TestDetectDoubleLinkedListsFindsClosedRing(t *testing.T) {
	pc, addrs := loadRing(t, oracle.Address(0x10000))

	lists, err := DetectDoubleLinkedLists(pc)
	if err != nil {
		t.Fatalf("DetectDoubleLinkedLists: %v", err)
	}
	if len(lists) != 1 {
		t.Fatalf("len(lists) = %d, want 1", len(lists))
	}
	ll := lists[0]
	if len(ll.Addresses) != 4 {
		t.Fatalf("ring length = %d, want 4", len(ll.Addresses))
	}
	seen := make(map[oracle.Address]bool)
	for _, a := range ll.Addresses {
		seen[a] = true
	}
	for _, a := range addrs {
		if !seen[a] {
			t.Fatalf("ring is missing %s", a)
		}
	}

	var sharedType *RecordType
	for _, a := range addrs {
		r, ok := pc.GetRecord(a)
		if !ok {
			t.Fatalf("record %s not found after detection", a)
		}
		if r.ReverseLevel < LevelDoubleLinkedListDetector {
			t.Fatalf("record %s ReverseLevel = %d, want >= %d", a, r.ReverseLevel, LevelDoubleLinkedListDetector)
		}
		if sharedType == nil {
			sharedType = r.RecordType
		} else if r.RecordType != sharedType {
			t.Fatalf("record %s does not share the ring's RecordType", a)
		}
	}
}

// addSyntheticHeap injects records directly into pc without going
// through LoadHeaps, for tests that want full control over each
// record's RecordType up front.
func addSyntheticHeap(pc *ProcessContext, heapStart oracle.Address, records []*AnonymousRecord) {
	hc := &HeapContext{HeapStart: heapStart, records: records}
	hc.sortRecords()
	pc.Heaps = append(pc.Heaps, hc)
	for _, r := range records {
		pc.recordByAddr[r.Address] = r
	}
}

// TestUnifySignaturesChainsNearDuplicateRecords exercises the
// SignatureTypist pass over ten records whose signatures are not all
// pairwise identical but chain together through threshold-level
// (ratio >= 0.75) Levenshtein similarity: they must all end up sharing
// one freshly minted RecordType.
func TestUnifySignaturesChainsNearDuplicateRecords(t *testing.T) {
	o := newFakeOracle(oracle.Address(0x20000), make([]byte, 8))
	pc := newTestContext(o)

	variants := []FieldKind{KindZeroes, KindInteger(false), KindSmallInt}
	var addrs []oracle.Address
	var records []*AnonymousRecord
	for i := 0; i < 10; i++ {
		addr := oracle.Address(0x20000 + i*16)
		addrs = append(addrs, addr)
		r := singleRecord(addr, 16)
		r.RecordType = &RecordType{
			Size: 16,
			Fields: []FieldDecl{
				{Offset: 0, Size: 8, Kind: KindPointer},
				{Offset: 8, Size: 8, Kind: variants[i%len(variants)]},
			},
		}
		records = append(records, r)
	}
	addSyntheticHeap(pc, oracle.Address(0x20000), records)

	before := len(pc.TypeRegistry)
	UnifySignatures(pc)
	if got := len(pc.TypeRegistry) - before; got != 1 {
		t.Fatalf("UnifySignatures minted %d new types, want 1", got)
	}

	var shared *RecordType
	for _, a := range addrs {
		r, ok := pc.GetRecord(a)
		if !ok {
			t.Fatalf("record %s missing", a)
		}
		if !r.Final {
			t.Fatalf("record %s not marked Final", a)
		}
		if r.ReverseLevel != LevelSignatureTypist {
			t.Fatalf("record %s ReverseLevel = %d, want %d", a, r.ReverseLevel, LevelSignatureTypist)
		}
		if shared == nil {
			shared = r.RecordType
		} else if r.RecordType != shared {
			t.Fatalf("record %s did not unify under the chain's shared RecordType", a)
		}
	}
}

// loadPointerGraphFixture builds a heap of pointer-only 8-byte records:
// two isomorphic 4-node cycles, two null-pointing isolates, and a
// 3-node open chain — the shapes CleanGraph/ClusterByIsomorphism are
// meant to separate.
func loadPointerGraphFixture(t *testing.T) (*ProcessContext, map[oracle.Address][]PointerField) {
	t.Helper()
	const n = 13
	base := oracle.Address(0x30000)
	addr := func(i int) oracle.Address { return base.Add(int64(i) * 8) }

	data := make([]byte, n*8)
	setPtr := func(i int, target oracle.Address) {
		copy(data[i*8:], le64(uint64(target)))
	}
	// Two isomorphic 4-cycles: {0,1,2,3} and {4,5,6,7}.
	for _, ring := range [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}} {
		for i, idx := range ring {
			setPtr(idx, addr(ring[(i+1)%len(ring)]))
		}
	}
	// Isolates: point at null.
	setPtr(8, 0)
	setPtr(9, 0)
	// Open 3-chain: 10 -> 11 -> 12 -> null.
	setPtr(10, addr(11))
	setPtr(11, addr(12))
	setPtr(12, 0)

	o := newFakeOracle(base, data)
	pc := newTestContext(o)
	w := &heapwalker.BumpWalker{HeapStart: base, Sizes: make([]int64, n)}
	for i := range w.Sizes {
		w.Sizes[i] = 8
	}
	descs, err := w.Heaps()
	if err != nil {
		t.Fatalf("Heaps: %v", err)
	}
	if err := pc.LoadHeaps(descs); err != nil {
		t.Fatalf("LoadHeaps: %v", err)
	}
	pc.ForEachRecord(func(r *AnonymousRecord) bool {
		r.RecordType = &RecordType{Size: 8, Fields: []FieldDecl{{Offset: 0, Size: 8, Kind: KindPointer}}}
		return true
	})

	pointers := make(map[oracle.Address][]PointerField)
	pc.ForEachRecord(func(r *AnonymousRecord) bool {
		pf, err := ResolvePointers(pc, r)
		if err != nil {
			t.Fatalf("ResolvePointers(%s): %v", r.Address, err)
		}
		if len(pf) > 0 {
			pointers[r.Address] = pf
		}
		return true
	})
	return pc, pointers
}

func bucketSizes(buckets map[int][]Component) []int {
	var sizes []int
	for s := range buckets {
		sizes = append(sizes, s)
	}
	return sizes
}

// TestPointerGraphIntegrity exercises BuildPointerGraphs, CleanGraph,
// and ClusterByIsomorphism together: isolates and small components
// must be dropped, and the two structurally-identical 4-cycles must
// land in one isomorphism class.
func TestPointerGraphIntegrity(t *testing.T) {
	pc, pointers := loadPointerGraphFixture(t)

	full, heaps := BuildPointerGraphs(pc, pointers)
	if full == nil || heaps == nil {
		t.Fatalf("BuildPointerGraphs returned a nil graph")
	}
	if pc.PointerGraphHeaps != heaps || pc.PointerGraphFull != full {
		t.Fatalf("BuildPointerGraphs did not stash its graphs on the context")
	}

	buckets := CleanGraph(heaps)
	comps4, ok := buckets[4]
	if !ok {
		t.Fatalf("CleanGraph dropped the two 4-node cycles: buckets = %v", bucketSizes(buckets))
	}
	if len(comps4) != 2 {
		t.Fatalf("len(buckets[4]) = %d, want 2", len(comps4))
	}
	for size := range buckets {
		if size <= 3 {
			t.Fatalf("CleanGraph kept a bucket of size %d, should have dropped components <=3 nodes", size)
		}
	}

	classes := ClusterByIsomorphism(heaps, buckets)
	var fourNodeClass *IsomorphismClass
	for i := range classes {
		if len(classes[i].Representative.Nodes) == 4 {
			fourNodeClass = &classes[i]
		}
	}
	if fourNodeClass == nil {
		t.Fatalf("no isomorphism class covers the 4-node cycles")
	}
	if len(fourNodeClass.Members) != 2 {
		t.Fatalf("4-node isomorphism class has %d members, want 2 (the two cycles should be judged isomorphic)", len(fourNodeClass.Members))
	}
}

// multiRegionOracle is a fakeOracle variant backing several disjoint
// mappings, for PointerResolver scenarios that need a read-only
// "external" region alongside the heap.
type multiRegionOracle struct {
	regions  []oracle.Mapping
	data     map[oracle.Address][]byte
	platform oracle.Platform
}

func (m *multiRegionOracle) Mappings() []oracle.Mapping { return m.regions }

func (m *multiRegionOracle) MappingForAddress(addr oracle.Address) (oracle.Mapping, bool) {
	for _, r := range m.regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return oracle.Mapping{}, false
}

func (m *multiRegionOracle) ReadBytes(addr oracle.Address, size int64) ([]byte, error) {
	r, ok := m.MappingForAddress(addr)
	if !ok {
		return nil, oracle.ErrOutOfRange
	}
	base := m.data[r.Min]
	off := addr.Sub(r.Min)
	if off+size > int64(len(base)) {
		return nil, oracle.ErrOutOfRange
	}
	out := make([]byte, size)
	copy(out, base[off:off+size])
	return out, nil
}

func (m *multiRegionOracle) Platform() oracle.Platform { return m.platform }

// TestResolvePointersCoversEveryPointeeKind exercises PointerResolver's
// full resolution order in one record: an exact-address known record,
// an interior-offset known record, null, and an unresolved dangling
// pointer, followed by a second record covering the string and
// external-library cases.
func TestResolvePointersCoversEveryPointeeKind(t *testing.T) {
	heapBase := oracle.Address(0x40000)
	libBase := oracle.Address(0x50000)

	recB := heapBase.Add(8)  // 8-byte record, exact-address target
	recD := heapBase.Add(16) // 16-byte record, interior target at +4

	heapData := make([]byte, 32)
	copy(heapData[0:8], le64(uint64(recB)))         // field 0: exact known record
	copy(heapData[8:16], le64(uint64(recD.Add(4))))  // field 1: interior known record
	copy(heapData[16:24], le64(0))                   // field 2: null
	copy(heapData[24:32], le64(uint64(0x600000)))    // field 3: unresolved (unmapped)

	libData := make([]byte, 128)
	copy(libData, "hello\x00") // libBase: a valid C string
	// libBase+8 is left zero: not printable, so it resolves as plain
	// library data rather than a string.

	o := &multiRegionOracle{
		regions: []oracle.Mapping{
			{Min: heapBase, Max: heapBase.Add(int64(len(heapData))), Perm: oracle.Read | oracle.Write},
			{Min: libBase, Max: libBase.Add(int64(len(libData))), Perm: oracle.Read, Name: "libc.so"},
		},
		data: map[oracle.Address][]byte{
			heapBase: heapData,
			libBase:  libData,
		},
		platform: oracle.Platform{WordSize: 8, LittleEndian: true},
	}
	pc := newTestContext(o)

	w := &heapwalker.BumpWalker{HeapStart: heapBase, Sizes: []int64{8, 8, 16}}
	descs, err := w.Heaps()
	if err != nil {
		t.Fatalf("Heaps: %v", err)
	}
	if err := pc.LoadHeaps(descs); err != nil {
		t.Fatalf("LoadHeaps: %v", err)
	}

	recSubj, ok := pc.GetRecord(heapBase)
	if !ok {
		t.Fatalf("record at %s missing", heapBase)
	}
	recSubj.RecordType = &RecordType{Size: 32, Fields: []FieldDecl{
		{Offset: 0, Size: 8, Kind: KindPointer},
		{Offset: 8, Size: 8, Kind: KindPointer},
		{Offset: 16, Size: 8, Kind: KindPointer},
		{Offset: 24, Size: 8, Kind: KindPointer},
	}}
	// recSubj's walker-reported allocation is only 8 bytes; widen it so
	// all four test fields fall inside Bytes()'s read.
	recSubj.Size = 32

	pf, err := ResolvePointers(pc, recSubj)
	if err != nil {
		t.Fatalf("ResolvePointers: %v", err)
	}
	if len(pf) != 4 {
		t.Fatalf("len(pf) = %d, want 4", len(pf))
	}
	if pf[0].PointeeDesc != PointeeKnownRecord || pf[0].RecordAddr != recB || pf[0].RecordOffset != 0 {
		t.Fatalf("field 0 = %+v, want exact KnownRecord at %s", pf[0], recB)
	}
	if pf[1].PointeeDesc != PointeeKnownRecord || pf[1].RecordAddr != recD || pf[1].RecordOffset != 4 {
		t.Fatalf("field 1 = %+v, want interior KnownRecord at %s+4", pf[1], recD)
	}
	if pf[2].PointeeDesc != PointeeNull {
		t.Fatalf("field 2 = %+v, want Null", pf[2])
	}
	if pf[3].PointeeDesc != PointeeUnresolved {
		t.Fatalf("field 3 = %+v, want Unresolved", pf[3])
	}
	if recSubj.ReverseLevel < LevelPointerResolver {
		t.Fatalf("ReverseLevel = %d, want >= %d", recSubj.ReverseLevel, LevelPointerResolver)
	}

	strRec := singleRecord(oracle.Address(0x70000), 16)
	strRec.RecordType = &RecordType{Size: 16, Fields: []FieldDecl{
		{Offset: 0, Size: 8, Kind: KindPointer},
		{Offset: 8, Size: 8, Kind: KindPointer},
	}}
	strData := make([]byte, 16)
	copy(strData[0:8], le64(uint64(libBase)))         // "hello\0" -> String
	copy(strData[8:16], le64(uint64(libBase.Add(8)))) // zero bytes -> ExternalLibrary
	strRec.bytes = strData

	pf2, err := ResolvePointers(pc, strRec)
	if err != nil {
		t.Fatalf("ResolvePointers(strRec): %v", err)
	}
	if pf2[0].PointeeDesc != PointeeString {
		t.Fatalf("library string field = %+v, want String", pf2[0])
	}
	if pf2[1].PointeeDesc != PointeeExternalLibrary || pf2[1].KindHint != "libc.so" {
		t.Fatalf("library data field = %+v, want ExternalLibrary/libc.so", pf2[1])
	}
}
