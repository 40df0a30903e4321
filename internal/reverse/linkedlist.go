// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import (
	"fmt"

	"github.com/coreforge/recordrev/internal/oracle"
)

// LevelDoubleLinkedListDetector is the reverse_level
// DetectDoubleLinkedLists raises participating records to.
const LevelDoubleLinkedListDetector = 100

// LinkedList is one discovered chain or ring of intrusive list nodes.
type LinkedList struct {
	Addresses              []oracle.Address
	NextOffset, PrevOffset int64
}

// DetectDoubleLinkedLists is the DoubleLinkedListDetector pass. It
// scans every heap for pairs of adjacent pointer fields forming a
// (next, prev) pair, walks each candidate seed into as long a chain as
// it can, and renames the participating records' shared type to
// list_<len>_<offset>.
func DetectDoubleLinkedLists(pc *ProcessContext) ([]LinkedList, error) {
	visited := make(map[oracle.Address]bool)
	var lists []LinkedList

	for _, hc := range pc.Heaps {
		for _, r := range hc.records {
			if r.RecordType == nil || visited[r.Address] {
				continue
			}
			for _, pair := range adjacentPointerPairs(pc, r) {
				if visited[r.Address] {
					break
				}
				chain, ok := walkChain(pc, r, pair.offset, pair.offset+pair.word)
				if !ok || len(chain) < 2 {
					continue
				}
				for _, addr := range chain {
					visited[addr] = true
				}
				ll := LinkedList{Addresses: chain, NextOffset: pair.offset, PrevOffset: pair.offset + pair.word}
				lists = append(lists, ll)
				tagListNodes(pc, ll)
			}
		}
	}
	return lists, nil
}

type pointerPair struct {
	offset int64
	word   int64
}

// adjacentPointerPairs finds pairs of Pointer fields at offsets (o,
// o+word) in r's current field list.
func adjacentPointerPairs(pc *ProcessContext, r *AnonymousRecord) []pointerPair {
	word := pc.Oracle.Platform().WordSize
	var pairs []pointerPair
	fields := r.RecordType.Fields
	for i := 0; i < len(fields); i++ {
		if fields[i].Kind.Tag != TagPointer {
			continue
		}
		for j := 0; j < len(fields); j++ {
			if i == j || fields[j].Kind.Tag != TagPointer {
				continue
			}
			if fields[j].Offset == fields[i].Offset+word {
				pairs = append(pairs, pointerPair{offset: fields[i].Offset, word: word})
			}
		}
	}
	return pairs
}

func readPointerField(pc *ProcessContext, r *AnonymousRecord, offset int64) (oracle.Address, bool) {
	data, err := r.Bytes(pc.Oracle)
	if err != nil {
		return 0, false
	}
	word := pc.Oracle.Platform().WordSize
	if offset+word > int64(len(data)) {
		return 0, false
	}
	return oracle.Address(readWord(data[offset:offset+word], pc.Oracle.Platform().LittleEndian)), true
}

// walkChain follows the "next" pointer (at nextOff) from the seed
// record until it hits null, revisits the seed (a closed ring), or a
// node whose own back-pointer (at prevOff) doesn't point to its
// predecessor — at which point the walk stops and the already
// collected prefix is kept rather than discarded — a conservative
// failure mode that prefers a short confirmed chain over none.
func walkChain(pc *ProcessContext, seed *AnonymousRecord, nextOff, prevOff int64) ([]oracle.Address, bool) {
	word := pc.Oracle.Platform().WordSize
	if seed.Size < prevOff+word {
		return nil, false
	}
	chain := []oracle.Address{seed.Address}
	seenSize := seed.Size

	cur := seed
	for {
		nextAddr, ok := readPointerField(pc, cur, nextOff)
		if !ok || nextAddr == 0 {
			break
		}
		if nextAddr == seed.Address {
			// Closed ring: verify the back-pointer closes correctly
			// before counting the seed a second time.
			if back, ok := readPointerField(pc, seed, prevOff); ok && back == cur.Address {
				return chain, true
			}
			break
		}
		next, found := findRecordOfSize(pc, nextAddr, seenSize)
		if !found {
			break
		}
		if back, ok := readPointerField(pc, next, prevOff); !ok || back != cur.Address {
			break
		}
		chain = append(chain, next.Address)
		cur = next
	}
	return chain, len(chain) >= 2
}

func findRecordOfSize(pc *ProcessContext, addr oracle.Address, size int64) (*AnonymousRecord, bool) {
	for _, hc := range pc.Heaps {
		if r, ok := hc.RecordAt(addr); ok && r.Size == size {
			return r, true
		}
	}
	return nil, false
}

func tagListNodes(pc *ProcessContext, ll LinkedList) {
	if len(ll.Addresses) == 0 {
		return
	}
	head, ok := pc.GetRecord(ll.Addresses[0])
	if !ok || head.RecordType == nil {
		return
	}
	typeName := fmt.Sprintf("list_%d_%d", len(ll.Addresses), ll.NextOffset)
	fields := make([]FieldDecl, len(head.RecordType.Fields))
	copy(fields, head.RecordType.Fields)
	for i := range fields {
		if fields[i].Offset == ll.NextOffset {
			fields[i].Name = "next"
		} else if fields[i].Offset == ll.PrevOffset {
			fields[i].Name = "prev"
		}
	}
	shared := &RecordType{TypeName: typeName, Size: head.RecordType.Size, Fields: fields}
	pc.TypeRegistry[typeName] = shared

	for _, addr := range ll.Addresses {
		if r, ok := pc.GetRecord(addr); ok {
			r.SetRecordType(shared, false)
			if r.ReverseLevel < LevelDoubleLinkedListDetector {
				r.ReverseLevel = LevelDoubleLinkedListDetector
			}
		}
	}
}
