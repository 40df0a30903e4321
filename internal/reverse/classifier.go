// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import (
	"encoding/binary"
	"errors"

	"github.com/coreforge/recordrev/internal/oracle"
)

// LevelFieldClassifier is the reverse_level a record reaches once
// ClassifyRecord has tiled it.
const LevelFieldClassifier = 10

// ClassifyRecord is the FieldClassifier pass: it produces a fully
// tiled, ordered field list for one record's bytes and installs it as
// a fresh, unshared RecordType on the record. Downstream passes
// (StringCorrector, PointerResolver, ...) refine this list in place.
//
// Classification is infallible: any byte this can't otherwise explain
// becomes a size-1 Unknown field, never an error. A record whose bytes
// cannot be read because they lie outside the mapped dump
// (oracle.ErrOutOfRange) is tiled as one Padding field; any other read
// error is returned.
func ClassifyRecord(pc *ProcessContext, r *AnonymousRecord) error {
	if r.ReverseLevel >= LevelFieldClassifier {
		return nil // cache hit: already classified, re-running would be wasted work
	}
	data, err := r.Bytes(pc.Oracle)
	if err != nil && !errors.Is(err, oracle.ErrOutOfRange) {
		return err
	}
	platform := pc.Oracle.Platform()
	word := platform.WordSize

	var decls []FieldDecl
	n := int64(len(data))
	pos := int64(0)
	for pos < n {
		remaining := n - pos

		if sz := matchNull(data, pos, word, remaining); sz > 0 {
			decls = append(decls, FieldDecl{Offset: pos, Size: sz, Kind: KindZeroes})
			pos += sz
			continue
		}
		if remaining >= word && matchPointer(pc, r, data, pos, word, platform) {
			decls = append(decls, FieldDecl{Offset: pos, Size: word, Kind: KindPointer})
			pos += word
			continue
		}
		if sz, nulTerm := matchAscii(data, pos, remaining); sz >= 4 {
			kind := KindAscii
			if nulTerm {
				kind = KindNulTerm
			}
			decls = append(decls, FieldDecl{Offset: pos, Size: sz, Kind: kind})
			pos += sz
			continue
		}
		if sz := matchUtf16(data, pos, remaining, platform.LittleEndian); sz > 0 {
			decls = append(decls, FieldDecl{Offset: pos, Size: sz, Kind: KindUtf16})
			pos += sz
			continue
		}
		if remaining >= word {
			decls = append(decls, FieldDecl{Offset: pos, Size: word, Kind: matchInteger(data, pos, word, platform.LittleEndian)})
			pos += word
			continue
		}
		// Final word truncated by allocator metadata: pad rather than
		// guess at a kind for a sub-word remainder.
		if remaining < word && remaining > 0 {
			decls = append(decls, FieldDecl{Offset: pos, Size: remaining, Kind: KindPadding, IsPadding: true})
			pos += remaining
			continue
		}
		decls = append(decls, FieldDecl{Offset: pos, Size: 1, Kind: KindUnknown})
		pos++
	}

	decls = coalesce(decls)

	total := int64(0)
	for _, d := range decls {
		total += d.Size
	}
	if total < r.Size {
		decls = append(decls, FieldDecl{Offset: total, Size: r.Size - total, Kind: KindPadding, IsPadding: true})
	}

	r.RecordType = &RecordType{Size: r.Size, Fields: decls}
	r.ReverseLevel = LevelFieldClassifier
	r.Dirty = true
	return nil
}

func isPrintable(b byte) bool {
	return b >= 0x20 && b < 0x7f
}

// matchNull reports the size of an all-zero run starting at pos: the
// whole word-sized window must be zero — a word with only a leading
// zero byte (e.g. a little-endian pointer to a low address) is not a
// null match.
func matchNull(data []byte, pos, word, remaining int64) int64 {
	sz := word
	if sz > remaining {
		sz = remaining
	}
	if sz == 0 {
		return 0
	}
	for i := int64(0); i < sz; i++ {
		if data[pos+i] != 0 {
			return 0
		}
	}
	// Greedily absorb any further zero bytes so a long run collapses
	// to one field without needing a second coalescence pass.
	for pos+sz < int64(len(data)) && data[pos+sz] == 0 {
		sz++
	}
	return sz
}

// matchPointer reports whether the word at pos, read per the target's
// endianness, is a plausible pointer: it must fall inside a known
// mapping, and it must not land inside the record being classified
// itself (self-embedded integers that happen to look like offsets are
// not pointers).
func matchPointer(pc *ProcessContext, r *AnonymousRecord, data []byte, pos, word int64, platform oracle.Platform) bool {
	v := readWord(data[pos:pos+word], platform.LittleEndian)
	addr := oracle.Address(v)
	if addr == 0 {
		return false
	}
	if addr >= r.Address && addr < r.Address.Add(r.Size) {
		return false
	}
	_, ok := pc.Oracle.MappingForAddress(addr)
	return ok
}

// matchAscii reports the length of a run of >=4 printable bytes
// starting at pos, and whether it's immediately followed by a NUL
// (which is folded into the field as the terminator).
func matchAscii(data []byte, pos, remaining int64) (size int64, nulTerminated bool) {
	var i int64
	for i < remaining && isPrintable(data[pos+i]) {
		i++
	}
	if i < 4 {
		return 0, false
	}
	if pos+i < int64(len(data)) && data[pos+i] == 0 {
		return i + 1, true
	}
	return i, false
}

// matchUtf16 reports the byte length of a run of >=4 (printable,0) or
// (0,printable) pairs starting at pos, per target endianness.
func matchUtf16(data []byte, pos, remaining int64, littleEndian bool) int64 {
	var units int64
	for pos+units*2+1 < pos+remaining {
		lo, hi := data[pos+units*2], data[pos+units*2+1]
		var ok bool
		if littleEndian {
			ok = isPrintable(lo) && hi == 0
		} else {
			ok = lo == 0 && isPrintable(hi)
		}
		if !ok {
			break
		}
		units++
	}
	if units < 4 {
		return 0
	}
	return units * 2
}

// matchInteger classifies a word that matched none of the other
// matchers: a value under 256 (every byte above the lowest zero)
// becomes SmallInteger; a single set bit in the high byte becomes a
// signed small integer (same sig char as SmallInteger, per the field
// kind catalog); otherwise it's a plain unsigned Integer.
func matchInteger(data []byte, pos, word int64, littleEndian bool) FieldKind {
	v := readWord(data[pos:pos+word], littleEndian)
	if v < 256 {
		return KindSmallInt
	}
	highByte := byte(v >> uint((word-1)*8))
	if highByte != 0 && highByte&(highByte-1) == 0 {
		return KindInteger(true)
	}
	return KindInteger(false)
}

func readWord(b []byte, littleEndian bool) uint64 {
	switch len(b) {
	case 4:
		if littleEndian {
			return uint64(binary.LittleEndian.Uint32(b))
		}
		return uint64(binary.BigEndian.Uint32(b))
	case 8:
		if littleEndian {
			return binary.LittleEndian.Uint64(b)
		}
		return binary.BigEndian.Uint64(b)
	default:
		var v uint64
		for i, c := range b {
			if littleEndian {
				v |= uint64(c) << uint(8*i)
			} else {
				v = v<<8 | uint64(c)
			}
		}
		return v
	}
}

// coalesce merges adjacent same-kind runs: contiguous Zeroes collapse
// to one field; contiguous SmallInteger runs become a ByteArray; any
// other contiguous equal-kind-and-size run becomes an
// Array{item_kind,item_size,count}.
func coalesce(decls []FieldDecl) []FieldDecl {
	var out []FieldDecl
	i := 0
	for i < len(decls) {
		d := decls[i]
		j := i + 1
		for j < len(decls) &&
			decls[j].Kind.Equal(d.Kind) &&
			decls[j].Size == d.Size &&
			decls[j].Offset == decls[j-1].Offset+decls[j-1].Size {
			j++
		}
		runLen := j - i
		var total int64
		for k := i; k < j; k++ {
			total += decls[k].Size
		}
		switch {
		case d.Kind.Tag == TagZeroes && runLen > 1:
			out = append(out, FieldDecl{Offset: d.Offset, Size: total, Kind: KindZeroes})
		case d.Kind.Tag == TagSmallInteger && runLen > 1:
			out = append(out, FieldDecl{Offset: d.Offset, Size: total, Kind: KindByteArr})
		case runLen > 1 && d.Kind.Tag != TagPadding && d.Kind.Tag != TagUnknown:
			out = append(out, FieldDecl{Offset: d.Offset, Size: total, Kind: KindArray(d.Kind, d.Size, int64(runLen))})
		default:
			out = append(out, decls[i:j]...)
		}
		i = j
	}
	return out
}
