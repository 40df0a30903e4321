// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import "github.com/coreforge/recordrev/internal/oracle"

// LevelStringCorrector is the reverse_level StringCorrector raises
// records to.
const LevelStringCorrector = 20

// CorrectStrings is the StringCorrector pass. It promotes runs of
// Unknown/ByteArray fields that the classifier left unresolved into
// string kinds when they run to a NUL boundary or match the UTF-16
// pair pattern, and demotes Pointer fields whose target is itself a
// valid C string into StringPointer. The pass is idempotent: running
// it twice on an already-corrected record changes nothing.
func CorrectStrings(pc *ProcessContext, r *AnonymousRecord) error {
	if r.ReverseLevel >= LevelStringCorrector {
		return nil
	}
	if r.RecordType == nil {
		return nil
	}
	data, err := r.Bytes(pc.Oracle)
	if err != nil {
		return err
	}
	platform := pc.Oracle.Platform()

	fields := r.RecordType.Fields
	out := make([]FieldDecl, 0, len(fields))
	for _, f := range fields {
		switch f.Kind.Tag {
		case TagUnknown, TagByteArray:
			if promoted, ok := promoteString(data, f, platform.LittleEndian); ok {
				out = append(out, promoted)
				continue
			}
		case TagPointer:
			if demoted, ok := demotePointerToString(pc, data, f, platform.LittleEndian); ok {
				out = append(out, demoted)
				continue
			}
		}
		out = append(out, f)
	}

	r.SetRecordType(&RecordType{Size: r.RecordType.Size, Fields: coalesceAdjacentStrings(out)}, false)
	r.ReverseLevel = LevelStringCorrector
	return nil
}

func promoteString(data []byte, f FieldDecl, littleEndian bool) (FieldDecl, bool) {
	if f.Offset+f.Size > int64(len(data)) {
		return FieldDecl{}, false
	}
	if sz, nulTerm := matchAscii(data, f.Offset, f.Size); sz > 0 {
		kind := KindAscii
		if nulTerm {
			kind = KindNulTerm
		}
		return FieldDecl{Offset: f.Offset, Size: sz, Kind: kind, Name: f.Name}, true
	}
	if sz := matchUtf16(data, f.Offset, f.Size, littleEndian); sz > 0 {
		return FieldDecl{Offset: f.Offset, Size: sz, Kind: KindUtf16, Name: f.Name}, true
	}
	return FieldDecl{}, false
}

// demotePointerToString checks whether a Pointer field's target bytes
// look like a valid, printable, NUL-terminated C string; if so the
// field becomes a StringPointer instead. This runs ahead of
// PointerResolver, reading the target directly off the byte oracle
// rather than waiting for pointee metadata to be attached.
func demotePointerToString(pc *ProcessContext, recordData []byte, f FieldDecl, littleEndian bool) (FieldDecl, bool) {
	if f.Offset+f.Size > int64(len(recordData)) {
		return FieldDecl{}, false
	}
	addr := oracle.Address(readWord(recordData[f.Offset:f.Offset+f.Size], littleEndian))
	if addr == 0 {
		return FieldDecl{}, false
	}
	if _, ok := pc.Oracle.MappingForAddress(addr); !ok {
		return FieldDecl{}, false
	}
	if !LooksLikeCString(pc.Oracle, addr, 120) {
		return FieldDecl{}, false
	}
	return FieldDecl{Offset: f.Offset, Size: f.Size, Kind: KindStrPtr, Name: f.Name}, true
}

func coalesceAdjacentStrings(decls []FieldDecl) []FieldDecl {
	var out []FieldDecl
	for _, d := range decls {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Kind.Tag == d.Kind.Tag && (d.Kind.Tag == TagStringAscii || d.Kind.Tag == TagStringUtf16) &&
				last.Offset+last.Size == d.Offset {
				last.Size += d.Size
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// LooksLikeCString reports whether the maxLen bytes read from addr
// start with a printable, NUL-terminated string of at least 4
// characters. StringCorrector uses it to decide StringPointer demotion
// and PointerResolver to recognize String pointees.
func LooksLikeCString(o oracle.Oracle, addr oracle.Address, maxLen int64) bool {
	b, err := o.ReadBytes(addr, maxLen)
	if err != nil {
		return false
	}
	var i int64
	for i < maxLen && isPrintable(b[i]) {
		i++
	}
	return i >= 4 && i < maxLen && b[i] == 0
}
