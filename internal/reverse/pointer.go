// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import "github.com/coreforge/recordrev/internal/oracle"

// LevelPointerResolver is the reverse_level PointerResolver raises
// records to.
const LevelPointerResolver = 150

// ResolvePointers is the PointerResolver pass. For every Pointer (and
// StringPointer) field in the record it determines what the field
// actually targets and records the result on a PointerField alongside
// the plain FieldDecl, checked in order: null, a known record (exact
// or interior offset), a string, an external-library address, or
// unresolved.
func ResolvePointers(pc *ProcessContext, r *AnonymousRecord) ([]PointerField, error) {
	if r.RecordType == nil {
		return nil, nil
	}
	data, err := r.Bytes(pc.Oracle)
	if err != nil {
		return nil, err
	}
	platform := pc.Oracle.Platform()

	var out []PointerField
	for _, f := range r.RecordType.Fields {
		if f.Kind.Tag != TagPointer && f.Kind.Tag != TagStringPointer {
			continue
		}
		if f.Offset+f.Size > int64(len(data)) {
			continue
		}
		addr := oracle.Address(readWord(data[f.Offset:f.Offset+f.Size], platform.LittleEndian))
		pf := PointerField{FieldDecl: f, PointeeAddr: addr}
		resolveOne(pc, &pf)
		out = append(out, pf)
	}
	if r.ReverseLevel < LevelPointerResolver {
		r.ReverseLevel = LevelPointerResolver
		r.Dirty = true
	}
	return out, nil
}

func resolveOne(pc *ProcessContext, pf *PointerField) {
	if pf.PointeeAddr == 0 {
		pf.PointeeDesc = PointeeNull
		return
	}
	for _, hc := range pc.Heaps {
		if target, ok := hc.RecordAt(pf.PointeeAddr); ok {
			pf.PointeeDesc = PointeeKnownRecord
			pf.RecordAddr = target.Address
			pf.RecordOffset = 0
			return
		}
		if target, off, ok := hc.RecordContaining(pf.PointeeAddr); ok {
			pf.PointeeDesc = PointeeKnownRecord
			pf.RecordAddr = target.Address
			pf.RecordOffset = off
			return
		}
	}
	if m, ok := pc.Oracle.MappingForAddress(pf.PointeeAddr); ok {
		if m.Perm&oracle.Write == 0 && LooksLikeCString(pc.Oracle, pf.PointeeAddr, 120) {
			pf.PointeeDesc = PointeeString
			return
		}
		pf.PointeeDesc = PointeeExternalLibrary
		pf.KindHint = m.Name
		return
	}
	pf.PointeeDesc = PointeeUnresolved
}
