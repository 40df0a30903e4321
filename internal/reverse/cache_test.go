// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import (
	"testing"

	"github.com/coreforge/recordrev/internal/oracle"
)

func TestCacheSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := oracle.Address(0x4000)
	o := newFakeOracle(base, make([]byte, 16))
	pc := newTestContext(o)

	rc, err := NewRecordCache(pc, dir, 16)
	if err != nil {
		t.Fatalf("NewRecordCache: %v", err)
	}

	r := singleRecord(base, 8)
	r.RecordType = &RecordType{TypeName: "widget", Size: 8, Fields: []FieldDecl{{Offset: 0, Size: 8, Kind: KindZeroes}}}
	r.Final = true

	if err := rc.Save(r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if r.Dirty {
		t.Fatalf("record still dirty after Save")
	}

	loaded, err := rc.Load(base)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatalf("Load returned nil for a saved record")
	}
	if loaded.Size != 8 || loaded.RecordType.TypeName != "widget" {
		t.Fatalf("loaded record mismatch: %+v", loaded)
	}
}

func TestCacheLoadMissingReturnsNilNoError(t *testing.T) {
	dir := t.TempDir()
	o := newFakeOracle(oracle.Address(0x5000), make([]byte, 8))
	pc := newTestContext(o)

	rc, err := NewRecordCache(pc, dir, 16)
	if err != nil {
		t.Fatalf("NewRecordCache: %v", err)
	}
	r, err := rc.Load(oracle.Address(0x9999))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r != nil {
		t.Fatalf("Load returned a record for an address never saved")
	}
}

func TestCacheWrapperReloadsAfterEviction(t *testing.T) {
	dir := t.TempDir()
	base := oracle.Address(0x6000)
	o := newFakeOracle(base, make([]byte, 8))
	pc := newTestContext(o)

	rc, err := NewRecordCache(pc, dir, 1) // capacity 1 forces eviction
	if err != nil {
		t.Fatalf("NewRecordCache: %v", err)
	}

	r := singleRecord(base, 8)
	r.RecordType = &RecordType{Size: 8, Fields: []FieldDecl{{Offset: 0, Size: 8, Kind: KindZeroes}}}
	r.Dirty = true
	rc.Touch(r)

	// Touching a second, different record evicts the first; since it
	// was dirty, eviction must flush it to disk first.
	other := singleRecord(oracle.Address(0x7000), 8)
	other.RecordType = &RecordType{Size: 8}
	rc.Touch(other)

	w := NewCacheWrapper(rc, base)
	got, err := w.Record()
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got.Address != base {
		t.Fatalf("Record address = %s, want %s", got.Address, base)
	}
}
