// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import (
	"fmt"

	"github.com/coreforge/recordrev/internal/oracle"
)

// fakeOracle is an in-memory Oracle backed by a flat byte slice mapped
// starting at base, for tests that don't need a real core file.
type fakeOracle struct {
	base     oracle.Address
	data     []byte
	platform oracle.Platform
}

func newFakeOracle(base oracle.Address, data []byte) *fakeOracle {
	return &fakeOracle{
		base: base,
		data: data,
		platform: oracle.Platform{
			WordSize:     8,
			LittleEndian: true,
		},
	}
}

func (f *fakeOracle) Mappings() []oracle.Mapping {
	return []oracle.Mapping{{Min: f.base, Max: f.base.Add(int64(len(f.data))), Perm: oracle.Read | oracle.Write}}
}

func (f *fakeOracle) ReadBytes(addr oracle.Address, size int64) ([]byte, error) {
	off := addr.Sub(f.base)
	if off < 0 || off+size > int64(len(f.data)) {
		return nil, fmt.Errorf("out of range: %s", addr)
	}
	out := make([]byte, size)
	copy(out, f.data[off:off+size])
	return out, nil
}

func (f *fakeOracle) MappingForAddress(addr oracle.Address) (oracle.Mapping, bool) {
	off := addr.Sub(f.base)
	if off < 0 || off >= int64(len(f.data)) {
		return oracle.Mapping{}, false
	}
	return f.Mappings()[0], true
}

func (f *fakeOracle) Platform() oracle.Platform {
	return f.platform
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
