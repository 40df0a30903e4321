// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oracle

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/coreforge/recordrev/internal/reverseerr"
)

// ErrOutOfRange is returned by Process.ReadBytes when part of the
// requested range is not covered by any mapping.
var ErrOutOfRange = errors.New("read out of mapped range")

// Process is an Oracle backed by an ELF core file. It loads every
// PT_LOAD segment as a Mapping and answers reads by slicing directly
// into the file's mapped contents, the same approach
// golang.org/x/debug/internal/core.Process takes for a live core dump.
//
// Unlike that package, Process never parses DWARF: field-name recovery
// from debug info is explicitly out of scope for record reversing.
type Process struct {
	f        *os.File
	arch     string
	platform Platform
	mappings []*mapping
	table    pageTable4
	mmapped  [][]byte // regions to unmap on Close
}

type mapping struct {
	Mapping
	data []byte // file contents backing [Min, Max)
}

// We assume every mapping starts and ends on a 4K boundary, and split
// the 64-bit address space into five 12/10/10/10/10-bit levels above
// the 12-bit page offset for a fast trie-based address lookup.
type pageTable0 [1 << 10]*mapping
type pageTable1 [1 << 10]*pageTable0
type pageTable2 [1 << 10]*pageTable1
type pageTable3 [1 << 10]*pageTable2
type pageTable4 [1 << 12]*pageTable3

const pageShift = 12

// Open loads an ELF core file as an Oracle.
func Open(path string) (*Process, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, reverseerr.Wrap(reverseerr.Input, 0, err, "opening dump %s", path)
	}
	e, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, reverseerr.Wrap(reverseerr.Input, 0, err, "%s is not a valid ELF file", path)
	}
	if e.Type != elf.ET_CORE {
		f.Close()
		return nil, reverseerr.At(reverseerr.Input, 0, "%s is not a core file", path)
	}

	p := &Process{f: f}
	switch e.Class {
	case elf.ELFCLASS32:
		p.platform.WordSize = 4
	case elf.ELFCLASS64:
		p.platform.WordSize = 8
	default:
		f.Close()
		return nil, reverseerr.At(reverseerr.Input, 0, "unknown elf class %s", e.Class)
	}
	p.platform.LittleEndian = e.ByteOrder.String() == "LittleEndian"
	switch e.Machine {
	case elf.EM_X86_64:
		p.arch = "amd64"
	case elf.EM_386:
		p.arch = "386"
	case elf.EM_AARCH64:
		p.arch = "arm64"
	case elf.EM_ARM:
		p.arch = "arm"
	default:
		p.arch = e.Machine.String()
	}

	for _, prog := range e.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		var perm Perm
		if prog.Flags&elf.PF_R != 0 {
			perm |= Read
		}
		if prog.Flags&elf.PF_W != 0 {
			perm |= Write
		}
		if prog.Flags&elf.PF_X != 0 {
			perm |= Exec
		}
		// mmap the file-backed portion read-only rather than copying it
		// into the process's own memory; avoids doubling RSS for large
		// dumps. The tail beyond Filesz (BSS-style zero padding) has no
		// file backing and is just a zeroed slice.
		var data []byte
		if prog.Filesz > 0 {
			region, err := unix.Mmap(int(f.Fd()), int64(prog.Off), int(prog.Filesz), unix.PROT_READ, unix.MAP_PRIVATE)
			if err != nil {
				f.Close()
				return nil, reverseerr.Wrap(reverseerr.Input, uint64(prog.Vaddr), err, "mmapping segment")
			}
			p.mmapped = append(p.mmapped, region)
			data = region
		}
		if prog.Memsz > prog.Filesz {
			data = append(append([]byte(nil), data...), make([]byte, prog.Memsz-prog.Filesz)...)
		}
		m := &mapping{
			Mapping: Mapping{
				Min:  Address(prog.Vaddr),
				Max:  Address(prog.Vaddr + prog.Memsz),
				Perm: perm,
			},
			data: data,
		}
		if err := p.addMapping(m); err != nil {
			f.Close()
			return nil, err
		}
	}

	sort.Slice(p.mappings, func(i, j int) bool { return p.mappings[i].Min < p.mappings[j].Min })
	return p, nil
}

func (p *Process) Close() error {
	for _, region := range p.mmapped {
		unix.Munmap(region)
	}
	return p.f.Close()
}

func (p *Process) Platform() Platform {
	return p.platform
}

func (p *Process) Arch() string {
	return p.arch
}

func (p *Process) Mappings() []Mapping {
	out := make([]Mapping, len(p.mappings))
	for i, m := range p.mappings {
		out[i] = m.Mapping
	}
	return out
}

func (p *Process) MappingForAddress(a Address) (Mapping, bool) {
	m := p.findMapping(a)
	if m == nil {
		return Mapping{}, false
	}
	return m.Mapping, true
}

func (p *Process) ReadBytes(addr Address, size int64) ([]byte, error) {
	out := make([]byte, 0, size)
	for size > 0 {
		m := p.findMapping(addr)
		if m == nil {
			return nil, fmt.Errorf("%w: 0x%x", ErrOutOfRange, addr)
		}
		avail := m.Max.Sub(addr)
		n := size
		if n > avail {
			n = avail
		}
		off := addr.Sub(m.Min)
		out = append(out, m.data[off:off+n]...)
		addr = addr.Add(n)
		size -= n
	}
	return out, nil
}

// ReadWord reads one target-word-sized integer at addr, honoring the
// dump's byte order.
func (p *Process) ReadWord(addr Address) (uint64, error) {
	b, err := p.ReadBytes(addr, p.platform.WordSize)
	if err != nil {
		return 0, err
	}
	var order binary.ByteOrder = binary.BigEndian
	if p.platform.LittleEndian {
		order = binary.LittleEndian
	}
	if p.platform.WordSize == 4 {
		return uint64(order.Uint32(b)), nil
	}
	return order.Uint64(b), nil
}

func (p *Process) findMapping(a Address) *mapping {
	t3 := p.table[a>>52]
	if t3 == nil {
		return nil
	}
	t2 := t3[a>>42%(1<<10)]
	if t2 == nil {
		return nil
	}
	t1 := t2[a>>32%(1<<10)]
	if t1 == nil {
		return nil
	}
	t0 := t1[a>>22%(1<<10)]
	if t0 == nil {
		return nil
	}
	return t0[a>>pageShift%(1<<10)]
}

func (p *Process) addMapping(m *mapping) error {
	if m.Min%(1<<pageShift) != 0 || m.Max%(1<<pageShift) != 0 {
		return reverseerr.At(reverseerr.Input, uint64(m.Min), "mapping [%x,%x) isn't page-aligned", m.Min, m.Max)
	}
	for a := m.Min; a < m.Max; a += 1 << pageShift {
		i3 := a >> 52
		t3 := p.table[i3]
		if t3 == nil {
			t3 = new(pageTable3)
			p.table[i3] = t3
		}
		i2 := a >> 42 % (1 << 10)
		t2 := t3[i2]
		if t2 == nil {
			t2 = new(pageTable2)
			t3[i2] = t2
		}
		i1 := a >> 32 % (1 << 10)
		t1 := t2[i1]
		if t1 == nil {
			t1 = new(pageTable1)
			t2[i1] = t1
		}
		i0 := a >> 22 % (1 << 10)
		t0 := t1[i0]
		if t0 == nil {
			t0 = new(pageTable0)
			t1[i0] = t0
		}
		t0[a>>pageShift%(1<<10)] = m
	}
	p.mappings = append(p.mappings, m)
	return nil
}
