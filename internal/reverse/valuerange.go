// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import (
	"fmt"
	"sort"
	"strings"

	"github.com/coreforge/recordrev/internal/oracle"
)

// LevelValueRangeAggregator is the reverse_level records reach once
// their field values have been folded into their type's histogram.
const LevelValueRangeAggregator = 350

// maxRenderedLen is the truncation length for rendered string values;
// longer strings keep this many characters, half from each end, with
// "..." between them.
const maxRenderedLen = 120

// TypeHistogram is the per-field value multiset for every instance of
// one RecordType, keyed by the type's identity (not its name — two
// differently-named types with the same fields get separate
// histograms).
type TypeHistogram struct {
	Type        *RecordType
	Instances   []oracle.Address
	FieldCounts map[string]map[string]int // field name -> rendered value -> count
}

// AggregateValueRanges is the ValueRangeAggregator pass. For every
// RecordType reachable from the context's records, it collects a
// histogram of rendered values per field across all instances.
func AggregateValueRanges(pc *ProcessContext) map[*RecordType]*TypeHistogram {
	histograms := make(map[*RecordType]*TypeHistogram)

	pc.ForEachRecord(func(r *AnonymousRecord) bool {
		if r.RecordType == nil {
			return true
		}
		h, ok := histograms[r.RecordType]
		if !ok {
			h = &TypeHistogram{Type: r.RecordType, FieldCounts: make(map[string]map[string]int)}
			histograms[r.RecordType] = h
		}
		h.Instances = append(h.Instances, r.Address)

		for _, fi := range r.Fields() {
			if fi.Decl.Kind.Tag == TagNestedRecord {
				continue // subrecords are too complex to histogram directly
			}
			name := fi.Decl.Name
			if name == "" {
				name = fmt.Sprintf("field_%d", fi.Decl.Offset)
			}
			val := renderValue(pc, fi)
			if h.FieldCounts[name] == nil {
				h.FieldCounts[name] = make(map[string]int)
			}
			h.FieldCounts[name][val]++
		}
		r.ReverseLevel = LevelValueRangeAggregator
		return true
	})

	return histograms
}

// renderValue renders one field instance's bytes the way
// headers_values.txt displays them: pointers as hex, integers as a
// decoded decimal word, zero fields as "0", strings as decoded and
// truncated text, everything else as raw bytes.
func renderValue(pc *ProcessContext, fi FieldInstance) string {
	b := fi.Bytes()
	if b == nil {
		return "?"
	}
	platform := pc.Oracle.Platform()

	switch fi.Decl.Kind.Tag {
	case TagZeroes:
		return "0"
	case TagPointer:
		return fmt.Sprintf("0x%x", readWord(b, platform.LittleEndian))
	case TagStringPointer:
		addr := oracle.Address(readWord(b, platform.LittleEndian))
		target, err := pc.Oracle.ReadBytes(addr, maxRenderedLen)
		if err != nil {
			return fmt.Sprintf("0x%x", uint64(addr))
		}
		return quoteString(decodeAscii(target))
	case TagInteger, TagSmallInteger:
		v := readWord(b, platform.LittleEndian)
		if fi.Decl.Kind.Tag == TagInteger && fi.Decl.Kind.Signed {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%d", v)
	case TagStringAscii, TagStringNullTerminated:
		s := decodeAscii(b)
		return quoteString(truncateMiddle(s, maxRenderedLen))
	case TagStringUtf16:
		s := decodeUtf16(b, platform.LittleEndian)
		return quoteString(truncateMiddle(s, maxRenderedLen))
	default:
		return fmt.Sprintf("%x", b)
	}
}

func decodeAscii(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

func decodeUtf16(b []byte, littleEndian bool) string {
	var sb strings.Builder
	for i := 0; i+1 < len(b); i += 2 {
		var c byte
		if littleEndian {
			c = b[i]
		} else {
			c = b[i+1]
		}
		if c == 0 {
			break
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func quoteString(s string) string {
	return "'" + s + "'"
}

// truncateMiddle shortens a string longer than max by keeping max/2
// characters from each end joined by "..." (max+3 characters for an
// even max), matching the original
// get_value_for_field(max_len) behavior.
func truncateMiddle(s string, max int) string {
	if len(s) <= max {
		return s
	}
	half := max / 2
	return s[:half] + "..." + s[len(s)-half:]
}

// Counter renders a field's value histogram the way Python's
// collections.Counter reprs itself, e.g. Counter({'0x100': 2}) — the
// literal text the headers_values.txt catalog format uses.
func Counter(counts map[string]int) string {
	type kv struct {
		k string
		v int
	}
	var kvs []kv
	for k, v := range counts {
		kvs = append(kvs, kv{k, v})
	}
	sort.Slice(kvs, func(i, j int) bool {
		if kvs[i].v != kvs[j].v {
			return kvs[i].v > kvs[j].v
		}
		return kvs[i].k < kvs[j].k
	})
	var parts []string
	for _, e := range kvs {
		q := "'"
		if strings.Contains(e.k, "'") && !strings.Contains(e.k, `"`) {
			q = `"`
		}
		parts = append(parts, fmt.Sprintf("%s%s%s: %d", q, e.k, q, e.v))
	}
	return "Counter({" + strings.Join(parts, ", ") + "})"
}
