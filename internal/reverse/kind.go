// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import "fmt"

// Tag is the closed set of field kinds a byte range can be classified
// as. Behavior that varies per kind (rendering, signature emission,
// coalescence rules) is a function keyed on Tag, not a method on a
// hierarchy of kind types — there is no dynamic dispatch here.
type Tag uint8

const (
	TagUnknown Tag = iota
	TagZeroes
	TagInteger
	TagSmallInteger
	TagPointer
	TagStringAscii
	TagStringUtf16
	TagStringNullTerminated
	TagStringPointer
	TagArray
	TagByteArray
	TagNestedRecord
	TagPadding
)

func (t Tag) String() string {
	return [...]string{
		"Unknown", "Zeroes", "Integer", "SmallInteger", "Pointer",
		"StringAscii", "StringUtf16", "StringNullTerminated", "StringPointer",
		"Array", "ByteArray", "NestedRecord", "Padding",
	}[t]
}

// FieldKind is a closed tagged variant over Tag. Integer fields carry a
// signedness flag; Array fields carry an element kind, element size,
// and element count. All other tags carry no payload.
type FieldKind struct {
	Tag Tag

	// valid when Tag == TagInteger
	Signed bool

	// valid when Tag == TagArray
	ItemKind *FieldKind
	ItemSize int64
	Count    int64
}

// Equal reports whether two kinds are the same variant with the same
// payload. This is FieldKind's identity for the purposes of FieldDecl
// equality (offset, size, kind).
func (k FieldKind) Equal(o FieldKind) bool {
	if k.Tag != o.Tag {
		return false
	}
	switch k.Tag {
	case TagInteger:
		return k.Signed == o.Signed
	case TagArray:
		return k.ItemSize == o.ItemSize && k.Count == o.Count &&
			((k.ItemKind == nil && o.ItemKind == nil) ||
				(k.ItemKind != nil && o.ItemKind != nil && k.ItemKind.Equal(*o.ItemKind)))
	default:
		return true
	}
}

// Sig is the field kind's short signature character, used verbatim by
// SignatureTypist to build per-record signature strings.
func (k FieldKind) Sig() byte {
	switch k.Tag {
	case TagUnknown:
		return 'u'
	case TagZeroes:
		return 'z'
	case TagInteger:
		if k.Signed {
			return 'i'
		}
		return 'I'
	case TagSmallInteger:
		return 'i'
	case TagPointer:
		return 'P'
	case TagStringAscii, TagStringNullTerminated, TagStringUtf16:
		return 'T'
	case TagStringPointer:
		return 's'
	case TagArray, TagByteArray:
		return 'a'
	case TagNestedRecord:
		return 'K'
	case TagPadding:
		return 'X'
	default:
		return 'u'
	}
}

// DisplayName is the human-facing name used in headers_values.txt and
// in reverse-show output.
func (k FieldKind) DisplayName() string {
	switch k.Tag {
	case TagInteger:
		if k.Signed {
			return "signed_int"
		}
		return "int"
	case TagArray:
		return fmt.Sprintf("array<%s>[%d]", k.ItemKind.DisplayName(), k.Count)
	default:
		return k.Tag.String()
	}
}

// GoSyntax renders the kind the way headers_values.txt's class block
// names a field's C-ish type, folding in the ctypes-equivalent naming
// the original signature format used for each kind.
func (k FieldKind) GoSyntax() string {
	switch k.Tag {
	case TagUnknown, TagByteArray, TagPadding:
		return "byte"
	case TagZeroes:
		return "byte"
	case TagInteger:
		if k.Signed {
			return "int32"
		}
		return "uint32"
	case TagSmallInteger:
		return "uint32"
	case TagPointer, TagStringPointer:
		return "uintptr"
	case TagStringAscii, TagStringNullTerminated:
		return "char"
	case TagStringUtf16:
		return "wchar"
	case TagArray:
		return fmt.Sprintf("[%d]%s", k.Count, k.ItemKind.GoSyntax())
	case TagNestedRecord:
		return "struct"
	default:
		return "byte"
	}
}

var (
	KindUnknown  = FieldKind{Tag: TagUnknown}
	KindZeroes   = FieldKind{Tag: TagZeroes}
	KindPointer  = FieldKind{Tag: TagPointer}
	KindByteArr  = FieldKind{Tag: TagByteArray}
	KindPadding  = FieldKind{Tag: TagPadding}
	KindAscii    = FieldKind{Tag: TagStringAscii}
	KindUtf16    = FieldKind{Tag: TagStringUtf16}
	KindNulTerm  = FieldKind{Tag: TagStringNullTerminated}
	KindStrPtr   = FieldKind{Tag: TagStringPointer}
	KindSmallInt = FieldKind{Tag: TagSmallInteger}
	KindNested   = FieldKind{Tag: TagNestedRecord}
)

func KindInteger(signed bool) FieldKind {
	return FieldKind{Tag: TagInteger, Signed: signed}
}

func KindArray(item FieldKind, itemSize, count int64) FieldKind {
	ik := item
	return FieldKind{Tag: TagArray, ItemKind: &ik, ItemSize: itemSize, Count: count}
}
