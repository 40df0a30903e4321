// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reverseerr classifies the failures that the record-layout
// reversing pipeline can hit, so callers can tell a recoverable
// per-record problem from one that should abort the whole run.
package reverseerr

import "fmt"

// Code is the category of a reversing failure.
type Code uint8

const (
	// Input is missing or invalid dump/heap metadata. Fatal.
	Input Code = iota
	// OutOfRange is a byte-oracle read past a mapping. Recovered locally
	// by the classifier, which emits a Padding field instead.
	OutOfRange
	// CacheCorruption is an unreadable cache file. The file is deleted
	// and the record is recomputed.
	CacheCorruption
	// LogicInvariant is an assertion that should never trip, such as two
	// fields claiming the same offset in one record type. Fatal.
	LogicInvariant
)

func (c Code) String() string {
	switch c {
	case Input:
		return "InputError"
	case OutOfRange:
		return "OutOfRange"
	case CacheCorruption:
		return "CacheCorruption"
	case LogicInvariant:
		return "LogicInvariant"
	default:
		return "UnknownError"
	}
}

// Error is a reversing failure tied to a code and, where relevant, the
// address of the record it happened on.
type Error struct {
	Code    Code
	Addr    uint64 // 0 if not tied to a particular record
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Addr != 0 {
		return fmt.Sprintf("%s at 0x%x: %s", e.Code, e.Addr, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether an error of this code should abort the pipeline
// rather than be skipped and logged.
func (c Code) Fatal() bool {
	return c == Input || c == LogicInvariant
}

// New builds a reversing error not tied to any particular record.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// At builds a reversing error tied to a record address.
func At(code Code, addr uint64, format string, args ...any) *Error {
	return &Error{Code: code, Addr: addr, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a reversing error that carries an underlying cause.
func Wrap(code Code, addr uint64, err error, format string, args ...any) *Error {
	return &Error{Code: code, Addr: addr, Message: fmt.Sprintf(format, args...), Err: err}
}
