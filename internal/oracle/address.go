// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oracle

import "fmt"

// Address is a virtual address in the dumped process.
type Address uint64

// Add returns a+n.
func (a Address) Add(n int64) Address {
	return a + Address(n)
}

// Sub returns a-b.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Perm is the set of permissions on a Mapping.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

func (p Perm) String() string {
	var s string
	if p&Read != 0 {
		s += "r"
	} else {
		s += "-"
	}
	if p&Write != 0 {
		s += "w"
	} else {
		s += "-"
	}
	if p&Exec != 0 {
		s += "x"
	} else {
		s += "-"
	}
	return s
}
