// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command crashprog is a tiny fixture built and crashed by
// process_test.go to produce a real ELF core file: it prints the
// address of a known byte pattern, then lets testenv.RunThenCrash
// kill it so the pattern is still resident in the core.
package main

import (
	"fmt"
	"os"

	"github.com/coreforge/recordrev/internal/testenv"
)

var sentinel = [8]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}

func main() {
	testenv.RunThenCrash(os.Getenv("RECORDREV_TEST_COREDUMP_FILTER"), func() any {
		fmt.Printf("%p\n", &sentinel)
		return nil
	})
}
