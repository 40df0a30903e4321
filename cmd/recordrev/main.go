// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command recordrev reverse-engineers C-style record layouts from a
// raw process memory dump plus an external heap walker's allocation
// list. See the reverse package for the actual inference engine; this
// command is just the front end.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coreforge/recordrev/internal/heapwalker"
	"github.com/coreforge/recordrev/internal/oracle"
	"github.com/coreforge/recordrev/internal/reverse"
)

var heapFile string

func main() {
	root := &cobra.Command{
		Use:   "recordrev",
		Short: "Reverse-engineer record layouts from a memory dump",
	}
	root.PersistentFlags().StringVar(&heapFile, "heapfile", "", "JSON file of heap allocations (required)")

	root.AddCommand(newReverseCmd())
	root.AddCommand(newReverseShowCmd())
	root.AddCommand(newReverseHexCmd())
	root.AddCommand(newReverseParentsCmd())

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return &usageError{err} })
	for _, c := range root.Commands() {
		if args := c.Args; args != nil {
			c.Args = func(cmd *cobra.Command, a []string) error {
				if err := args(cmd, a); err != nil {
					return &usageError{err}
				}
				return nil
			}
		}
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch err.(type) {
	case *usageError:
		return 2
	case *dumpError:
		return 3
	case *cacheError:
		return 4
	default:
		return 1
	}
}

type usageError struct{ error }
type dumpError struct{ error }
type cacheError struct{ error }

func openDumpAndWalker(dumpPath string) (*oracle.Process, heapwalker.Walker, error) {
	proc, err := oracle.Open(dumpPath)
	if err != nil {
		return nil, nil, &dumpError{err}
	}
	if heapFile == "" {
		return nil, nil, &usageError{fmt.Errorf("--heapfile is required")}
	}
	return proc, &heapwalker.FileWalker{Path: heapFile}, nil
}

func cacheDirFor(dumpPath string) string {
	return filepath.Join(filepath.Dir(dumpPath), filepath.Base(dumpPath)+".d")
}

func newLogger() *zap.SugaredLogger {
	l, _ := zap.NewProduction()
	return l.Sugar()
}

func newReverseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reverse <dump>",
		Short: "Run the full record-reversing pipeline over a dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dump := args[0]
			proc, walker, err := openDumpAndWalker(dump)
			if err != nil {
				return err
			}
			defer proc.Close()

			opts := reverse.DefaultOptions()
			opts.CacheDir = cacheDirFor(dump)
			opts.Logger = newLogger()

			pc := reverse.NewProcessContext(filepath.Base(dump), opts.CacheDir, proc, opts.Logger)
			stats, err := reverse.RunPipeline(context.Background(), pc, walker, opts)
			if err != nil {
				return &cacheError{err}
			}

			if err := os.MkdirAll(opts.CacheDir, 0o755); err != nil {
				return err
			}
			histograms := reverse.AggregateValueRanges(pc)
			f, err := os.Create(filepath.Join(opts.CacheDir, "headers_values.txt"))
			if err != nil {
				return err
			}
			defer f.Close()
			if err := reverse.WriteHeadersValues(f, histograms); err != nil {
				return err
			}

			if pc.PointerGraphFull != nil {
				if gf, err := os.Create(filepath.Join(opts.CacheDir, "graph.gexf")); err == nil {
					reverse.WriteGEXF(gf, pc.PointerGraphFull)
					gf.Close()
				}
			}
			if pc.PointerGraphHeaps != nil {
				if gf, err := os.Create(filepath.Join(opts.CacheDir, "graph.heaps.gexf")); err == nil {
					reverse.WriteGEXF(gf, pc.PointerGraphHeaps)
					gf.Close()
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "processed %d/%d records, %d lists, %d types\n",
				stats.RecordsProcessed, stats.RecordsTotal, stats.ListsFound, stats.TypesUnified)
			return nil
		},
	}
}

func newReverseShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reverse-show <dump> <addr>",
		Short: "Print the record at the given address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, proc, addr, err := loadForAddr(args[0], args[1])
			if err != nil {
				return err
			}
			defer proc.Close()

			r, ok := pc.GetRecord(addr)
			if !ok {
				return &usageError{fmt.Errorf("no record at %s", addr)}
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "address\t%s\n", r.Address)
			fmt.Fprintf(tw, "size\t%d\n", r.Size)
			if r.RecordType != nil {
				fmt.Fprintf(tw, "type\t%s\n", r.RecordType.TypeName)
				fmt.Fprintf(tw, "signature\t%s\n", r.RecordType.Signature())
				fmt.Fprintln(tw, "offset\tsize\tkind\tname")
				for _, f := range r.RecordType.Fields {
					fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", f.Offset, f.Size, f.Kind.DisplayName(), f.Name)
				}
			}
			return tw.Flush()
		},
	}
}

func newReverseHexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reverse-hex <dump> <addr>",
		Short: "Print the raw bytes of the record at the given address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, proc, addr, err := loadForAddr(args[0], args[1])
			if err != nil {
				return err
			}
			defer proc.Close()

			r, ok := pc.GetRecord(addr)
			if !ok {
				return &usageError{fmt.Errorf("no record at %s", addr)}
			}
			b, err := r.Bytes(proc)
			if err != nil {
				return err
			}
			for i := 0; i < len(b); i += 16 {
				end := i + 16
				if end > len(b) {
					end = len(b)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%08x  % x\n", i, b[i:end])
			}
			return nil
		},
	}
}

func newReverseParentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reverse-parents <dump> <addr>",
		Short: "Print records that point to the given address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, proc, addr, err := loadForAddr(args[0], args[1])
			if err != nil {
				return err
			}
			defer proc.Close()

			if pc.PointerGraphHeaps == nil {
				return &usageError{fmt.Errorf("no pointer graph built; run 'reverse' first")}
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "parent\tsize")
			for _, src := range pc.PointerGraphHeaps.Parents(addr) {
				if r, ok := pc.GetRecord(src); ok {
					fmt.Fprintf(tw, "%s\t%d\n", r.Address, r.Size)
				}
			}
			return tw.Flush()
		},
	}
}

func loadForAddr(dumpPath, addrArg string) (*reverse.ProcessContext, *oracle.Process, oracle.Address, error) {
	proc, walker, err := openDumpAndWalker(dumpPath)
	if err != nil {
		return nil, nil, 0, err
	}
	opts := reverse.DefaultOptions()
	opts.CacheDir = cacheDirFor(dumpPath)
	opts.Logger = newLogger()

	pc := reverse.NewProcessContext(filepath.Base(dumpPath), opts.CacheDir, proc, opts.Logger)
	if _, err := reverse.RunPipeline(context.Background(), pc, walker, opts); err != nil {
		return nil, nil, 0, &cacheError{err}
	}

	var addr uint64
	if _, err := fmt.Sscanf(addrArg, "0x%x", &addr); err != nil {
		if _, err := fmt.Sscanf(addrArg, "%x", &addr); err != nil {
			return nil, nil, 0, &usageError{fmt.Errorf("bad address %q", addrArg)}
		}
	}
	return pc, proc, oracle.Address(addr), nil
}
