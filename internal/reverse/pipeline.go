// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reverse

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/coreforge/recordrev/internal/heapwalker"
	"github.com/coreforge/recordrev/internal/oracle"
)

// Options configures one pipeline run. The zero value is not ready to
// use; call DefaultOptions and override from there.
type Options struct {
	CacheDir      string
	CacheCapacity int
	Logger        *zap.SugaredLogger
	ImportantK    int // top-k for ImportantNodes; RunPipeline does not read it or emit neighborhoods
}

// DefaultOptions returns sane defaults, the same shape as
// iamNilotpal-ignite's pkg/options.DefaultOptions: one place that
// fixes every knob's out-of-the-box value.
func DefaultOptions() Options {
	logger, _ := zap.NewProduction()
	return Options{
		CacheDir:      ".recordrev-cache",
		CacheCapacity: DefaultCacheCapacity,
		Logger:        logger.Sugar(),
		ImportantK:    10,
	}
}

// Stats summarizes one pipeline run.
type Stats struct {
	RecordsProcessed int
	RecordsTotal     int
	ListsFound       int
	TypesUnified     int
	Cancelled        bool
}

// RunPipeline drives every pass over pc in a fixed order:
// FieldClassifier, StringCorrector, DoubleLinkedListDetector,
// PointerResolver, PointerGraphBuilder, SignatureTypist,
// ValueRangeAggregator. It honors cooperative cancellation between
// records (never mid-record): on ctx cancellation it flushes every
// dirty record processed so far and returns a partial Stats alongside
// a combined error describing what didn't get flushed.
func RunPipeline(ctx context.Context, pc *ProcessContext, walker heapwalker.Walker, opts Options) (Stats, error) {
	var stats Stats

	descs, err := walker.Heaps()
	if err != nil {
		return stats, err
	}
	if err := pc.LoadHeaps(descs); err != nil {
		return stats, err
	}
	stats.RecordsTotal = pc.RecordCount()

	cache, err := NewRecordCache(pc, opts.CacheDir, opts.CacheCapacity)
	if err != nil {
		return stats, err
	}
	// Reload whatever a prior run already persisted so each pass's
	// REVERSE_LEVEL early-out can actually skip already-finished work
	// on a rerun over an unchanged dump.
	if err := cache.SeedFromDisk(); err != nil && opts.Logger != nil {
		opts.Logger.Warnw("seeding records from disk cache", "error", err)
	}

	var flushErr error
	cancelled := false

	pc.ForEachRecord(func(r *AnonymousRecord) bool {
		if ctx.Err() != nil {
			cancelled = true
			return false
		}
		if err := ClassifyRecord(pc, r); err != nil {
			logSkip(opts.Logger, "classify", r, err)
			return true
		}
		if err := CorrectStrings(pc, r); err != nil {
			logSkip(opts.Logger, "correct-strings", r, err)
		}
		cache.Touch(r)
		stats.RecordsProcessed++
		return true
	})
	if cancelled {
		flushErr = flushDirty(pc, cache)
		stats.Cancelled = true
		return stats, multierr.Append(context.Canceled, flushErr)
	}

	lists, err := DetectDoubleLinkedLists(pc)
	if err != nil {
		return stats, err
	}
	stats.ListsFound = len(lists)

	if ctx.Err() != nil {
		return stats, multierr.Append(context.Canceled, flushDirty(pc, cache))
	}

	pointers := make(map[oracle.Address][]PointerField)
	pc.ForEachRecord(func(r *AnonymousRecord) bool {
		if ctx.Err() != nil {
			cancelled = true
			return false
		}
		pf, err := ResolvePointers(pc, r)
		if err != nil {
			logSkip(opts.Logger, "resolve-pointers", r, err)
			return true
		}
		if len(pf) > 0 {
			pointers[r.Address] = pf
		}
		return true
	})
	if cancelled {
		return stats, multierr.Append(context.Canceled, flushDirty(pc, cache))
	}

	BuildPointerGraphs(pc, pointers)
	UnifySignatures(pc)
	stats.TypesUnified = len(pc.TypeRegistry)
	AggregateValueRanges(pc)

	return stats, flushDirty(pc, cache)
}

func logSkip(log *zap.SugaredLogger, pass string, r *AnonymousRecord, err error) {
	if log == nil {
		return
	}
	log.Warnw("skipping record", "pass", pass, "addr", r.Address, "error", err)
}

// flushDirty saves every record whose in-memory state hasn't been
// persisted yet, combining every individual save failure into one
// returned error rather than stopping at the first.
func flushDirty(pc *ProcessContext, cache *RecordCache) error {
	var errs error
	pc.ForEachRecord(func(r *AnonymousRecord) bool {
		if r.Dirty {
			if err := cache.Save(r); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		return true
	})
	return errs
}
