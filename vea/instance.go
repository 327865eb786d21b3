package vea

import (
	"container/list"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/embedvea/vea/pkg/backend"
	"github.com/embedvea/vea/pkg/metrics"
	"github.com/embedvea/vea/pkg/ptree"
	"github.com/embedvea/vea/pkg/txn"
)

// Instance binds one on-device SpaceDF header to its in-memory indexes.
// It owns every ExtentEntry/BitmapEntry/AggEntry reachable from those
// indexes; callers only ever hold the *Instance pointer, *HintContext
// pointers, and their own []ReservedExt lists.
//
// Lock order (there is none internally — see the package doc — but if a
// caller wraps one mutex around an Instance, only that single lock is
// ever needed; Instance never takes a lock of its own and never calls
// back into caller code except through the Store/Unmapper/metrics.Sink
// interfaces it was constructed with).
type Instance struct {
	// store, unmap, engine, log and metricsSink are immutable for the
	// life of the Instance.
	store   backend.Store
	unmap   backend.Unmapper
	extFlush bool // unmap_ctx.ext_flush: caller drives flushing externally
	engine  *txn.Engine
	log     *logrus.Entry
	metricsSink metrics.Sink

	// hdr mirrors the persisted SpaceDF; BlockSz/HeaderBlks/TotalBlks
	// never change after Load, Compat/Version may change via Upgrade.
	hdr SpaceDF

	// largeThresh is derived from hdr.BlockSz at Load and is immutable
	// thereafter: extents with BlkCnt > largeThresh live in the heap,
	// at or below it they live in the size tree (subject to bitmap
	// carving first, when enabled).
	largeThresh uint32

	// In-memory free-space index (§4.1). All four structures below are
	// mutated only by index.go/reserve.go/free.go and are protected by
	// whatever external lock the caller holds across this Instance.
	freeTree   *ptree.Tree[uint64, *ExtentEntry]
	sizeTree   *ptree.Tree[uint64, *SizedClass]
	heap       extentHeap
	bitmapTree *ptree.Tree[uint64, *BitmapEntry]

	bitmapLRU   [MaxBitmapClass]*list.List // class-1 indexed; chunks with >=1 free slot
	bitmapEmpty [MaxBitmapClass]*list.List // class-1 indexed; chunks fully free

	// Aging buffer (§4.5).
	aggTree *ptree.Tree[uint64, *AggEntry] // instance-level, for non-bitmap ranges
	aggLRU  *list.List                     // global LRU across aggTree and every BitmapEntry.aggTree

	lastFlush      time.Time
	flushScheduled bool

	// Persistent trees (§6), durable through engine. Every mutation to
	// these three happens inside a txn.Tx and is replayed at Load.
	pFreeTree   *ptree.Tree[uint64, FreeExtentDF]
	pBitmapTree *ptree.Tree[uint64, FreeBitmapDF]
	pHints      *ptree.Tree[uint64, HintDF]

	// bitmapHintCtx is the allocator's own chunk-carving cursor (§4.6),
	// loaded automatically when the bitmap feature is enabled.
	bitmapHintCtx *HintContext

	// Running free-block accounting (STAT_FREE_EXTENT_BLKS /
	// STAT_FREE_BITMAP_BLKS), mirrored into metricsSink on every change.
	freeExtentBlks uint64
	freeBitmapBlks uint64

	// fragsLarge/fragsSmall/fragsBitmap/fragsAging are maintained
	// incrementally by index.go/aging.go and mirrored into metricsSink.
	fragsLarge, fragsSmall, fragsBitmap, fragsAging int64
}

// Option configures optional collaborators at Load time.
type Option func(*Instance)

// WithLogger installs a structured logger. A nil l keeps the default, a
// logrus logger that writes warnings and errors to stderr.
func WithLogger(l *logrus.Entry) Option {
	return func(i *Instance) {
		if l != nil {
			i.log = l
		}
	}
}

// WithMetrics installs a metrics sink; default is metrics.Discard{}.
func WithMetrics(s metrics.Sink) Option {
	return func(i *Instance) { i.metricsSink = s }
}

// WithExternalFlush disables the non-forced flush Reserve runs before its
// first attempt and the flush Free runs after commit (the caller drives
// Flush itself), the ext_flush_bool half of unmap_ctx in spec.md §6. The
// forced flush Reserve runs once every tier is exhausted still happens.
func WithExternalFlush() Option {
	return func(i *Instance) { i.extFlush = true }
}

func newInstance(store backend.Store, unmap backend.Unmapper, engine *txn.Engine, opts []Option) *Instance {
	inst := &Instance{
		store:       store,
		unmap:       unmap,
		engine:      engine,
		log:         logrus.NewEntry(logrus.New()),
		metricsSink: metrics.Discard{},

		freeTree:   ptree.New[uint64, *ExtentEntry](),
		sizeTree:   ptree.New[uint64, *SizedClass](),
		bitmapTree: ptree.New[uint64, *BitmapEntry](),

		aggTree: ptree.New[uint64, *AggEntry](),
		aggLRU:  list.New(),

		pFreeTree:   ptree.New[uint64, FreeExtentDF](),
		pBitmapTree: ptree.New[uint64, FreeBitmapDF](),
		pHints:      ptree.New[uint64, HintDF](),
	}
	inst.log.Logger.SetLevel(logrus.WarnLevel)
	for c := 0; c < MaxBitmapClass; c++ {
		inst.bitmapLRU[c] = list.New()
		inst.bitmapEmpty[c] = list.New()
	}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// Unload tears down in-memory state; it never touches persistent state
// (spec.md §4.7). The caller should not use the Instance afterwards.
func Unload(inst *Instance) error {
	if err := inst.engine.Close(); err != nil {
		return fmt.Errorf("vea: unload: %w", err)
	}
	return inst.store.Close()
}
