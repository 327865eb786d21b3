package vea

import (
	"container/list"

	"github.com/embedvea/vea/pkg/ptree"
)

// --- Persistent entities (spec.md §3), stored through the transactional
// memory engine and replayed wholesale at Load. ---

// SpaceDF is the on-device header: one per Instance, created by Format.
type SpaceDF struct {
	Magic      uint32
	Compat     uint32
	Version    uint32
	BlockSz    uint32
	HeaderBlks uint32
	TotalBlks  uint64
}

// FreeExtentDF is a persistent free-tree record. Key = BlkOff (unique);
// BlkOff == HintOffInval is reserved as a sentinel and never a valid key.
type FreeExtentDF struct {
	BlkOff uint64
	BlkCnt uint32
	Age    uint32
}

// End returns the exclusive end offset of the extent.
func (e FreeExtentDF) End() uint64 { return e.BlkOff + uint64(e.BlkCnt) }

// FreeBitmapDF is a persistent bitmap-chunk record. A chunk of BlkCnt
// contiguous blocks is partitioned into BlkCnt/Class slots of Class
// blocks each; bit i set means slot i is allocated.
type FreeBitmapDF struct {
	BlkOff  uint64
	BlkCnt  uint32
	Class   uint16
	Bitmap  []uint64 // len = ceil(BlkCnt/Class / 64)
}

// End returns the exclusive end offset of the chunk.
func (b FreeBitmapDF) End() uint64 { return b.BlkOff + uint64(b.BlkCnt) }

// HintDF is one producer's persisted (offset, seq) pair. BitmapChunkHintKey
// is reserved in the hint tree for the allocator's own chunk-carve hint.
type HintDF struct {
	Off uint64
	Seq uint64
}

// --- In-memory entities (spec.md §3), rebuilt at Load and otherwise owned
// exclusively by their Instance. ---

// BitmapState is the published-state tag a BitmapEntry carries while a
// new chunk's backing extent is being made durable.
type BitmapState int

const (
	BitmapPublished BitmapState = iota
	BitmapPublishing
	BitmapNew
)

func (s BitmapState) String() string {
	switch s {
	case BitmapPublished:
		return "published"
	case BitmapPublishing:
		return "publishing"
	case BitmapNew:
		return "new"
	default:
		return "unknown"
	}
}

// ExtentEntry mirrors a FreeExtentDF plus the bookkeeping needed to keep
// it docked in exactly one of {large heap, one sized-class LRU}.
type ExtentEntry struct {
	Ext FreeExtentDF

	sizedClass *SizedClass
	lruElem    *list.Element // element in sizedClass.LRU, nil unless docked there
	heapIdx    int           // index in the instance large-extent heap, -1 unless docked there
}

// SizedClass is the LRU list of all free extents of one exact block
// count; size_tree's values.
type SizedClass struct {
	BlkCnt uint32
	LRU    *list.List // of *ExtentEntry
}

// BitmapEntry mirrors a FreeBitmapDF, the working copy of its bitmap (kept
// equal to the persisted copy once Published), a per-chunk aging tree, and
// its published-state tag.
type BitmapEntry struct {
	Bitmap FreeBitmapDF
	State  BitmapState

	aggTree     *ptree.Tree[uint64, *AggEntry] // this chunk's own aging sub-tree
	lruElem     *list.Element                  // element on classLRU[class-1] or classEmpty[class-1]
	inEmptyList bool                           // true if lruElem currently sits on classEmpty
}

// AggEntry is one aging-buffer record: a just-freed range waiting to be
// unmapped and made allocatable again. It lives either in the instance's
// own agg tree (Bitmap == nil) or inside a BitmapEntry's agg tree.
type AggEntry struct {
	BlkOff uint64
	BlkCnt uint32
	Age    int64 // unix seconds, stamped at aggregation time

	Bitmap  *BitmapEntry // non-nil if this range came from a bitmap slot
	lruElem *list.Element // element on the instance's global agg LRU
}

// HintContext wraps one producer's persisted HintDF with a cached
// (offset, seq) pair. Reserve/Cancel/Publish only ever touch the cache;
// Publish additionally writes the persistent copy under the caller's
// transaction.
type HintContext struct {
	id           uint64
	CachedOffset uint64
	CachedSeq    uint64
}

// ID is the persistent-hint-tree key this context is bound to.
func (h *HintContext) ID() uint64 { return h.id }

// ReservedExt is a not-yet-published (or not-yet-cancelled) reservation,
// owned by the caller's list between Reserve and the terminal Publish or
// Cancel call.
type ReservedExt struct {
	Off uint64
	Cnt uint32

	hintOffBefore uint64
	hintSeq       uint64
	hintCtx       *HintContext

	// bitmapHintOffBefore/bitmapHintSeq mirror hintOffBefore/hintSeq but
	// for the allocator's own bitmapHintCtx, populated only when
	// newBitmapChunk is true (reserveBitmapChunk advances that cursor
	// unconditionally, independent of the caller's own hint).
	bitmapHintOffBefore uint64
	bitmapHintSeq       uint64

	private        *BitmapEntry // non-nil if served from the bitmap tier
	newBitmapChunk bool
}
