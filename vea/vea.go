// Package vea implements the Versioned Extent Allocator: a crash-consistent
// block allocator for a byte-addressable backing device whose free-space
// metadata is updated transactionally.
//
// An Instance binds one on-device SpaceDF header to a set of in-memory
// indexes (offset-keyed free tree, size-keyed sized classes, a max-heap of
// large extents, and a bitmap tier for small fixed-size allocations). Four
// operations drive it: Reserve (pick a range, without touching durable
// state), Publish (make a reservation durable, inside the caller's
// transaction), Cancel (give a reservation back without ever having
// published it), and Free (return a previously-published range, which is
// staged through an aging buffer before it becomes reusable — see Flush).
//
// # Concurrency
//
// A single Instance is single-writer: every exported method assumes the
// caller holds whatever external lock serializes access to that Instance.
// VEA takes no internal locks, matching the "caller serializes" model of
// the system it's modeled on. Multiple Instances over different backing
// stores are fully independent of one another.
//
// The only operations that may block for a meaningful amount of time are
// Flush (it calls the configured Unmapper) and anything that opens a
// transaction against a slow backing store; Reserve can trigger an inline
// Flush and therefore inherits that possibility.
package vea

import "time"

// Block-layout constants. These govern on-disk format compatibility and
// must never change without a corresponding Compat bit (see SpaceDF).
const (
	Magic = uint32(0xea201804)

	// DefaultBlockSz is used by Format when the caller passes 0, and is
	// also the unit every non-zero blkSz argument must be a multiple of.
	DefaultBlockSz = 4096

	// MinCapacityBlocks is the smallest total device size (in units of
	// blkSz, header blocks included) Format will accept.
	MinCapacityBlocks = 100

	// LargeExtMB is the large-extent threshold in MiB: extents with a
	// block count above BlockSz-relative large_thresh are tracked in the
	// large-extent heap rather than the size tree.
	LargeExtMB = 64

	// MaxFlushFrags bounds how many aging-buffer entries one inline flush
	// drains in a single call.
	MaxFlushFrags = 256

	// LargeAgingFragBlks is the size, in blocks, at or above which an
	// aging-buffer entry stops merging with new neighbors (so one huge
	// freed range can't monopolize the aging buffer indefinitely).
	LargeAgingFragBlks = 8192

	MinBitmapClass = 1
	MaxBitmapClass = 64

	BitmapMinChunkBlks = 256
	BitmapMaxChunkBlks = MaxBitmapClass * BitmapMinChunkBlks

	// HintOffInval marks "no hint recorded yet".
	HintOffInval = 0

	// BitmapChunkHintKey is the reserved persistent-hint-tree key used by
	// the allocator's own bitmap chunk-carving cursor.
	BitmapChunkHintKey = ^uint64(0)

	// LargeExtFreeBlksThresholdBytes is the free-extent watermark, in
	// bytes (32 GiB); bitmapChunkSizeBlks divides it by the block size and
	// carves new bitmap chunks at their maximum size instead of their
	// minimum size once free extent blocks exceed that count.
	LargeExtFreeBlksThresholdBytes = 32 << 30

	// UnmapThresholdBytes is the minimum range size that gets queued for
	// an actual unmap call during flush; smaller ranges are still made
	// allocatable, just without a discard.
	UnmapThresholdBytes = 1 << 20
)

// Compat bits, OR'd into SpaceDF.Compat. Bits may only be turned on
// (never off) across an upgrade.
const (
	CompatBitmap uint32 = 1 << 0
)

// Aging and flush timing, in wall-clock terms (the original tracks these
// in coarse seconds; time.Duration is the idiomatic Go equivalent).
const (
	AgingExpiry   = 3 * time.Second
	FlushDebounce = 2 * time.Second
)
