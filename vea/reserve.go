package vea

import (
	"fmt"
)

// This file implements the §4.2 reserve protocol: picking a range out of
// the in-memory allocatable index without touching durable state. Grounded
// on vea_alloc.c's reserve_hint/reserve_extent/reserve_size_tree/
// reserve_bitmap/reserve_bitmap_chunk/reserve_small/reserve_single and the
// retry-after-forced-flush loop in vea_api.c's vea_reserve.

// reserveHint tries to carve exactly blkCnt blocks off the front of the
// free extent sitting at the hint offset, if one exists and is big
// enough. Grounded on reserve_hint.
func reserveHint(inst *Instance, blkCnt uint32, hintOff uint64) *ReservedExt {
	if hintOff == HintOffInval {
		return nil
	}
	e, ok := inst.freeTree.Get(hintOff)
	if !ok || e.Ext.BlkCnt < blkCnt {
		return nil
	}
	r := allocFromExtent(inst, e, blkCnt)
	inst.metricsSink.IncReserveHint()
	return r
}

// allocFromExtent carves blkCnt blocks off the front of e, removing e
// entirely if it's consumed exactly or shrinking it in place otherwise.
// Grounded on compound_alloc_extent.
func allocFromExtent(inst *Instance, e *ExtentEntry, blkCnt uint32) *ReservedExt {
	off := e.Ext.BlkOff
	if e.Ext.BlkCnt == blkCnt {
		removeFreeExtent(inst, off)
	} else {
		removeFreeExtent(inst, off)
		insertFreeExtent(inst, FreeExtentDF{BlkOff: off + uint64(blkCnt), BlkCnt: e.Ext.BlkCnt - blkCnt})
	}
	return &ReservedExt{Off: off, Cnt: blkCnt}
}

// reserveSizeTree serves blkCnt from the best-fit (smallest sufficient)
// sized class, taking the least-recently-used extent in that class.
// Grounded on reserve_size_tree.
func reserveSizeTree(inst *Instance, blkCnt uint32) *ReservedExt {
	_, sc, ok := inst.sizeTree.GE(uint64(blkCnt))
	if !ok {
		return nil
	}
	front := sc.LRU.Front()
	if front == nil {
		return nil
	}
	e := front.Value.(*ExtentEntry)
	r := allocFromExtent(inst, e, blkCnt)
	inst.metricsSink.IncReserveSmall()
	return r
}

// reserveExtent serves blkCnt from the single largest free extent,
// splitting it in half and allocating from the back half when it's large
// enough to be worth subdividing, or carving straight off the front
// otherwise. Grounded on reserve_extent.
func reserveExtent(inst *Instance, blkCnt uint32) *ReservedExt {
	root, ok := heapRoot(inst.heap)
	if !ok || root.Ext.BlkCnt < blkCnt {
		return nil
	}

	splitThresh := blkCnt
	if inst.largeThresh > splitThresh {
		splitThresh = inst.largeThresh
	}
	splitThresh *= 2

	if root.Ext.BlkCnt <= splitThresh {
		r := allocFromExtent(inst, root, blkCnt)
		inst.metricsSink.IncReserveLarge()
		return r
	}

	blkOff := root.Ext.BlkOff
	totBlks := root.Ext.BlkCnt
	halfBlks := totBlks / 2

	resizeFreeExtent(inst, root, halfBlks)

	if totBlks > halfBlks+blkCnt {
		rem := FreeExtentDF{BlkOff: blkOff + uint64(halfBlks) + uint64(blkCnt), BlkCnt: totBlks - halfBlks - blkCnt}
		insertFreeExtent(inst, rem)
	}
	inst.metricsSink.IncReserveLarge()
	return &ReservedExt{Off: blkOff + uint64(halfBlks), Cnt: blkCnt}
}

// reserveSingle is the combined small/large fallback tried regardless of
// whether the hint path was attempted first: the bitmap tier and
// best-fit size tree when there's no oversized free extent to split or
// blkCnt doesn't qualify as large, the largest free extent otherwise.
// Grounded on reserve_single.
func reserveSingle(inst *Instance, blkCnt uint32) *ReservedExt {
	if len(inst.heap) == 0 {
		return reserveSmall(inst, blkCnt)
	}
	if blkCnt < inst.largeThresh {
		if r := reserveSmall(inst, blkCnt); r != nil {
			return r
		}
	}
	return reserveExtent(inst, blkCnt)
}

// findFirstFreeSlot scans b's slots in order and returns the first free
// one.
func findFirstFreeSlot(b *FreeBitmapDF) (uint32, bool) {
	total := bitmapSlotCount(b)
	for i := uint32(0); i < total; i++ {
		if bitmapSlotFree(b, i) {
			return i, true
		}
	}
	return 0, false
}

// reserveBitmap serves blkCnt from the bitmap tier: the front of
// classLRU[blkCnt-1] (a chunk known to have at least one free slot) if
// one exists, else the front of classEmpty[blkCnt-1] (a never-touched,
// fully-free chunk, promoted to classLRU once its first slot is taken),
// else nil to fall through to carving a brand-new chunk. Grounded on
// reserve_bitmap.
func reserveBitmap(inst *Instance, blkCnt uint32) (*ReservedExt, *BitmapEntry) {
	if inst.hdr.Compat&CompatBitmap == 0 || blkCnt > MaxBitmapClass {
		return nil, nil
	}

	if front := inst.bitmapLRU[blkCnt-1].Front(); front != nil {
		e := front.Value.(*BitmapEntry)
		slot, ok := findFirstFreeSlot(&e.Bitmap)
		if !ok {
			return nil, nil
		}
		bitmapSlotSet(&e.Bitmap, slot, true)
		bitmapBlksDelta(inst, e, -1, e.Bitmap.Class)
		off := e.Bitmap.BlkOff + uint64(slot)*uint64(blkCnt)
		inst.metricsSink.IncReserveBitmap()
		return &ReservedExt{Off: off, Cnt: blkCnt, private: e}, e
	}

	if front := inst.bitmapEmpty[blkCnt-1].Front(); front != nil {
		e := front.Value.(*BitmapEntry)
		bitmapSlotSet(&e.Bitmap, 0, true)
		bitmapBlksDelta(inst, e, -1, e.Bitmap.Class)
		inst.metricsSink.IncReserveBitmap()
		return &ReservedExt{Off: e.Bitmap.BlkOff, Cnt: blkCnt, private: e}, e
	}

	return nil, nil
}

// bitmapChunkSizeBlks picks how many blocks a freshly-carved bitmap chunk
// of the given class should span: the minimum chunk size, scaled up
// while free extent space is abundant, capped at BitmapMaxChunkBlks.
// LargeExtFreeBlksThresholdBytes is a byte quantity, so it's converted to
// a block count against this instance's BlockSz before comparing against
// freeExtentBlks (itself a block count) — get_bitmap_chunk_blks does the
// same division against VEA_BLK_SZ before comparing to
// vsi_stat[STAT_FREE_EXTENT_BLKS]. Grounded on get_bitmap_chunk_blks.
func bitmapChunkSizeBlks(inst *Instance, class uint32) uint32 {
	chunkBlks := BitmapMinChunkBlks * class
	largeExtFreeBlksThreshold := uint64(LargeExtFreeBlksThresholdBytes) / uint64(inst.hdr.BlockSz)
	if inst.freeExtentBlks >= largeExtFreeBlksThreshold {
		if times := BitmapMaxChunkBlks / chunkBlks; times > 1 {
			chunkBlks *= times
		}
	}
	return uint32(chunkBlks)
}

// reserveBitmapChunk carves a brand-new chunk of class blkCnt out of the
// plain-extent tiers (hint first, then single), sized by
// bitmapChunkSizeBlks, and docks it as a not-yet-published BitmapEntry.
// Grounded on reserve_bitmap_chunk + the VEA_BITMAP_STATE_NEW half of
// reserve_bitmap.
func reserveBitmapChunk(inst *Instance, class uint32, hintOff uint64) *ReservedExt {
	chunkBlks := bitmapChunkSizeBlks(inst, class)

	r := reserveHint(inst, chunkBlks, hintOff)
	if r == nil {
		r = reserveSingle(inst, chunkBlks)
	}
	if r == nil {
		return nil
	}

	e := insertBitmapChunk(inst, FreeBitmapDF{
		BlkOff: r.Off,
		BlkCnt: chunkBlks,
		Class:  uint16(class),
		Bitmap: make([]uint64, (chunkBlks/uint32(class)+63)/64),
	}, BitmapNew)
	bitmapSlotSet(&e.Bitmap, 0, true)
	bitmapBlksDelta(inst, e, -1, e.Bitmap.Class)

	// The bitmap carving cursor advances past the whole freshly-carved
	// chunk, not just the one class-sized slot this call consumes from
	// it — matching reserve_bitmap_chunk's own hint_update call, which
	// uses the chunk's own blk_cnt rather than the caller's blk_cnt.
	before := hintGet(inst.bitmapHintCtx)
	seq := hintUpdate(inst.bitmapHintCtx, r.Off+uint64(chunkBlks))

	inst.metricsSink.IncReserveBitmap()
	return &ReservedExt{
		Off: r.Off, Cnt: class, private: e, newBitmapChunk: true,
		bitmapHintOffBefore: before, bitmapHintSeq: seq,
	}
}

// reserveSmall tries the bitmap tier (creating a new chunk if none has
// room), falling back to the plain-extent size tree. Grounded on
// reserve_small + reserve_bitmap.
func reserveSmall(inst *Instance, blkCnt uint32) *ReservedExt {
	if blkCnt >= inst.largeThresh {
		return nil
	}
	if inst.hdr.Compat&CompatBitmap != 0 && blkCnt <= MaxBitmapClass {
		if r, _ := reserveBitmap(inst, blkCnt); r != nil {
			return r
		}
		if r := reserveBitmapChunk(inst, blkCnt, hintGet(inst.bitmapHintCtx)); r != nil {
			return r
		}
	}
	return reserveSizeTree(inst, blkCnt)
}

// Reserve picks blkCnt contiguous blocks out of the in-memory allocatable
// index without making anything durable; the caller must later call
// Publish or Cancel on the result. hint, if non-nil, is tried first and
// is updated in place to reflect where the next allocation from this
// producer should start. Grounded on vea_reserve's attempt order (hint,
// then the largest-extent/best-fit single-extent path, retrying once
// after a forced flush if every tier came up empty).
func Reserve(inst *Instance, blkCnt uint32, hint *HintContext) (*ReservedExt, error) {
	if blkCnt == 0 {
		return nil, fmt.Errorf("%w: reserve 0 blocks", ErrInvalid)
	}

	tryHint := true
	if inst.hdr.Compat&CompatBitmap != 0 && blkCnt <= MaxBitmapClass {
		tryHint = false
	}

	if !inst.extFlush {
		if _, err := Flush(inst, false, MaxFlushFrags); err != nil {
			inst.log.WithError(err).Warn("vea: inline flush failed during reserve")
		}
	}

	force := false
	for {
		var r *ReservedExt
		if tryHint {
			r = reserveHint(inst, blkCnt, hintGet(hint))
		}
		if r == nil {
			r = reserveSingle(inst, blkCnt)
		}

		if r != nil {
			// The caller-supplied hint only advances when this
			// reservation didn't come from the bitmap tier (which
			// tracks its own, separate carving cursor) — matching
			// vea_reserve's done: block, which updates the hint
			// whenever resrvd->vre_private is NULL regardless of
			// whether the hint path was even attempted.
			if r.private == nil {
				r.hintCtx = hint
				r.hintOffBefore = hintGet(hint)
				r.hintSeq = hintUpdate(hint, r.Off+uint64(r.Cnt))
			}
			return r, nil
		}

		if force {
			return nil, ErrNoSpace
		}
		force = true
		n, err := Flush(inst, true, MaxFlushFrags*10)
		if err != nil {
			return nil, fmt.Errorf("vea: forced flush during reserve: %w", err)
		}
		if n == 0 {
			return nil, ErrNoSpace
		}
	}
}
