package vea

import (
	"fmt"
	"time"

	"github.com/embedvea/vea/pkg/ptree"
)

// This file implements the three free surfaces of spec.md §4.4, grounded
// on vea_free.c and the vea_free() sequencing in vea_api.c:
//
//   - persistent: the durable free tree or the durable half of a bitmap
//     chunk's bitmap, updated synchronously inside Free's own
//     transaction (mergePersistentFreeExtent / persistentBitmapFreeRange).
//   - aggregated: the freed range is staged in an aging buffer (the
//     instance's aggTree, or a bitmap chunk's own aggTree) once the
//     transaction that persisted it actually commits, via aggregateFree.
//   - compound: Flush (aging.go) drains aged aggregated entries back
//     into the allocatable in-memory index — the size tree/heap for
//     plain extents, or the BitmapEntry's working bitmap copy for
//     bitmap slots — via compoundFreeExtent / compoundFreeBitmapSlots.
//
// Only "persistent" runs synchronously in Free; "aggregated" runs once
// durable (deferred through the transaction engine so an enclosing,
// still-open transaction that later aborts never lets a free become
// prematurely visible); "compound" runs later still, during Flush.

// isAgingFragLarge reports whether an in-aging-buffer fragment has grown
// large enough that Free should stop merging new neighbors into it, so
// one huge freed range can't monopolize the aging buffer indefinitely.
func isAgingFragLarge(blkCnt uint32) bool {
	return blkCnt >= LargeAgingFragBlks
}

// classifyFree decides which persistent surface [off, off+cnt) belongs
// to: nil means "a plain extent"; a non-nil *BitmapEntry means the range
// falls entirely inside that chunk's slots. Grounded on vea_free.c's
// free_type.
func classifyFree(inst *Instance, off uint64, cnt uint32) (*BitmapEntry, error) {
	if cnt > BitmapMaxChunkBlks {
		return nil, nil
	}
	_, chunk, ok := inst.bitmapTree.LE(off)
	if !ok || off > chunk.Bitmap.End()-1 {
		return nil, nil
	}
	end := off + uint64(cnt) - 1
	if end > chunk.Bitmap.End()-1 {
		return nil, fmt.Errorf("%w: free range [%d,%d) crosses bitmap chunk boundary at %d",
			ErrInvalid, off, off+uint64(cnt), chunk.Bitmap.End())
	}
	return chunk, nil
}

// mergePersistentFreeExtent upserts in into the durable free tree,
// absorbing an exactly-touching predecessor and/or successor. Grounded
// on merge_free_ext(..., VEA_TYPE_PERSIST, ...) + persistent_free_extent,
// simplified from DAOS's merged/not-merged branch to an unconditional
// upsert of the (possibly extended) record.
func mergePersistentFreeExtent(h *txnHandle, in FreeExtentDF) {
	pt := h.inst.pFreeTree
	merged := in

	if _, prev, ok := pt.Prev(in.BlkOff); ok && prev.End() == in.BlkOff {
		h.delFreeExtent(prev.BlkOff)
		merged.BlkOff = prev.BlkOff
		merged.BlkCnt += prev.BlkCnt
	}
	if _, next, ok := pt.Next(in.BlkOff); ok && next.BlkOff == merged.End() {
		h.delFreeExtent(next.BlkOff)
		merged.BlkCnt += next.BlkCnt
	}
	merged.Age = 0 // not used on the persistent copy
	h.putFreeExtent(merged)
}

// persistentBitmapFreeRange clears the durable bits for [off, off+cnt)
// inside chunk's persistent record. The chunk's in-memory working bitmap
// (and therefore allocatability) is left untouched until Flush drains
// the matching aggregated entry — see compoundFreeBitmapSlots.
func persistentBitmapFreeRange(h *txnHandle, chunk *BitmapEntry, off uint64, cnt uint32) error {
	pd, ok := h.inst.pBitmapTree.Get(chunk.Bitmap.BlkOff)
	if !ok {
		return fmt.Errorf("%w: no persistent bitmap chunk at %d", ErrInvalid, chunk.Bitmap.BlkOff)
	}
	pd.Bitmap = append([]uint64(nil), pd.Bitmap...)
	class := uint32(pd.Class)
	first := uint32(off-pd.BlkOff) / class
	n := cnt / class
	for i := uint32(0); i < n; i++ {
		if bitmapSlotFree(&pd, first+i) {
			return fmt.Errorf("%w: slot %d of bitmap chunk %d is not allocated", ErrInvalid, first+i, pd.BlkOff)
		}
	}
	for i := uint32(0); i < n; i++ {
		bitmapSlotSet(&pd, first+i, false)
	}
	h.putBitmapChunk(pd)
	return nil
}

// compoundFreeExtent docks a drained (already unmapped) range back into
// the allocatable in-memory index, absorbing exactly-touching neighbors.
// Grounded on compound_free_extent; the accounting DAOS does explicitly
// (inc_stats(STAT_FREE_EXTENT_BLKS, ...)) falls out automatically here
// since insertFreeExtent/removeFreeExtent already maintain that gauge.
func compoundFreeExtent(inst *Instance, in FreeExtentDF) {
	merged := in
	if _, prev, ok := inst.freeTree.Prev(in.BlkOff); ok && prev.Ext.End() == in.BlkOff {
		removeFreeExtent(inst, prev.Ext.BlkOff)
		merged.BlkOff = prev.Ext.BlkOff
		merged.BlkCnt += prev.Ext.BlkCnt
	}
	if _, next, ok := inst.freeTree.Next(in.BlkOff); ok && next.Ext.BlkOff == merged.End() {
		removeFreeExtent(inst, next.Ext.BlkOff)
		merged.BlkCnt += next.Ext.BlkCnt
	}
	insertFreeExtent(inst, merged)
}

// compoundFreeBitmapSlots clears [off, off+cnt) in chunk's in-memory
// working bitmap, the point at which those slots actually become
// reservable, and redocks chunk between classLRU/classEmpty. If the
// chunk was never published and is now completely free, it is handed
// back wholesale as a plain extent instead (vea_free.c's
// VEA_BITMAP_STATE_NEW early-reclaim path in compound_free).
func compoundFreeBitmapSlots(inst *Instance, chunk *BitmapEntry, off uint64, cnt uint32) {
	class := uint32(chunk.Bitmap.Class)
	first := uint32(off-chunk.Bitmap.BlkOff) / class
	n := cnt / class
	freedSlots := 0
	for i := uint32(0); i < n; i++ {
		if !bitmapSlotFree(&chunk.Bitmap, first+i) {
			bitmapSlotSet(&chunk.Bitmap, first+i, false)
			freedSlots++
		}
	}
	if freedSlots == 0 {
		return
	}
	bitmapBlksDelta(inst, chunk, freedSlots, chunk.Bitmap.Class)

	if chunk.State == BitmapNew && bitmapFreeSlotCount(&chunk.Bitmap) == bitmapSlotCount(&chunk.Bitmap) {
		off, cnt := chunk.Bitmap.BlkOff, chunk.Bitmap.BlkCnt
		removeBitmapChunk(inst, chunk.Bitmap.BlkOff)
		compoundFreeExtent(inst, FreeExtentDF{BlkOff: off, BlkCnt: cnt})
	}
}

// aggTreeFor returns the aging sub-tree a freed range should be staged
// in: the instance-wide tree for plain extents, or the owning chunk's
// own tree for bitmap slots (so one producer's bitmap churn can't starve
// plain-extent aging, and vice versa).
func aggTreeFor(inst *Instance, bitmap *BitmapEntry) *ptree.Tree[uint64, *AggEntry] {
	if bitmap != nil {
		return bitmap.aggTree
	}
	return inst.aggTree
}

// insertAggEntry docks a brand-new aging-buffer entry into tree and the
// instance's global aging LRU.
func insertAggEntry(inst *Instance, tree *ptree.Tree[uint64, *AggEntry], bitmap *BitmapEntry, ext FreeExtentDF) *AggEntry {
	e := &AggEntry{BlkOff: ext.BlkOff, BlkCnt: ext.BlkCnt, Age: int64(ext.Age), Bitmap: bitmap}
	tree.Upsert(ext.BlkOff, e)
	e.lruElem = inst.aggLRU.PushBack(e)
	inst.fragsAging++
	inst.metricsSink.SetFragsAging(inst.fragsAging)
	return e
}

// removeAggEntry undocks e from tree and the global aging LRU.
func removeAggEntry(inst *Instance, tree *ptree.Tree[uint64, *AggEntry], e *AggEntry) {
	tree.Delete(e.BlkOff)
	inst.aggLRU.Remove(e.lruElem)
	inst.fragsAging--
	inst.metricsSink.SetFragsAging(inst.fragsAging)
}

// aggregateFree stages [off, off+cnt) in the aging buffer, merging with
// an exactly-touching predecessor and/or successor unless that neighbor
// has already grown past the large-fragment cap — except when both
// neighbors are large, in which case the freed range still merges into
// next rather than staying unmerged, so a large aging frag can't wall
// off next's space indefinitely. Grounded on aggregated_free +
// merge_free_ext(..., VEA_TYPE_AGGREGATE, ...)'s large_prev bool.
func aggregateFree(inst *Instance, bitmap *BitmapEntry, off uint64, cnt uint32) {
	tree := aggTreeFor(inst, bitmap)
	merged := FreeExtentDF{BlkOff: off, BlkCnt: cnt, Age: uint32(time.Now().Unix())}

	largePrev := false
	if _, prev, ok := tree.Prev(off); ok && prev.BlkOff+uint64(prev.BlkCnt) == off {
		if isAgingFragLarge(prev.BlkCnt) {
			largePrev = true
		} else {
			removeAggEntry(inst, tree, prev)
			merged.BlkOff = prev.BlkOff
			merged.BlkCnt += prev.BlkCnt
		}
	}
	if _, next, ok := tree.Next(merged.BlkOff); ok && next.BlkOff == merged.End() && (!isAgingFragLarge(next.BlkCnt) || largePrev) {
		removeAggEntry(inst, tree, next)
		merged.BlkCnt += next.BlkCnt
	}
	insertAggEntry(inst, tree, bitmap, merged)
}

// Free returns a previously-published range to the allocator. It is
// synchronous at the persistent layer (the durable free tree or bitmap
// is updated before Free returns) and asynchronous at the in-memory
// layer: the range only becomes reservable again once Flush drains it
// out of the aging buffer. Pass a non-nil parent to fold Free into an
// already-open transaction; aggregation is deferred (via OnCommit) until
// whichever transaction is outermost in that chain actually commits, so
// an enclosing abort can never leave a freed range optimistically
// visible. Unless the Instance uses WithExternalFlush, a committed Free
// also runs a non-forced Flush once FlushDebounce has passed since the
// last flush. Grounded on vea_free() in vea_api.c.
func Free(inst *Instance, parent *Txn, off uint64, cnt uint32) error {
	if cnt == 0 || off == HintOffInval {
		return fmt.Errorf("%w: free [%d, %d)", ErrInvalid, off, off+uint64(cnt))
	}

	bitmap, err := classifyFree(inst, off, cnt)
	if err != nil {
		return err
	}
	if bitmap == nil {
		if _, p, ok := inst.pFreeTree.LE(off + uint64(cnt) - 1); ok && p.End() > off {
			return fmt.Errorf("%w: free [%d, %d) overlaps free extent at %d", ErrInvalid, off, off+uint64(cnt), p.BlkOff)
		}
	}

	h := beginTxn(inst, txnHandleOf(parent))
	if bitmap == nil {
		mergePersistentFreeExtent(h, FreeExtentDF{BlkOff: off, BlkCnt: cnt})
	} else if err := persistentBitmapFreeRange(h, bitmap, off, cnt); err != nil {
		return h.Abort(err)
	}

	h.OnCommit(func() { aggregateFree(inst, bitmap, off, cnt) })
	if !inst.extFlush {
		committed := false
		h.OnCommit(func() { committed = true })
		h.OnEnd(func() {
			if committed && time.Since(inst.lastFlush) >= FlushDebounce {
				if _, err := Flush(inst, false, MaxFlushFrags); err != nil {
					inst.log.WithError(err).Warn("vea: scheduled flush after free failed")
				}
			}
		})
	}
	return h.Commit()
}
