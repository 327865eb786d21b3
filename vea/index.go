package vea

import (
	"container/list"

	"github.com/embedvea/vea/pkg/ptree"
)

// This file owns the in-memory free-space index (spec.md §4.1): docking
// and undocking ExtentEntry/BitmapEntry values into the structures
// Instance carries (size tree, large heap, bitmap class LRU/empty
// lists). Grounded on vea_free.c's extent_free_class_add/remove,
// find_or_create_sized_class and bitmap_free_class_add/remove. Nothing
// here touches the persistent trees or the transaction engine — that's
// reserve.go/free.go/publish.go's job, layered on top of these helpers.

// findOrCreateSizedClass returns the SizedClass for blkCnt, creating and
// docking a new one into the size tree if none exists yet.
func findOrCreateSizedClass(inst *Instance, blkCnt uint32) *SizedClass {
	if sc, ok := inst.sizeTree.Get(uint64(blkCnt)); ok {
		return sc
	}
	sc := &SizedClass{BlkCnt: blkCnt, LRU: list.New()}
	inst.sizeTree.Upsert(uint64(blkCnt), sc)
	return sc
}

// extentFreeClassAdd docks e into the large heap or a sized-class LRU,
// whichever its block count calls for.
func extentFreeClassAdd(inst *Instance, e *ExtentEntry) {
	if e.Ext.BlkCnt > inst.largeThresh {
		e.sizedClass = nil
		e.lruElem = nil
		heapInsert(&inst.heap, e)
		inst.fragsLarge++
		inst.metricsSink.SetFragsLarge(inst.fragsLarge)
		return
	}
	sc := findOrCreateSizedClass(inst, e.Ext.BlkCnt)
	e.sizedClass = sc
	e.heapIdx = -1
	e.lruElem = sc.LRU.PushBack(e)
	inst.fragsSmall++
	inst.metricsSink.SetFragsSmall(inst.fragsSmall)
}

// extentFreeClassRemove undocks e from wherever extentFreeClassAdd last
// placed it. A sized class that becomes empty is dropped from the size
// tree so the tree's key set always matches live classes.
func extentFreeClassRemove(inst *Instance, e *ExtentEntry) {
	if e.sizedClass != nil {
		sc := e.sizedClass
		sc.LRU.Remove(e.lruElem)
		if sc.LRU.Len() == 0 {
			inst.sizeTree.Delete(uint64(sc.BlkCnt))
		}
		e.sizedClass = nil
		e.lruElem = nil
		inst.fragsSmall--
		inst.metricsSink.SetFragsSmall(inst.fragsSmall)
		return
	}
	heapRemove(&inst.heap, e)
	inst.fragsLarge--
	inst.metricsSink.SetFragsLarge(inst.fragsLarge)
}

// insertFreeExtent docks a brand-new in-memory ExtentEntry for ext into
// the offset tree and the appropriate size class, and updates the
// running free-blocks gauge. Callers that also need this durable should
// call txnHandle.putFreeExtent first.
func insertFreeExtent(inst *Instance, ext FreeExtentDF) *ExtentEntry {
	e := &ExtentEntry{Ext: ext, heapIdx: -1}
	inst.freeTree.Upsert(ext.BlkOff, e)
	extentFreeClassAdd(inst, e)
	inst.freeExtentBlks += uint64(ext.BlkCnt)
	inst.metricsSink.SetFreeExtentBlks(int64(inst.freeExtentBlks))
	return e
}

// removeFreeExtent undocks and deletes the ExtentEntry at off, if any.
func removeFreeExtent(inst *Instance, off uint64) (*ExtentEntry, bool) {
	e, ok := inst.freeTree.Get(off)
	if !ok {
		return nil, false
	}
	extentFreeClassRemove(inst, e)
	inst.freeTree.Delete(off)
	inst.freeExtentBlks -= uint64(e.Ext.BlkCnt)
	inst.metricsSink.SetFreeExtentBlks(int64(inst.freeExtentBlks))
	return e, true
}

// resizeFreeExtent changes e's block count in place, re-docking it if
// that moves it between size classes or across the large threshold.
// Used by reserve.go's reserveExtent half-split, which shrinks the large
// heap's root extent in place rather than replacing it.
func resizeFreeExtent(inst *Instance, e *ExtentEntry, newCnt uint32) {
	delta := int64(newCnt) - int64(e.Ext.BlkCnt)
	wasLarge := e.sizedClass == nil
	nowLarge := newCnt > inst.largeThresh
	e.Ext.BlkCnt = newCnt
	switch {
	case wasLarge && nowLarge:
		heapFix(&inst.heap, e)
	case !wasLarge && !nowLarge && e.sizedClass.BlkCnt == newCnt:
		// still the same class; nothing to redock
	default:
		extentFreeClassRemove(inst, e)
		extentFreeClassAdd(inst, e)
	}
	inst.freeExtentBlks = uint64(int64(inst.freeExtentBlks) + delta)
	inst.metricsSink.SetFreeExtentBlks(int64(inst.freeExtentBlks))
}

// bitmapSlotCount returns the number of class-sized slots a chunk is
// partitioned into.
func bitmapSlotCount(b *FreeBitmapDF) uint32 {
	return b.BlkCnt / uint32(b.Class)
}

// bitmapFreeSlotCount counts zero (free) bits among a chunk's slots.
func bitmapFreeSlotCount(b *FreeBitmapDF) uint32 {
	total := bitmapSlotCount(b)
	var free uint32
	for i := uint32(0); i < total; i++ {
		if b.Bitmap[i/64]&(1<<(i%64)) == 0 {
			free++
		}
	}
	return free
}

// bitmapSlotFree reports whether slot i of the chunk is unallocated.
func bitmapSlotFree(b *FreeBitmapDF, i uint32) bool {
	return b.Bitmap[i/64]&(1<<(i%64)) == 0
}

// bitmapSlotSet marks slot i allocated (alloc=true) or free (alloc=false).
func bitmapSlotSet(b *FreeBitmapDF, i uint32, alloc bool) {
	if alloc {
		b.Bitmap[i/64] |= 1 << (i % 64)
	} else {
		b.Bitmap[i/64] &^= 1 << (i % 64)
	}
}

// bitmapFreeClassAdd docks e into classEmpty[class-1] if every slot is
// free (reclaimable wholesale back to a plain extent — see aging.go's
// reclaimUnusedBitmap), classLRU[class-1] if some but not all slots are
// free (reservable), or leaves it undocked from both lists if every slot
// is allocated (reachable only via the offset-keyed bitmap tree, same as
// bitmap_free_class_add's "free_blks < class" case contributes to
// neither d_list).
func bitmapFreeClassAdd(inst *Instance, e *BitmapEntry) {
	class := e.Bitmap.Class
	free := bitmapFreeSlotCount(&e.Bitmap)
	total := bitmapSlotCount(&e.Bitmap)
	switch {
	case free == total:
		e.lruElem = inst.bitmapEmpty[class-1].PushBack(e)
		e.inEmptyList = true
	case free > 0:
		e.lruElem = inst.bitmapLRU[class-1].PushBack(e)
		e.inEmptyList = false
	default:
		e.lruElem = nil
		e.inEmptyList = false
	}
	inst.fragsBitmap++
	inst.metricsSink.SetFragsBitmap(inst.fragsBitmap)
}

// bitmapFreeClassRemove undocks e from whichever list it currently sits
// on, if any.
func bitmapFreeClassRemove(inst *Instance, e *BitmapEntry) {
	if e.lruElem != nil {
		class := e.Bitmap.Class
		if e.inEmptyList {
			inst.bitmapEmpty[class-1].Remove(e.lruElem)
		} else {
			inst.bitmapLRU[class-1].Remove(e.lruElem)
		}
		e.lruElem = nil
	}
	inst.fragsBitmap--
	inst.metricsSink.SetFragsBitmap(inst.fragsBitmap)
}

// bitmapRedock moves e between classEmpty, classLRU and fully-undocked as
// its free-slot count crosses a boundary. Call after every slot allocated
// or freed within an already-docked chunk.
func bitmapRedock(inst *Instance, e *BitmapEntry) {
	free := bitmapFreeSlotCount(&e.Bitmap)
	total := bitmapSlotCount(&e.Bitmap)
	switch {
	case free == total && e.inEmptyList:
		return
	case free > 0 && free < total && e.lruElem != nil && !e.inEmptyList:
		return
	case free == 0 && e.lruElem == nil:
		return
	}
	bitmapFreeClassRemove(inst, e)
	bitmapFreeClassAdd(inst, e)
}

// insertBitmapChunk docks a brand-new in-memory BitmapEntry for b and
// updates the running free-bitmap-blocks gauge.
func insertBitmapChunk(inst *Instance, b FreeBitmapDF, state BitmapState) *BitmapEntry {
	e := &BitmapEntry{Bitmap: b, State: state, aggTree: ptree.New[uint64, *AggEntry]()}
	inst.bitmapTree.Upsert(b.BlkOff, e)
	bitmapFreeClassAdd(inst, e)
	inst.freeBitmapBlks += uint64(bitmapFreeSlotCount(&b)) * uint64(b.Class)
	inst.metricsSink.SetFreeBitmapBlks(int64(inst.freeBitmapBlks))
	return e
}

// removeBitmapChunk undocks and deletes the BitmapEntry at off, if any.
func removeBitmapChunk(inst *Instance, off uint64) (*BitmapEntry, bool) {
	e, ok := inst.bitmapTree.Get(off)
	if !ok {
		return nil, false
	}
	freeBlks := uint64(bitmapFreeSlotCount(&e.Bitmap)) * uint64(e.Bitmap.Class)
	bitmapFreeClassRemove(inst, e)
	inst.bitmapTree.Delete(off)
	inst.freeBitmapBlks -= freeBlks
	inst.metricsSink.SetFreeBitmapBlks(int64(inst.freeBitmapBlks))
	return e, true
}

// bitmapBlksDelta adjusts the free-bitmap-blocks gauge by slots*class
// blocks (positive when slots became free, negative when allocated) and
// re-docks e if that flipped it between classLRU and classEmpty.
func bitmapBlksDelta(inst *Instance, e *BitmapEntry, slots int, class uint16) {
	inst.freeBitmapBlks = uint64(int64(inst.freeBitmapBlks) + int64(slots)*int64(class))
	inst.metricsSink.SetFreeBitmapBlks(int64(inst.freeBitmapBlks))
	bitmapRedock(inst, e)
}
