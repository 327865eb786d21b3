package vea

import "fmt"

// This file implements VerifyAlloc, the §8 testable-property helper:
// report whether a block range is currently allocated by checking the
// free-space index it isn't found free in. Grounded on vea_util.c's
// vea_verify_alloc/verify_alloc_extent/verify_alloc_bitmap.

// VerifyAlloc reports whether [off, off+cnt) is allocated. transient
// selects the in-memory allocatable index over the durable one;
// isBitmap selects the bitmap tier over the plain extent trees. An error
// means the query range straddles a free/allocated boundary (a range
// that is itself a usage mistake, not a valid question to ask).
func VerifyAlloc(inst *Instance, transient bool, off uint64, cnt uint32, isBitmap bool) (bool, error) {
	if cnt == 0 {
		return false, fmt.Errorf("%w: verify alloc: zero block count", ErrInvalid)
	}
	if isBitmap {
		return verifyAllocBitmap(inst, transient, off, cnt)
	}
	return verifyAllocExtent(inst, transient, off, cnt)
}

// extentOverlap reports how [off, off+cnt) relates to one free extent:
// overlap is false if they don't touch at all; when overlap is true,
// contains tells whether the free extent fully covers the query range
// (true) or only partially does (false, an invalid straddling query).
// Grounded on ext_overlapping.
func extentOverlap(extOff uint64, extCnt uint32, off uint64, cnt uint32) (overlap, contains bool) {
	end := off + uint64(cnt)
	extEnd := extOff + uint64(extCnt)
	if extEnd <= off || end <= extOff {
		return false, false
	}
	if extOff <= off && extEnd >= end {
		return true, true
	}
	return true, false
}

// verifyAllocExtent probes the LE then GE neighbor of off in the
// relevant free tree: a neighbor that fully contains the query range
// means it's free, a neighbor with no overlap at all (on both probes)
// means it's allocated, and a partial overlap is an invalid query.
// Grounded on verify_alloc_extent's BTR_PROBE_LE-then-GE retry.
func verifyAllocExtent(inst *Instance, transient bool, off uint64, cnt uint32) (bool, error) {
	check := func(extOff uint64, extCnt uint32) (done, allocated bool, err error) {
		overlap, contains := extentOverlap(extOff, extCnt, off, cnt)
		if !overlap {
			return false, false, nil
		}
		if !contains {
			return true, false, fmt.Errorf("%w: verify alloc: range straddles a free-extent boundary", ErrInvalid)
		}
		return true, false, nil // fully covered by a free extent: not allocated
	}

	if transient {
		if _, e, ok := inst.freeTree.LE(off); ok {
			if done, allocated, err := check(e.Ext.BlkOff, e.Ext.BlkCnt); done {
				return allocated, err
			}
		}
		if _, e, ok := inst.freeTree.GE(off); ok {
			if done, allocated, err := check(e.Ext.BlkOff, e.Ext.BlkCnt); done {
				return allocated, err
			}
		}
	} else {
		if _, e, ok := inst.pFreeTree.LE(off); ok {
			if done, allocated, err := check(e.BlkOff, e.BlkCnt); done {
				return allocated, err
			}
		}
		if _, e, ok := inst.pFreeTree.GE(off); ok {
			if done, allocated, err := check(e.BlkOff, e.BlkCnt); done {
				return allocated, err
			}
		}
	}
	return true, nil // no free extent overlaps: fully allocated
}

// verifyAllocBitmap probes the LE neighbor chunk of off: no chunk there,
// or off falling outside that chunk's span, both mean nothing tracks
// this range as a bitmap slot (not allocated); inside the chunk, the
// answer comes straight from its slot bits, which must be entirely set
// for the range to count as allocated. Grounded on verify_alloc_bitmap.
func verifyAllocBitmap(inst *Instance, transient bool, off uint64, cnt uint32) (bool, error) {
	var chunk FreeBitmapDF
	if transient {
		_, e, ok := inst.bitmapTree.LE(off)
		if !ok {
			return false, nil
		}
		chunk = e.Bitmap
	} else {
		_, b, ok := inst.pBitmapTree.LE(off)
		if !ok {
			return false, nil
		}
		chunk = b
	}

	if off+uint64(cnt) <= chunk.BlkOff || off >= chunk.End() {
		return false, nil
	}

	startSlot := (off - chunk.BlkOff) / uint64(chunk.Class)
	endSlot := (off - chunk.BlkOff + uint64(cnt) - 1) / uint64(chunk.Class)
	for slot := startSlot; slot <= endSlot; slot++ {
		if bitmapSlotFree(&chunk, uint32(slot)) {
			return false, nil
		}
	}
	return true, nil
}
