package vea

import "testing"

func newTestInstance(largeThresh uint32) *Instance {
	inst := newInstance(nil, nil, nil, nil)
	inst.largeThresh = largeThresh
	return inst
}

func TestExtentFreeClassAddSmallGoesToSizeTree(t *testing.T) {
	inst := newTestInstance(100)
	e := insertFreeExtent(inst, FreeExtentDF{BlkOff: 10, BlkCnt: 5})

	if e.sizedClass == nil {
		t.Fatalf("expected small extent to dock into a sized class")
	}
	if e.sizedClass.BlkCnt != 5 {
		t.Fatalf("sized class BlkCnt = %d, want 5", e.sizedClass.BlkCnt)
	}
	if inst.freeExtentBlks != 5 {
		t.Fatalf("freeExtentBlks = %d, want 5", inst.freeExtentBlks)
	}
	if inst.fragsSmall != 1 || inst.fragsLarge != 0 {
		t.Fatalf("fragsSmall=%d fragsLarge=%d, want 1,0", inst.fragsSmall, inst.fragsLarge)
	}
}

func TestExtentFreeClassAddLargeGoesToHeap(t *testing.T) {
	inst := newTestInstance(100)
	e := insertFreeExtent(inst, FreeExtentDF{BlkOff: 10, BlkCnt: 200})

	if e.sizedClass != nil {
		t.Fatalf("expected large extent not to dock into a sized class")
	}
	if len(inst.heap) != 1 {
		t.Fatalf("heap len = %d, want 1", len(inst.heap))
	}
	if inst.fragsLarge != 1 || inst.fragsSmall != 0 {
		t.Fatalf("fragsLarge=%d fragsSmall=%d, want 1,0", inst.fragsLarge, inst.fragsSmall)
	}
}

func TestRemoveFreeExtentDropsEmptySizeClass(t *testing.T) {
	inst := newTestInstance(100)
	insertFreeExtent(inst, FreeExtentDF{BlkOff: 10, BlkCnt: 5})

	if _, ok := inst.sizeTree.Get(5); !ok {
		t.Fatalf("expected size class 5 to exist")
	}
	if _, ok := removeFreeExtent(inst, 10); !ok {
		t.Fatalf("removeFreeExtent reported missing entry")
	}
	if _, ok := inst.sizeTree.Get(5); ok {
		t.Fatalf("expected size class 5 to be dropped once empty")
	}
	if inst.freeExtentBlks != 0 {
		t.Fatalf("freeExtentBlks = %d, want 0", inst.freeExtentBlks)
	}
}

func TestResizeFreeExtentMovesBetweenClasses(t *testing.T) {
	inst := newTestInstance(100)
	e := insertFreeExtent(inst, FreeExtentDF{BlkOff: 10, BlkCnt: 5})
	resizeFreeExtent(inst, e, 6)

	if e.sizedClass == nil || e.sizedClass.BlkCnt != 6 {
		t.Fatalf("expected resize to redock into size class 6")
	}
	if _, ok := inst.sizeTree.Get(5); ok {
		t.Fatalf("expected old size class 5 to be dropped")
	}
	if inst.freeExtentBlks != 6 {
		t.Fatalf("freeExtentBlks = %d, want 6", inst.freeExtentBlks)
	}
}

func TestResizeFreeExtentCrossesLargeThreshold(t *testing.T) {
	inst := newTestInstance(100)
	e := insertFreeExtent(inst, FreeExtentDF{BlkOff: 10, BlkCnt: 90})
	resizeFreeExtent(inst, e, 150)

	if e.sizedClass != nil {
		t.Fatalf("expected extent to leave the size tree once it crossed largeThresh")
	}
	if len(inst.heap) != 1 {
		t.Fatalf("heap len = %d, want 1", len(inst.heap))
	}
}

func TestBitmapFreeClassAddEmptyVsNonEmpty(t *testing.T) {
	inst := newTestInstance(100)
	full := FreeBitmapDF{BlkOff: 0, BlkCnt: 4, Class: 1, Bitmap: []uint64{0b1111}}
	partial := FreeBitmapDF{BlkOff: 100, BlkCnt: 4, Class: 1, Bitmap: []uint64{0b0001}}
	empty := FreeBitmapDF{BlkOff: 200, BlkCnt: 4, Class: 1, Bitmap: []uint64{0b0000}}

	eFull := insertBitmapChunk(inst, full, BitmapPublished)
	ePartial := insertBitmapChunk(inst, partial, BitmapPublished)
	eEmpty := insertBitmapChunk(inst, empty, BitmapPublished)

	if eFull.lruElem != nil {
		t.Fatalf("expected a fully-allocated chunk to be undocked from both lists")
	}
	if ePartial.inEmptyList || ePartial.lruElem == nil {
		t.Fatalf("expected a partially-free chunk to dock on the LRU list")
	}
	if !eEmpty.inEmptyList {
		t.Fatalf("expected a fully-free chunk to dock on the empty list")
	}
	if inst.bitmapEmpty[0].Len() != 1 || inst.bitmapLRU[0].Len() != 1 {
		t.Fatalf("expected one entry on each of classEmpty/classLRU for class 1")
	}
}

func TestBitmapRedockMovesOnSlotFlip(t *testing.T) {
	inst := newTestInstance(100)
	b := FreeBitmapDF{BlkOff: 0, BlkCnt: 2, Class: 1, Bitmap: []uint64{0b01}}
	e := insertBitmapChunk(inst, b, BitmapPublished)

	if e.inEmptyList || e.lruElem == nil {
		t.Fatalf("chunk with one free, one allocated slot should start on the LRU list")
	}
	bitmapSlotSet(&e.Bitmap, 1, true)
	bitmapBlksDelta(inst, e, -1, e.Bitmap.Class)

	if e.lruElem != nil {
		t.Fatalf("expected chunk to become fully undocked once fully allocated")
	}
	if inst.bitmapLRU[0].Len() != 0 || inst.bitmapEmpty[0].Len() != 0 {
		t.Fatalf("expected the chunk to be on neither list once fully allocated")
	}
}
