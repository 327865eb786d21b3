package vea

import (
	"testing"

	"github.com/embedvea/vea/pkg/backend"
)

func newAgingTestInstance(t *testing.T, largeThresh uint32) *Instance {
	t.Helper()
	inst := newFreeTestInstance(t, largeThresh)
	inst.hdr.BlockSz = 4096
	inst.unmap = backend.NullUnmapper{}
	return inst
}

func TestFlushForceDrainsRegardlessOfAge(t *testing.T) {
	inst := newAgingTestInstance(t, 1000)
	aggregateFree(inst, nil, 100, 10)

	if inst.aggLRU.Len() != 1 {
		t.Fatalf("aggLRU len = %d, want 1", inst.aggLRU.Len())
	}

	n, err := Flush(inst, true, 0)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 1 {
		t.Fatalf("Flush drained %d entries, want 1", n)
	}
	if inst.aggLRU.Len() != 0 {
		t.Fatalf("aggLRU len = %d after flush, want 0", inst.aggLRU.Len())
	}
	if _, ok := inst.freeTree.Get(100); !ok {
		t.Fatalf("expected the drained range to land in the allocatable index")
	}
}

func TestFlushWithoutForceLeavesFreshEntriesStaged(t *testing.T) {
	inst := newAgingTestInstance(t, 1000)
	aggregateFree(inst, nil, 100, 10)

	n, err := Flush(inst, false, 0)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 0 {
		t.Fatalf("Flush drained %d entries, want 0 for a fresh, non-expired entry", n)
	}
	if inst.aggLRU.Len() != 1 {
		t.Fatalf("aggLRU len = %d, want 1 (still staged)", inst.aggLRU.Len())
	}
}

func TestReclaimUnusedBitmapConvertsEmptyChunkToExtent(t *testing.T) {
	inst := newAgingTestInstance(t, 1000)
	insertBitmapChunk(inst, FreeBitmapDF{BlkOff: 0, BlkCnt: 8, Class: 1, Bitmap: []uint64{0}}, BitmapPublished)

	if inst.bitmapEmpty[0].Len() != 1 {
		t.Fatalf("expected the fully-free chunk to dock on the empty list")
	}

	if err := reclaimUnusedBitmap(inst, 10); err != nil {
		t.Fatalf("reclaimUnusedBitmap: %v", err)
	}
	if inst.bitmapEmpty[0].Len() != 0 {
		t.Fatalf("expected the chunk to be undocked after reclaim")
	}
	if _, ok := inst.bitmapTree.Get(0); ok {
		t.Fatalf("expected the bitmap chunk entry to be gone")
	}
	e, ok := inst.freeTree.Get(0)
	if !ok || e.Ext.BlkCnt != 8 {
		t.Fatalf("expected the reclaimed range to be a plain 8-block extent, got %+v ok=%v", e, ok)
	}
}

func TestAggregateFreeMergesIntoNextWhenBothNeighborsAreLarge(t *testing.T) {
	inst := newAgingTestInstance(t, 1000)

	// Seed a large aging prev ending exactly at 100, and a large aging
	// next starting exactly at 110 (100+10). Both are >= LargeAgingFragBlks,
	// so neither alone is a merge candidate — but the freed range must
	// still fold into next rather than being stranded between them.
	prevOff := uint64(100) - uint64(LargeAgingFragBlks)
	insertAggEntry(inst, inst.aggTree, nil, FreeExtentDF{BlkOff: prevOff, BlkCnt: LargeAgingFragBlks})
	insertAggEntry(inst, inst.aggTree, nil, FreeExtentDF{BlkOff: 110, BlkCnt: LargeAgingFragBlks})

	aggregateFree(inst, nil, 100, 10)

	if _, ok := inst.aggTree.Get(prevOff); !ok {
		t.Fatalf("expected the large prev neighbor to be left untouched")
	}
	merged, ok := inst.aggTree.Get(100)
	if !ok {
		t.Fatalf("expected the freed range to still be keyed at its own offset (merged forward into next)")
	}
	if merged.BlkCnt != 10+LargeAgingFragBlks {
		t.Fatalf("expected the freed range to absorb next's blocks, got BlkCnt=%d", merged.BlkCnt)
	}
	if _, ok := inst.aggTree.Get(110); ok {
		t.Fatalf("expected next's old entry to be removed after merging")
	}
	if inst.aggLRU.Len() != 2 {
		t.Fatalf("aggLRU len = %d, want 2 (untouched prev + merged range)", inst.aggLRU.Len())
	}
}

func TestFlushDrainsBitmapSlotsIntoWorkingCopy(t *testing.T) {
	inst := newAgingTestInstance(t, 1000)
	// Slot 3 allocated, every other slot free.
	chunk := insertBitmapChunk(inst, FreeBitmapDF{BlkOff: 0, BlkCnt: 8, Class: 1, Bitmap: []uint64{1 << 3}}, BitmapPublished)

	// Simulate slot 3 having just been freed at the persistent layer; its
	// working-copy bit is still set until Flush drains the aggregated entry.
	aggregateFree(inst, chunk, 3, 1)
	if bitmapSlotFree(&chunk.Bitmap, 3) {
		t.Fatalf("slot 3 should still read allocated in the working copy before Flush")
	}

	n, err := Flush(inst, true, 0)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 1 {
		t.Fatalf("Flush drained %d entries, want 1", n)
	}
	if !bitmapSlotFree(&chunk.Bitmap, 3) {
		t.Fatalf("expected slot 3 to read free in the working copy after Flush")
	}
}
