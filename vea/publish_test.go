package vea

import "testing"

func seedPersistentExtent(t *testing.T, inst *Instance, off uint64, cnt uint32) {
	t.Helper()
	h := beginTxn(inst, nil)
	h.putFreeExtent(FreeExtentDF{BlkOff: off, BlkCnt: cnt})
	if err := h.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
}

func TestPublishExactMatchRemovesPersistentExtent(t *testing.T) {
	inst := newFreeTestInstance(t, 1000)
	seedPersistentExtent(t, inst, 100, 10)
	insertFreeExtent(inst, FreeExtentDF{BlkOff: 100, BlkCnt: 10})

	r, err := Reserve(inst, 10, nil)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := Publish(inst, nil, nil, []*ReservedExt{r}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, ok := inst.pFreeTree.Get(100); ok {
		t.Fatalf("expected the exactly-consumed persistent extent to be gone")
	}
}

func TestPublishPartialShrinksPersistentExtentFront(t *testing.T) {
	inst := newFreeTestInstance(t, 1000)
	seedPersistentExtent(t, inst, 100, 10)
	insertFreeExtent(inst, FreeExtentDF{BlkOff: 100, BlkCnt: 10})

	r, err := Reserve(inst, 4, nil)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	if err := Publish(inst, nil, nil, []*ReservedExt{r}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, ok := inst.pFreeTree.Get(104)
	if !ok || got.BlkCnt != 6 {
		t.Fatalf("expected a 6-block remainder at offset 104, got %+v ok=%v", got, ok)
	}
	if _, ok := inst.pFreeTree.Get(100); ok {
		t.Fatalf("expected the original key to be gone once the front is consumed")
	}
}

func TestPublishAdvancesCallerHintPersistently(t *testing.T) {
	inst := newFreeTestInstance(t, 1000)
	seedPersistentExtent(t, inst, 100, 10)
	insertFreeExtent(inst, FreeExtentDF{BlkOff: 100, BlkCnt: 10})

	hint, err := HintLoad(inst, 7)
	if err != nil {
		t.Fatalf("HintLoad: %v", err)
	}

	r, err := Reserve(inst, 10, hint)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := Publish(inst, nil, hint, []*ReservedExt{r}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	pd, ok := inst.pHints.Get(7)
	if !ok || pd.Off != 110 {
		t.Fatalf("expected the persisted hint to advance to offset 110, got %+v ok=%v", pd, ok)
	}
}

func TestCancelReturnsReservationToInMemoryIndexAndRollsBackHint(t *testing.T) {
	inst := newFreeTestInstance(t, 1000)
	insertFreeExtent(inst, FreeExtentDF{BlkOff: 100, BlkCnt: 10})

	hint, err := HintLoad(inst, 3)
	if err != nil {
		t.Fatalf("HintLoad: %v", err)
	}

	r, err := Reserve(inst, 10, hint)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, ok := inst.freeTree.Get(100); ok {
		t.Fatalf("expected the reservation to have removed the in-memory extent")
	}
	if hint.CachedOffset != 110 {
		t.Fatalf("expected the in-memory hint cache to advance during Reserve, got %d", hint.CachedOffset)
	}

	if err := Cancel(inst, hint, []*ReservedExt{r}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if e, ok := inst.freeTree.Get(100); !ok || e.Ext.BlkCnt != 10 {
		t.Fatalf("expected the cancelled reservation to land back in the free tree, got %+v ok=%v", e, ok)
	}
	// This was the hint's very first reservation, so rolling back restores
	// it to HintOffInval rather than to the reserved offset itself.
	if hint.CachedOffset != HintOffInval {
		t.Fatalf("expected Cancel to roll the hint cache back to HintOffInval, got %d", hint.CachedOffset)
	}
}

func TestPublishCoalescesAdjacentBitmapReservations(t *testing.T) {
	inst := newFreeTestInstance(t, 1000)
	inst.hdr.Compat |= CompatBitmap
	chunk := insertBitmapChunk(inst, FreeBitmapDF{BlkOff: 0, BlkCnt: 16, Class: 2, Bitmap: []uint64{0}}, BitmapPublished)
	seedPersistentExtent(t, inst, 0, 16)
	pd := FreeBitmapDF{BlkOff: 0, BlkCnt: 16, Class: 2, Bitmap: []uint64{0}}
	hpub := beginTxn(inst, nil)
	hpub.putBitmapChunk(pd)
	if err := hpub.Commit(); err != nil {
		t.Fatalf("seed bitmap commit: %v", err)
	}

	r1, _ := reserveBitmap(inst, 2)
	r2, _ := reserveBitmap(inst, 2)
	if r1 == nil || r2 == nil {
		t.Fatalf("expected both reservations to succeed from the seeded chunk")
	}
	if r1.Off+uint64(r1.Cnt) != r2.Off {
		t.Fatalf("expected the two reservations to be contiguous, got %d+%d vs %d", r1.Off, r1.Cnt, r2.Off)
	}

	if err := Publish(inst, nil, nil, []*ReservedExt{r1, r2}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, ok := inst.pBitmapTree.Get(0)
	if !ok {
		t.Fatalf("expected a persistent bitmap record at chunk offset 0")
	}
	if bitmapSlotFree(&got, 0) || bitmapSlotFree(&got, 1) {
		t.Fatalf("expected slots 0 and 1 to read allocated in the persisted bitmap, got %+v", got)
	}
	_ = chunk
}

func TestPublishNewBitmapChunkCarvesPersistentExtentAndCreatesBitmapRecord(t *testing.T) {
	// A largeThresh above the seeded extent's size keeps it in the size
	// tree rather than the large heap, so reserveBitmapChunk carves
	// deterministically off the front (offset 0) instead of splitting.
	inst := newFreeTestInstance(t, 1<<21)
	inst.hdr.Compat |= CompatBitmap
	inst.hdr.BlockSz = 4096
	seedPersistentExtent(t, inst, 0, 1<<20)
	insertFreeExtent(inst, FreeExtentDF{BlkOff: 0, BlkCnt: 1 << 20})

	r := reserveBitmapChunk(inst, 2, HintOffInval)
	if r == nil {
		t.Fatalf("expected a freshly-carved chunk reservation")
	}

	if err := Publish(inst, nil, nil, []*ReservedExt{r}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	chunkBlks := bitmapChunkSizeBlks(inst, 2)
	if _, ok := inst.pFreeTree.Get(0); ok {
		t.Fatalf("expected the original whole-device persistent extent entry to be gone or shrunk away from offset 0")
	}
	rem, ok := inst.pFreeTree.Get(uint64(chunkBlks))
	if !ok || rem.BlkCnt != uint32(1<<20)-chunkBlks {
		t.Fatalf("expected the remainder persistent extent to start right after the new chunk, got %+v ok=%v", rem, ok)
	}
	pd, ok := inst.pBitmapTree.Get(0)
	if !ok {
		t.Fatalf("expected a persistent bitmap record for the new chunk")
	}
	if bitmapSlotFree(&pd, 0) {
		t.Fatalf("expected slot 0 to be recorded allocated in the new persistent bitmap chunk")
	}
	if r.private.State != BitmapPublished {
		t.Fatalf("expected the chunk to flip to published state after commit, got %v", r.private.State)
	}
}

func TestCancelNewBitmapChunkRollsBackBitmapHintCursor(t *testing.T) {
	// Same reasoning as above: keep the seeded extent in the size tree
	// so the chunk is carved deterministically off offset 0.
	inst := newTestInstance(1 << 21)
	inst.hdr.Compat |= CompatBitmap
	inst.hdr.BlockSz = 4096
	insertFreeExtent(inst, FreeExtentDF{BlkOff: 0, BlkCnt: 1 << 20})

	bitmapHint := &HintContext{CachedOffset: HintOffInval, CachedSeq: 0}
	inst.bitmapHintCtx = bitmapHint

	before := bitmapHint.CachedOffset
	r := reserveBitmapChunk(inst, 2, HintOffInval)
	if r == nil {
		t.Fatalf("expected a freshly-carved chunk reservation")
	}
	if bitmapHint.CachedOffset == before {
		t.Fatalf("expected reserveBitmapChunk to advance the bitmap hint cursor")
	}

	if err := Cancel(inst, nil, []*ReservedExt{r}); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if bitmapHint.CachedOffset != before {
		t.Fatalf("expected Cancel to roll the bitmap hint cursor back to %d, got %d", before, bitmapHint.CachedOffset)
	}
	if _, ok := inst.bitmapTree.Get(0); ok {
		t.Fatalf("expected the cancelled new chunk to be undocked from the bitmap tree")
	}
	if e, ok := inst.freeTree.Get(0); !ok || e.Ext.BlkCnt != 1<<20 {
		t.Fatalf("expected the whole range to be back as one plain free extent, got %+v ok=%v", e, ok)
	}
}
