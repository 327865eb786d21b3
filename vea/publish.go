package vea

import "fmt"

// This file implements §4.3: turning a batch of ReservedExt values coming
// out of Reserve into either a durable allocation (Publish) or a plain
// rollback into the in-memory allocatable index (Cancel). Grounded on
// vea_api.c's vea_cancel/vea_tx_publish, process_resrvd_list and
// process_free_entry.

// persistentAllocExtent carves [ext.BlkOff, ext.End()) out of the durable
// free tree, the opposite of mergePersistentFreeExtent. The matching
// entry must fully contain the range. Grounded on persistent_alloc_extent.
func persistentAllocExtent(h *txnHandle, ext FreeExtentDF) error {
	off, found, ok := h.inst.pFreeTree.LE(ext.BlkOff)
	foundEnd := found.End()
	extEnd := ext.End()
	if !ok || found.BlkOff > ext.BlkOff || foundEnd < extEnd {
		return fmt.Errorf("%w: no persistent free extent covers [%d, %d)", ErrInvalid, ext.BlkOff, extEnd)
	}

	switch {
	case found.BlkOff < ext.BlkOff && foundEnd > extEnd:
		front := found
		front.BlkCnt = uint32(ext.BlkOff - found.BlkOff)
		h.putFreeExtent(front)
		h.putFreeExtent(FreeExtentDF{BlkOff: extEnd, BlkCnt: uint32(foundEnd - extEnd)})
	case found.BlkOff < ext.BlkOff:
		front := found
		front.BlkCnt = uint32(ext.BlkOff - found.BlkOff)
		h.putFreeExtent(front)
	case foundEnd > extEnd:
		h.delFreeExtent(off)
		h.putFreeExtent(FreeExtentDF{BlkOff: extEnd, BlkCnt: uint32(foundEnd - extEnd)})
	default:
		h.delFreeExtent(off)
	}
	return nil
}

// persistentAllocBitmap makes [off, off+cnt) durably allocated inside
// chunk's persistent bitmap record, creating that record (and carving the
// chunk's own backing extent out of the persistent free tree) the first
// time a chunk is published. Grounded on persistent_alloc's
// VEA_BITMAP_STATE_NEW branch and the plain bitmap_set_range call for an
// already-published chunk.
func persistentAllocBitmap(h *txnHandle, chunk *BitmapEntry, off uint64, cnt uint32) error {
	if chunk.State == BitmapNew {
		if err := persistentAllocExtent(h, FreeExtentDF{BlkOff: chunk.Bitmap.BlkOff, BlkCnt: chunk.Bitmap.BlkCnt}); err != nil {
			return err
		}

		pd := FreeBitmapDF{
			BlkOff: chunk.Bitmap.BlkOff,
			BlkCnt: chunk.Bitmap.BlkCnt,
			Class:  chunk.Bitmap.Class,
			Bitmap: make([]uint64, len(chunk.Bitmap.Bitmap)),
		}
		class := uint32(pd.Class)
		first := uint32(off-pd.BlkOff) / class
		n := cnt / class
		for i := uint32(0); i < n; i++ {
			bitmapSlotSet(&pd, first+i, true)
		}
		h.putBitmapChunk(pd)

		chunk.State = BitmapPublishing
		h.OnCommit(func() { chunk.State = BitmapPublished })
		h.OnAbort(func() { chunk.State = BitmapNew })
		return nil
	}

	pd, ok := h.inst.pBitmapTree.Get(chunk.Bitmap.BlkOff)
	if !ok {
		return fmt.Errorf("%w: no persistent bitmap chunk at %d", ErrInvalid, chunk.Bitmap.BlkOff)
	}
	pd.Bitmap = append([]uint64(nil), pd.Bitmap...)
	class := uint32(pd.Class)
	first := uint32(off-pd.BlkOff) / class
	n := cnt / class
	for i := uint32(0); i < n; i++ {
		bitmapSlotSet(&pd, first+i, true)
	}
	h.putBitmapChunk(pd)
	return nil
}

// processFreeEntry either makes one coalesced reservation durable
// (publish) or returns it straight to the allocatable in-memory index
// (cancel, since it was never anything but an in-memory reservation).
// Grounded on process_free_entry.
func processFreeEntry(h *txnHandle, inst *Instance, ext FreeExtentDF, bitmap *BitmapEntry, publish bool) error {
	if !publish {
		if bitmap == nil {
			compoundFreeExtent(inst, ext)
		} else {
			compoundFreeBitmapSlots(inst, bitmap, ext.BlkOff, ext.BlkCnt)
		}
		return nil
	}
	if bitmap == nil {
		return persistentAllocExtent(h, ext)
	}
	return persistentAllocBitmap(h, bitmap, ext.BlkOff, ext.BlkCnt)
}

// seqGroup accumulates the seq-sequence bookkeeping process_resrvd_list
// tracks separately for the caller's own hint and for the allocator's
// bitmapHintCtx (only new-bitmap-chunk reservations advance the latter).
type seqGroup struct {
	min, max uint64
	cnt      int
	offC     uint64 // offset to roll back to on cancel
	offP     uint64 // offset to publish
}

func (g *seqGroup) add(before, seq, offP uint64) {
	if g.cnt == 0 {
		g.min = seq
		g.offC = before
	}
	g.cnt++
	g.max = seq
	g.offP = offP
}

// processResrvdList is the shared body of Cancel and Publish: walk resrvd
// in order, coalescing touching same-chunk entries into single free-entry
// calls, then roll back or persist whichever hint cursors actually
// advanced. Grounded on process_resrvd_list.
func processResrvdList(inst *Instance, h *txnHandle, hint *HintContext, resrvd []*ReservedExt, publish bool) error {
	if len(resrvd) == 0 {
		return nil
	}

	var callerSeq, bitmapSeq seqGroup
	var curExt FreeExtentDF
	var curBitmap *BitmapEntry
	haveCur := false

	flush := func() error {
		if !haveCur {
			return nil
		}
		err := processFreeEntry(h, inst, curExt, curBitmap, publish)
		haveCur = false
		return err
	}

	for _, r := range resrvd {
		if r.newBitmapChunk {
			bitmapSeq.add(r.bitmapHintOffBefore, r.bitmapHintSeq, r.private.Bitmap.End())
		} else if r.private == nil {
			callerSeq.add(r.hintOffBefore, r.hintSeq, r.Off+uint64(r.Cnt))
		}

		if haveCur && curBitmap == r.private && curExt.End() == r.Off {
			curExt.BlkCnt += r.Cnt
			continue
		}

		if err := flush(); err != nil {
			return err
		}
		curExt = FreeExtentDF{BlkOff: r.Off, BlkCnt: r.Cnt}
		curBitmap = r.private
		haveCur = true
	}
	if err := flush(); err != nil {
		return err
	}

	if callerSeq.cnt > 0 {
		var err error
		if publish {
			err = hintTxPublish(h, inst, hint, callerSeq.offP, callerSeq.min, callerSeq.max, callerSeq.cnt)
		} else {
			err = hintCancel(hint, callerSeq.offC, callerSeq.min, callerSeq.max, callerSeq.cnt)
		}
		if err != nil {
			return err
		}
	}

	if bitmapSeq.cnt > 0 {
		if publish {
			return hintTxPublish(h, inst, inst.bitmapHintCtx, bitmapSeq.offP, bitmapSeq.min, bitmapSeq.max, bitmapSeq.cnt)
		}
		return hintCancel(inst.bitmapHintCtx, bitmapSeq.offC, bitmapSeq.min, bitmapSeq.max, bitmapSeq.cnt)
	}
	return nil
}

// Cancel returns every reservation in resrvd straight back to the
// allocatable in-memory index without touching durable state, and rolls
// each hint cursor it advanced back to where it stood before Reserve.
// Grounded on vea_cancel.
func Cancel(inst *Instance, hint *HintContext, resrvd []*ReservedExt) error {
	return processResrvdList(inst, nil, hint, resrvd, false)
}

// Publish makes every reservation in resrvd durably allocated, folded
// into parent if non-nil or its own top-level transaction otherwise, and
// persists whichever hint cursors it advanced. Grounded on
// vea_tx_publish: by design the in-memory hint cursors are never rolled
// back even if the enclosing transaction later aborts, tolerating a hole
// in the allocation stream rather than requiring every caller to pair an
// abort with an explicit cancel.
func Publish(inst *Instance, parent *Txn, hint *HintContext, resrvd []*ReservedExt) error {
	if len(resrvd) == 0 {
		return nil
	}
	h := beginTxn(inst, txnHandleOf(parent))
	if err := processResrvdList(inst, h, hint, resrvd, true); err != nil {
		return h.Abort(err)
	}
	if err := h.Commit(); err != nil {
		return fmt.Errorf("vea: publish: %w", err)
	}
	return nil
}
