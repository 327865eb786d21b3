package vea

import (
	"fmt"
	"time"

	"github.com/embedvea/vea/pkg/backend"
)

// This file drains the aging buffer Free stages entries into (spec.md
// §4.5), grounded on vea_free.c's trigger_aging_flush / flush_internal /
// reclaim_unused_bitmap.

// reclaimUnusedBitmap hands back any bitmap chunk that has sat fully
// empty (every slot already drained by a prior flush) on classEmpty
// since the last pass, converting it back into a plain persistent
// extent so its address range rejoins the general-purpose free pool.
// Each chunk is reclaimed inside its own transaction, same as the
// original's one-transaction-per-chunk loop; unlike the original this
// also docks the reclaimed range into the in-memory allocatable index
// immediately (compoundFreeExtent) rather than leaving it reachable
// only via the persistent tree until a later restart — see DESIGN.md.
func reclaimUnusedBitmap(inst *Instance, nrReclaim int) error {
	reclaimed := 0
	for class := 0; class < MaxBitmapClass && reclaimed < nrReclaim; class++ {
		lst := inst.bitmapEmpty[class]
		for lst.Len() > 0 && reclaimed < nrReclaim {
			e := lst.Front().Value.(*BitmapEntry)
			off, cnt := e.Bitmap.BlkOff, e.Bitmap.BlkCnt

			h := beginTxn(inst, nil)
			removeBitmapChunk(inst, off)
			h.delBitmapChunk(off)
			mergePersistentFreeExtent(h, FreeExtentDF{BlkOff: off, BlkCnt: cnt})
			if err := h.Commit(); err != nil {
				return fmt.Errorf("vea: reclaim bitmap chunk %d: %w", off, err)
			}
			compoundFreeExtent(inst, FreeExtentDF{BlkOff: off, BlkCnt: cnt})
			reclaimed++
		}
	}
	return nil
}

// flushOnce drains up to maxFrags aging-buffer entries that have aged
// past AgingExpiry (or, if force, every entry regardless of age),
// unmapping the large-enough ones in a single batched call before
// docking each drained range back into the allocatable index. Grounded
// on flush_internal.
func flushOnce(inst *Instance, force bool, curTime int64, maxFrags int) int {
	type drained struct {
		ext    FreeExtentDF
		bitmap *BitmapEntry
	}
	var entries []drained
	var unmapRanges []backend.Range

	expirySecs := int64(AgingExpiry / time.Second)
	for inst.aggLRU.Len() > 0 && len(entries) < maxFrags {
		front := inst.aggLRU.Front().Value.(*AggEntry)
		if !force && curTime < front.Age+expirySecs {
			break
		}

		tree := aggTreeFor(inst, front.Bitmap)
		removeAggEntry(inst, tree, front)

		ext := FreeExtentDF{BlkOff: front.BlkOff, BlkCnt: front.BlkCnt, Age: uint32(curTime)}
		entries = append(entries, drained{ext: ext, bitmap: front.Bitmap})

		if uint64(ext.BlkCnt)*uint64(inst.hdr.BlockSz) >= UnmapThresholdBytes {
			unmapRanges = append(unmapRanges, backend.Range{Off: ext.BlkOff, Cnt: uint64(ext.BlkCnt)})
		}
	}

	inst.lastFlush = time.Unix(curTime, 0)

	// Unmap must run before the ranges become visible for allocation
	// again, and before the compound_free-equivalent pass below, so a
	// block can never be reserved out from under an in-flight discard.
	if inst.unmap != nil && len(unmapRanges) > 0 {
		if err := inst.unmap.Unmap(unmapRanges, inst.hdr.BlockSz); err != nil {
			inst.log.WithError(err).Warn("vea: unmap failed during flush")
		}
	}

	for _, d := range entries {
		if d.bitmap == nil {
			compoundFreeExtent(inst, d.ext)
		} else {
			compoundFreeBitmapSlots(inst, d.bitmap, d.ext.BlkOff, d.ext.BlkCnt)
		}
	}
	return len(entries)
}

// Flush drains the aging buffer into the allocatable in-memory index.
// nrFlush caps how many entries are drained in total (MaxFlushFrags if
// <= 0); force drains every entry regardless of how long it has aged,
// the behavior Reserve falls back on when every other tier is
// exhausted. Grounded on trigger_aging_flush.
func Flush(inst *Instance, force bool, nrFlush int) (int, error) {
	if nrFlush <= 0 {
		nrFlush = MaxFlushFrags
	}
	if err := reclaimUnusedBitmap(inst, MaxFlushFrags); err != nil {
		return 0, err
	}

	curTime := time.Now().Unix()
	total := 0
	for total < nrFlush {
		batch := nrFlush - total
		if batch > MaxFlushFrags {
			batch = MaxFlushFrags
		}
		n := flushOnce(inst, force, curTime, batch)
		total += n
		if n < batch {
			break
		}
	}
	return total, nil
}
