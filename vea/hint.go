package vea

import "fmt"

// HintLoad wraps producer id's persistent HintDF in a HintContext,
// creating a zero-valued record on first use. Grounded on vea_hint.c's
// hint_get/hint_update split between cached and persistent state: this
// only ever reads the persisted record, never the other way around.
func HintLoad(inst *Instance, id uint64) (*HintContext, error) {
	pd, ok := inst.pHints.Get(id)
	if !ok {
		tx := inst.engine.Begin(nil)
		pd = HintDF{Off: HintOffInval, Seq: 0}
		tx.Log(encodeHintRecord(hintsTreeName, id, pd))
		tx.OnCommit(func() { inst.pHints.Upsert(id, pd) })
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("vea: hint load %d: %w", id, err)
		}
	}
	return &HintContext{id: id, CachedOffset: pd.Off, CachedSeq: pd.Seq}, nil
}

// HintUnload releases a HintContext. VEA keeps no server-side table of
// live contexts, so this is a no-op beyond documenting the handoff back
// to the caller.
func HintUnload(*HintContext) {}

// hintGet reads the cached offset, the only thing reserve.go ever
// consults before trying the hint path.
func hintGet(h *HintContext) uint64 {
	if h == nil {
		return HintOffInval
	}
	return h.CachedOffset
}

// hintUpdate advances the cached offset and bumps the cached sequence
// number by exactly one, per vea_hint.c's hint_update and the Open
// Question resolution in spec.md §9 (every successful reserve call that
// the bitmap tier did not serve advances the caller's seq exactly once).
func hintUpdate(h *HintContext, off uint64) uint64 {
	if h == nil {
		return 0
	}
	h.CachedOffset = off
	h.CachedSeq++
	return h.CachedSeq
}

// isRsrvInterleaved reports whether [seqMin, seqMax] covers more distinct
// reserve calls than seqCnt — i.e. some other producer's reserve landed
// in between this run's own reserves against the same hint context.
func isRsrvInterleaved(seqMin, seqMax uint64, seqCnt int) bool {
	diff := seqMax - seqMin + 1
	return diff > uint64(seqCnt)
}

// hintCancel implements vea_hint.c's hint_cancel: roll the cached offset
// back to off if this hint context's last reserve is exactly the one
// being cancelled and the run wasn't interleaved; do nothing if a later
// reserve has already moved the hint past this run (leaves a tolerated
// hole); anything else is an invariant violation.
func hintCancel(h *HintContext, off, seqMin, seqMax uint64, seqCnt int) error {
	if h == nil {
		return nil
	}
	if h.CachedSeq == seqMax && !isRsrvInterleaved(seqMin, seqMax, seqCnt) {
		h.CachedOffset = off
		return nil
	}
	if h.CachedSeq > seqMax {
		return nil
	}
	return fmt.Errorf("%w: unexpected transient hint seq %d not in [%d,%d] (cnt=%d)",
		ErrInvalid, h.CachedSeq, seqMin, seqMax, seqCnt)
}

// hintTxPublish implements vea_hint.c's hint_tx_publish: persist (off,
// seqMax) for this hint context's producer id, under tx, unless a later
// publish already beat it to it. Must run inside an open transaction.
func hintTxPublish(tx *txnHandle, inst *Instance, h *HintContext, off, seqMin, seqMax uint64, seqCnt int) error {
	if h == nil {
		return nil
	}
	pd, _ := inst.pHints.Get(h.id)
	if pd.Seq == seqMin || pd.Seq == seqMax {
		return fmt.Errorf("%w: unexpected persistent hint seq %d in [%d,%d] (cnt=%d)",
			ErrInvalid, pd.Seq, seqMin, seqMax, seqCnt)
	}
	if pd.Seq > seqMax {
		// A subsequent reserve is already published; nothing to do.
		return nil
	}
	if pd.Seq < seqMin || isRsrvInterleaved(seqMin, seqMax, seqCnt) {
		newPd := HintDF{Off: off, Seq: seqMax}
		tx.tx.Log(encodeHintRecord(hintsTreeName, h.id, newPd))
		tx.tx.OnCommit(func() { inst.pHints.Upsert(h.id, newPd) })
		return nil
	}
	return fmt.Errorf("%w: unexpected persistent hint seq %d in [%d,%d] (cnt=%d)",
		ErrInvalid, pd.Seq, seqMin, seqMax, seqCnt)
}
