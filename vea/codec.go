package vea

import (
	"encoding/binary"
	"fmt"

	"github.com/embedvea/vea/pkg/txn"
)

// Persistent tree names, as recorded in every txn.Record so Replay can
// route a record back to the right in-memory tree.
const (
	freeTreeName   = "free"
	bitmapTreeName = "bitmap"
	hintsTreeName  = "hints"
)

// txnHandle bundles a transaction with the Instance it mutates, so
// reserve.go/free.go/publish.go/format.go can stage a persistent-tree
// change and its in-memory mirror in one call instead of repeating the
// Log+OnCommit pair at every call site.
type txnHandle struct {
	tx   *txn.Tx
	inst *Instance
}

// beginTxn opens a transaction, nested under parent if non-nil.
func beginTxn(inst *Instance, parent *txnHandle) *txnHandle {
	var p *txn.Tx
	if parent != nil {
		p = parent.tx
	}
	return &txnHandle{tx: inst.engine.Begin(p), inst: inst}
}

func (h *txnHandle) Commit() error            { return h.tx.Commit() }
func (h *txnHandle) Abort(cause error) error  { return h.tx.Abort(cause) }
func (h *txnHandle) AddUndo(fn func())        { h.tx.AddUndo(fn) }
func (h *txnHandle) OnCommit(fn func())       { h.tx.OnCommit(fn) }
func (h *txnHandle) OnAbort(fn func())        { h.tx.OnAbort(fn) }
func (h *txnHandle) OnEnd(fn func())          { h.tx.OnEnd(fn) }

// putFreeExtent stages a free-tree upsert, durable on commit, mirrored
// into pFreeTree at that point.
func (h *txnHandle) putFreeExtent(e FreeExtentDF) {
	h.tx.Log(encodeFreeExtentRecord(e))
	h.tx.OnCommit(func() { h.inst.pFreeTree.Upsert(e.BlkOff, e) })
}

// delFreeExtent stages a free-tree delete.
func (h *txnHandle) delFreeExtent(off uint64) {
	h.tx.Log(txn.Record{Tree: freeTreeName, Op: txn.OpDelete, Key: off})
	h.tx.OnCommit(func() { h.inst.pFreeTree.Delete(off) })
}

// putBitmapChunk stages a bitmap-tree upsert.
func (h *txnHandle) putBitmapChunk(b FreeBitmapDF) {
	h.tx.Log(encodeBitmapRecord(b))
	h.tx.OnCommit(func() { h.inst.pBitmapTree.Upsert(b.BlkOff, b) })
}

// delBitmapChunk stages a bitmap-tree delete.
func (h *txnHandle) delBitmapChunk(off uint64) {
	h.tx.Log(txn.Record{Tree: bitmapTreeName, Op: txn.OpDelete, Key: off})
	h.tx.OnCommit(func() { h.inst.pBitmapTree.Delete(off) })
}

// putHint stages a hint-tree upsert for producer id.
func (h *txnHandle) putHint(id uint64, d HintDF) {
	h.tx.Log(encodeHintRecord(hintsTreeName, id, d))
	h.tx.OnCommit(func() { h.inst.pHints.Upsert(id, d) })
}

func encodeFreeExtentRecord(e FreeExtentDF) txn.Record {
	val := make([]byte, 8)
	binary.BigEndian.PutUint32(val[0:4], e.BlkCnt)
	binary.BigEndian.PutUint32(val[4:8], e.Age)
	return txn.Record{Tree: freeTreeName, Op: txn.OpUpsert, Key: e.BlkOff, Val: val}
}

func decodeFreeExtentRecord(r txn.Record) FreeExtentDF {
	return FreeExtentDF{
		BlkOff: r.Key,
		BlkCnt: binary.BigEndian.Uint32(r.Val[0:4]),
		Age:    binary.BigEndian.Uint32(r.Val[4:8]),
	}
}

func encodeBitmapRecord(b FreeBitmapDF) txn.Record {
	val := make([]byte, 10+8*len(b.Bitmap))
	binary.BigEndian.PutUint32(val[0:4], b.BlkCnt)
	binary.BigEndian.PutUint16(val[4:6], b.Class)
	binary.BigEndian.PutUint32(val[6:10], uint32(len(b.Bitmap)))
	for i, w := range b.Bitmap {
		binary.BigEndian.PutUint64(val[10+8*i:18+8*i], w)
	}
	return txn.Record{Tree: bitmapTreeName, Op: txn.OpUpsert, Key: b.BlkOff, Val: val}
}

func decodeBitmapRecord(r txn.Record) (FreeBitmapDF, error) {
	if len(r.Val) < 10 {
		return FreeBitmapDF{}, fmt.Errorf("vea: truncated bitmap record for chunk %d", r.Key)
	}
	n := binary.BigEndian.Uint32(r.Val[6:10])
	if len(r.Val) < int(10+8*n) {
		return FreeBitmapDF{}, fmt.Errorf("vea: truncated bitmap words for chunk %d", r.Key)
	}
	b := FreeBitmapDF{
		BlkOff: r.Key,
		BlkCnt: binary.BigEndian.Uint32(r.Val[0:4]),
		Class:  binary.BigEndian.Uint16(r.Val[4:6]),
		Bitmap: make([]uint64, n),
	}
	for i := range b.Bitmap {
		b.Bitmap[i] = binary.BigEndian.Uint64(r.Val[10+8*i : 18+8*i])
	}
	return b, nil
}

func encodeHintRecord(tree string, id uint64, d HintDF) txn.Record {
	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val[0:8], d.Off)
	binary.BigEndian.PutUint64(val[8:16], d.Seq)
	return txn.Record{Tree: tree, Op: txn.OpUpsert, Key: id, Val: val}
}

func decodeHintRecord(r txn.Record) (HintDF, error) {
	if len(r.Val) < 16 {
		return HintDF{}, fmt.Errorf("vea: truncated hint record for id %d", r.Key)
	}
	return HintDF{
		Off: binary.BigEndian.Uint64(r.Val[0:8]),
		Seq: binary.BigEndian.Uint64(r.Val[8:16]),
	}, nil
}
