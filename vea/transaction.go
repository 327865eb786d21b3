package vea

// Txn is a caller-visible transaction spanning one or more Publish and
// Free calls against the same Instance. Nesting a Txn
// inside another lets a caller fold an allocator mutation into a larger
// transaction of its own; the nested Txn's durability, and everything it
// stages via OnCommit, waits for whichever Txn is outermost in the chain
// to actually commit (see pkg/txn's nested-commit semantics).
type Txn struct {
	h *txnHandle
}

// Begin opens a new top-level transaction against inst.
func Begin(inst *Instance) *Txn {
	return &Txn{h: beginTxn(inst, nil)}
}

// BeginNested opens a transaction nested inside t.
func (t *Txn) BeginNested(inst *Instance) *Txn {
	return &Txn{h: beginTxn(inst, t.h)}
}

// Commit finalizes the transaction; see pkg/txn.Tx.Commit for nested
// semantics.
func (t *Txn) Commit() error { return t.h.Commit() }

// Abort rolls the transaction back, running every undo closure staged
// on it in LIFO order.
func (t *Txn) Abort(cause error) error { return t.h.Abort(cause) }

func txnHandleOf(t *Txn) *txnHandle {
	if t == nil {
		return nil
	}
	return t.h
}
