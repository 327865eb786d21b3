// Package txn is the default transactional-memory-engine collaborator
// spec.md §6 requires but leaves external: begin/commit/abort, staged
// commit/abort/end callbacks, and an undo mechanism so in-memory state
// rolls back cleanly when a transaction aborts.
//
// Durability is provided by an append-only write-ahead log: every
// mutation to a persistent tree is staged as a Record on the Tx that
// performed it; records only reach the log file (and are only visible to
// a future Replay) once the outermost transaction in a nesting chain
// commits. A nested Tx that commits hands its records and undo/callback
// lists up to its parent instead of writing them — the parent's own
// commit-or-abort is what ultimately decides their fate, which is what
// makes nesting "safe" the way spec.md §5 requires of vea.Free and of
// the new-bitmap-chunk path in vea.Publish.
package txn

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Op identifies the kind of mutation a Record describes.
type Op byte

const (
	OpUpsert Op = iota + 1
	OpDelete
)

// Record is one logged mutation against a named persistent tree. Tree and
// Key identify the entry; Val is the encoded value (ignored for OpDelete).
type Record struct {
	Tree string
	Op   Op
	Key  uint64
	Val  []byte
}

// Engine owns the write-ahead log file backing every Tx it begins.
type Engine struct {
	mu  sync.Mutex
	f   *os.File
	log *logrus.Entry
}

// Open opens (creating if necessary) the WAL file at path.
func Open(path string, log *logrus.Entry) (*Engine, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("txn: open wal: %w", err)
	}
	return &Engine{f: f, log: log}, nil
}

// Close releases the WAL file handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Close()
}

// Begin starts a transaction. Pass a non-nil parent to make it nested;
// spec.md requires that Free and the new-bitmap-chunk publish path be able
// to open a transaction regardless of whether the caller already has one
// open.
func (e *Engine) Begin(parent *Tx) *Tx {
	return &Tx{engine: e, parent: parent}
}

// Tx is one transaction, possibly nested inside another.
type Tx struct {
	engine  *Engine
	parent  *Tx
	records []Record
	undo    []func()
	onCommit []func()
	onAbort  []func()
	onEnd    []func()
	done    bool
}

// Log stages a durable mutation. It takes effect (becomes visible to
// Replay) only when the outermost transaction in this nesting chain
// commits.
func (tx *Tx) Log(r Record) {
	tx.records = append(tx.records, r)
}

// AddUndo registers a closure that reverts an in-memory side effect this
// transaction performed. Undo closures run in LIFO order on Abort, and
// propagate to the parent (to run on the parent's own Abort) on a nested
// Commit — the DAOS source's umem_tx_add_ptr undo-log plays the same role
// for raw persistent-memory bytes; here the "snapshot" is just a closure
// capturing the pre-mutation value.
func (tx *Tx) AddUndo(fn func()) {
	tx.undo = append(tx.undo, fn)
}

// OnCommit registers a callback that fires once this transaction's
// changes are durable (UMEM_STAGE_ONCOMMIT in the original).
func (tx *Tx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

// OnAbort registers a callback that fires if this transaction is rolled
// back (UMEM_STAGE_ONABORT).
func (tx *Tx) OnAbort(fn func()) {
	tx.onAbort = append(tx.onAbort, fn)
}

// OnEnd registers a callback that fires after commit or after abort,
// exactly once either way (UMEM_STAGE_NONE). Per spec.md §9's resolution
// of the ambiguity in the legacy source, the scheduled-aging-flush use of
// this stage is a no-op on the abort path; OnEnd callbacks that need that
// distinction should check which of OnCommit/OnAbort already ran.
func (tx *Tx) OnEnd(fn func()) {
	tx.onEnd = append(tx.onEnd, fn)
}

// Commit finalizes the transaction. A nested Tx merges its records and
// callbacks into its parent and returns without touching the WAL; only a
// root Tx (no parent) actually appends to and fsyncs the log.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("txn: commit of already-finished transaction")
	}
	tx.done = true

	if tx.parent != nil {
		tx.parent.records = append(tx.parent.records, tx.records...)
		tx.parent.undo = append(tx.parent.undo, tx.undo...)
		// A nested commit defers everything to whichever Tx is outermost
		// in this chain: durability (records, above), rollback (undo,
		// above), and now on-commit/on-end work too. Only the outermost
		// Tx's own Commit or Abort decides whether this nested tx's
		// on-commit callbacks ever run. onAbort is deliberately not
		// merged: it fires only if this nested tx itself aborts, which
		// didn't happen here.
		tx.parent.onCommit = append(tx.parent.onCommit, tx.onCommit...)
		tx.parent.onEnd = append(tx.parent.onEnd, tx.onEnd...)
		return nil
	}

	if err := tx.engine.append(tx.records); err != nil {
		return fmt.Errorf("txn: commit: %w", err)
	}
	runAll(tx.onCommit)
	runAll(tx.onEnd)
	return nil
}

// Abort discards the transaction's staged records, runs undo closures in
// LIFO order and then abort callbacks in registration order. Nested-tx
// undo only unwinds that tx's own
// ops — it never touches the parent, which hasn't committed anything on
// the child's behalf yet.
func (tx *Tx) Abort(cause error) error {
	if tx.done {
		return fmt.Errorf("txn: abort of already-finished transaction")
	}
	tx.done = true

	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	runAll(tx.onAbort)
	runAll(tx.onEnd)
	if tx.engine.log != nil {
		tx.engine.log.WithError(cause).Debug("txn: transaction aborted")
	}
	return cause
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// append writes records to the WAL and fsyncs once, the durability point
// for a root commit.
func (e *Engine) append(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := make([]byte, 0, 64*len(records))
	for _, r := range records {
		buf = appendRecord(buf, r)
	}
	if _, err := e.f.Write(buf); err != nil {
		return err
	}
	return unix.Fdatasync(int(e.f.Fd()))
}

// Replay reads every durable record from the start of the log, in order,
// and invokes apply for each. vea.Load uses this to rebuild the persistent
// free tree and bitmap tree from scratch after a restart — the "no durable
// drift" self-healing property from spec.md §7.
func (e *Engine) Replay(apply func(Record) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("txn: replay seek: %w", err)
	}
	r := bufio.NewReader(e.f)
	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("txn: replay: %w", err)
		}
		if err := apply(rec); err != nil {
			return fmt.Errorf("txn: replay apply: %w", err)
		}
	}
	// Leave the file offset at EOF so subsequent appends continue the log.
	if _, err := e.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("txn: replay seek end: %w", err)
	}
	return nil
}

// Truncate drops the whole log and starts fresh; used by format(force=true)
// re-initializing an already-formatted device.
func (e *Engine) Truncate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.f.Truncate(0); err != nil {
		return err
	}
	_, err := e.f.Seek(0, io.SeekStart)
	return err
}

// record wire format: u32 treeLen | tree bytes | u8 op | u64 key |
// u32 valLen | val bytes | u32 crc32(everything above).
func appendRecord(buf []byte, r Record) []byte {
	start := len(buf)
	buf = appendU32(buf, uint32(len(r.Tree)))
	buf = append(buf, r.Tree...)
	buf = append(buf, byte(r.Op))
	buf = appendU64(buf, r.Key)
	buf = appendU32(buf, uint32(len(r.Val)))
	buf = append(buf, r.Val...)
	sum := crc32.ChecksumIEEE(buf[start:])
	return appendU32(buf, sum)
}

func readRecord(r *bufio.Reader) (Record, error) {
	var rec Record
	var hdr [4]byte

	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return rec, err
	}
	treeLen := binary.BigEndian.Uint32(hdr[:])
	checksummed := make([]byte, 0, 32+treeLen)
	checksummed = append(checksummed, hdr[:]...)

	treeBuf := make([]byte, treeLen)
	if _, err := io.ReadFull(r, treeBuf); err != nil {
		return rec, fmt.Errorf("truncated record (tree name): %w", err)
	}
	checksummed = append(checksummed, treeBuf...)
	rec.Tree = string(treeBuf)

	opByte, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("truncated record (op): %w", err)
	}
	checksummed = append(checksummed, opByte)
	rec.Op = Op(opByte)

	var keyBuf [8]byte
	if _, err := io.ReadFull(r, keyBuf[:]); err != nil {
		return rec, fmt.Errorf("truncated record (key): %w", err)
	}
	checksummed = append(checksummed, keyBuf[:]...)
	rec.Key = binary.BigEndian.Uint64(keyBuf[:])

	var valLenBuf [4]byte
	if _, err := io.ReadFull(r, valLenBuf[:]); err != nil {
		return rec, fmt.Errorf("truncated record (val len): %w", err)
	}
	checksummed = append(checksummed, valLenBuf[:]...)
	valLen := binary.BigEndian.Uint32(valLenBuf[:])

	valBuf := make([]byte, valLen)
	if _, err := io.ReadFull(r, valBuf); err != nil {
		return rec, fmt.Errorf("truncated record (val): %w", err)
	}
	checksummed = append(checksummed, valBuf...)
	rec.Val = valBuf

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return rec, fmt.Errorf("truncated record (crc): %w", err)
	}
	want := binary.BigEndian.Uint32(crcBuf[:])
	if got := crc32.ChecksumIEEE(checksummed); got != want {
		return rec, fmt.Errorf("corrupt wal record: crc mismatch (got %x want %x)", got, want)
	}
	return rec, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
