package txn

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestCommitReplays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal")
	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	tx := e.Begin(nil)
	tx.Log(Record{Tree: "free", Op: OpUpsert, Key: 10, Val: []byte("ext")})
	tx.Log(Record{Tree: "free", Op: OpUpsert, Key: 20, Val: []byte("ext2")})
	committed := false
	tx.OnCommit(func() { committed = true })
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !committed {
		t.Fatalf("OnCommit callback did not run")
	}

	var got []Record
	if err := e.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 2 || got[0].Key != 10 || got[1].Key != 20 {
		t.Fatalf("Replay = %+v", got)
	}
}

func TestAbortDiscardsAndRunsUndo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal")
	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	tx := e.Begin(nil)
	tx.Log(Record{Tree: "free", Op: OpUpsert, Key: 99})
	undone := false
	tx.AddUndo(func() { undone = true })
	aborted := false
	tx.OnAbort(func() { aborted = true })

	if err := tx.Abort(errors.New("boom")); err == nil {
		t.Fatalf("Abort should return the cause")
	}
	if !undone || !aborted {
		t.Fatalf("undo=%v abort=%v, want both true", undone, aborted)
	}

	var got []Record
	if err := e.Replay(func(r Record) error { got = append(got, r); return nil }); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("aborted records should not be durable, got %+v", got)
	}
}

func TestNestedCommitPropagatesToParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal")
	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	outer := e.Begin(nil)
	inner := e.Begin(outer)
	inner.Log(Record{Tree: "bitmap", Op: OpUpsert, Key: 1})
	if err := inner.Commit(); err != nil {
		t.Fatalf("inner Commit: %v", err)
	}
	// Records aren't durable yet: only the outer tx's commit flushes them.
	var mid []Record
	_ = e.Replay(func(r Record) error { mid = append(mid, r); return nil })
	if len(mid) != 0 {
		t.Fatalf("inner commit should not be durable before outer commits, got %+v", mid)
	}

	if err := outer.Commit(); err != nil {
		t.Fatalf("outer Commit: %v", err)
	}
	var got []Record
	_ = e.Replay(func(r Record) error { got = append(got, r); return nil })
	if len(got) != 1 || got[0].Key != 1 {
		t.Fatalf("Replay = %+v", got)
	}
}

func TestNestedCommitDefersOnCommitToOutermost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal")
	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	outer := e.Begin(nil)
	inner := e.Begin(outer)
	fired := false
	inner.OnCommit(func() { fired = true })
	if err := inner.Commit(); err != nil {
		t.Fatalf("inner Commit: %v", err)
	}
	if fired {
		t.Fatalf("inner OnCommit must not fire before the outer tx commits")
	}
	if err := outer.Commit(); err != nil {
		t.Fatalf("outer Commit: %v", err)
	}
	if !fired {
		t.Fatalf("inner OnCommit should fire once the outer tx commits")
	}
}

func TestNestedAbortOnlyUndoesItsOwnOps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal")
	e, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	outer := e.Begin(nil)
	outerUndone := false
	outer.AddUndo(func() { outerUndone = true })

	inner := e.Begin(outer)
	innerUndone := false
	inner.AddUndo(func() { innerUndone = true })
	if err := inner.Abort(errors.New("inner failed")); err == nil {
		t.Fatalf("expected error")
	}
	if !innerUndone {
		t.Fatalf("inner undo should have run")
	}
	if outerUndone {
		t.Fatalf("outer undo should not run from inner abort")
	}

	if err := outer.Commit(); err != nil {
		t.Fatalf("outer Commit: %v", err)
	}
	if outerUndone {
		t.Fatalf("outer undo should not run on successful commit")
	}
}
