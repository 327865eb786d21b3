// Package backend provides the two external collaborators spec.md places
// out of scope for VEA itself: the backing block device (raw byte-range
// I/O) and the discard/unmap primitive invoked by the aging-buffer flush.
// Both are modeled as small interfaces so tests can substitute an
// in-memory fake, with a default file-backed implementation for real use.
package backend

import (
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// Range is a scatter-list entry: a contiguous device range expressed in
// blocks, the unit vea's aging flush deals in.
type Range struct {
	Off uint64 // block offset
	Cnt uint64 // block count
}

// Store is the backing device spec.md §1 says VEA does not own the
// lifecycle of: VEA only ever issues byte-range reads/writes of its own
// metadata through this interface (client/logical data never flows
// through it — that belongs to layers above VEA).
type Store interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Size() (int64, error)
	Close() error
}

// Unmapper is the discard/unmap collaborator from spec.md §1/§6: a single
// callback invoked with a scatter list of block ranges plus the block
// size that converts them to bytes. The call "may
// suspend" in the original (cooperative yield on the argobot scheduler);
// here that's modeled by the method simply being allowed to block the
// calling goroutine, same as any blocking syscall.
type Unmapper interface {
	Unmap(ranges []Range, blockSz uint32) error
}

// FileStore is the default Store: a plain local file, made single-writer
// via an advisory exclusive flock for the lifetime of the open handle —
// the concrete expression of spec.md §5's "caller is expected to hold
// external synchronization" requirement at the process level.
type FileStore struct {
	mu   sync.Mutex
	f    *os.File
	lock *flock.Flock
}

// OpenFile opens (creating if needed) path as a backing store and takes
// an exclusive advisory lock on it, refusing to proceed if another
// process already holds one.
func OpenFile(path string) (*FileStore, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("backend: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("backend: %s is already open by another process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}
	return &FileStore{f: f, lock: lock}, nil
}

func (s *FileStore) ReadAt(p []byte, off int64) (int, error)  { return s.f.ReadAt(p, off) }
func (s *FileStore) WriteAt(p []byte, off int64) (int, error) { return s.f.WriteAt(p, off) }
func (s *FileStore) Sync() error                              { return s.f.Sync() }

func (s *FileStore) Size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Truncate grows (or shrinks) the backing file to exactly n bytes; used
// by format to size a freshly-created device.
func (s *FileStore) Truncate(n int64) error {
	return s.f.Truncate(n)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cerr := s.f.Close()
	lerr := s.lock.Unlock()
	if cerr != nil {
		return cerr
	}
	return lerr
}

// Unmap punches a hole for each range via fallocate(FALLOC_FL_PUNCH_HOLE
// | FALLOC_FL_KEEP_SIZE), the default implementation of the discard
// primitive spec.md treats as external. Ranges are in blocks; blockSz
// converts them to byte offsets.
func (s *FileStore) Unmap(ranges []Range, blockSz uint32) error {
	fd := int(s.f.Fd())
	for _, r := range ranges {
		off := int64(r.Off) * int64(blockSz)
		length := int64(r.Cnt) * int64(blockSz)
		if err := unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length); err != nil {
			return fmt.Errorf("backend: unmap [%d,%d): %w", off, off+length, err)
		}
	}
	return nil
}

// NullUnmapper discards ranges without issuing any device command; useful
// for tests and for backing stores (e.g. plain files used as VM disk
// images) where punching holes isn't meaningful.
type NullUnmapper struct{}

func (NullUnmapper) Unmap([]Range, uint32) error { return nil }
