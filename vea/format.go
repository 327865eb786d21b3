package vea

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/embedvea/vea/pkg/backend"
	"github.com/embedvea/vea/pkg/txn"
)

// This file implements §4.7: turning a bare backing device into a formatted
// one (Format), reopening an already-formatted device (Load), flipping on a
// feature bit on an existing device (Upgrade), and tearing down the
// in-memory state of a loaded Instance (Unload, already in instance.go).
// Grounded on vea_init.c's create_free_class/load_space_info/
// unload_space_info and vea_api.c's vea_format/vea_load/vea_upgrade.

// headerRecordLen is the on-device size, in bytes, of an encoded SpaceDF.
// Stored at byte offset 0 of the backing Store, ahead of everything VEA
// itself allocates out of the block space (the caller's hdrBlks reserve
// the rest of that header region for its own block-device header).
const headerRecordLen = 32

func encodeSpaceDF(h SpaceDF) []byte {
	buf := make([]byte, headerRecordLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Compat)
	binary.BigEndian.PutUint32(buf[8:12], h.Version)
	binary.BigEndian.PutUint32(buf[12:16], h.BlockSz)
	binary.BigEndian.PutUint32(buf[16:20], h.HeaderBlks)
	binary.BigEndian.PutUint64(buf[20:28], h.TotalBlks)
	return buf
}

func decodeSpaceDF(buf []byte) (SpaceDF, error) {
	if len(buf) < headerRecordLen {
		return SpaceDF{}, fmt.Errorf("%w: truncated space header", ErrInvalid)
	}
	return SpaceDF{
		Magic:      binary.BigEndian.Uint32(buf[0:4]),
		Compat:     binary.BigEndian.Uint32(buf[4:8]),
		Version:    binary.BigEndian.Uint32(buf[8:12]),
		BlockSz:    binary.BigEndian.Uint32(buf[12:16]),
		HeaderBlks: binary.BigEndian.Uint32(buf[16:20]),
		TotalBlks:  binary.BigEndian.Uint64(buf[20:28]),
	}, nil
}

// readSpaceDF reads whatever is at the header region of store, treating a
// too-short device (never formatted) the same as a zero-valued, non-magic
// header.
func readSpaceDF(store backend.Store) (SpaceDF, error) {
	sz, err := store.Size()
	if err != nil {
		return SpaceDF{}, fmt.Errorf("vea: stat backing store: %w", err)
	}
	if sz < headerRecordLen {
		return SpaceDF{}, nil
	}
	buf := make([]byte, headerRecordLen)
	if _, err := store.ReadAt(buf, 0); err != nil {
		return SpaceDF{}, fmt.Errorf("vea: read space header: %w", err)
	}
	return decodeSpaceDF(buf)
}

func writeSpaceDF(store backend.Store, h SpaceDF) error {
	if _, err := store.WriteAt(encodeSpaceDF(h), 0); err != nil {
		return fmt.Errorf("vea: write space header: %w", err)
	}
	return store.Sync()
}

// FormatCallback initializes the caller's own block-device header, run
// before any of VEA's own metadata is written and outside of any
// transaction (mirroring vea_format's cb/cb_data: the callback may block or
// otherwise yield, which an open transaction in this port never allows a
// registered callback to do safely).
type FormatCallback func() error

// Format initializes a backing device at devicePath plus a write-ahead log
// at walPath, laying out a device of capacityBytes bytes with blkSz-byte
// blocks, the first hdrBlks blocks reserved for the caller's own header,
// and the remainder tracked as one whole-device free extent. blkSz == 0
// defaults to DefaultBlockSz. Reformatting an already-formatted device
// requires force; cb, if non-nil, runs once the arguments have validated
// but before anything is written. Grounded on vea_format.
func Format(devicePath, walPath string, blkSz, hdrBlks uint32, capacityBytes uint64, compat uint32, force bool, cb FormatCallback, opts ...Option) (*Instance, error) {
	store, err := backend.OpenFile(devicePath)
	if err != nil {
		return nil, err
	}

	existing, err := readSpaceDF(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	if existing.Magic == Magic && !force {
		store.Close()
		return nil, ErrExist
	}

	if blkSz != 0 && (blkSz%DefaultBlockSz != 0 || blkSz > (1<<20)) {
		store.Close()
		return nil, fmt.Errorf("%w: block size %d must be a multiple of %d and at most 1MiB", ErrInvalid, blkSz, DefaultBlockSz)
	}
	if hdrBlks < 1 {
		store.Close()
		return nil, fmt.Errorf("%w: header blocks must be at least 1", ErrInvalid)
	}
	if blkSz == 0 {
		blkSz = DefaultBlockSz
	}
	if capacityBytes < uint64(blkSz)*MinCapacityBlocks {
		store.Close()
		return nil, fmt.Errorf("%w: capacity %d below minimum of %d blocks", ErrNoSpace, capacityBytes, MinCapacityBlocks)
	}

	totBlks := capacityBytes / uint64(blkSz)
	if totBlks <= uint64(hdrBlks) {
		store.Close()
		return nil, fmt.Errorf("%w: capacity leaves no room past %d header blocks", ErrNoSpace, hdrBlks)
	}
	totBlks -= uint64(hdrBlks)
	if totBlks > (1<<32)-1 {
		store.Close()
		return nil, fmt.Errorf("%w: capacity %d blocks overflows a uint32 extent count", ErrInvalid, totBlks)
	}

	// The block-device header callback can't run under an open
	// transaction (it may block on its own I/O); run it first, same as
	// vea_format's D_ASSERT(umem_tx_none(umem)) placement.
	if cb != nil {
		if err := cb(); err != nil {
			store.Close()
			return nil, fmt.Errorf("vea: format callback: %w", err)
		}
	}

	if err := store.Truncate(int64(capacityBytes)); err != nil {
		store.Close()
		return nil, fmt.Errorf("vea: size backing store: %w", err)
	}

	engine, err := txn.Open(walPath, logrus.NewEntry(logrus.New()))
	if err != nil {
		store.Close()
		return nil, err
	}
	if existing.Magic == Magic {
		if err := engine.Truncate(); err != nil {
			store.Close()
			engine.Close()
			return nil, fmt.Errorf("vea: erase prior metadata log: %w", err)
		}
	}

	hdr := SpaceDF{
		Magic:      Magic,
		Compat:     compat & CompatBitmap,
		Version:    1,
		BlockSz:    blkSz,
		HeaderBlks: hdrBlks,
		TotalBlks:  totBlks,
	}
	if err := writeSpaceDF(store, hdr); err != nil {
		store.Close()
		engine.Close()
		return nil, err
	}

	inst := newInstance(store, backend.NullUnmapper{}, engine, opts)
	inst.hdr = hdr
	inst.largeThresh = (LargeExtMB << 20) / blkSz

	h := beginTxn(inst, nil)
	h.putFreeExtent(FreeExtentDF{BlkOff: uint64(hdrBlks), BlkCnt: uint32(totBlks)})
	if err := h.Commit(); err != nil {
		store.Close()
		engine.Close()
		return nil, fmt.Errorf("vea: format: seed free extent: %w", err)
	}
	insertFreeExtent(inst, FreeExtentDF{BlkOff: uint64(hdrBlks), BlkCnt: uint32(totBlks)})

	if hdr.Compat&CompatBitmap != 0 {
		hint, err := HintLoad(inst, BitmapChunkHintKey)
		if err != nil {
			store.Close()
			engine.Close()
			return nil, err
		}
		inst.bitmapHintCtx = hint
	}

	return inst, nil
}

// Load reopens a previously formatted device, replaying its write-ahead log
// to rebuild the persistent free/bitmap/hint trees and then walking those
// trees to rebuild the in-memory allocatable index from scratch. Grounded
// on vea_load: load_free_entry/load_bitmap_entry insert straight into the
// compound index with no re-merge pass, since the persisted free tree is
// already fully coalesced by mergePersistentFreeExtent.
func Load(devicePath, walPath string, opts ...Option) (*Instance, error) {
	store, err := backend.OpenFile(devicePath)
	if err != nil {
		return nil, err
	}

	hdr, err := readSpaceDF(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	if hdr.Magic != Magic {
		store.Close()
		return nil, ErrUninit
	}

	engine, err := txn.Open(walPath, logrus.NewEntry(logrus.New()))
	if err != nil {
		store.Close()
		return nil, err
	}

	inst := newInstance(store, backend.NullUnmapper{}, engine, opts)
	inst.hdr = hdr
	inst.largeThresh = (LargeExtMB << 20) / hdr.BlockSz

	apply := func(r txn.Record) error {
		switch r.Tree {
		case freeTreeName:
			if r.Op == txn.OpDelete {
				inst.pFreeTree.Delete(r.Key)
				return nil
			}
			inst.pFreeTree.Upsert(r.Key, decodeFreeExtentRecord(r))
			return nil
		case bitmapTreeName:
			if r.Op == txn.OpDelete {
				inst.pBitmapTree.Delete(r.Key)
				return nil
			}
			b, err := decodeBitmapRecord(r)
			if err != nil {
				return err
			}
			inst.pBitmapTree.Upsert(r.Key, b)
			return nil
		case hintsTreeName:
			if r.Op == txn.OpDelete {
				inst.pHints.Delete(r.Key)
				return nil
			}
			d, err := decodeHintRecord(r)
			if err != nil {
				return err
			}
			inst.pHints.Upsert(r.Key, d)
			return nil
		default:
			return fmt.Errorf("vea: load: unknown record tree %q", r.Tree)
		}
	}
	if err := engine.Replay(apply); err != nil {
		store.Close()
		engine.Close()
		return nil, fmt.Errorf("vea: load: replay wal: %w", err)
	}

	inst.pFreeTree.Ascend(func(_ uint64, ext FreeExtentDF) bool {
		insertFreeExtent(inst, ext)
		return true
	})
	inst.pBitmapTree.Ascend(func(_ uint64, b FreeBitmapDF) bool {
		insertBitmapChunk(inst, b, BitmapPublished)
		return true
	})

	if hdr.Compat&CompatBitmap != 0 {
		hint, err := HintLoad(inst, BitmapChunkHintKey)
		if err != nil {
			store.Close()
			engine.Close()
			return nil, err
		}
		inst.bitmapHintCtx = hint
	}

	return inst, nil
}

// Upgrade turns on CompatBitmap for an already-loaded, pre-bitmap-feature
// Instance, creating its chunk-carving hint. Turning the bit on is
// idempotent; Upgrade is a no-op if the feature is already enabled.
// Grounded on vea_upgrade (minus the dbtree-recreation dance DAOS needs
// because its original bitmap tree reused the extent tree's key encoding —
// this port's bitmap tree has always used its own uint64 key space, so
// there's nothing to migrate beyond flipping the bit and loading the hint).
func Upgrade(inst *Instance) error {
	if inst.hdr.Compat&CompatBitmap != 0 {
		return nil
	}

	h := beginTxn(inst, nil)
	hdr := inst.hdr
	hdr.Compat |= CompatBitmap
	h.OnCommit(func() {
		inst.hdr = hdr
		if err := writeSpaceDF(inst.store, hdr); err != nil {
			inst.log.WithError(err).Error("vea: upgrade: failed to persist space header")
		}
	})
	if err := h.Commit(); err != nil {
		return fmt.Errorf("vea: upgrade: %w", err)
	}

	hint, err := HintLoad(inst, BitmapChunkHintKey)
	if err != nil {
		return err
	}
	inst.bitmapHintCtx = hint
	return nil
}
