package vea

import "github.com/embedvea/vea/pkg/metrics"

// This file implements the read-only inspection surface of §4.7/§6:
// point-in-time attributes and counters (Query) and a durable-free-extent
// walk (EnumerateFree). Grounded on vea_api.c's vea_query/vea_enumerate_free.

// Attr is a point-in-time snapshot of an Instance's static and
// slowly-changing configuration. Grounded on struct vea_attr.
type Attr struct {
	Compat      uint32
	BlockSz     uint32
	HeaderBlks  uint32
	LargeThresh uint32
	TotalBlks   uint64
	FreeBlks    uint64 // currently reservable: freeExtentBlks + freeBitmapBlks
}

// Stat is a point-in-time snapshot of counters and free-space totals
// across both the durable and in-memory layers. Grounded on struct
// vea_stat.
type Stat struct {
	FreePersistent uint64 // total free blocks per the durable free/bitmap trees
	FreeTransient  uint64 // total free blocks per the in-memory allocatable index

	metrics.Snapshot
}

// Query reports an Instance's attributes and statistics. Grounded on
// vea_query, minus the nil-attr/nil-stat short-circuits: Go callers that
// only want one half can just ignore the other return value.
func Query(inst *Instance) (Attr, Stat) {
	attr := Attr{
		Compat:      inst.hdr.Compat,
		BlockSz:     inst.hdr.BlockSz,
		HeaderBlks:  inst.hdr.HeaderBlks,
		LargeThresh: inst.largeThresh,
		TotalBlks:   inst.hdr.TotalBlks,
		FreeBlks:    inst.freeExtentBlks + inst.freeBitmapBlks,
	}

	var freePersistent uint64
	inst.pFreeTree.Ascend(func(_ uint64, e FreeExtentDF) bool {
		freePersistent += uint64(e.BlkCnt)
		return true
	})
	inst.pBitmapTree.Ascend(func(_ uint64, b FreeBitmapDF) bool {
		freePersistent += uint64(bitmapFreeSlotCount(&b)) * uint64(b.Class)
		return true
	})

	stat := Stat{
		FreePersistent: freePersistent,
		FreeTransient:  inst.freeExtentBlks + inst.freeBitmapBlks,
		Snapshot:       inst.metricsSink.Snapshot(),
	}
	return attr, stat
}

// EnumerateFree walks every durable free extent in offset order, stopping
// and returning cb's error the first time it returns one. Grounded on
// vea_enumerate_free; bitmap-chunk-resident free space isn't visited since
// the original's dbtree_iterate callback only ever sees vsi_md_free_btr.
func EnumerateFree(inst *Instance, cb func(FreeExtentDF) error) error {
	var err error
	inst.pFreeTree.Ascend(func(_ uint64, e FreeExtentDF) bool {
		if cbErr := cb(e); cbErr != nil {
			err = cbErr
			return false
		}
		return true
	})
	return err
}

// EnumerateBitmap walks every durable bitmap chunk in offset order,
// stopping and returning cb's error the first time it returns one. This
// is the bitmap-tier counterpart EnumerateFree leaves out, giving a full
// dump of the allocation map (used by cmd/veactl's dump command) rather
// than just the plain free-extent view. Grounded on vea_util.c's
// vea_dump_bitmap, which walks vsi_md_bitmap_btr the same way
// vea_enumerate_free walks vsi_md_free_btr.
func EnumerateBitmap(inst *Instance, cb func(FreeBitmapDF) error) error {
	var err error
	inst.pBitmapTree.Ascend(func(_ uint64, b FreeBitmapDF) bool {
		if cbErr := cb(b); cbErr != nil {
			err = cbErr
			return false
		}
		return true
	})
	return err
}
