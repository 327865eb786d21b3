package vea

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/embedvea/vea/pkg/backend"
)

func formatTestPaths(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "dev"), filepath.Join(dir, "wal")
}

func TestFormatSeedsWholeDeviceFreeExtent(t *testing.T) {
	dev, wal := formatTestPaths(t)

	inst, err := Format(dev, wal, 4096, 1, 4096*200, 0, false, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer Unload(inst)

	e, ok := inst.freeTree.Get(1)
	if !ok {
		t.Fatalf("expected a single free extent at the header-block boundary")
	}
	if e.Ext.BlkCnt != 199 {
		t.Fatalf("expected 199 free blocks (200 total - 1 header), got %d", e.Ext.BlkCnt)
	}
	pd, ok := inst.pFreeTree.Get(1)
	if !ok || pd.BlkCnt != 199 {
		t.Fatalf("expected the persistent free tree to match, got %+v ok=%v", pd, ok)
	}
	if inst.hdr.Magic != Magic {
		t.Fatalf("expected the header magic to be set")
	}
}

func TestFormatRejectsReformatWithoutForce(t *testing.T) {
	dev, wal := formatTestPaths(t)

	inst, err := Format(dev, wal, 4096, 1, 4096*200, 0, false, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	Unload(inst)

	if _, err := Format(dev, wal, 4096, 1, 4096*200, 0, false, nil); !errors.Is(err, ErrExist) {
		t.Fatalf("expected ErrExist reformatting without force, got %v", err)
	}
}

func TestFormatWithForceReinitializes(t *testing.T) {
	dev, wal := formatTestPaths(t)

	inst, err := Format(dev, wal, 4096, 1, 4096*200, 0, false, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	Unload(inst)

	inst2, err := Format(dev, wal, 4096, 1, 4096*300, 0, true, nil)
	if err != nil {
		t.Fatalf("Format with force: %v", err)
	}
	defer Unload(inst2)

	e, ok := inst2.freeTree.Get(1)
	if !ok || e.Ext.BlkCnt != 299 {
		t.Fatalf("expected a fresh 299-block extent after reformat, got %+v ok=%v", e, ok)
	}
}

func TestFormatRejectsCapacityBelowMinimum(t *testing.T) {
	dev, wal := formatTestPaths(t)
	if _, err := Format(dev, wal, 4096, 1, 4096*10, 0, false, nil); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace for a too-small capacity, got %v", err)
	}
}

func TestFormatRejectsMisalignedBlockSize(t *testing.T) {
	dev, wal := formatTestPaths(t)
	if _, err := Format(dev, wal, 4097, 1, 4096*200, 0, false, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for a misaligned block size, got %v", err)
	}
}

func TestFormatRejectsZeroHeaderBlocks(t *testing.T) {
	dev, wal := formatTestPaths(t)
	if _, err := Format(dev, wal, 4096, 0, 4096*200, 0, false, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for zero header blocks, got %v", err)
	}
}

func TestFormatDefaultsBlockSizeWhenZero(t *testing.T) {
	dev, wal := formatTestPaths(t)
	inst, err := Format(dev, wal, 0, 1, DefaultBlockSz*200, 0, false, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer Unload(inst)
	if inst.hdr.BlockSz != DefaultBlockSz {
		t.Fatalf("expected the default block size, got %d", inst.hdr.BlockSz)
	}
}

func TestFormatRunsCallbackBeforeWritingMetadata(t *testing.T) {
	dev, wal := formatTestPaths(t)
	var ran bool
	inst, err := Format(dev, wal, 4096, 1, 4096*200, 0, false, func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer Unload(inst)
	if !ran {
		t.Fatalf("expected the format callback to run")
	}
}

func TestFormatPropagatesCallbackError(t *testing.T) {
	dev, wal := formatTestPaths(t)
	wantErr := errors.New("header init failed")
	_, err := Format(dev, wal, 4096, 1, 4096*200, 0, false, func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the callback error to propagate, got %v", err)
	}
}

func TestFormatWithBitmapCompatLoadsHintContext(t *testing.T) {
	dev, wal := formatTestPaths(t)
	inst, err := Format(dev, wal, 4096, 1, 4096*200, CompatBitmap, false, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer Unload(inst)

	if inst.hdr.Compat&CompatBitmap == 0 {
		t.Fatalf("expected CompatBitmap to be set")
	}
	if inst.bitmapHintCtx == nil {
		t.Fatalf("expected the bitmap chunk hint context to be loaded")
	}
}

func TestLoadRejectsUnformattedDevice(t *testing.T) {
	dev, wal := formatTestPaths(t)
	store, err := backend.OpenFile(dev)
	if err != nil {
		t.Fatalf("create unformatted device: %v", err)
	}
	store.Close()

	if _, err := Load(dev, wal); !errors.Is(err, ErrUninit) {
		t.Fatalf("expected ErrUninit loading an unformatted device, got %v", err)
	}
}

func TestLoadRebuildsIndexAfterPublish(t *testing.T) {
	dev, wal := formatTestPaths(t)

	inst, err := Format(dev, wal, 4096, 1, 4096*200, 0, false, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	r, err := Reserve(inst, 20, nil)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := Publish(inst, nil, nil, []*ReservedExt{r}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := Unload(inst); err != nil {
		t.Fatalf("Unload: %v", err)
	}

	reloaded, err := Load(dev, wal)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer Unload(reloaded)

	if _, ok := reloaded.freeTree.Get(1); ok {
		t.Fatalf("expected the consumed front of the extent to be gone after reload")
	}
	e, ok := reloaded.freeTree.Get(21)
	if !ok || e.Ext.BlkCnt != 199-20 {
		t.Fatalf("expected the remainder extent to survive reload at offset 21, got %+v ok=%v", e, ok)
	}
	if reloaded.hdr.TotalBlks != inst.hdr.TotalBlks {
		t.Fatalf("expected the reloaded header to match")
	}
}

func TestUpgradeEnablesBitmapFeatureAndPersistsAcrossLoad(t *testing.T) {
	dev, wal := formatTestPaths(t)

	inst, err := Format(dev, wal, 4096, 1, 4096*200, 0, false, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if inst.bitmapHintCtx != nil {
		t.Fatalf("expected no bitmap hint context before upgrade")
	}
	if err := Upgrade(inst); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if inst.hdr.Compat&CompatBitmap == 0 {
		t.Fatalf("expected CompatBitmap to be set after Upgrade")
	}
	if inst.bitmapHintCtx == nil {
		t.Fatalf("expected Upgrade to load the bitmap hint context")
	}
	if err := Unload(inst); err != nil {
		t.Fatalf("Unload: %v", err)
	}

	reloaded, err := Load(dev, wal)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer Unload(reloaded)
	if reloaded.hdr.Compat&CompatBitmap == 0 {
		t.Fatalf("expected the upgrade to survive reload")
	}
}

func TestUpgradeIsNoOpWhenAlreadyEnabled(t *testing.T) {
	dev, wal := formatTestPaths(t)
	inst, err := Format(dev, wal, 4096, 1, 4096*200, CompatBitmap, false, nil)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	defer Unload(inst)

	hint := inst.bitmapHintCtx
	if err := Upgrade(inst); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if inst.bitmapHintCtx != hint {
		t.Fatalf("expected Upgrade to leave an already-loaded hint context untouched")
	}
}
