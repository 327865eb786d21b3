package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embedvea/vea/vea"
)

var (
	flagBlockSize    uint32
	flagHeaderBlocks uint32
	flagCapacity     uint64
	flagCompatBitmap bool
	flagForce        bool
)

var formatCmd = &cobra.Command{
	Use:   "format <device>",
	Short: "Initialize a backing device as a fresh VEA allocator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := args[0]
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		blkSz := flagBlockSize
		if blkSz == 0 {
			blkSz = cfg.BlockSize
		}
		hdrBlks := flagHeaderBlocks
		if hdrBlks == 0 {
			hdrBlks = cfg.HeaderBlks
		}

		var compat uint32
		if flagCompatBitmap {
			compat |= vea.CompatBitmap
		}

		inst, err := vea.Format(device, walPathFor(device), blkSz, hdrBlks, flagCapacity, compat, flagForce, nil)
		if err != nil {
			return fmt.Errorf("format: %w", err)
		}
		defer vea.Unload(inst)

		attr, _ := vea.Query(inst)
		log.Infof("formatted %s: %d blocks of %d bytes (%d free)", device, attr.TotalBlks, attr.BlockSz, attr.FreeBlks)
		return nil
	},
}

func init() {
	f := formatCmd.Flags()
	f.Uint32Var(&flagBlockSize, "block-size", 0, "block size in bytes, must be a multiple of vea.DefaultBlockSz (0 = use config default)")
	f.Uint32Var(&flagHeaderBlocks, "header-blocks", 0, "blocks reserved at the front of the device for the caller's own header (0 = use config default)")
	f.Uint64Var(&flagCapacity, "capacity", 0, "total device capacity in bytes")
	f.BoolVar(&flagCompatBitmap, "bitmap", false, "enable the bitmap allocation tier at format time")
	f.BoolVar(&flagForce, "force", false, "reinitialize an already-formatted device, discarding its contents")
	formatCmd.MarkFlagRequired("capacity")
}
