package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/embedvea/vea/vea"
)

var queryCmd = &cobra.Command{
	Use:   "query <device>",
	Short: "Print an allocator's attributes and statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := args[0]
		inst, err := vea.Load(device, walPathFor(device))
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer vea.Unload(inst)

		attr, stat := vea.Query(inst)
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(struct {
				Attr vea.Attr `json:"attr"`
				Stat vea.Stat `json:"stat"`
			}{attr, stat})
		}

		fmt.Printf("block size:       %d\n", attr.BlockSz)
		fmt.Printf("header blocks:    %d\n", attr.HeaderBlks)
		fmt.Printf("total blocks:     %d\n", attr.TotalBlks)
		fmt.Printf("free blocks:      %d\n", attr.FreeBlks)
		fmt.Printf("large threshold:  %d blocks\n", attr.LargeThresh)
		fmt.Printf("compat bits:      %#x\n", attr.Compat)
		fmt.Println()
		fmt.Printf("free (persistent): %d\n", stat.FreePersistent)
		fmt.Printf("free (transient):  %d\n", stat.FreeTransient)
		fmt.Printf("reserve hint/large/small/bitmap: %d/%d/%d/%d\n",
			stat.ResrvHint, stat.ResrvLarge, stat.ResrvSmall, stat.ResrvBitmap)
		fmt.Printf("frags large/small/aging/bitmap:  %d/%d/%d/%d\n",
			stat.FragsLarge, stat.FragsSmall, stat.FragsAging, stat.FragsBitmap)
		return nil
	},
}

var freeListCmd = &cobra.Command{
	Use:   "free-list <device>",
	Short: "Enumerate the durable free extents in offset order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := args[0]
		inst, err := vea.Load(device, walPathFor(device))
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer vea.Unload(inst)

		enc := json.NewEncoder(os.Stdout)
		return vea.EnumerateFree(inst, func(e vea.FreeExtentDF) error {
			if flagJSON {
				return enc.Encode(e)
			}
			fmt.Printf("off=%d cnt=%d\n", e.BlkOff, e.BlkCnt)
			return nil
		})
	},
}
