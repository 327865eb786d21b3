package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/embedvea/vea/vea"
)

// dumpCmd prints the full durable allocation map: every bitmap chunk
// with its per-slot allocated/free status, then every plain free extent
// — in that order, matching vea_util.c's vea_dump calling
// vea_dump_bitmap before vea_dump_extent rather than merge-sorting the
// two trees by offset.
var dumpCmd = &cobra.Command{
	Use:   "dump <device>",
	Short: "Print the full durable allocation map: bitmap chunks then free extents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := args[0]
		inst, err := vea.Load(device, walPathFor(device))
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer vea.Unload(inst)

		free := color.New(color.FgGreen).SprintFunc()
		alloc := color.New(color.FgRed).SprintFunc()

		fmt.Println("bitmap chunks:")
		chunkErr := vea.EnumerateBitmap(inst, func(b vea.FreeBitmapDF) error {
			fmt.Printf("  chunk off=%d cnt=%d class=%d: %s\n", b.BlkOff, b.BlkCnt, b.Class, dumpSlots(&b, free, alloc))
			return nil
		})
		if chunkErr != nil {
			return fmt.Errorf("dump bitmap: %w", chunkErr)
		}

		fmt.Println("free extents:")
		extErr := vea.EnumerateFree(inst, func(e vea.FreeExtentDF) error {
			fmt.Printf("  %s off=%d cnt=%d\n", free("free"), e.BlkOff, e.BlkCnt)
			return nil
		})
		if extErr != nil {
			return fmt.Errorf("dump free extents: %w", extErr)
		}
		return nil
	},
}

// dumpSlots renders one colored character per bitmap slot: a red '#' for
// an allocated slot, a green '.' for a free one.
func dumpSlots(b *vea.FreeBitmapDF, free, alloc func(a ...interface{}) string) string {
	total := b.BlkCnt / uint32(b.Class)
	var sb strings.Builder
	for i := uint32(0); i < total; i++ {
		if b.Bitmap[i/64]&(1<<(i%64)) != 0 {
			sb.WriteString(alloc("#"))
		} else {
			sb.WriteString(free("."))
		}
	}
	return sb.String()
}
