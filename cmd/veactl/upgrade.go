package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embedvea/vea/vea"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade <device>",
	Short: "Enable the bitmap allocation tier on an already-formatted device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := args[0]
		inst, err := vea.Load(device, walPathFor(device))
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer vea.Unload(inst)

		if err := vea.Upgrade(inst); err != nil {
			return fmt.Errorf("upgrade: %w", err)
		}
		log.Infof("upgraded %s to the bitmap-capable feature set", device)
		return nil
	},
}
