package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyrange/aether/internal/hv/factory"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the host hypervisor can be used",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("platform: %s\n", factory.Platform())
		if err := factory.Probe(); err != nil {
			fmt.Printf("hypervisor: unavailable: %v\n", err)
			return err
		}
		fmt.Println("hypervisor: available")
		return nil
	},
}
