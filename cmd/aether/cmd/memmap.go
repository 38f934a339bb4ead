package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyrange/aether/internal/hv"
)

func init() {
	rootCmd.AddCommand(memmapCmd)
}

var memmapCmd = &cobra.Command{
	Use:   "memmap",
	Short: "Print and validate the guest physical memory map",
	RunE: func(cmd *cobra.Command, args []string) error {
		as, err := hv.ReferenceAddressSpace(hv.HostArchitecture(), hv.RAMSize)
		if err != nil {
			return err
		}

		fmt.Printf("ram        0x%08x - 0x%08x\n", uint64(0), as.RAMSize())
		for _, r := range as.Reserved() {
			fmt.Printf("%-10s 0x%08x - 0x%08x  %8d bytes\n", r.Name, r.Base, r.End(), r.Size)
		}
		for _, r := range as.FixedRegions() {
			fmt.Printf("%-10s 0x%08x - 0x%08x  mmio\n", r.Name, r.Base, r.End())
		}
		fmt.Printf("stack top  0x%08x\n", hv.StackTop)
		fmt.Printf("hypercall  port 0x%04x, serial port 0x%03x\n", hv.HypercallPort, hv.SerialPort)
		fmt.Printf("framebuffer %dx%d, 32-bit pixels\n", hv.FramebufferWidth, hv.FramebufferHeight)

		if err := hv.ValidateLayout(as.RAMSize(), hv.Layout()); err != nil {
			return err
		}
		fmt.Println("layout ok")
		return nil
	},
}
