package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinyrange/aether/internal/config"
	"github.com/tinyrange/aether/internal/disk"
	"github.com/tinyrange/aether/internal/hv"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("display", false, "present the first guest's framebuffer and keyboard in this terminal")
	runCmd.Flags().String("disk", "disk.img", "disk image loaded at the disk region of guests without their own")
	runCmd.Flags().Int("print-limit", 0, "exclusive upper bound on Print lengths (default from config)")
	runCmd.Flags().String("timeslice", "", "record step latencies to this file")
}

var runCmd = &cobra.Command{
	Use:   "run [IMAGE...]",
	Short: "Run guest images, or the guests listed in the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		showDisplay, err := cmd.Flags().GetBool("display")
		if err != nil {
			return err
		}
		diskPath, err := cmd.Flags().GetString("disk")
		if err != nil {
			return err
		}

		opts := sessionOptions{
			display:    showDisplay,
			printLimit: hostConfig.PrintLimit,
			timeslice:  hostConfig.Timeslice,
		}
		if cmd.Flags().Changed("print-limit") {
			if opts.printLimit, err = cmd.Flags().GetInt("print-limit"); err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("timeslice") {
			if opts.timeslice, err = cmd.Flags().GetString("timeslice"); err != nil {
				return err
			}
		}

		entries := hostConfig.Guests
		if len(args) > 0 {
			entries = nil
			for _, path := range args {
				entries = append(entries, config.Guest{Image: path})
			}
		}
		if len(entries) == 0 {
			return fmt.Errorf("no images given and no guests in the config file")
		}

		guests, err := loadGuests(entries, diskPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		return runSession(ctx, guests, opts)
	},
}

func loadGuests(entries []config.Guest, defaultDisk string) ([]guestImage, error) {
	var guests []guestImage
	for _, e := range entries {
		image, err := os.ReadFile(e.Image)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}

		diskPath := e.Disk
		if diskPath == "" {
			diskPath = defaultDisk
		}
		var data []byte
		if diskPath != "" {
			if data, err = disk.Load(diskPath, int64(hv.DiskSize)); err != nil {
				return nil, err
			}
		}

		name := e.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(e.Image), filepath.Ext(e.Image))
		}
		guests = append(guests, guestImage{name: name, image: image, disk: data})
	}
	return guests, nil
}
