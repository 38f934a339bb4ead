package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinyrange/aether/internal/guest"
	"github.com/tinyrange/aether/internal/hv"
	"github.com/tinyrange/aether/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().IntP("guests", "n", 3, "number of guests to run")
	demoCmd.Flags().StringP("program", "p", "hello", "built-in program: "+strings.Join(guest.Names(), ", "))
	demoCmd.Flags().Bool("display", false, "present the first guest in this terminal")
	demoCmd.Flags().Bool("hvc", false, "raise arm64 hypercalls with HVC instead of the MMIO doorbell")
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run built-in guest programs side by side",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := cmd.Flags().GetInt("guests")
		if err != nil {
			return err
		}
		if n < 1 {
			return fmt.Errorf("--guests must be at least 1")
		}
		program, err := cmd.Flags().GetString("program")
		if err != nil {
			return err
		}
		if !slices.Contains(guest.Names(), program) {
			return fmt.Errorf("unknown program %q (want one of %s)", program, strings.Join(guest.Names(), ", "))
		}
		showDisplay, err := cmd.Flags().GetBool("display")
		if err != nil {
			return err
		}
		useHVC, err := cmd.Flags().GetBool("hvc")
		if err != nil {
			return err
		}

		trap := guest.TrapDoorbell
		if useHVC {
			trap = guest.TrapHVC
		}
		arch := hv.HostArchitecture()

		var guests []guestImage
		for i := 1; i <= n; i++ {
			var image []byte
			if program == "hello" {
				image, err = guest.Hello(arch, trap, fmt.Sprintf("Hello from guest %d\n", i))
			} else {
				image, err = guest.Build(program, arch, trap)
			}
			if err != nil {
				return err
			}
			guests = append(guests, guestImage{name: fmt.Sprintf("%s-%d", program, i), image: image})
		}

		steps := map[scheduler.ProcessID]map[hv.ExitKind]int{}
		observe := func(id scheduler.ProcessID, exit hv.ExitReason) {
			if steps[id] == nil {
				steps[id] = map[hv.ExitKind]int{}
			}
			steps[id][exit.Kind]++
			slog.Debug("step", "id", id, "exit", exit)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		err = runSession(ctx, guests, sessionOptions{
			display:    showDisplay,
			printLimit: hostConfig.PrintLimit,
			timeslice:  hostConfig.Timeslice,
			observer:   observe,
		})

		ids := make([]scheduler.ProcessID, 0, len(steps))
		for id := range steps {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			s := steps[id]
			fmt.Fprintf(os.Stderr, "guest %d: yield=%d io=%d mmio=%d unknown=%d halt=%d\n",
				id, s[hv.ExitYield], s[hv.ExitIo], s[hv.ExitMmio], s[hv.ExitUnknown], s[hv.ExitHalt])
		}
		return err
	},
}
