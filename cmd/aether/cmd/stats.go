package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyrange/aether/internal/timeslice"
)

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().Bool("raw", false, "print every record instead of per-kind totals")
}

var statsCmd = &cobra.Command{
	Use:   "stats FILE",
	Short: "Summarize a step latency recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := cmd.Flags().GetBool("raw")
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open timeslice file: %w", err)
		}
		defer f.Close()

		if raw {
			return timeslice.ReadAllRecords(f, func(id string, flags timeslice.SliceFlags, duration time.Duration) error {
				_, err := fmt.Printf("%s %s %s\n", id, flags, duration)
				return err
			})
		}

		summaries, err := timeslice.Summarize(f)
		if err != nil {
			return fmt.Errorf("read timeslice file: %w", err)
		}
		for _, s := range summaries {
			fmt.Println(s)
		}
		return nil
	},
}
