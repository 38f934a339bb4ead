// Package cmd implements the aether command line.
package cmd

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/aether/internal/config"
)

// Version is set at link time by tools/build.go.
var Version = "dev"

var (
	configPath string
	logLevel   string

	// hostConfig is loaded before any subcommand runs.
	hostConfig = config.Default()
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "host configuration file (default ./"+config.DefaultFilename+" if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
}

var rootCmd = &cobra.Command{
	Use:           "aether",
	Version:       Version,
	Short:         "Run flat guest images on the host hypervisor",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		level, err := config.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		hostConfig = cfg
		return nil
	},
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	cfg, err := config.Load(config.DefaultFilename)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		slog.Error("aether failed", "error", err)
	}
	return err
}
