// Package main implements zwfm-recorder, which records audio from a capture
// device through an out-of-process encoder.
//
// Usage:
//
//	zwfm-recorder record [--duration 1m]
//	zwfm-recorder serve
//	zwfm-recorder devices
//	zwfm-recorder config show
//	zwfm-recorder doctor
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
)

var (
	cfg      *config.Config
	cfgFile  string
	verbose  bool
	inProc   bool
	noConfig = map[string]bool{"worker": true, "version": true, "doctor": true}
)

var rootCmd = &cobra.Command{
	Use:   "zwfm-recorder",
	Short: "Record audio through an out-of-process encoder",
	Long: `zwfm-recorder captures live audio, relays it tick by tick to an encoder
process and writes WAV, Ogg Vorbis or MP3 recordings.

Settings are read from the config file and from ZWFM_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		setupLogging(verbose)

		if noConfig[cmd.Name()] {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if inProc {
			cfg.Worker.InProcess = true
		}
		slog.Debug("configuration loaded", "path", cfgFile)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&inProc, "in-process", false, "run the encoder on a goroutine instead of a child process")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}

// setupLogging configures the default slog handler on stderr.
func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
