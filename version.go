package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oszuidwest/zwfm-recorder/internal/ffmpeg"
)

// Version is the application version, set via ldflags at build time.
var Version = "dev"

// Commit is the git commit hash, set via ldflags at build time.
var Commit = "unknown"

// BuildTime is the build timestamp, set via ldflags at build time.
var BuildTime = "unknown"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "zwfm-recorder %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that FFmpeg is installed and recent enough",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		out := cmd.OutOrStdout()
		v, err := ffmpeg.Probe(ctx)
		if err != nil {
			fmt.Fprintf(out, "ffmpeg: %v\n", err)
			fmt.Fprintln(out, "wav recording works without ffmpeg; ogg and mp3 need it")
			return err
		}
		if v == "" {
			fmt.Fprintln(out, "ffmpeg: found a development build, version not checked")
			return nil
		}
		if !ffmpeg.AtLeast(v, ffmpeg.MinimumVersion) {
			return fmt.Errorf("ffmpeg %s is older than the required %s", v, ffmpeg.MinimumVersion)
		}
		fmt.Fprintf(out, "ffmpeg: %s (minimum %s) ok\n", v, ffmpeg.MinimumVersion)
		return nil
	},
}
