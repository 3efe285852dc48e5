package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/oszuidwest/zwfm-recorder/internal/util"
	"github.com/oszuidwest/zwfm-recorder/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the encoder worker on stdin and stdout",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), util.ShutdownSignals()...)
		defer stop()
		return worker.Serve(ctx, os.Stdin, os.Stdout)
	},
}
