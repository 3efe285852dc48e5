package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		devices := listDevices()
		if len(devices) == 0 {
			fmt.Fprintln(os.Stderr, "no audio input devices found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\n", d.ID, d.Name)
		}
		return w.Flush()
	},
}
