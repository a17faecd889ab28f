package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceRTT/pkg/probe"
)

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List attached debug probes",
	Long: `Scan the host for debug probes (CMSIS-DAP, J-Link) and print a summary of
the detected devices. The simulator is always listed last.`,
	Args: cobra.NoArgs,
	RunE: runProbes,
}

func init() {
	rootCmd.AddCommand(probesCmd)
}

func runProbes(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	entries, err := probe.DiscoverProbes(ctx)
	if err != nil {
		return fmt.Errorf("discover probes: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Detected debug probes:")
	for _, e := range entries {
		if e.Kind == probe.KindSim {
			fmt.Fprintf(out, "  - %s [%s]\n", e.Label(), e.Kind)
			continue
		}
		fmt.Fprintf(out, "  - %s [%s] (VID:PID %04X:%04X)", e.Label(), e.Kind, e.VendorID, e.ProductID)
		if e.SerialNumber != "" {
			fmt.Fprintf(out, " SN=%s", e.SerialNumber)
		}
		fmt.Fprintln(out)
	}
	return nil
}
