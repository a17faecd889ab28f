package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/OpenTraceLab/OpenTraceRTT/pkg/probe"
)

var devicesCmd = &cobra.Command{
	Use:   "devices [prefix]",
	Short: "List supported target devices",
	Long: `Print the target devices the probe drivers know about, optionally only
those whose name starts with prefix (case-insensitive).

Examples:
  rtt devices
  rtt devices stm32f4
  rtt devices --catalog my-boards.sexp`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)

	devicesCmd.Flags().StringVar(&catalogFile, "catalog", "", "device catalog file replacing the built-in one")
}

func runDevices(cmd *cobra.Command, args []string) error {
	catalog := probe.DefaultCatalog()
	if catalogFile != "" {
		var err error
		if catalog, err = probe.LoadCatalogFile(catalogFile); err != nil {
			return err
		}
	}

	fold := cases.Fold()
	prefix := ""
	if len(args) == 1 {
		prefix = fold.String(args[0])
	}

	p := message.NewPrinter(language.AmericanEnglish)
	out := cmd.OutOrStdout()
	shown := 0
	for i := 0; i < catalog.NumSupportedDevices(); i++ {
		d, err := catalog.SupportedDevice(i)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(fold.String(d.Name), prefix) {
			continue
		}
		p.Fprintf(out, "%-20s %-14s %-11s %7d kB Flash %5d kB RAM @ 0x%08X\n",
			d.Name, d.Manufacturer, d.Core, d.FlashSize/1024, d.RAMSize/1024, d.RAMBase)
		shown++
	}

	if shown == 0 {
		if prefix != "" {
			return fmt.Errorf("no supported devices found with name starting with '%s'", args[0])
		}
		fmt.Fprintln(out, "No devices in catalog.")
		return nil
	}
	fmt.Fprintf(out, "\n%d of %d devices\n", shown, catalog.NumSupportedDevices())
	return nil
}
