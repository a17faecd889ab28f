package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceRTT/internal/console"
	"github.com/OpenTraceLab/OpenTraceRTT/pkg/device"
	"github.com/OpenTraceLab/OpenTraceRTT/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceRTT/pkg/rtt"
)

var (
	driverType   string
	deviceName   string
	speedKHz     int
	ifaceName    string
	stateDir     string
	catalogFile  string
	probeVID     string
	probePID     string
	cbAddress    string
	simOutput    []string
	simDelay     int
	simKeepAlive bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Read RTT directly through a debug probe",
	Long: `Connect to the target through a debug probe, wait for the firmware to
publish its RTT control block and print up buffer output.

The target device is taken from --device, then from the device name used
last time (stored in .jlink_last_used_device_name in --state-dir), and
otherwise asked for interactively.

Examples:
  # CMSIS-DAP probe (Raspberry Pi Debug Probe, DAPLink, MCU-Link)
  rtt probe --driver cmsisdap --device NRF52840_XXAA

  # Simulated target, no hardware needed
  rtt probe --driver simulator --device STM32F407VG --sim-output "boot ok"`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	defaults := rtt.DefaultConfig()
	f := probeCmd.Flags()
	f.StringVarP(&driverType, "driver", "d", "cmsisdap", "probe driver (cmsisdap, simulator)")
	f.StringVar(&deviceName, "device", "", "target device name (see 'rtt devices')")
	f.IntVar(&speedKHz, "speed", defaults.SpeedKHz, "interface clock in kHz")
	f.StringVar(&ifaceName, "interface", defaults.Interface.String(), "debug interface (swd, jtag)")
	f.StringVar(&stateDir, "state-dir", ".", "directory holding the last used device name")
	f.StringVar(&catalogFile, "catalog", "", "device catalog file replacing the built-in one")
	f.StringVar(&probeVID, "vid", fmt.Sprintf("0x%04X", probe.VendorIDRaspberryPi), "CMSIS-DAP USB vendor ID")
	f.StringVar(&probePID, "pid", fmt.Sprintf("0x%04X", probe.ProductIDCMSISDAP), "CMSIS-DAP USB product ID")
	f.StringVar(&cbAddress, "cb-address", "", "RTT control block address hint (hex)")
	f.StringArrayVar(&simOutput, "sim-output", nil, "simulator: line the firmware prints (repeatable)")
	f.IntVar(&simDelay, "sim-delay", 0, "simulator: control block queries before the firmware publishes it")
	f.BoolVar(&simKeepAlive, "sim-keep-alive", false, "simulator: stay connected after all output was read")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg := sessionConfig()
	cfg.SpeedKHz = speedKHz
	iface, err := probe.ParseInterface(ifaceName)
	if err != nil {
		return err
	}
	cfg.Interface = iface

	catalog := probe.DefaultCatalog()
	if catalogFile != "" {
		if catalog, err = probe.LoadCatalogFile(catalogFile); err != nil {
			return err
		}
	}

	driver, err := createDriver(driverType, catalog)
	if err != nil {
		return fmt.Errorf("failed to create driver: %w", err)
	}

	var input device.FragmentReader
	if in := cmd.InOrStdin(); in == os.Stdin {
		le := console.NewLineEditor(cmd.OutOrStdout())
		defer le.Close()
		log.V(1).Info("device name input", "interactive", le.IsInteractive())
		input = le
	} else {
		input = console.NewScannerEditor(in, cmd.OutOrStdout())
	}

	resolver := device.NewResolver(driver, device.NewFileStore(stateDir), input, cmd.OutOrStdout(), log.WithName("device"))
	target, err := resolver.Resolve(deviceName)
	if err != nil {
		return err
	}

	tr := rtt.NewProbeTransport(driver, cfg, log.WithName("probe"))
	conn := rtt.NewConnection(tr, cfg, log.WithName("connection"))
	return runSession(cmd.Context(), cmd, conn, tr, target)
}

// parseAddress reads the --cb-address hint; empty means scan RAM.
func parseAddress(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	addr, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid --cb-address: %w", err)
	}
	return uint32(addr), nil
}

func createDriver(kind string, catalog *probe.Catalog) (probe.Driver, error) {
	switch kind {
	case "simulator", "sim":
		sim := probe.NewSimDriver(catalog)
		hint, err := parseAddress(cbAddress)
		if err != nil {
			return nil, err
		}
		sim.ControlBlockAddress = hint
		sim.ControlBlockDelay = simDelay
		sim.DisconnectWhenDrained = !simKeepAlive
		for _, line := range simOutput {
			sim.Emit(0, []byte(line+"\r\n"))
		}
		return sim, nil

	case "cmsisdap", "cmsis-dap", "dap":
		vid, err := parseHex16(probeVID)
		if err != nil {
			return nil, fmt.Errorf("invalid --vid: %w", err)
		}
		pid, err := parseHex16(probePID)
		if err != nil {
			return nil, fmt.Errorf("invalid --pid: %w", err)
		}
		hint, err := parseAddress(cbAddress)
		if err != nil {
			return nil, err
		}
		d := probe.NewDAPDriver(vid, pid, catalog)
		d.ControlBlockAddress = hint
		return d, nil

	case "jlink", "j-link":
		return nil, fmt.Errorf("J-Link probes are read through the telnet server, use 'rtt telnet': %w", probe.ErrNotImplemented)
	}
	return nil, fmt.Errorf("unknown driver %q (supported: cmsisdap, simulator)", kind)
}

func parseHex16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
