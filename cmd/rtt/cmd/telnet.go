package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceRTT/pkg/rtt"
)

var (
	dialTimeout time.Duration
	bannerWait  time.Duration
)

var telnetCmd = &cobra.Command{
	Use:   "telnet [address]",
	Short: "Read RTT from a J-Link telnet server",
	Long: `Connect to the RTT telnet port of a running J-Link server and print the
console output. The connection banner the server sends is consumed and not
printed. The address defaults to ` + rtt.DefaultTelnetAddress + `.

Examples:
  rtt telnet
  rtt telnet localhost:19021 --list-commands`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTelnet,
}

func init() {
	rootCmd.AddCommand(telnetCmd)

	telnetCmd.Flags().DurationVar(&dialTimeout, "dial-timeout", rtt.DefaultConfig().DialTimeout, "TCP connect timeout")
	telnetCmd.Flags().DurationVar(&bannerWait, "banner-wait", rtt.DefaultConfig().BannerWait, "how long to wait for the server greeting after connecting")
}

func runTelnet(cmd *cobra.Command, args []string) error {
	address := rtt.DefaultTelnetAddress
	if len(args) == 1 {
		address = args[0]
	}

	cfg := sessionConfig()
	cfg.DialTimeout = dialTimeout
	cfg.BannerWait = bannerWait

	tr := rtt.NewTelnetTransport(cfg, log.WithName("telnet"))
	conn := rtt.NewConnection(tr, cfg, log.WithName("connection"))
	return runSession(cmd.Context(), cmd, conn, tr, address)
}
