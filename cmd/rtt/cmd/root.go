package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceRTT/internal/logger"
	"github.com/OpenTraceLab/OpenTraceRTT/pkg/rtt"
)

// version is overridden at link time with -ldflags "-X ...cmd.version=".
var version = "0.4.0"

var (
	log *logger.Logger

	configFile string
	logFile    string
	logMaxSize int

	// Session flags shared by telnet and probe
	readTimeout  time.Duration
	pollInterval time.Duration
	cbRetries    int
	cbInterval   time.Duration
	maxChunk     int
	quiet        bool
	sendCommands []string
	listCommands bool
)

var rootCmd = &cobra.Command{
	Use:   "rtt",
	Short: "SEGGER RTT console viewer",
	Long: `Print the RTT console output of an embedded target line by line.

The output is read either from a J-Link RTT telnet server (started by
JLinkGDBServer, JLinkRTTLogger or J-Link Commander) or directly from the
target's RAM through a debug probe.

Examples:
  rtt telnet                                      # J-Link server on localhost:19021
  rtt telnet 192.168.1.20:19021 --send help       # remote server, send a command
  rtt probe --driver cmsisdap --device NRF52840_XXAA
  rtt probe --driver simulator --sim-output "hello"
  rtt devices nrf52                               # list matching target devices`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := applyConfig(cmd, configFile); err != nil {
			return err
		}
		if logFile != "" {
			log.WithFile(logFile, logMaxSize)
		}
		return nil
	},
}

// Execute runs the root command. SIGINT and SIGTERM end a session cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	log.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	log = logger.New("rtt")
	log.AddLevelFlag(rootCmd.PersistentFlags())

	defaults := rtt.DefaultConfig()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (default ./rtt.yaml, then the user config dir)")
	pf.StringVar(&logFile, "log-file", "", "also write JSON logs to this file, rotated by size")
	pf.IntVar(&logMaxSize, "log-max-size", 10, "log file size in MB before rotation")
	pf.DurationVar(&readTimeout, "read-timeout", defaults.ReadTimeout, "maximum wait for a single transport read")
	pf.DurationVar(&pollInterval, "poll-interval", defaults.PollInterval, "pause between empty reads")
	pf.IntVar(&cbRetries, "cb-retries", defaults.ControlBlockAttempts, "control block queries before giving up")
	pf.DurationVar(&cbInterval, "cb-interval", defaults.ControlBlockInterval, "pause between control block queries")
	pf.IntVar(&maxChunk, "max-chunk", defaults.MaxChunk, "maximum bytes read from an up buffer at once")
	pf.BoolVarP(&quiet, "quiet", "q", false, "do not print session information")
	pf.StringArrayVar(&sendCommands, "send", nil, "command to send to the target after connecting (repeatable)")
	pf.BoolVar(&listCommands, "list-commands", false, "ask the target shell to list its commands (sends a tab)")
}

// sessionConfig builds the rtt.Config from the shared flags.
func sessionConfig() rtt.Config {
	cfg := rtt.DefaultConfig()
	cfg.ReadTimeout = readTimeout
	cfg.PollInterval = pollInterval
	cfg.ControlBlockAttempts = cbRetries
	cfg.ControlBlockInterval = cbInterval
	cfg.MaxChunk = maxChunk
	cfg.ToolVersion = version
	return cfg
}
