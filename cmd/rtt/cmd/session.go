package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceRTT/pkg/rtt"
)

type bannerSource interface {
	Banner() (rtt.Banner, bool)
}

// runSession opens conn at address and prints lines until the target or
// server goes away or ctx is cancelled.
func runSession(ctx context.Context, cmd *cobra.Command, conn *rtt.Connection, tr rtt.Transport, address string) error {
	if err := conn.Open(ctx, address); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer conn.Close()

	stderr := cmd.ErrOrStderr()
	if !quiet {
		for _, line := range conn.Info().Summary() {
			fmt.Fprintln(stderr, line)
		}
	}

	if listCommands {
		if err := conn.Send([]byte("\t")); err != nil {
			return fmt.Errorf("list commands: %w", err)
		}
	}
	for _, c := range sendCommands {
		if err := conn.Send([]byte(c)); err != nil {
			return fmt.Errorf("send %q: %w", c, err)
		}
	}

	banners, _ := tr.(bannerSource)
	bannerSeen := false

	out := cmd.OutOrStdout()
	lines := conn.Lines()
	for {
		line, ok := lines.Next(ctx)
		if !ok {
			break
		}
		if banners != nil && !bannerSeen {
			if b, found := banners.Banner(); found {
				bannerSeen = true
				log.V(1).Info("RTT server banner", "version", b.Version, "hardware", b.Hardware, "serial", b.Serial, "process", b.ProcessName)
			}
		}
		fmt.Fprintln(out, line)
	}

	var de *rtt.DecodeError
	if err := lines.Err(); err != nil {
		if errors.As(err, &de) {
			log.Info("undecodable bytes replaced", "count", len(de.Bytes), "trailing", de.Trailing)
		} else {
			log.Error(err, "read failed")
		}
	}
	if ctx.Err() == nil && !quiet {
		fmt.Fprintln(stderr, "Target disconnected")
	}
	return nil
}
