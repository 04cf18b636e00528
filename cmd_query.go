package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [nodes...]",
	Short: "Show node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			nodes, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			return printResult(cmd, a.ctl.Status(ctx, nodes), "status", "pid")
		})
	},
}

var topCmd = &cobra.Command{
	Use:   "top [nodes...]",
	Short: "Show memory and CPU use of running nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			nodes, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			return printResult(cmd, a.ctl.Top(ctx, nodes), "pid", "vsize", "rss", "cpu", "command")
		})
	},
}

var dfCmd = &cobra.Command{
	Use:   "df [nodes...]",
	Short: "Show free space on the spool filesystem of each host",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			nodes, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			return printResult(cmd, a.ctl.Df(ctx, nodes), "filesystem", "total", "used", "available", "percent")
		})
	},
}

var netstatsCmd = &cobra.Command{
	Use:   "netstats [nodes...]",
	Short: "Show capture interface counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			nodes, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			return printResult(cmd, a.ctl.NetStats(ctx, nodes),
				"interface", "rx_packets", "rx_dropped", "rx_errors", "rx_bytes")
		})
	},
}

var peerstatusCmd = &cobra.Command{
	Use:   "peerstatus [nodes...]",
	Short: "Show the peer table of running nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			nodes, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			return printOutputs(cmd, a.ctl.PeerStatus(ctx, nodes))
		})
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <shell command>",
	Short: "Run a shell command once on every host",
	Long: `Run a shell command once on every distinct host of the cluster. All
arguments are joined into one command line.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			return printOutputs(cmd, a.ctl.Exec(ctx, a.cluster.Nodes(), strings.Join(args, " ")))
		})
	},
}

var diagCmd = &cobra.Command{
	Use:   "diag [nodes...]",
	Short: "Show crash diagnostics",
	Long: `Collect the diagnostics a crash report would contain: exit status,
log tails and host resources.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			nodes, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				return fmt.Errorf("no nodes selected")
			}
			return printOutputs(cmd, a.ctl.Diag(ctx, nodes))
		})
	},
}
