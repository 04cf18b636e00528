package main

import (
	"context"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start [nodes...]",
	Short: "Start nodes",
	Long: `Start the selected nodes: managers first, then loggers, proxies and
workers. Nodes already running are left alone. A node that crashed since it
was last seen gets a crash report before it is started again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.exclusive(); err != nil {
				return err
			}
			nodes, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			return printResult(cmd, a.ctl.Start(ctx, nodes))
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [nodes...]",
	Short: "Stop nodes",
	Long: `Stop the selected nodes in reverse start order: workers first, the
manager last. Nodes that ignore SIGTERM until the stop timeout are killed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.exclusive(); err != nil {
				return err
			}
			nodes, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			return printResult(cmd, a.ctl.Stop(ctx, nodes))
		})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart [nodes...]",
	Short: "Stop and start nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		clean, _ := cmd.Flags().GetBool("clean")
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.exclusive(); err != nil {
				return err
			}
			nodes, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			return printResult(cmd, a.ctl.Restart(ctx, nodes, clean))
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [nodes...]",
	Short: "Remove working directories of stopped nodes",
	Long: `Remove the working directory of every selected node that is not
running and forget its runtime state. Running nodes are refused.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.exclusive(); err != nil {
				return err
			}
			nodes, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			return printResult(cmd, a.ctl.Cleanup(ctx, nodes, all))
		})
	},
}

func init() {
	restartCmd.Flags().Bool("clean", false, "Clean up working directories between stop and start")
	cleanupCmd.Flags().Bool("all", false, "Also remove the cluster's temporary directory on every host")
}
