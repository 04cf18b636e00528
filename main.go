package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sensorctl",
	Short: "sensorctl - control plane for a packet-analysis cluster",
	Long: `sensorctl starts, stops and inspects the nodes of a packet-analysis
cluster. Commands run on every host over one persistent SSH session per
host, in parallel.

Node arguments accept node names, the groups manager, proxies, workers
and loggers, or "all" (the default).`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sensorctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().Bool("json", false, "Print results as JSON")

	// Lifecycle
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(cleanupCmd)

	// Queries
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(dfCmd)
	rootCmd.AddCommand(netstatsCmd)
	rootCmd.AddCommand(peerstatusCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(diagCmd)

	// Administration
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(installCmd)

	// Unattended operation
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(agentCmd)
}
