package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/database"
	"github.com/gluk-w/sensorctl/internal/execution"
	"github.com/gluk-w/sensorctl/internal/helpers"
	"github.com/gluk-w/sensorctl/internal/hostpool"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes [nodes...]",
	Short: "List the configured nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			nodes, err := a.selectNodes(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(out, nodes)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "NODE\tTYPE\tHOST\tADDR\tINTERFACE\tPIN_CPUS\tENV")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					n.Name, n.Type, n.Host, n.Addr, n.Interface, n.PinCPUList(), strings.Join(n.EnvList(), " "))
			}
			return tw.Flush()
		})
	},
}

type hostRow struct {
	Host        string                     `json:"host"`
	Nodes       []string                   `json:"nodes"`
	State       string                     `json:"state"`
	Since       time.Time                  `json:"since"`
	LastAlive   time.Time                  `json:"last_alive"`
	Error       string                     `json:"error,omitempty"`
	Transitions []hostpool.StateTransition `json:"transitions,omitempty"`
	Events      []hostpool.Event           `json:"events,omitempty"`
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Probe every host and show its session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		history, _ := cmd.Flags().GetBool("history")
		return withApp(func(ctx context.Context, a *app) error {
			nodes := a.cluster.Nodes()
			hosts := cluster.Hosts(nodes)
			probeErrs := make([]error, len(hosts))
			var g errgroup.Group
			for i, h := range hosts {
				g.Go(func() error {
					probeErrs[i] = a.pool.Probe(ctx, h)
					return nil
				})
			}
			g.Wait()

			infos := make(map[string]hostpool.HostInfo)
			for _, info := range a.pool.States() {
				infos[info.Host] = info
			}
			rows := make([]hostRow, len(hosts))
			for i, h := range hosts {
				info := infos[h]
				rows[i] = hostRow{
					Host:      h,
					State:     info.State.String(),
					Since:     info.Since,
					LastAlive: info.LastAlive,
				}
				for _, n := range nodes {
					if n.Addr == h {
						rows[i].Nodes = append(rows[i].Nodes, n.Name)
					}
				}
				if probeErrs[i] != nil {
					rows[i].Error = probeErrs[i].Error()
				}
				if history {
					rows[i].Transitions = a.pool.Transitions(h)
					rows[i].Events = a.pool.Events(h)
				}
			}
			return printHosts(cmd, rows, history)
		})
	},
}

func printHosts(cmd *cobra.Command, rows []hostRow, history bool) error {
	out := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return writeJSON(out, rows)
	}
	tw := newTable(out)
	fmt.Fprintln(tw, "HOST\tSTATE\tNODES\tERROR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Host, r.State, strings.Join(r.Nodes, ","), r.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !history {
		return nil
	}
	for _, r := range rows {
		fmt.Fprintf(out, "\n---- %s\n", r.Host)
		for _, t := range r.Transitions {
			fmt.Fprintf(out, "%s  %s -> %s  %s\n", t.Timestamp.Format(time.RFC3339), t.From, t.To, t.Reason)
		}
		for _, e := range r.Events {
			fmt.Fprintf(out, "%s  %s  %s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Details)
		}
	}
	return nil
}

var stateCmd = &cobra.Command{
	Use:   "state [prefix]",
	Short: "Dump the state store",
	Long: `Print every key in the state store, or only the keys starting with
the given prefix (for example a node name).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			var items []database.Item
			for _, it := range a.store.Items() {
				if len(args) == 0 || strings.HasPrefix(it.Key, strings.ToLower(args[0])) {
					items = append(items, it)
				}
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				m := make(map[string]any, len(items))
				for _, it := range items {
					m[it.Key] = it.Value
				}
				return writeJSON(out, m)
			}
			tw := newTable(out)
			for _, it := range items {
				fmt.Fprintf(tw, "%s\t%v\n", it.Key, it.Value)
			}
			return tw.Flush()
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent lifecycle operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(func(ctx context.Context, a *app) error {
			ops, err := a.store.RecentOperations(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(out, ops)
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "TIME\tCOMMAND\tOK\tSUCCEEDED\tFAILED\tDURATION\tNODES")
			for _, op := range ops {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d\t%s\t%s\n",
					op.CreatedAt.Local().Format(time.DateTime), op.Command, op.OK, op.Succeeded, op.Failed,
					(time.Duration(op.DurationMs) * time.Millisecond).String(), op.Nodes)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			seen := make(map[string]bool)
			var cmds []string
			for _, op := range ops {
				if !seen[op.Command] {
					seen[op.Command] = true
					cmds = append(cmds, op.Command)
				}
			}
			sort.Strings(cmds)
			for _, c := range cmds {
				if last, failed, ok := a.history.Last(c); ok {
					fmt.Fprintf(out, "last %s: %s (%d failed)\n", c, last.Local().Format(time.DateTime), failed)
				}
			}
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config <option>...",
	Short: "Print configuration options",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			for _, name := range args {
				v, ok := a.settings.Lookup(name)
				if !ok {
					return fmt.Errorf("unknown option %q", name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", strings.ToLower(name), v)
			}
			return nil
		})
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install helper scripts on every host",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.exclusive(); err != nil {
				return err
			}
			results := helpers.Install(ctx, a.exec, a.cluster.Nodes(), a.settings.HelperDir)
			var failed []execution.Result
			for _, r := range results {
				if !r.Success {
					failed = append(failed, r)
				}
			}
			if len(failed) > 0 {
				tw := newTable(cmd.OutOrStdout())
				fmt.Fprintln(tw, "HOST\tSTATUS\tOUTPUT")
				for _, r := range failed {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Node.Addr, strconv.Itoa(r.Status), firstLine(r.Output))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				return fmt.Errorf("install: %d of %d copies failed", len(failed), len(results))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %d helpers into %s on %d hosts\n",
				len(helpers.Names()), a.settings.HelperDir, len(cluster.Hosts(a.cluster.Nodes())))
			return nil
		})
	},
}

func init() {
	hostsCmd.Flags().Bool("history", false, "Also show state transitions and session events")
	historyCmd.Flags().Int("limit", 20, "Number of operations to show")
}
