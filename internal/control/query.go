package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/execution"
	"github.com/gluk-w/sensorctl/internal/helpers"
)

// Node states reported by Status.
const (
	StateRunning      = "running"
	StateInitializing = "initializing"
	StateStopped      = "stopped"
	StateCrashed      = "crashed"
	StateUnknown      = "unknown"
)

// Status reports the state of each node. Nodes on unreachable hosts are
// reported as unknown and counted as failed.
func (c *Controller) Status(ctx context.Context, nodes []*cluster.Node) *CmdResult {
	return c.operation(ctx, "status", nodes, func(ctx context.Context, nodes []*cluster.Node) *CmdResult {
		running := c.IsRunning(ctx, nodes, !c.cfg.CronMode)
		up, _, _ := split(nodes, running)

		cmds := make([]execution.Cmd, len(up))
		for i, n := range up {
			cmds[i] = c.helper(n, helpers.CatFile, c.statusFile(n))
		}
		marker := make(map[*cluster.Node]string, len(up))
		for _, r := range c.runHelpers(ctx, cmds) {
			marker[r.Node] = strings.TrimSpace(r.Stdout)
		}

		res := newCmdResult("status")
		for _, n := range nodes {
			fields := map[string]string{"type": string(n.Type), "host": n.Host}
			alive, known := running[n]
			var state string
			switch {
			case !known:
				state = StateUnknown
			case alive && marker[n] != statusRunning:
				state = StateInitializing
			case alive:
				state = StateRunning
			case c.Crashed(n):
				state = StateCrashed
			default:
				state = StateStopped
			}
			fields["status"] = state
			if pid, ok := c.PID(n); ok {
				fields["pid"] = strconv.Itoa(pid)
			}
			res.addFields(n, known, state, fields)
		}
		return res
	})
}

// runningQuery runs one helper per running node. Stopped nodes are reported
// failed with "not running", unreachable ones with "status unknown".
func (c *Controller) runningQuery(ctx context.Context, cmd string, nodes []*cluster.Node, build func(*cluster.Node) execution.Cmd, parse func(execution.Result) (string, map[string]string, bool)) *CmdResult {
	return c.operation(ctx, cmd, nodes, func(ctx context.Context, nodes []*cluster.Node) *CmdResult {
		up, down, unknown := split(nodes, c.IsRunning(ctx, nodes, !c.cfg.CronMode))
		res := newCmdResult(cmd)
		cmds := make([]execution.Cmd, len(up))
		for i, n := range up {
			cmds[i] = build(n)
		}
		for _, r := range c.runHelpers(ctx, cmds) {
			if !r.Success {
				res.add(r.Node, false, strings.TrimSpace(r.Output))
				continue
			}
			out, fields, ok := parse(r)
			res.addFields(r.Node, ok, out, fields)
		}
		for _, n := range down {
			res.add(n, false, "not running")
		}
		for _, n := range unknown {
			res.add(n, false, "host unreachable, node status unknown")
		}
		return res
	})
}

// Top reports memory and CPU use of running nodes.
func (c *Controller) Top(ctx context.Context, nodes []*cluster.Node) *CmdResult {
	return c.runningQuery(ctx, "top", nodes,
		func(n *cluster.Node) execution.Cmd {
			pid, _ := c.PID(n)
			return c.helper(n, helpers.Top, strconv.Itoa(pid))
		},
		parseTop)
}

// parseTop reads "pid vsz_kb rss_kb cpu command".
func parseTop(r execution.Result) (string, map[string]string, bool) {
	f := strings.Fields(r.Stdout)
	if len(f) < 5 {
		return "unexpected top output: " + strings.TrimSpace(r.Output), nil, false
	}
	vsz, err1 := strconv.ParseInt(f[1], 10, 64)
	rss, err2 := strconv.ParseInt(f[2], 10, 64)
	if err1 != nil || err2 != nil {
		return "unexpected top output: " + strings.TrimSpace(r.Output), nil, false
	}
	fields := map[string]string{
		"pid":     f[0],
		"vsize":   units.BytesSize(float64(vsz * 1024)),
		"rss":     units.BytesSize(float64(rss * 1024)),
		"cpu":     f[3] + "%",
		"command": strings.Join(f[4:], " "),
	}
	out := fmt.Sprintf("pid %s vsize %s rss %s cpu %s %s", fields["pid"], fields["vsize"], fields["rss"], fields["cpu"], fields["command"])
	return out, fields, true
}

// Df reports disk usage of the spool directory, once per host.
func (c *Controller) Df(ctx context.Context, nodes []*cluster.Node) *CmdResult {
	return c.operation(ctx, "df", nodes, func(ctx context.Context, nodes []*cluster.Node) *CmdResult {
		hosts := cluster.FirstPerHost(nodes)
		cmds := make([]execution.Cmd, len(hosts))
		for i, n := range hosts {
			cmds[i] = c.helper(n, helpers.Df, c.cfg.SpoolDir)
		}
		res := newCmdResult("df")
		for _, r := range c.runHelpers(ctx, cmds) {
			if !r.Success {
				res.add(r.Node, false, strings.TrimSpace(r.Output))
				continue
			}
			out, fields, ok := parseDf(r.Stdout)
			if ok {
				fields["host"] = r.Node.Host
			}
			res.addFields(r.Node, ok, out, fields)
		}
		return res
	})
}

// parseDf reads "filesystem total_kb used_kb available_kb".
func parseDf(s string) (string, map[string]string, bool) {
	f := strings.Fields(s)
	if len(f) < 4 {
		return "unexpected df output: " + strings.TrimSpace(s), nil, false
	}
	var kb [3]int64
	for i := range kb {
		v, err := strconv.ParseInt(f[i+1], 10, 64)
		if err != nil {
			return "unexpected df output: " + strings.TrimSpace(s), nil, false
		}
		kb[i] = v
	}
	total, used, avail := kb[0]*1024, kb[1]*1024, kb[2]*1024
	pct := 0.0
	if total > 0 {
		pct = 100 * float64(used) / float64(total)
	}
	fields := map[string]string{
		"filesystem": f[0],
		"total":      units.BytesSize(float64(total)),
		"used":       units.BytesSize(float64(used)),
		"available":  units.BytesSize(float64(avail)),
		"percent":    fmt.Sprintf("%.1f%%", pct),
	}
	out := fmt.Sprintf("%s total %s used %s available %s (%s)", fields["filesystem"], fields["total"], fields["used"], fields["available"], fields["percent"])
	return out, fields, true
}

// NetStats reports capture interface counters of running nodes that have
// an interface.
func (c *Controller) NetStats(ctx context.Context, nodes []*cluster.Node) *CmdResult {
	var capture []*cluster.Node
	for _, n := range nodes {
		if n.Interface != "" {
			capture = append(capture, n)
		}
	}
	return c.runningQuery(ctx, "netstats", capture,
		func(n *cluster.Node) execution.Cmd {
			return c.helper(n, helpers.NetStats, n.Interface)
		},
		func(r execution.Result) (string, map[string]string, bool) {
			fields := parseKeyValues(r.Stdout)
			fields["interface"] = r.Node.Interface
			return strings.Join(strings.Fields(r.Stdout), " "), fields, true
		})
}

func parseKeyValues(s string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && k != "" {
			out[k] = v
		}
	}
	return out
}

// PeerStatus reports the peer table of each running node.
func (c *Controller) PeerStatus(ctx context.Context, nodes []*cluster.Node) *CmdResult {
	return c.runningQuery(ctx, "peerstatus", nodes,
		func(n *cluster.Node) execution.Cmd {
			return c.helper(n, helpers.PeerStatus, c.WorkDir(n))
		},
		func(r execution.Result) (string, map[string]string, bool) {
			return strings.TrimRight(r.Stdout, "\n"), nil, true
		})
}

// Exec runs a shell command once on every distinct host of nodes.
func (c *Controller) Exec(ctx context.Context, nodes []*cluster.Node, command string) *CmdResult {
	return c.operation(ctx, "exec", nodes, func(ctx context.Context, nodes []*cluster.Node) *CmdResult {
		hosts := cluster.FirstPerHost(nodes)
		cmds := make([]execution.Cmd, len(hosts))
		for i, n := range hosts {
			cmds[i] = execution.Cmd{Node: n, Shell: command}
		}
		res := newCmdResult("exec")
		for _, r := range c.exec.Run(ctx, cmds, execution.Options{Shell: true}) {
			res.addFields(r.Node, r.Success, r.Output, map[string]string{"host": r.Node.Host, "status": strconv.Itoa(r.Status)})
		}
		return res
	})
}

// Diag returns the crash diagnostics of each node.
func (c *Controller) Diag(ctx context.Context, nodes []*cluster.Node) *CmdResult {
	return c.operation(ctx, "diag", nodes, func(ctx context.Context, nodes []*cluster.Node) *CmdResult {
		res := newCmdResult("diag")
		for _, r := range c.runHelpers(ctx, c.diagCmds(nodes)) {
			res.add(r.Node, r.Success, r.Output)
		}
		return res
	})
}

func (c *Controller) diagCmds(nodes []*cluster.Node) []execution.Cmd {
	cmds := make([]execution.Cmd, len(nodes))
	for i, n := range nodes {
		cmds[i] = c.helper(n, helpers.CrashDiag, c.WorkDir(n))
	}
	return cmds
}

// CrashReport gathers diagnostics for a crashed node and sends them to the
// notifier.
func (c *Controller) CrashReport(ctx context.Context, n *cluster.Node) error {
	r := c.runHelpers(ctx, c.diagCmds([]*cluster.Node{n}))[0]
	body := r.Output
	if !r.Success {
		body = "crash diagnostics unavailable: " + r.Output
	}
	subject := fmt.Sprintf("crash report: %s (%s on %s)", n.Name, n.Type, n.Host)
	if err := c.notifier.Notify(ctx, subject, body); err != nil {
		return fmt.Errorf("crash report %s: %w", n.Name, err)
	}
	return nil
}
