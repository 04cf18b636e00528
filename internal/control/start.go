package control

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/database"
	"github.com/gluk-w/sensorctl/internal/execution"
	"github.com/gluk-w/sensorctl/internal/helpers"
	"github.com/gluk-w/sensorctl/internal/logging"
)

// Start starts nodes group by group: manager, proxies, workers. A group
// only starts once the previous one started completely; otherwise the
// remaining groups are reported failed without being attempted. Nodes that
// are already running are left alone.
func (c *Controller) Start(ctx context.Context, nodes []*cluster.Node) *CmdResult {
	return c.operation(ctx, "start", nodes, c.start)
}

func (c *Controller) start(ctx context.Context, nodes []*cluster.Node) *CmdResult {
	res := newCmdResult("start")
	if c.cfg.Version != "" {
		if err := c.store.Set(database.GlobalVersion, c.cfg.Version); err != nil {
			c.log.Warn().Err(err).Msg("failed to record version")
		}
	}

	failed := ""
	for _, g := range cluster.StartGroups(nodes) {
		if len(g.Nodes) == 0 {
			continue
		}
		if failed != "" {
			for _, n := range g.Nodes {
				res.add(n, false, "skipped: "+failed+" failed to start")
			}
			continue
		}
		if !c.startGroup(ctx, g.Nodes, res) {
			failed = g.Name
			c.log.Error().Str("group", g.Name).Msg("group failed to start, not starting later groups")
		}
	}
	return res
}

func (c *Controller) startGroup(ctx context.Context, nodes []*cluster.Node, res *CmdResult) bool {
	ok := true
	up, down, unknown := split(nodes, c.IsRunning(ctx, nodes, !c.cfg.CronMode))
	for _, n := range up {
		res.add(n, true, "already running")
	}
	for _, n := range unknown {
		res.add(n, false, "host unreachable, node status unknown")
		ok = false
	}
	if len(down) == 0 {
		return ok
	}

	for _, n := range down {
		if c.Crashed(n) {
			if err := c.CrashReport(ctx, n); err != nil {
				c.log.Warn().Err(err).Str("node", n.Name).Msg("crash report failed")
			}
			c.clearState(n, database.SuffixCrashed)
		}
	}

	mkdirs := make([]execution.Cmd, len(down))
	for i, n := range down {
		mkdirs[i] = execution.Cmd{Node: n, Argv: []string{"mkdir", "-p", c.WorkDir(n)}}
	}
	var launch []*cluster.Node
	for _, r := range c.exec.Run(ctx, mkdirs, execution.Options{}) {
		if !r.Success {
			res.add(r.Node, false, "cannot create working directory: "+r.Output)
			ok = false
			continue
		}
		launch = append(launch, r.Node)
	}

	starts := make([]execution.Cmd, len(launch))
	for i, n := range launch {
		starts[i] = c.helper(n, helpers.Start, c.startArgs(n)...)
	}
	var pending []*cluster.Node
	for _, r := range c.runHelpers(ctx, starts) {
		n := r.Node
		if !r.Success {
			res.add(n, false, "start failed: "+strings.TrimSpace(r.Output))
			ok = false
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(r.Stdout))
		if err != nil || pid <= 0 {
			res.add(n, false, "start helper returned no pid: "+strings.TrimSpace(r.Output))
			ok = false
			continue
		}
		c.setState(n, database.SuffixPID, pid)
		c.setState(n, database.SuffixHost, n.Addr)
		c.setState(n, database.SuffixExpectRunning, true)
		log := logging.WithNode("control", n.Name)
		log.Info().Int("pid", pid).Str("host", n.Host).Msg("node launched")
		pending = append(pending, n)
	}

	return c.waitStarted(ctx, pending, res) && ok
}

// startArgs builds the start helper arguments for n:
// <workdir> <cpus|-> [NAME=VALUE ...] -- <binary> [args...]
func (c *Controller) startArgs(n *cluster.Node) []string {
	cpus := n.PinCPUList()
	if cpus == "" {
		cpus = "-"
	}
	args := []string{c.WorkDir(n), cpus,
		"SENSORCTL_NODE=" + n.Name,
		"SENSORCTL_NODE_TYPE=" + string(n.Type),
	}
	if cpus != "-" {
		args = append(args, "SENSORCTL_PIN_CPUS="+cpus)
	}
	if n.LBMethod != "" {
		args = append(args, "SENSORCTL_LB_METHOD="+n.LBMethod, "SENSORCTL_LB_PROCS="+strconv.Itoa(n.LBProcs))
	}
	args = append(args, n.EnvList()...)
	args = append(args, "--", c.cfg.NodeBinary)
	if n.Interface != "" {
		args = append(args, "-i", n.Interface)
	}
	return args
}

// waitStarted polls the status files of freshly launched nodes until each
// reports RUNNING or TERMINATED. Nodes still silent at the start timeout are
// assumed to be initializing. A node whose status cannot be read fails; its
// PID is kept so a later status or stop can still find it.
func (c *Controller) waitStarted(ctx context.Context, pending []*cluster.Node, res *CmdResult) bool {
	ok := true
	deadline := time.Now().Add(c.cfg.StartTimeout)
	for len(pending) > 0 {
		cmds := make([]execution.Cmd, len(pending))
		for i, n := range pending {
			cmds[i] = c.helper(n, helpers.CatFile, c.statusFile(n))
		}
		var still []*cluster.Node
		for _, r := range c.runHelpers(ctx, cmds) {
			if r.Err != nil || !r.Success {
				res.add(r.Node, false, "launched but status unknown: "+strings.TrimSpace(r.Output))
				ok = false
				continue
			}
			switch strings.TrimSpace(r.Stdout) {
			case statusRunning:
				res.add(r.Node, true, "started")
			case statusTerminated:
				c.clearState(r.Node, database.SuffixPID)
				c.clearState(r.Node, database.SuffixExpectRunning)
				res.add(r.Node, false, "terminated immediately after starting, see \"sensorctl diag "+r.Node.Name+"\"")
				ok = false
			default:
				still = append(still, r.Node)
			}
		}
		pending = still
		if len(pending) == 0 {
			break
		}
		if !time.Now().Before(deadline) {
			for _, n := range pending {
				res.add(n, true, "probably still initializing")
			}
			break
		}
		if err := sleep(ctx, c.cfg.PollInterval); err != nil {
			for _, n := range pending {
				res.add(n, false, "start interrupted: "+err.Error())
			}
			return false
		}
	}
	return ok
}
