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

// Stop stops nodes in reverse start order: workers, proxies, manager. Each
// node gets SIGTERM and StopTimeout to exit, then SIGKILL and another
// StopTimeout. A failing group keeps the later groups running.
func (c *Controller) Stop(ctx context.Context, nodes []*cluster.Node) *CmdResult {
	return c.operation(ctx, "stop", nodes, c.stop)
}

func (c *Controller) stop(ctx context.Context, nodes []*cluster.Node) *CmdResult {
	res := newCmdResult("stop")
	failed := ""
	for _, g := range cluster.StopGroups(nodes) {
		if len(g.Nodes) == 0 {
			continue
		}
		if failed != "" {
			for _, n := range g.Nodes {
				res.add(n, false, "skipped: "+failed+" failed to stop")
			}
			continue
		}
		if !c.stopGroup(ctx, g.Nodes, res) {
			failed = g.Name
			c.log.Error().Str("group", g.Name).Msg("group failed to stop, not stopping later groups")
		}
	}
	return res
}

func (c *Controller) stopGroup(ctx context.Context, nodes []*cluster.Node, res *CmdResult) bool {
	ok := true
	up, down, unknown := split(nodes, c.IsRunning(ctx, nodes, !c.cfg.CronMode))
	for _, n := range down {
		c.clearState(n, database.SuffixExpectRunning)
		res.add(n, true, "not running")
	}
	for _, n := range unknown {
		res.add(n, false, "host unreachable, node status unknown")
		ok = false
	}
	if len(up) == 0 {
		return ok
	}

	pids := make(map[*cluster.Node]int, len(up))
	for _, n := range up {
		pids[n], _ = c.PID(n)
		c.setState(n, database.SuffixExpectRunning, false)
	}

	c.signal(ctx, up, pids, "TERM")
	remaining := c.waitStopped(ctx, up, pids)
	if len(remaining) > 0 {
		for _, n := range remaining {
			log := logging.WithNode("control", n.Name)
			log.Warn().Msg("node did not terminate, sending SIGKILL")
		}
		c.signal(ctx, remaining, pids, "KILL")
		remaining = c.waitStopped(ctx, remaining, pids)
	}

	stuck := make(map[*cluster.Node]bool, len(remaining))
	for _, n := range remaining {
		stuck[n] = true
	}
	var stopped []execution.Cmd
	for _, n := range up {
		if stuck[n] {
			res.add(n, false, "failed to stop")
			ok = false
			continue
		}
		c.clearState(n, database.SuffixPID)
		stopped = append(stopped, c.helper(n, helpers.PostTerminate, c.WorkDir(n)))
	}
	for _, r := range c.runHelpers(ctx, stopped) {
		if !r.Success {
			log := logging.WithNode("control", r.Node.Name)
			log.Warn().Str("output", logging.Sanitize(r.Output)).
				Msg("post-terminate failed")
		}
		res.add(r.Node, true, "stopped")
	}
	return ok
}

func (c *Controller) signal(ctx context.Context, nodes []*cluster.Node, pids map[*cluster.Node]int, sig string) {
	cmds := make([]execution.Cmd, len(nodes))
	for i, n := range nodes {
		cmds[i] = c.helper(n, helpers.Stop, strconv.Itoa(pids[n]), sig)
	}
	for _, r := range c.runHelpers(ctx, cmds) {
		if !r.Success {
			log := logging.WithNode("control", r.Node.Name)
			log.Warn().Str("signal", sig).
				Str("output", logging.Sanitize(r.Output)).Msg("failed to signal node")
		}
	}
}

// waitStopped polls nodes until their status file says TERMINATED or their
// process is gone, for at most StopTimeout. It returns the nodes still up.
func (c *Controller) waitStopped(ctx context.Context, nodes []*cluster.Node, pids map[*cluster.Node]int) []*cluster.Node {
	pending := nodes
	deadline := time.Now().Add(c.cfg.StopTimeout)
	for {
		cmds := make([]execution.Cmd, 0, 2*len(pending))
		for _, n := range pending {
			cmds = append(cmds,
				c.helper(n, helpers.CatFile, c.statusFile(n)),
				c.helper(n, helpers.CheckPID, strconv.Itoa(pids[n])))
		}
		results := c.runHelpers(ctx, cmds)

		var still []*cluster.Node
		for i, n := range pending {
			status, probe := results[2*i], results[2*i+1]
			terminated := status.Err == nil && strings.TrimSpace(status.Stdout) == statusTerminated
			gone := probe.Success && strings.TrimSpace(probe.Stdout) == "not running"
			if !terminated && !gone {
				still = append(still, n)
			}
		}
		pending = still
		if len(pending) == 0 || !time.Now().Before(deadline) {
			return pending
		}
		if sleep(ctx, c.cfg.PollInterval) != nil {
			return pending
		}
	}
}

// Restart stops nodes, optionally cleans them up, and starts them again.
// Nothing is started if the stop failed.
func (c *Controller) Restart(ctx context.Context, nodes []*cluster.Node, clean bool) *CmdResult {
	return c.operation(ctx, "restart", nodes, func(ctx context.Context, nodes []*cluster.Node) *CmdResult {
		if res := c.stop(ctx, nodes); !res.OK {
			return res
		}
		if clean {
			if res := c.cleanup(ctx, nodes, false); !res.OK {
				return res
			}
		}
		return c.start(ctx, nodes)
	})
}

// Cleanup removes the working directories of stopped nodes and clears their
// crash state. Running nodes are refused. wipeTmp also removes the shared
// tmp directory on every host involved.
func (c *Controller) Cleanup(ctx context.Context, nodes []*cluster.Node, wipeTmp bool) *CmdResult {
	return c.operation(ctx, "cleanup", nodes, func(ctx context.Context, nodes []*cluster.Node) *CmdResult {
		return c.cleanup(ctx, nodes, wipeTmp)
	})
}

func (c *Controller) cleanup(ctx context.Context, nodes []*cluster.Node, wipeTmp bool) *CmdResult {
	res := newCmdResult("cleanup")
	up, down, unknown := split(nodes, c.IsRunning(ctx, nodes, !c.cfg.CronMode))
	for _, n := range up {
		res.add(n, false, "still running, stop it first")
	}
	for _, n := range unknown {
		res.add(n, false, "host unreachable, node status unknown")
	}

	cmds := make([]execution.Cmd, len(down))
	for i, n := range down {
		cmds[i] = execution.Cmd{Node: n, Argv: []string{"rm", "-rf", c.WorkDir(n)}}
	}
	for _, r := range c.exec.Run(ctx, cmds, execution.Options{}) {
		if !r.Success {
			res.add(r.Node, false, "cannot remove working directory: "+r.Output)
			continue
		}
		c.clearState(r.Node, database.SuffixPID)
		c.clearState(r.Node, database.SuffixCrashed)
		c.clearState(r.Node, database.SuffixExpectRunning)
		res.add(r.Node, true, "cleaned up")
	}

	if wipeTmp && c.cfg.TmpDir != "" {
		hosts := cluster.FirstPerHost(down)
		cmds := make([]execution.Cmd, len(hosts))
		for i, n := range hosts {
			cmds[i] = execution.Cmd{Node: n, Argv: []string{"rm", "-rf", c.cfg.TmpDir}}
		}
		for _, r := range c.exec.Run(ctx, cmds, execution.Options{}) {
			if !r.Success {
				c.log.Warn().Str("host", r.Node.Host).Str("output", logging.Sanitize(r.Output)).
					Msg("cannot remove tmp directory")
			}
		}
	}
	return res
}
