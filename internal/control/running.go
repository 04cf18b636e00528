package control

import (
	"context"
	"strconv"
	"strings"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/database"
	"github.com/gluk-w/sensorctl/internal/execution"
	"github.com/gluk-w/sensorctl/internal/helpers"
	"github.com/gluk-w/sensorctl/internal/logging"
	"github.com/gluk-w/sensorctl/internal/metrics"
)

// IsRunning probes every node with a recorded PID. Nodes without a PID are
// reported not running. Nodes whose host could not be reached are left out
// of the map: their state is unknown, not down. warn logs those as warnings.
//
// A node whose recorded process is gone loses its PID and is marked crashed.
func (c *Controller) IsRunning(ctx context.Context, nodes []*cluster.Node, warn bool) map[*cluster.Node]bool {
	running := make(map[*cluster.Node]bool, len(nodes))
	var cmds []execution.Cmd
	for _, n := range nodes {
		pid, ok := c.PID(n)
		if !ok {
			running[n] = false
			continue
		}
		cmds = append(cmds, c.helper(n, helpers.CheckPID, strconv.Itoa(pid)))
	}

	for _, r := range c.runHelpers(ctx, cmds) {
		n := r.Node
		if r.Err != nil || !r.Success {
			ev := c.log.Debug()
			if warn {
				ev = c.log.Warn()
			}
			ev.Str("node", n.Name).Str("host", n.Host).Str("output", logging.Sanitize(r.Output)).
				Msg("cannot determine node status")
			continue
		}
		alive := strings.TrimSpace(r.Stdout) == "running"
		if !alive {
			c.markCrashed(n)
		}
		running[n] = alive
	}

	counts := make(map[cluster.NodeType]int)
	for n, alive := range running {
		if _, seen := counts[n.Type]; !seen {
			counts[n.Type] = 0
		}
		if alive {
			counts[n.Type]++
		}
	}
	for t, count := range counts {
		metrics.NodesRunning.WithLabelValues(string(t)).Set(float64(count))
	}
	return running
}

func (c *Controller) markCrashed(n *cluster.Node) {
	c.clearState(n, database.SuffixPID)
	c.setState(n, database.SuffixCrashed, true)
	metrics.CrashesDetected.Inc()
	log := logging.WithNode("control", n.Name)
	log.Warn().Msg("node crashed")
}

// split partitions nodes by IsRunning into running, stopped and unknown,
// each in input order.
func split(nodes []*cluster.Node, running map[*cluster.Node]bool) (up, down, unknown []*cluster.Node) {
	for _, n := range nodes {
		alive, known := running[n]
		switch {
		case !known:
			unknown = append(unknown, n)
		case alive:
			up = append(up, n)
		default:
			down = append(down, n)
		}
	}
	return up, down, unknown
}
