// Package control implements the node lifecycle: start, stop, restart,
// cleanup and status across the cluster, with crash detection.
//
// Every remote action goes through the execution coordinator. Runtime facts
// about nodes (PID, crashed flag, expected state) are kept in the state
// store so they survive between sensorctl invocations.
package control

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/database"
	"github.com/gluk-w/sensorctl/internal/execution"
	"github.com/gluk-w/sensorctl/internal/logging"
	"github.com/gluk-w/sensorctl/internal/metrics"
	"github.com/gluk-w/sensorctl/internal/notify"
	"github.com/gluk-w/sensorctl/internal/plugin"
)

// Node status values as written by the start helper's wrapper.
const (
	statusRunning    = "RUNNING"
	statusTerminated = "TERMINATED"
)

const (
	defaultStartTimeout = 60 * time.Second
	defaultStopTimeout  = 60 * time.Second
	defaultPollInterval = time.Second
)

// Runner runs commands on nodes. *execution.Executor implements it.
type Runner interface {
	Run(ctx context.Context, cmds []execution.Cmd, opts execution.Options) []execution.Result
}

// Config holds lifecycle settings.
type Config struct {
	// SpoolDir holds one working directory per node.
	SpoolDir string
	// TmpDir is removed from every host by Cleanup with wipeTmp.
	TmpDir string
	// NodeBinary is the program started for each node.
	NodeBinary string
	// Version is recorded in the state store on start.
	Version string

	StartTimeout time.Duration
	StopTimeout  time.Duration
	PollInterval time.Duration

	// CronMode suppresses warnings about unreachable hosts.
	CronMode bool
}

// NodeResult is the outcome of an operation on one node.
type NodeResult struct {
	Node   *cluster.Node     `json:"node"`
	OK     bool              `json:"ok"`
	Output string            `json:"output,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// CmdResult is the outcome of one lifecycle operation. Partial failures are
// reported per node, never as an error.
type CmdResult struct {
	ID        string       `json:"id"`
	Command   string       `json:"command"`
	OK        bool         `json:"ok"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Nodes     []NodeResult `json:"nodes"`
}

func newCmdResult(cmd string) *CmdResult {
	return &CmdResult{ID: uuid.NewString(), Command: cmd, OK: true}
}

func (r *CmdResult) add(n *cluster.Node, ok bool, output string) *NodeResult {
	r.Nodes = append(r.Nodes, NodeResult{Node: n, OK: ok, Output: output})
	if ok {
		r.Succeeded++
	} else {
		r.Failed++
		r.OK = false
	}
	return &r.Nodes[len(r.Nodes)-1]
}

func (r *CmdResult) addFields(n *cluster.Node, ok bool, output string, fields map[string]string) {
	r.add(n, ok, output).Fields = fields
}

func (r *CmdResult) merge(other *CmdResult) {
	for _, nr := range other.Nodes {
		r.addFields(nr.Node, nr.OK, nr.Output, nr.Fields)
	}
}

// Node returns the result for the named node.
func (r *CmdResult) Node(name string) (NodeResult, bool) {
	for _, nr := range r.Nodes {
		if strings.EqualFold(nr.Node.Name, name) {
			return nr, true
		}
	}
	return NodeResult{}, false
}

// Controller runs lifecycle operations.
type Controller struct {
	exec     Runner
	store    *database.Store
	cfg      Config
	plugins  *plugin.Registry
	notifier notify.Notifier
	log      zerolog.Logger
}

// New creates a Controller. Plugins and a notifier are optional, see
// SetPlugins and SetNotifier.
func New(exec Runner, store *database.Store, cfg Config) *Controller {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Controller{
		exec:     exec,
		store:    store,
		cfg:      cfg,
		notifier: notify.NewLogNotifier(),
		log:      logging.WithComponent("control"),
	}
}

// SetPlugins sets the hook registry consulted around every operation.
func (c *Controller) SetPlugins(r *plugin.Registry) { c.plugins = r }

// SetNotifier sets where crash reports are sent.
func (c *Controller) SetNotifier(n notify.Notifier) { c.notifier = n }

// WorkDir is the node's working directory on its host.
func (c *Controller) WorkDir(n *cluster.Node) string {
	return path.Join(c.cfg.SpoolDir, n.Name)
}

func (c *Controller) statusFile(n *cluster.Node) string {
	return path.Join(c.WorkDir(n), ".status")
}

// operation wraps a lifecycle command with plugin hooks, metrics and the
// operation log.
func (c *Controller) operation(ctx context.Context, cmd string, nodes []*cluster.Node, fn func(context.Context, []*cluster.Node) *CmdResult) *CmdResult {
	timer := metrics.NewTimer()
	log := c.log.With().Str("command", cmd).Int("nodes", len(nodes)).Logger()

	selected, allowed := c.plugins.CmdPre(cmd, nodes)
	var res *CmdResult
	if !allowed {
		res = newCmdResult(cmd)
		for _, n := range nodes {
			res.add(n, false, "vetoed by plugin")
		}
	} else {
		res = fn(ctx, selected)
		res.Command = cmd
	}

	outcomes := make([]plugin.Outcome, len(res.Nodes))
	for i, nr := range res.Nodes {
		outcomes[i] = plugin.Outcome{Node: nr.Node, OK: nr.OK, Output: nr.Output}
	}
	c.plugins.CmdPost(cmd, outcomes)

	elapsed := timer.ObserveDuration(metrics.OperationDuration.WithLabelValues(cmd))
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	if err := c.store.RecordOperation(&database.Operation{
		ID:         res.ID,
		Command:    cmd,
		Nodes:      strings.Join(names, ","),
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		OK:         res.OK,
		DurationMs: elapsed.Milliseconds(),
	}); err != nil {
		log.Warn().Err(err).Msg("failed to record operation")
	}

	log.Info().Str("id", res.ID).Bool("ok", res.OK).Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).Dur("elapsed", elapsed).Msg("operation finished")
	return res
}

func (c *Controller) helper(n *cluster.Node, name string, args ...string) execution.Cmd {
	return execution.Cmd{Node: n, Argv: append([]string{name}, args...)}
}

func (c *Controller) runHelpers(ctx context.Context, cmds []execution.Cmd) []execution.Result {
	return c.exec.Run(ctx, cmds, execution.Options{Helper: true})
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) setState(n *cluster.Node, suffix string, value any) {
	if err := c.store.Set(database.NodeKey(n.Key(), suffix), value); err != nil {
		c.log.Error().Err(err).Str("node", n.Name).Msg("failed to update node state")
	}
}

func (c *Controller) clearState(n *cluster.Node, suffix string) {
	if err := c.store.Delete(database.NodeKey(n.Key(), suffix)); err != nil {
		c.log.Error().Err(err).Str("node", n.Name).Msg("failed to update node state")
	}
}

// PID returns the recorded PID of n.
func (c *Controller) PID(n *cluster.Node) (int, bool) {
	pid, ok := c.store.GetInt(database.NodeKey(n.Key(), database.SuffixPID))
	return pid, ok && pid > 0
}

// Crashed reports whether n is marked crashed.
func (c *Controller) Crashed(n *cluster.Node) bool {
	return c.store.GetBool(database.NodeKey(n.Key(), database.SuffixCrashed))
}
