// Package execution runs commands addressed to nodes across the cluster.
//
// Commands are grouped by host, each host gets one batch through the host
// pool, and all hosts run in parallel. Results come back in the order the
// commands were given, whatever order the hosts finish in. A slow or dead
// host only fails its own commands.
package execution

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/hostpool"
	"github.com/gluk-w/sensorctl/internal/logging"
	"github.com/gluk-w/sensorctl/internal/metrics"
	"github.com/gluk-w/sensorctl/internal/sshrunner"
)

// ErrHostTimeout is reported for commands whose host did not answer within
// the call's timeout plus margin.
var ErrHostTimeout = errors.New("host did not answer in time")

const (
	defaultTimeout = 60 * time.Second
	defaultMargin  = 2 * time.Second
)

// Dispatcher queues batches on hosts. *hostpool.Pool implements it.
type Dispatcher interface {
	Submit(ctx context.Context, host string, b hostpool.Batch) (<-chan hostpool.Reply, error)
}

// Config holds Executor settings.
type Config struct {
	// HelperDir is prepended to argv[0] of helper commands.
	HelperDir string
	// Timeout bounds a call when Options.Timeout is zero.
	Timeout time.Duration
	// Margin is added to the timeout when waiting for a host's reply.
	Margin time.Duration
}

// Cmd is a command for one node: an argv, or a shell string when run in
// shell mode.
type Cmd struct {
	Node  *cluster.Node
	Argv  []string
	Shell string
}

// Options modify one Run call.
type Options struct {
	Shell   bool
	Helper  bool
	Timeout time.Duration
}

// Result is the outcome of one Cmd.
type Result struct {
	Node    *cluster.Node
	Success bool
	// Output is stdout followed by stderr, or the error text when the
	// command could not be run.
	Output string
	Status int
	Stdout string
	Stderr string
	Err    error
}

// Executor fans commands out to hosts.
type Executor struct {
	pool Dispatcher
	cfg  Config
	log  zerolog.Logger
}

// New creates an Executor on top of pool.
func New(pool Dispatcher, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Margin <= 0 {
		cfg.Margin = defaultMargin
	}
	return &Executor{pool: pool, cfg: cfg, log: logging.WithComponent("execution")}
}

// HelperDir returns the directory helper commands are run from.
func (e *Executor) HelperDir() string { return e.cfg.HelperDir }

// Timeout returns the default per-call timeout.
func (e *Executor) Timeout() time.Duration { return e.cfg.Timeout }

// hostBatch is the slice of a call destined for one host.
type hostBatch struct {
	host  string
	index []int // positions in the caller's list
	cmds  []sshrunner.Command
}

// Run executes cmds and returns one Result per Cmd, in input order.
func (e *Executor) Run(ctx context.Context, cmds []Cmd, opts Options) []Result {
	results := make([]Result, len(cmds))
	if len(cmds) == 0 {
		return results
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	var batches []*hostBatch
	byHost := make(map[string]*hostBatch)
	for i, c := range cmds {
		results[i].Node = c.Node
		host := c.Node.Addr
		hb, ok := byHost[host]
		if !ok {
			hb = &hostBatch{host: host}
			byHost[host] = hb
			batches = append(batches, hb)
		}
		argv := c.Argv
		if opts.Helper && len(argv) > 0 {
			argv = append([]string{path.Join(e.cfg.HelperDir, argv[0])}, argv[1:]...)
		}
		hb.index = append(hb.index, i)
		hb.cmds = append(hb.cmds, sshrunner.Command{Argv: argv, Shell: c.Shell})
	}

	// Each goroutine writes only its own batch's slots.
	var g errgroup.Group
	for _, hb := range batches {
		g.Go(func() error {
			e.runHost(ctx, hb, opts.Shell, timeout, results)
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		outcome := "ok"
		switch {
		case r.Err != nil:
			outcome = "error"
		case !r.Success:
			outcome = "failed"
		}
		metrics.CommandsTotal.WithLabelValues(outcome).Inc()
	}
	return results
}

func (e *Executor) runHost(ctx context.Context, hb *hostBatch, shell bool, timeout time.Duration, results []Result) {
	log := e.log.With().Str("host", hb.host).Int("commands", len(hb.cmds)).Logger()

	failAll := func(err error) {
		for _, i := range hb.index {
			setResult(&results[i], sshrunner.Result{Status: -1, Err: err})
		}
		log.Warn().Err(err).Msg("batch failed")
	}

	ch, err := e.pool.Submit(ctx, hb.host, hostpool.Batch{Cmds: hb.cmds, Shell: shell, Timeout: timeout})
	if err != nil {
		failAll(err)
		return
	}

	timer := time.NewTimer(timeout + e.cfg.Margin)
	defer timer.Stop()
	select {
	case reply := <-ch:
		for j, i := range hb.index {
			res := sshrunner.Result{Status: -1, Err: fmt.Errorf("%w: no result for command", sshrunner.ErrProtocol)}
			if j < len(reply.Results) {
				res = reply.Results[j]
			}
			setResult(&results[i], res)
		}
		if reply.Err != nil {
			log.Warn().Err(reply.Err).Msg("batch failed")
		}
	case <-timer.C:
		failAll(fmt.Errorf("%w: %s after %v", ErrHostTimeout, hb.host, timeout))
	case <-ctx.Done():
		failAll(ctx.Err())
	}
}

func setResult(r *Result, res sshrunner.Result) {
	r.Status = res.Status
	r.Stdout = res.Stdout
	r.Stderr = res.Stderr
	r.Err = res.Err
	r.Success = res.OK()
	if res.Err != nil {
		r.Output = res.Err.Error()
		return
	}
	r.Output = res.Stdout + res.Stderr
}
