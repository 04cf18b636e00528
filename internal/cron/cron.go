// Package cron runs the periodic maintenance of an unattended cluster:
// host liveness bookkeeping, crash detection with reports, and pruning of
// the operation log.
package cron

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/database"
	"github.com/gluk-w/sensorctl/internal/logging"
)

const (
	defaultSchedule = "@every 5m"
	defaultTimeout  = 2 * time.Minute
)

// Checker is the part of the lifecycle controller maintenance needs.
// *control.Controller implements it.
type Checker interface {
	PID(n *cluster.Node) (int, bool)
	Crashed(n *cluster.Node) bool
	IsRunning(ctx context.Context, nodes []*cluster.Node, warn bool) map[*cluster.Node]bool
	CrashReport(ctx context.Context, n *cluster.Node) error
}

// HostFeed probes hosts and reports their liveness. *hostpool.Pool
// implements it.
type HostFeed interface {
	Probe(ctx context.Context, host string) error
	Liveness() iter.Seq2[string, bool]
}

// Locker serializes maintenance with lifecycle commands. *lock.Lock
// implements it.
type Locker interface {
	Acquire() error
	Release() error
}

// Config holds maintenance settings.
type Config struct {
	Schedule  string
	Timeout   time.Duration
	Retention time.Duration
	// Locker, when set, is held for the whole pass. A pass that cannot get
	// it is skipped.
	Locker Locker
}

// Report summarizes one maintenance run.
type Report struct {
	HostsUp   []string
	HostsDown []string
	Crashed   []string
	Purged    int64
	Skipped   bool
}

// Maintenance runs maintenance once or on a schedule.
type Maintenance struct {
	ctl   Checker
	hosts HostFeed
	store *database.Store
	nodes []*cluster.Node
	cfg   Config
	log   zerolog.Logger

	mu    sync.Mutex // one run at a time
	sched *robfig.Cron
}

func New(ctl Checker, hosts HostFeed, store *database.Store, nodes []*cluster.Node, cfg Config) *Maintenance {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Maintenance{
		ctl:   ctl,
		hosts: hosts,
		store: store,
		nodes: nodes,
		cfg:   cfg,
		log:   logging.WithComponent("cron"),
	}
}

// RunOnce performs one maintenance pass.
func (m *Maintenance) RunOnce(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l := m.cfg.Locker; l != nil {
		if err := l.Acquire(); err != nil {
			m.log.Warn().Err(err).Msg("maintenance skipped")
			return Report{Skipped: true}
		}
		defer l.Release()
	}
	// Lifecycle commands run in other processes and change PIDs under us.
	if err := m.store.Reload(); err != nil {
		m.log.Error().Err(err).Msg("maintenance skipped: cannot reload state")
		return Report{Skipped: true}
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	var rep Report
	m.updateHosts(ctx, &rep)
	m.detectCrashes(ctx, &rep)

	purged, err := m.store.PurgeOperations(m.cfg.Retention)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to purge operation log")
	}
	rep.Purged = purged

	m.log.Info().Int("hosts_up", len(rep.HostsUp)).Int("hosts_down", len(rep.HostsDown)).
		Strs("crashed", rep.Crashed).Int64("purged", rep.Purged).Msg("maintenance finished")
	return rep
}

func (m *Maintenance) updateHosts(ctx context.Context, rep *Report) {
	var g errgroup.Group
	for _, host := range cluster.Hosts(m.nodes) {
		g.Go(func() error {
			if err := m.hosts.Probe(ctx, host); err != nil {
				m.log.Debug().Err(err).Str("host", host).Msg("probe failed")
			}
			return nil
		})
	}
	g.Wait()

	for host, alive := range m.hosts.Liveness() {
		if alive {
			rep.HostsUp = append(rep.HostsUp, host)
		} else {
			rep.HostsDown = append(rep.HostsDown, host)
		}
		key := database.HostAliveKey(host)
		if prev, seen := m.store.Get(key); seen && prev != alive {
			m.log.Warn().Str("host", host).Bool("alive", alive).Msg("host liveness changed")
		}
		if err := m.store.Set(key, alive); err != nil {
			m.log.Error().Err(err).Str("host", host).Msg("failed to record host liveness")
		}
	}
}

// detectCrashes checks every node that has a PID. Nodes found crashed get
// a crash report; their flag stays set until the next start or cleanup.
func (m *Maintenance) detectCrashes(ctx context.Context, rep *Report) {
	var tracked []*cluster.Node
	for _, n := range m.nodes {
		if _, ok := m.ctl.PID(n); ok {
			tracked = append(tracked, n)
		}
	}
	if len(tracked) == 0 {
		return
	}
	for n, alive := range m.ctl.IsRunning(ctx, tracked, false) {
		if alive || !m.ctl.Crashed(n) {
			continue
		}
		rep.Crashed = append(rep.Crashed, n.Name)
		if err := m.ctl.CrashReport(ctx, n); err != nil {
			m.log.Error().Err(err).Str("node", n.Name).Msg("crash report failed")
		}
	}
	sort.Strings(rep.Crashed)
}

// SetNodes replaces the node list checked by later passes.
func (m *Maintenance) SetNodes(nodes []*cluster.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = nodes
}

// Start schedules RunOnce according to the configured schedule.
func (m *Maintenance) Start(ctx context.Context) error {
	m.sched = robfig.New()
	if _, err := m.sched.AddFunc(m.cfg.Schedule, func() { m.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("cron schedule %q: %w", m.cfg.Schedule, err)
	}
	m.sched.Start()
	m.log.Info().Str("schedule", m.cfg.Schedule).Msg("maintenance scheduled")
	return nil
}

// Stop stops the schedule and waits for a running pass to finish.
func (m *Maintenance) Stop() {
	if m.sched == nil {
		return
	}
	<-m.sched.Stop().Done()
}
