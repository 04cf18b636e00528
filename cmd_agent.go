package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gluk-w/sensorctl/internal/agent"
	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/cron"
	"github.com/gluk-w/sensorctl/internal/hostpool"
	"github.com/gluk-w/sensorctl/internal/logging"
	"github.com/gluk-w/sensorctl/internal/metrics"
)

func (a *app) maintenance() *cron.Maintenance {
	return cron.New(a.ctl, a.pool, a.store, a.cluster.Nodes(), cron.Config{
		Schedule: a.settings.CronSchedule,
		Locker:   a.lock,
	})
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Run one maintenance pass",
	Long: `Probe every host, record host liveness, detect crashed nodes and send
crash reports, and prune old operation records. Meant to be run from cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.exclusive(); err != nil {
				return err
			}
			rep := a.maintenance().RunOnce(ctx)
			if rep.Skipped {
				return fmt.Errorf("maintenance skipped: cluster lock is held")
			}
			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(out, rep)
			}
			fmt.Fprintf(out, "hosts up:   %s\n", strings.Join(rep.HostsUp, " "))
			fmt.Fprintf(out, "hosts down: %s\n", strings.Join(rep.HostsDown, " "))
			fmt.Fprintf(out, "crashed:    %s\n", strings.Join(rep.Crashed, " "))
			fmt.Fprintf(out, "purged %d operation records\n", rep.Purged)
			return nil
		})
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run maintenance on a schedule and serve health and metrics",
	Long: `Keep host sessions open, run the maintenance pass on the configured
schedule and serve /health, /metrics and host session status over HTTP
until interrupted. Changes to the node layout file are picked up by later
maintenance passes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("listen")
		return withApp(func(ctx context.Context, a *app) error {
			if addr == "" {
				addr = a.settings.MetricsAddr
			}
			log := logging.WithComponent("agent")
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			health := metrics.NewHealth(Version)
			health.Update("store", true, "")
			for _, h := range a.pool.States() {
				health.Update("host "+h.Host, h.State == hostpool.StateAlive, h.State.String())
			}
			a.pool.OnStateChange(func(host string, _, to hostpool.HostState) {
				health.Update("host "+host, to == hostpool.StateAlive, to.String())
			})

			m := a.maintenance()
			if err := m.Start(ctx); err != nil {
				return err
			}
			defer m.Stop()
			firstRun := make(chan struct{})
			go func() {
				defer close(firstRun)
				m.RunOnce(ctx)
			}()
			defer func() {
				cancel()
				<-firstRun
			}()

			go func() {
				err := cluster.Watch(ctx, a.settings.NodeConfig, cluster.DefaultResolver, func(cfg *cluster.Config) {
					a.pool.Add(cluster.Hosts(cfg.Nodes())...)
					m.SetNodes(cfg.Nodes())
				})
				if err != nil {
					log.Warn().Err(err).Msg("node config changes will not be picked up")
				}
			}()

			srv := &http.Server{
				Addr:              addr,
				Handler:           agent.NewRouter(health, a.pool),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Msg("agent listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				log.Info().Msg("shutting down")
			case err := <-errCh:
				return fmt.Errorf("agent server: %w", err)
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			return srv.Shutdown(shutdownCtx)
		})
	},
}

func init() {
	agentCmd.Flags().String("listen", "", "Listen address (default SENSORCTL_METRICS_ADDR)")
}
