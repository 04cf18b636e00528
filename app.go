package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/config"
	"github.com/gluk-w/sensorctl/internal/control"
	"github.com/gluk-w/sensorctl/internal/database"
	"github.com/gluk-w/sensorctl/internal/execution"
	"github.com/gluk-w/sensorctl/internal/hostpool"
	"github.com/gluk-w/sensorctl/internal/lock"
	"github.com/gluk-w/sensorctl/internal/logging"
	"github.com/gluk-w/sensorctl/internal/notify"
	"github.com/gluk-w/sensorctl/internal/plugin"
	"github.com/gluk-w/sensorctl/internal/sshkeys"
	"github.com/gluk-w/sensorctl/internal/sshrunner"
)

// app holds everything one sensorctl invocation works with.
type app struct {
	settings *config.Settings
	cluster  *cluster.Config
	store    *database.Store
	pool     *hostpool.Pool
	exec     *execution.Executor
	ctl      *control.Controller
	history  *plugin.History
	lock     *lock.Lock
}

// newApp loads settings and the node layout, opens the state store and
// prepares one session per host. Sessions connect on first use.
func newApp() (*app, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Level: settings.LogLevel,
		JSON:  settings.LogJSON,
		Path:  settings.LogPath,
	})

	layout, err := cluster.LoadFile(settings.NodeConfig, cluster.DefaultResolver)
	if err != nil {
		return nil, err
	}

	store, err := database.Open(settings.DatabasePath)
	if err != nil {
		return nil, err
	}

	opts, err := transportOptions(settings, cluster.Hosts(layout.Nodes()))
	if err != nil {
		store.Close()
		return nil, err
	}

	pool := hostpool.New(hostpool.Config{
		PingTimeout:       settings.PingTimeout,
		IdlePollInterval:  settings.IdlePollInterval,
		ReconnectInterval: settings.ReconnectInterval,
		ReconnectBurst:    settings.ReconnectBurst,
		BatchTimeout:      settings.CommandTimeout,
	}, func(host string) hostpool.Runner {
		return sshrunner.NewRunner(host, sshrunner.NewTransport(host, opts), settings.Python)
	})
	pool.Add(cluster.Hosts(layout.Nodes())...)

	exec := execution.New(pool, execution.Config{
		HelperDir: settings.HelperDir,
		Timeout:   settings.CommandTimeout,
	})

	ctl := control.New(exec, store, control.Config{
		SpoolDir:     settings.SpoolDir,
		TmpDir:       settings.TmpDir(),
		NodeBinary:   settings.NodeBinary,
		Version:      Version,
		StartTimeout: settings.StartTimeout,
		StopTimeout:  settings.StopTimeout,
		PollInterval: settings.StatusPollInterval,
		CronMode:     settings.CronMode,
	})

	history := plugin.NewHistory()
	plugins := plugin.NewRegistry(store)
	if err := plugins.Register(history); err != nil {
		pool.Shutdown()
		store.Close()
		return nil, err
	}
	ctl.SetPlugins(plugins)
	ctl.SetNotifier(notify.Multi{
		notify.NewLogNotifier(),
		notify.NewFileNotifier(filepath.Join(settings.DataPath, "reports")),
	})

	return &app{
		settings: settings,
		cluster:  layout,
		store:    store,
		pool:     pool,
		exec:     exec,
		ctl:      ctl,
		history:  history,
		lock:     lock.New(settings.LockPath()),
	}, nil
}

// transportOptions loads the SSH identity and host key check. Clusters that
// live entirely on this machine need neither.
func transportOptions(s *config.Settings, hosts []string) (sshrunner.Options, error) {
	opts := sshrunner.Options{
		User:           s.SSHUser,
		Port:           s.SSHPort,
		ConnectTimeout: s.PingTimeout * 2,
	}
	remote := false
	for _, h := range hosts {
		if !sshrunner.IsLocalAddr(h) {
			remote = true
			break
		}
	}
	if !remote {
		return opts, nil
	}

	signer, _, err := sshkeys.EnsureKeyPair(s.SSHKeyDir)
	if err != nil {
		return opts, fmt.Errorf("ssh key: %w", err)
	}
	var hostKeys ssh.HostKeyCallback
	if hostKeys, err = sshkeys.HostKeyCallback(s.SSHKnownHosts, s.SSHInsecure); err != nil {
		return opts, err
	}
	opts.Signer = signer
	opts.HostKeyCallback = hostKeys
	log := logging.WithComponent("sshkeys")
	log.Debug().Str("fingerprint", sshkeys.Fingerprint(signer)).Msg("using ssh identity")
	return opts, nil
}

// close releases the lock (if held), the sessions and the state store.
func (a *app) close() {
	for a.lock.Held() {
		if err := a.lock.Release(); err != nil {
			logging.Logger.Warn().Err(err).Msg("release lock")
			break
		}
	}
	a.pool.Shutdown()
	if err := a.store.Close(); err != nil {
		logging.Logger.Warn().Err(err).Msg("close state store")
	}
	logging.Close()
}

// exclusive takes the cluster lock for a mutating command.
func (a *app) exclusive() error {
	if err := a.lock.Acquire(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("another sensorctl operation is in progress: %w", err)
		}
		return err
	}
	return nil
}

// selectNodes resolves node arguments.
func (a *app) selectNodes(args []string) ([]*cluster.Node, error) {
	return a.cluster.Select(args)
}

// withApp runs fn with a fresh app and a context cancelled on SIGINT or
// SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}
