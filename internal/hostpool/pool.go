// Package hostpool owns one command session per host.
//
// Every host gets a worker goroutine that holds the host's Runner. Batches
// for a host are queued to its worker and run one at a time, so a session is
// never shared between goroutines and never carries two batches at once.
// A worker that cannot reach its host answers immediately with ErrHostDown
// for every command of the batch instead of waiting out the batch timeout.
package hostpool

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gluk-w/sensorctl/internal/logging"
	"github.com/gluk-w/sensorctl/internal/metrics"
	"github.com/gluk-w/sensorctl/internal/sshrunner"
)

var (
	// ErrHostDown is returned for batches sent to a host that failed its
	// connect or ping.
	ErrHostDown = errors.New("host unreachable")
	// ErrPoolClosed is returned once Shutdown has been called.
	ErrPoolClosed = errors.New("host pool is shut down")
)

// Runner is the per-host session the pool drives. *sshrunner.Runner
// implements it.
type Runner interface {
	Connect(ctx context.Context) error
	Run(cmds []sshrunner.Command, shell bool, timeout time.Duration) ([]sshrunner.Result, error)
	Ping(timeout time.Duration) error
	Close() error
}

// RunnerFactory creates the Runner for a host.
type RunnerFactory func(host string) Runner

// Config controls session handling.
type Config struct {
	PingTimeout       time.Duration
	IdlePollInterval  time.Duration
	ReconnectInterval time.Duration
	ReconnectBurst    int
	QueueSize         int
	// BatchTimeout applies to batches submitted without a timeout.
	BatchTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.IdlePollInterval <= 0 {
		c.IdlePollInterval = 30 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.ReconnectBurst <= 0 {
		c.ReconnectBurst = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Minute
	}
}

// Batch is a set of commands for one host.
type Batch struct {
	Cmds    []sshrunner.Command
	Shell   bool
	Timeout time.Duration
}

// Reply carries the results of one batch, one per command.
type Reply struct {
	Results []sshrunner.Result
	Err     error
}

type request struct {
	batch Batch
	probe bool
	reply chan Reply
}

// Pool manages the per-host workers.
type Pool struct {
	cfg       Config
	newRunner RunnerFactory
	log       zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*hostWorker
	closed  bool
	wg      sync.WaitGroup

	states *stateTracker
	events *eventLog
}

// New creates a Pool. Workers start lazily on first use of a host.
func New(cfg Config, newRunner RunnerFactory) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:       cfg,
		newRunner: newRunner,
		log:       logging.WithComponent("hostpool"),
		workers:   make(map[string]*hostWorker),
		states:    newStateTracker(),
		events:    newEventLog(),
	}
	p.states.onStateChange(func(host string, from, to HostState) {
		alive := 0.0
		if to == StateAlive {
			alive = 1
		}
		metrics.HostAlive.WithLabelValues(host).Set(alive)
	})
	return p
}

// Add registers hosts so they appear in Liveness and get probed while idle,
// without sending them anything yet.
func (p *Pool) Add(hosts ...string) {
	for _, h := range hosts {
		p.worker(h)
	}
}

// worker returns the worker for host, starting it if needed. It returns nil
// after Shutdown. Caller must not hold p.mu.
func (p *Pool) worker(host string) *hostWorker {
	p.mu.RLock()
	w, ok := p.workers[host]
	closed := p.closed
	p.mu.RUnlock()
	if ok || closed {
		return w
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if w, ok := p.workers[host]; ok {
		return w
	}
	w = &hostWorker{
		host:     host,
		pool:     p,
		runner:   p.newRunner(host),
		requests: make(chan request, p.cfg.QueueSize),
		quit:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Every(p.cfg.ReconnectInterval), p.cfg.ReconnectBurst),
		log:      logging.WithHost("hostpool", host),
	}
	p.workers[host] = w
	p.states.register(host)
	p.wg.Add(1)
	go w.loop()
	return w
}

// Submit queues a batch for host and returns the channel its reply arrives
// on. The channel receives exactly one Reply.
func (p *Pool) Submit(ctx context.Context, host string, b Batch) (<-chan Reply, error) {
	return p.enqueue(ctx, host, request{batch: b, reply: make(chan Reply, 1)})
}

func (p *Pool) enqueue(ctx context.Context, host string, req request) (<-chan Reply, error) {
	w := p.worker(host)
	if w == nil {
		return nil, ErrPoolClosed
	}

	// Holding the read lock keeps Shutdown from closing the worker while a
	// request is being queued.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	select {
	case w.requests <- req:
		return req.reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run submits a batch and waits for its reply.
func (p *Pool) Run(ctx context.Context, host string, b Batch) ([]sshrunner.Result, error) {
	ch, err := p.Submit(ctx, host, b)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.Results, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Probe checks a host now: a ping if it is alive, a reconnect otherwise.
func (p *Pool) Probe(ctx context.Context, host string) error {
	ch, err := p.enqueue(ctx, host, request{probe: true, reply: make(chan Reply, 1)})
	if err != nil {
		return err
	}
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every worker and closes its session. Queued batches are
// answered with ErrPoolClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.quit)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Debug().Msg("all host sessions closed")
}

// State returns the session state of host.
func (p *Pool) State(host string) HostState {
	return p.states.get(host)
}

// States returns a snapshot of every known host, sorted by address.
func (p *Pool) States() []HostInfo {
	return p.states.snapshot()
}

// Liveness yields (host, alive) for every known host.
func (p *Pool) Liveness() iter.Seq2[string, bool] {
	return func(yield func(string, bool) bool) {
		for _, info := range p.states.snapshot() {
			if !yield(info.Host, info.State == StateAlive) {
				return
			}
		}
	}
}

// Transitions returns the recent state changes of host, oldest first.
func (p *Pool) Transitions(host string) []StateTransition {
	return p.states.transitions(host)
}

// Events returns the recent session events of host, oldest first.
func (p *Pool) Events(host string) []Event {
	return p.events.events(host)
}

// OnStateChange registers a callback for host state changes.
func (p *Pool) OnStateChange(cb StateChangeCallback) {
	p.states.onStateChange(cb)
}

// OnEvent registers a listener for session events.
func (p *Pool) OnEvent(l EventListener) {
	p.events.addListener(l)
}

// hostWorker owns the Runner of one host. Only its loop goroutine touches
// the runner.
type hostWorker struct {
	host     string
	pool     *Pool
	runner   Runner
	requests chan request
	quit     chan struct{}
	limiter  *rate.Limiter
	log      zerolog.Logger

	lastUsed time.Time
	lastErr  error
}

func (w *hostWorker) loop() {
	defer w.pool.wg.Done()

	ticker := time.NewTicker(w.pool.cfg.IdlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-w.requests:
			w.handle(req)
		case <-ticker.C:
			w.idleCheck()
		case <-w.quit:
			w.drain()
			return
		}
	}
}

// drain answers whatever is still queued and closes the session.
func (w *hostWorker) drain() {
	for {
		select {
		case req := <-w.requests:
			req.reply <- Reply{Results: failAll(len(req.batch.Cmds), ErrPoolClosed), Err: ErrPoolClosed}
		default:
			w.runner.Close()
			w.setState(StateDisconnected, "shutdown")
			return
		}
	}
}

func (w *hostWorker) alive() bool {
	return w.pool.states.get(w.host) == StateAlive
}

func (w *hostWorker) handle(req request) {
	if req.probe {
		req.reply <- Reply{Err: w.probe()}
		return
	}

	b := req.batch
	if len(b.Cmds) == 0 {
		req.reply <- Reply{}
		return
	}
	if b.Timeout <= 0 {
		b.Timeout = w.pool.cfg.BatchTimeout
	}
	if !w.alive() {
		if err := w.connect(); err != nil {
			metrics.BatchFailures.WithLabelValues(w.host, "host_down").Inc()
			req.reply <- Reply{Results: failAll(len(b.Cmds), err), Err: err}
			return
		}
	}

	timer := metrics.NewTimer()
	results, err := w.runner.Run(b.Cmds, b.Shell, b.Timeout)
	timer.ObserveDuration(metrics.BatchDuration.WithLabelValues(w.host))
	w.lastUsed = time.Now()
	if err != nil {
		metrics.BatchFailures.WithLabelValues(w.host, failureReason(err)).Inc()
		w.markDown(EventBatchFailed, err)
	} else {
		w.setState(StateAlive, "batch completed")
	}
	req.reply <- Reply{Results: results, Err: err}
}

// connect (re)opens the session and pings it. Attempts are rate limited so a
// dead host is not redialled for every batch.
func (w *hostWorker) connect() error {
	if !w.limiter.Allow() {
		w.pool.events.log(w.host, EventThrottled, fmt.Sprint(w.lastErr))
		return fmt.Errorf("%w: %s: reconnect throttled after: %v", ErrHostDown, w.host, w.lastErr)
	}

	w.runner.Close()
	w.setState(StateConnecting, "connecting")
	metrics.Reconnects.WithLabelValues(w.host).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), w.pool.cfg.PingTimeout)
	err := w.runner.Connect(ctx)
	cancel()
	if err != nil {
		w.markDown(EventDisconnected, err)
		return fmt.Errorf("%w: %s: %v", ErrHostDown, w.host, err)
	}
	if err := w.runner.Ping(w.pool.cfg.PingTimeout); err != nil {
		w.markDown(EventPingFailed, err)
		return fmt.Errorf("%w: %s: %v", ErrHostDown, w.host, err)
	}

	w.lastUsed = time.Now()
	w.lastErr = nil
	w.setState(StateAlive, "ping ok")
	w.pool.events.log(w.host, EventConnected, "")
	w.log.Info().Msg("host session established")
	return nil
}

func (w *hostWorker) probe() error {
	if !w.alive() {
		return w.connect()
	}
	if err := w.runner.Ping(w.pool.cfg.PingTimeout); err != nil {
		w.markDown(EventPingFailed, err)
		return fmt.Errorf("%w: %s: %v", ErrHostDown, w.host, err)
	}
	w.lastUsed = time.Now()
	w.setState(StateAlive, "ping ok")
	return nil
}

// idleCheck re-probes hosts that are down and pings alive sessions that have
// been quiet for a full poll interval.
func (w *hostWorker) idleCheck() {
	if w.alive() && time.Since(w.lastUsed) < w.pool.cfg.IdlePollInterval {
		return
	}
	if err := w.probe(); err != nil {
		w.log.Debug().Err(err).Msg("idle probe failed")
	}
}

func (w *hostWorker) markDown(typ EventType, err error) {
	w.lastErr = err
	w.runner.Close()
	w.setState(StateDisconnected, err.Error())
	w.pool.events.log(w.host, typ, err.Error())
	w.log.Warn().Err(err).Str("event", string(typ)).Msg("host session lost")
}

func (w *hostWorker) setState(s HostState, reason string) {
	w.pool.states.setState(w.host, s, reason)
}

func failAll(n int, err error) []sshrunner.Result {
	results := make([]sshrunner.Result, n)
	for i := range results {
		results[i] = sshrunner.Result{Status: -1, Err: err}
	}
	return results
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, sshrunner.ErrTimeout):
		return "timeout"
	case errors.Is(err, sshrunner.ErrProtocol):
		return "protocol"
	case errors.Is(err, sshrunner.ErrSessionClosed):
		return "session_closed"
	default:
		return "other"
	}
}
