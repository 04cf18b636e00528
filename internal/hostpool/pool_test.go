package hostpool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/sensorctl/internal/sshrunner"
)

// fakeRunner is a scripted Runner. Its fields may be changed while the pool
// is running, so every access goes through mu.
type fakeRunner struct {
	mu         sync.Mutex
	connectErr error
	pingErr    error
	runErr     error
	delay      time.Duration

	connects int
	pings    int
	runs     int
	closes   int
}

func (f *fakeRunner) set(fn func(f *fakeRunner)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRunner) counts() (connects, pings, runs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.pings, f.runs
}

func (f *fakeRunner) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeRunner) Ping(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeRunner) Run(cmds []sshrunner.Command, shell bool, timeout time.Duration) ([]sshrunner.Result, error) {
	f.mu.Lock()
	f.runs++
	runErr, delay := f.runErr, f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if runErr != nil {
		return failAll(len(cmds), runErr), runErr
	}
	results := make([]sshrunner.Result, len(cmds))
	for i, c := range cmds {
		results[i] = sshrunner.Result{Stdout: strings.Join(c.Argv, " ")}
	}
	return results, nil
}

func (f *fakeRunner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

type fakeFleet struct {
	mu      sync.Mutex
	runners map[string]*fakeRunner
}

func newFakeFleet(hosts ...string) *fakeFleet {
	fl := &fakeFleet{runners: make(map[string]*fakeRunner)}
	for _, h := range hosts {
		fl.runners[h] = &fakeRunner{}
	}
	return fl
}

func (fl *fakeFleet) factory(host string) Runner {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	r, ok := fl.runners[host]
	if !ok {
		r = &fakeRunner{}
		fl.runners[host] = r
	}
	return r
}

func (fl *fakeFleet) get(host string) *fakeRunner {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.runners[host]
}

func testConfig() Config {
	return Config{
		PingTimeout:       100 * time.Millisecond,
		IdlePollInterval:  time.Hour,
		ReconnectInterval: time.Millisecond,
		ReconnectBurst:    100,
	}
}

func batchOf(argvs ...string) Batch {
	b := Batch{Timeout: time.Second}
	for _, a := range argvs {
		b.Cmds = append(b.Cmds, sshrunner.Command{Argv: strings.Fields(a)})
	}
	return b
}

func TestRunBatch(t *testing.T) {
	fleet := newFakeFleet("10.0.0.1")
	p := New(testConfig(), fleet.factory)
	defer p.Shutdown()

	results, err := p.Run(context.Background(), "10.0.0.1", batchOf("echo a", "echo b"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "echo a", results[0].Stdout)
	assert.Equal(t, "echo b", results[1].Stdout)

	assert.Equal(t, StateAlive, p.State("10.0.0.1"))
	connects, pings, runs := fleet.get("10.0.0.1").counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, pings)
	assert.Equal(t, 1, runs)

	// A second batch reuses the live session.
	_, err = p.Run(context.Background(), "10.0.0.1", batchOf("true"))
	require.NoError(t, err)
	connects, pings, _ = fleet.get("10.0.0.1").counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, pings)
}

func TestPingFailureFailsWholeBatch(t *testing.T) {
	fleet := newFakeFleet("10.0.0.1")
	fleet.get("10.0.0.1").pingErr = sshrunner.ErrTimeout
	p := New(testConfig(), fleet.factory)
	defer p.Shutdown()

	results, err := p.Run(context.Background(), "10.0.0.1", batchOf("a", "b", "c"))
	require.ErrorIs(t, err, ErrHostDown)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.ErrorIs(t, r.Err, ErrHostDown, "results[%d]", i)
	}

	_, _, runs := fleet.get("10.0.0.1").counts()
	assert.Zero(t, runs, "batch ran on a host that failed its ping")
	assert.Equal(t, StateDisconnected, p.State("10.0.0.1"))

	events := p.Events("10.0.0.1")
	require.NotEmpty(t, events)
	assert.Equal(t, EventPingFailed, events[len(events)-1].Type)
}

func TestHostIsolation(t *testing.T) {
	fleet := newFakeFleet("10.0.0.1", "10.0.0.2")
	fleet.get("10.0.0.1").connectErr = errors.New("no route to host")
	fleet.get("10.0.0.2").delay = 50 * time.Millisecond
	p := New(testConfig(), fleet.factory)
	defer p.Shutdown()

	ctx := context.Background()
	chA, err := p.Submit(ctx, "10.0.0.1", batchOf("echo a"))
	require.NoError(t, err)
	chB, err := p.Submit(ctx, "10.0.0.2", batchOf("echo b"))
	require.NoError(t, err)

	a := <-chA
	b := <-chB
	assert.ErrorIs(t, a.Err, ErrHostDown)
	require.NoError(t, b.Err)
	assert.Equal(t, "echo b", b.Results[0].Stdout)
	assert.True(t, b.Results[0].OK())
}

func TestBatchFailureMarksHostDown(t *testing.T) {
	fleet := newFakeFleet("10.0.0.1")
	p := New(testConfig(), fleet.factory)
	defer p.Shutdown()
	ctx := context.Background()

	_, err := p.Run(ctx, "10.0.0.1", batchOf("true"))
	require.NoError(t, err)

	r := fleet.get("10.0.0.1")
	r.set(func(f *fakeRunner) { f.runErr = sshrunner.ErrTimeout })
	_, err = p.Run(ctx, "10.0.0.1", batchOf("sleep 100"))
	require.ErrorIs(t, err, sshrunner.ErrTimeout)
	assert.Equal(t, StateDisconnected, p.State("10.0.0.1"))

	// The next batch reconnects first.
	r.set(func(f *fakeRunner) { f.runErr = nil })
	_, err = p.Run(ctx, "10.0.0.1", batchOf("true"))
	require.NoError(t, err)
	connects, _, _ := r.counts()
	assert.Equal(t, 2, connects)

	var states []HostState
	for _, tr := range p.Transitions("10.0.0.1") {
		states = append(states, tr.To)
	}
	assert.Equal(t, []HostState{StateConnecting, StateAlive, StateDisconnected, StateConnecting, StateAlive}, states)
}

func TestReconnectThrottled(t *testing.T) {
	fleet := newFakeFleet("10.0.0.1")
	fleet.get("10.0.0.1").connectErr = errors.New("connection refused")
	cfg := testConfig()
	cfg.ReconnectInterval = time.Hour
	cfg.ReconnectBurst = 1
	p := New(cfg, fleet.factory)
	defer p.Shutdown()
	ctx := context.Background()

	_, err := p.Run(ctx, "10.0.0.1", batchOf("true"))
	require.ErrorIs(t, err, ErrHostDown)
	_, err = p.Run(ctx, "10.0.0.1", batchOf("true"))
	require.ErrorIs(t, err, ErrHostDown)
	assert.Contains(t, err.Error(), "throttled")

	connects, _, _ := fleet.get("10.0.0.1").counts()
	assert.Equal(t, 1, connects)
}

func TestIdleProbeRecoversHost(t *testing.T) {
	fleet := newFakeFleet("10.0.0.1")
	r := fleet.get("10.0.0.1")
	r.pingErr = errors.New("no reply")
	cfg := testConfig()
	cfg.IdlePollInterval = 20 * time.Millisecond
	p := New(cfg, fleet.factory)
	defer p.Shutdown()

	p.Add("10.0.0.1")
	require.Eventually(t, func() bool {
		_, pings, _ := r.counts()
		return pings > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, StateAlive, p.State("10.0.0.1"))

	r.set(func(f *fakeRunner) { f.pingErr = nil })
	require.Eventually(t, func() bool {
		return p.State("10.0.0.1") == StateAlive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLiveness(t *testing.T) {
	fleet := newFakeFleet("10.0.0.1", "10.0.0.2")
	fleet.get("10.0.0.2").pingErr = errors.New("down")
	p := New(testConfig(), fleet.factory)
	defer p.Shutdown()
	ctx := context.Background()

	p.Add("10.0.0.1", "10.0.0.2")
	require.NoError(t, p.Probe(ctx, "10.0.0.1"))
	require.ErrorIs(t, p.Probe(ctx, "10.0.0.2"), ErrHostDown)

	got := map[string]bool{}
	for host, alive := range p.Liveness() {
		got[host] = alive
	}
	assert.Equal(t, map[string]bool{"10.0.0.1": true, "10.0.0.2": false}, got)

	infos := p.States()
	require.Len(t, infos, 2)
	assert.Equal(t, "10.0.0.1", infos[0].Host)
	assert.False(t, infos[0].LastAlive.IsZero())
}

func TestCallbacksAndListeners(t *testing.T) {
	fleet := newFakeFleet("10.0.0.1")
	p := New(testConfig(), fleet.factory)
	defer p.Shutdown()

	var mu sync.Mutex
	var changes []string
	var events []EventType
	p.OnStateChange(func(host string, from, to HostState) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, from.String()+"->"+to.String())
	})
	p.OnEvent(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Type)
	})

	_, err := p.Run(context.Background(), "10.0.0.1", batchOf("true"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"disconnected->connecting", "connecting->alive"}, changes)
	assert.Equal(t, []EventType{EventConnected}, events)
}

func TestShutdown(t *testing.T) {
	fleet := newFakeFleet("10.0.0.1")
	p := New(testConfig(), fleet.factory)

	_, err := p.Run(context.Background(), "10.0.0.1", batchOf("true"))
	require.NoError(t, err)

	p.Shutdown()
	p.Shutdown()

	_, err = p.Submit(context.Background(), "10.0.0.1", batchOf("true"))
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = p.Submit(context.Background(), "10.0.0.9", batchOf("true"))
	assert.ErrorIs(t, err, ErrPoolClosed)

	fleet.get("10.0.0.1").mu.Lock()
	closes := fleet.get("10.0.0.1").closes
	fleet.get("10.0.0.1").mu.Unlock()
	assert.GreaterOrEqual(t, closes, 1)
	assert.Equal(t, StateDisconnected, p.State("10.0.0.1"))
}

func TestWithDispatcherRunner(t *testing.T) {
	transports := map[string]*sshrunner.FakeTransport{
		"10.0.0.1": {},
		"10.0.0.2": {Silent: true},
	}
	p := New(testConfig(), func(host string) Runner {
		return sshrunner.NewRunner(host, transports[host], "python3")
	})
	defer p.Shutdown()
	ctx := context.Background()

	results, err := p.Run(ctx, "10.0.0.1", batchOf("echo hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", results[0].Stdout)

	start := time.Now()
	results, err = p.Run(ctx, "10.0.0.2", batchOf("echo hello", "echo again"))
	require.ErrorIs(t, err, ErrHostDown)
	assert.Len(t, results, 2)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRing(t *testing.T) {
	r := newRing[int](3)
	assert.Nil(t, r.all())
	for i := 1; i <= 5; i++ {
		r.add(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.all())
}
