package control

import (
	"context"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/database"
	"github.com/gluk-w/sensorctl/internal/execution"
	"github.com/gluk-w/sensorctl/internal/helpers"
	"github.com/gluk-w/sensorctl/internal/hostpool"
)

const spool = "/spool"

// fakeCluster plays the remote side of the helpers: it keeps a process
// table and the status files the start wrapper would write.
type fakeCluster struct {
	mu      sync.Mutex
	nextPID int
	procs   map[int]string    // pid -> node
	files   map[string]string // path -> content
	down    map[string]bool   // unreachable hosts

	failStart     map[string]bool // start helper fails
	exitOnStart   map[string]bool // node terminates right after launch
	silentStart   map[string]bool // node never writes RUNNING
	lostOnStart   map[string]bool // host drops right after launch
	ignoreTerm    map[string]bool // node survives SIGTERM
	ignoreKill    map[string]bool // node survives everything
	failNodeMkdir map[string]bool

	calls []string // "<helper> <node>" in execution order
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		nextPID:       1000,
		procs:         map[int]string{},
		files:         map[string]string{},
		down:          map[string]bool{},
		failStart:     map[string]bool{},
		exitOnStart:   map[string]bool{},
		silentStart:   map[string]bool{},
		lostOnStart:   map[string]bool{},
		ignoreTerm:    map[string]bool{},
		ignoreKill:    map[string]bool{},
		failNodeMkdir: map[string]bool{},
	}
}

func (f *fakeCluster) Run(_ context.Context, cmds []execution.Cmd, opts execution.Options) []execution.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	results := make([]execution.Result, len(cmds))
	for i, c := range cmds {
		n := c.Node
		results[i].Node = n
		if f.down[n.Addr] {
			results[i].Status = -1
			results[i].Err = hostpool.ErrHostDown
			results[i].Output = hostpool.ErrHostDown.Error()
			continue
		}
		var stdout string
		status := 0
		if opts.Shell {
			f.calls = append(f.calls, "shell "+n.Name)
			stdout = n.Addr + ": " + c.Shell + "\n"
		} else {
			stdout, status = f.exec(n, c.Argv)
		}
		results[i].Status = status
		results[i].Stdout = stdout
		results[i].Output = stdout
		results[i].Success = status == 0
	}
	return results
}

func (f *fakeCluster) exec(n *cluster.Node, argv []string) (string, int) {
	f.calls = append(f.calls, argv[0]+" "+n.Name)
	switch argv[0] {
	case "mkdir":
		if f.failNodeMkdir[n.Name] {
			return "permission denied", 1
		}
		return "", 0
	case "rm":
		prefix := argv[2]
		for p := range f.files {
			if strings.HasPrefix(p, prefix) {
				delete(f.files, p)
			}
		}
		return "", 0
	case helpers.CheckPID:
		pid, _ := strconv.Atoi(argv[1])
		if _, ok := f.procs[pid]; ok {
			return "running\n", 0
		}
		return "not running\n", 0
	case helpers.Start:
		if f.failStart[n.Name] {
			return "cannot exec binary", 1
		}
		f.nextPID++
		pid := f.nextPID
		status := path.Join(argv[1], ".status")
		switch {
		case f.exitOnStart[n.Name]:
			f.files[status] = statusTerminated
		case f.silentStart[n.Name]:
			f.procs[pid] = n.Name
		default:
			f.procs[pid] = n.Name
			f.files[status] = statusRunning
		}
		if f.lostOnStart[n.Name] {
			f.down[n.Addr] = true
		}
		return strconv.Itoa(pid) + "\n", 0
	case helpers.CatFile:
		return f.files[argv[1]], 0
	case helpers.Stop:
		pid, _ := strconv.Atoi(argv[1])
		node, ok := f.procs[pid]
		if !ok {
			return "", 0
		}
		if f.ignoreKill[node] || (argv[2] == "TERM" && f.ignoreTerm[node]) {
			return "", 0
		}
		delete(f.procs, pid)
		f.files[path.Join(spool, node, ".status")] = statusTerminated
		return "", 0
	case helpers.Top:
		return argv[1] + " 2097152 524288 12.5 zeek\n", 0
	case helpers.Df:
		return "/dev/sda1 1048576 262144 786432\n", 0
	case helpers.NetStats:
		return "rx_packets=10\nrx_dropped=1\n", 0
	case helpers.PeerStatus:
		return "peer manager connected\n", 0
	case helpers.CrashDiag:
		return "diag for " + n.Name + "\n", 0
	case helpers.PostTerminate:
		return "", 0
	}
	return "unknown command", 127
}

// crash kills a node's process behind the controller's back.
func (f *fakeCluster) crash(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pid, node := range f.procs {
		if node == name {
			delete(f.procs, pid)
		}
	}
}

func (f *fakeCluster) alive(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, node := range f.procs {
		if node == name {
			return true
		}
	}
	return false
}

// helperCalls returns the nodes the given helper ran on, in order.
func (f *fakeCluster) helperCalls(helper string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if name, ok := strings.CutPrefix(c, helper+" "); ok {
			out = append(out, name)
		}
	}
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
}

func (r *recordingNotifier) Notify(_ context.Context, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.bodies = append(r.bodies, body)
	return nil
}

func testCluster(t *testing.T) []*cluster.Node {
	t.Helper()
	cfg, err := cluster.NewConfig([]*cluster.Node{
		{Name: "manager", Type: cluster.Manager, Host: "host-a", Addr: "10.0.0.1", Count: 1},
		{Name: "proxy-1", Type: cluster.Proxy, Host: "host-a", Addr: "10.0.0.1", Count: 1},
		{Name: "worker-1", Type: cluster.Worker, Host: "host-b", Addr: "10.0.0.2", Count: 1, Interface: "eth0"},
		{Name: "worker-2", Type: cluster.Worker, Host: "host-c", Addr: "10.0.0.3", Count: 2, Interface: "eth1", PinCPUs: []int{2, 3}},
	})
	require.NoError(t, err)
	return cfg.Nodes()
}

func newTestController(t *testing.T) (*Controller, *fakeCluster, *database.Store, *recordingNotifier) {
	t.Helper()
	fake := newFakeCluster()
	c, store, n := newControllerOn(t, fake, filepath.Join(t.TempDir(), "state.db"))
	return c, fake, store, n
}

// newControllerOn builds a controller on the state database at path, so
// tests can run several controllers against one cluster and one database.
func newControllerOn(t *testing.T, fake *fakeCluster, path string) (*Controller, *database.Store, *recordingNotifier) {
	t.Helper()
	store, err := database.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := New(fake, store, Config{
		SpoolDir:     spool,
		TmpDir:       spool + "/tmp",
		NodeBinary:   "/usr/local/bin/zeek",
		Version:      "1.2.3",
		StartTimeout: 100 * time.Millisecond,
		StopTimeout:  100 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		CronMode:     true,
	})
	n := &recordingNotifier{}
	c.SetNotifier(n)
	return c, store, n
}
