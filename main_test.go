package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/control"
	"github.com/gluk-w/sensorctl/internal/database"
)

const testLayout = `
defaults:
  env:
    ZEEK_DEFAULT_LISTEN_ADDRESS: 127.0.0.1
nodes:
  - name: manager
    type: manager
    host: 127.0.0.1
  - name: proxy-1
    type: proxy
    host: 127.0.0.1
  - name: worker
    type: worker
    host: 127.0.0.1
    interface: lo
    lb_procs: 2
    pin_cpus: [0, 1]
`

// testEnv points sensorctl at a temp directory with a local three-type
// layout and returns the data directory.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	layout := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(layout, []byte(testLayout), 0o644))

	t.Setenv("SENSORCTL_ENV_FILE", "")
	t.Setenv("SENSORCTL_DATA_PATH", dir)
	t.Setenv("SENSORCTL_NODE_CONFIG", layout)
	t.Setenv("SENSORCTL_SPOOL_DIR", filepath.Join(dir, "spool"))
	t.Setenv("SENSORCTL_HELPER_DIR", filepath.Join(dir, "helpers"))
	t.Setenv("SENSORCTL_LOG_LEVEL", "error")
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, rootCmd.PersistentFlags().Set("json", "false"))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSubcommandsRegistered(t *testing.T) {
	want := []string{
		"start", "stop", "restart", "cleanup", "status", "top", "df", "netstats",
		"peerstatus", "exec", "diag", "nodes", "hosts", "state", "history",
		"config", "install", "cron", "agent",
	}
	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing subcommand %q", name)
	}
}

func TestNodesCommand(t *testing.T) {
	testEnv(t)

	out, err := runCLI(t, "nodes")
	require.NoError(t, err)
	for _, name := range []string{"manager", "proxy-1", "worker-1", "worker-2"} {
		assert.Contains(t, out, name)
	}
	assert.Contains(t, out, "ZEEK_DEFAULT_LISTEN_ADDRESS=127.0.0.1")

	out, err = runCLI(t, "nodes", "workers")
	require.NoError(t, err)
	assert.NotContains(t, out, "proxy-1")
	assert.Contains(t, out, "worker-2")

	_, err = runCLI(t, "nodes", "bogus")
	assert.ErrorContains(t, err, "unknown node or group")
}

func TestNodesCommandJSON(t *testing.T) {
	testEnv(t)

	out, err := runCLI(t, "nodes", "--json", "workers")
	require.NoError(t, err)
	var nodes []cluster.Node
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	require.Len(t, nodes, 2)
	assert.Equal(t, "worker-1", nodes[0].Name)
	assert.Equal(t, []int{0}, nodes[0].PinCPUs)
	assert.Equal(t, "127.0.0.1", nodes[1].Addr)
}

func TestConfigCommand(t *testing.T) {
	dir := testEnv(t)

	out, err := runCLI(t, "config", "spool_dir", "SSH_PORT")
	require.NoError(t, err)
	assert.Contains(t, out, "spool_dir = "+filepath.Join(dir, "spool"))
	assert.Contains(t, out, "ssh_port = 22")

	_, err = runCLI(t, "config", "no_such_option")
	assert.ErrorContains(t, err, "unknown option")
}

func TestStateCommand(t *testing.T) {
	dir := testEnv(t)

	store, err := database.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	require.NoError(t, store.Set(database.NodeKey("manager", database.SuffixPID), 4242))
	require.NoError(t, store.Set(database.NodeKey("worker-1", database.SuffixCrashed), true))
	require.NoError(t, store.Close())

	out, err := runCLI(t, "state", "manager")
	require.NoError(t, err)
	assert.Contains(t, out, "manager-pid")
	assert.Contains(t, out, "4242")
	assert.NotContains(t, out, "worker-1-crashed")

	out, err = runCLI(t, "state")
	require.NoError(t, err)
	assert.Contains(t, out, "worker-1-crashed")
}

func TestHistoryCommandEmpty(t *testing.T) {
	testEnv(t)

	out, err := runCLI(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "COMMAND")
}

func TestMissingLayoutFails(t *testing.T) {
	testEnv(t)
	t.Setenv("SENSORCTL_NODE_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := runCLI(t, "nodes")
	assert.ErrorContains(t, err, "read node config")
}

func newOutputCmd(asJSON bool) (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.Flags().Bool("json", asJSON, "")
	cmd.SetOut(&out)
	return cmd, &out
}

func sampleResult() *control.CmdResult {
	mgr := &cluster.Node{Name: "manager", Type: cluster.Manager, Host: "host-a"}
	wrk := &cluster.Node{Name: "worker-1", Type: cluster.Worker, Host: "host-b"}
	return &control.CmdResult{
		ID:        "op-1",
		Command:   "status",
		OK:        false,
		Succeeded: 1,
		Failed:    1,
		Nodes: []control.NodeResult{
			{Node: mgr, OK: true, Output: "running", Fields: map[string]string{"status": "running", "pid": "100"}},
			{Node: wrk, OK: false, Output: "host unreachable\nretrying"},
		},
	}
}

func TestPrintResultTable(t *testing.T) {
	cmd, out := newOutputCmd(false)
	err := printResult(cmd, sampleResult(), "status", "pid")
	assert.EqualError(t, err, "status: 1 of 2 nodes failed")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"NODE", "TYPE", "HOST", "STATUS", "PID"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"manager", "manager", "host-a", "running", "100"}, strings.Fields(lines[1]))
	assert.Contains(t, lines[2], "host unreachable ...")
}

func TestPrintResultJSON(t *testing.T) {
	cmd, out := newOutputCmd(true)
	res := sampleResult()
	res.OK, res.Failed, res.Nodes = true, 0, res.Nodes[:1]
	require.NoError(t, printResult(cmd, res))

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "status", got["command"])
	assert.Len(t, got["nodes"], 1)
}

func TestPrintOutputs(t *testing.T) {
	cmd, out := newOutputCmd(false)
	err := printOutputs(cmd, sampleResult())
	assert.Error(t, err)
	assert.Contains(t, out.String(), "---- manager [host-a]\nrunning\n")
	assert.Contains(t, out.String(), "---- worker-1 [host-b] (failed)\nhost unreachable\nretrying\n")
}
