package helpers

import (
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/execution"
)

type recordingSyncer struct {
	files map[string][]byte
	modes map[string]fs.FileMode
}

func (r *recordingSyncer) SyncFile(_ context.Context, nodes []*cluster.Node, dst string, data []byte, mode fs.FileMode) []execution.Result {
	r.files[dst] = data
	r.modes[dst] = mode
	var out []execution.Result
	for _, n := range cluster.FirstPerHost(nodes) {
		out = append(out, execution.Result{Node: n, Success: true})
	}
	return out
}

func TestNamesCoverConstants(t *testing.T) {
	names := map[string]bool{}
	for _, n := range Names() {
		names[n] = true
	}
	for _, want := range []string{CheckPID, Start, Stop, CatFile, CrashDiag, Top, Df, NetStats, PeerStatus, PostTerminate} {
		if !names[want] {
			t.Errorf("helper %q is not embedded", want)
		}
	}
	if _, err := Script("no-such-helper"); err == nil {
		t.Error("Script() of unknown helper should fail")
	}
}

func TestInstallSyncsEveryScript(t *testing.T) {
	s := &recordingSyncer{files: map[string][]byte{}, modes: map[string]fs.FileMode{}}
	nodes := []*cluster.Node{
		{Name: "manager", Addr: "10.0.0.1"},
		{Name: "worker-1", Addr: "10.0.0.1"},
		{Name: "worker-2", Addr: "10.0.0.2"},
	}

	results := Install(context.Background(), s, nodes, "/opt/sensorctl/helpers")
	if got, want := len(results), 2*len(Names()); got != want {
		t.Fatalf("Install() returned %d results, want %d", got, want)
	}
	data := s.files["/opt/sensorctl/helpers/check-pid"]
	if !strings.HasPrefix(string(data), "#!/bin/sh\n") {
		t.Errorf("check-pid content = %q", data)
	}
	if s.modes["/opt/sensorctl/helpers/start"] != 0o755 {
		t.Errorf("start mode = %o, want 755", s.modes["/opt/sensorctl/helpers/start"])
	}
}

// writeHelpers materializes the scripts so they can be run by a local shell.
func writeHelpers(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range Names() {
		data, err := Script(name)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func runHelper(t *testing.T, dir string, argv ...string) string {
	t.Helper()
	out, err := exec.Command("/bin/sh", append([]string{filepath.Join(dir, argv[0])}, argv[1:]...)...).CombinedOutput()
	if err != nil {
		t.Fatalf("%s: %v: %s", argv[0], err, out)
	}
	return strings.TrimSpace(string(out))
}

func waitForStatus(t *testing.T, file, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(file)
		if strings.TrimSpace(string(data)) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s never became %s", file, want)
}

func TestStartStopLocally(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	helpers := writeHelpers(t)
	work := t.TempDir()

	pid := runHelper(t, helpers, Start, work, "-", "NODE_NAME=worker-1", "--", "sh", "-c",
		`echo "$NODE_NAME"; echo RUNNING > "$SENSORCTL_STATUS_FILE"; exec sleep 30`)
	if pid == "" {
		t.Fatal("start printed no pid")
	}
	waitForStatus(t, filepath.Join(work, ".status"), "RUNNING")
	if got := runHelper(t, helpers, CheckPID, pid); got != "running" {
		t.Fatalf("check-pid = %q, want running", got)
	}
	if got := runHelper(t, helpers, CatFile, filepath.Join(work, ".status")); got != "RUNNING" {
		t.Errorf("cat-file .status = %q", got)
	}

	runHelper(t, helpers, Stop, pid, "TERM")
	waitForStatus(t, filepath.Join(work, ".status"), "TERMINATED")
	if got := runHelper(t, helpers, CheckPID, pid); got != "not running" {
		t.Errorf("check-pid after stop = %q, want not running", got)
	}
	stdout, _ := os.ReadFile(filepath.Join(work, "stdout.log"))
	if strings.TrimSpace(string(stdout)) != "worker-1" {
		t.Errorf("stdout.log = %q, want the node environment", stdout)
	}

	diag := runHelper(t, helpers, CrashDiag, work)
	if !strings.Contains(diag, "exit code") {
		t.Errorf("crash-diag output lacks exit code: %q", diag)
	}

	runHelper(t, helpers, PostTerminate, work)
	if _, err := os.Stat(filepath.Join(work, "stdout.log")); !os.IsNotExist(err) {
		t.Error("post-terminate left stdout.log in place")
	}
}

func TestStartLeavesRunningToTheNode(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	helpers := writeHelpers(t)
	work := t.TempDir()
	status := filepath.Join(work, ".status")

	runHelper(t, helpers, Start, work, "-", "--", "sh", "-c", "sleep 1; exit 3")
	if got := runHelper(t, helpers, CatFile, status); got != "" {
		t.Errorf(".status right after start = %q, want empty until the node reports", got)
	}
	waitForStatus(t, status, "TERMINATED")
	exit, _ := os.ReadFile(filepath.Join(work, ".exit"))
	if strings.TrimSpace(string(exit)) != "3" {
		t.Errorf(".exit = %q, want 3", exit)
	}
}

func TestCatFileMissing(t *testing.T) {
	helpers := writeHelpers(t)
	if got := runHelper(t, helpers, CatFile, filepath.Join(t.TempDir(), "nope")); got != "" {
		t.Errorf("cat-file of missing file = %q, want empty", got)
	}
}
