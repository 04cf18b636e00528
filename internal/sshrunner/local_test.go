package sshrunner

import (
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestLocalDispatcherEndToEnd(t *testing.T) {
	requirePython(t)
	r := NewRunner("127.0.0.1", &LocalTransport{}, "python3")
	defer r.Close()

	results, err := r.Run([]Command{
		{Argv: []string{"echo", "hello"}},
		{Argv: []string{"sh", "-c", "echo err >&2; exit 3"}},
		{Argv: []string{"/nonexistent/binary"}},
	}, false, 10*time.Second)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !results[0].OK() || results[0].Stdout != "hello\n" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Status != 3 || results[1].Stderr != "err\n" {
		t.Errorf("results[1] = %+v", results[1])
	}
	if results[2].OK() || results[2].Stderr == "" {
		t.Errorf("results[2] = %+v, want a failure with a message", results[2])
	}

	// Switch to the shell variant and back on the same session.
	results, err = r.Run([]Command{{Shell: "echo $((1+2))"}}, true, 10*time.Second)
	if err != nil {
		t.Fatalf("Run(shell) error: %v", err)
	}
	if results[0].Stdout != "3\n" {
		t.Errorf("shell stdout = %q, want 3", results[0].Stdout)
	}
	if err := r.Ping(5 * time.Second); err != nil {
		t.Fatalf("Ping() after mode switch: %v", err)
	}
}

func TestLocalDispatcherRunsConcurrently(t *testing.T) {
	requirePython(t)
	r := NewRunner("localhost", &LocalTransport{}, "python3")
	defer r.Close()

	cmds := make([]Command, 4)
	for i := range cmds {
		cmds[i] = Command{Argv: []string{"sleep", "1"}}
	}
	start := time.Now()
	results, err := r.Run(cmds, false, 10*time.Second)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	for i, res := range results {
		if !res.OK() {
			t.Errorf("results[%d] = %+v", i, res)
		}
	}
	if elapsed := time.Since(start); elapsed > 3500*time.Millisecond {
		t.Errorf("4 x sleep 1 took %v, want them to run concurrently", elapsed)
	}
}

func TestLocalDispatcherLargeOutput(t *testing.T) {
	requirePython(t)
	r := NewRunner("localhost", &LocalTransport{}, "python3")
	defer r.Close()

	results, err := r.Run([]Command{{Shell: "head -c 300000 /dev/zero | tr '\\0' x"}}, true, 10*time.Second)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if got := len(results[0].Stdout); got != 300000 {
		t.Errorf("stdout length = %d, want 300000", got)
	}
	if strings.Trim(results[0].Stdout, "x") != "" {
		t.Error("unexpected bytes in output")
	}
}

func TestIsLocalAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"127.0.1.1", true},
		{"203.0.113.9", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := IsLocalAddr(tt.addr); got != tt.want {
			t.Errorf("IsLocalAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
