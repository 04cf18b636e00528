package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// setupTestStore opens a store backed by a fresh SQLite file.
func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := setupTestStore(t)

	if err := s.Set("worker-1-pid", 4242); err != nil {
		t.Fatalf("Set int: %v", err)
	}
	if err := s.Set("worker-1-crashed", true); err != nil {
		t.Fatalf("Set bool: %v", err)
	}
	if err := s.Set("worker-1-host", "10.0.0.2"); err != nil {
		t.Fatalf("Set string: %v", err)
	}

	if v, ok := s.Get("worker-1-pid"); !ok || v != 4242 {
		t.Errorf("Get(pid) = %v, %v; want 4242", v, ok)
	}
	if v, ok := s.Get("worker-1-crashed"); !ok || v != true {
		t.Errorf("Get(crashed) = %v, %v; want true", v, ok)
	}
	if v, ok := s.Get("worker-1-host"); !ok || v != "10.0.0.2" {
		t.Errorf("Get(host) = %v, %v; want 10.0.0.2", v, ok)
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("Get(missing) reported present")
	}
}

func TestKeysAreCaseInsensitive(t *testing.T) {
	s, _ := setupTestStore(t)

	if err := s.Set("Worker-1-PID", 10); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set("worker-1-pid", 11); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if n, ok := s.GetInt("WORKER-1-pid"); !ok || n != 11 {
		t.Errorf("GetInt = %d, %v; want 11", n, ok)
	}
	if items := s.Items(); len(items) != 1 {
		t.Errorf("Items() = %v, want a single entry", items)
	}
}

func TestValuesSurviveReopen(t *testing.T) {
	s, path := setupTestStore(t)

	want := map[string]any{
		"manager-pid":            100,
		"manager-expect-running": true,
		"plugin-foo-mode":        "strict",
	}
	for k, v := range want {
		if err := s.Set(k, v); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	if err := s.Delete("plugin-foo-mode"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	s.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	items := reopened.Items()
	if len(items) != 2 {
		t.Fatalf("Items() after reopen = %v, want 2 entries", items)
	}
	if items[0].Key != "manager-expect-running" || items[0].Value != true {
		t.Errorf("items[0] = %+v", items[0])
	}
	if items[1].Key != "manager-pid" || items[1].Value != 100 {
		t.Errorf("items[1] = %+v", items[1])
	}
}

func TestTypedGetters(t *testing.T) {
	s, _ := setupTestStore(t)
	s.Set("a", "17")
	s.Set("b", "true")
	s.Set("c", 0)

	if n, ok := s.GetInt("a"); !ok || n != 17 {
		t.Errorf("GetInt(a) = %d, %v", n, ok)
	}
	if !s.GetBool("b") {
		t.Error("GetBool(b) = false")
	}
	if s.GetBool("c") {
		t.Error("GetBool(c) = true for 0")
	}
	if s.GetBool("nope") {
		t.Error("GetBool(nope) = true")
	}
	if v, ok := s.GetString("c"); !ok || v != "0" {
		t.Errorf("GetString(c) = %q, %v", v, ok)
	}
}

func TestSetRejectsUnsupportedTypes(t *testing.T) {
	s, _ := setupTestStore(t)
	if err := s.Set("x", 1.5); err == nil {
		t.Error("Set(float) succeeded, want error")
	}
	if err := s.Set("", "v"); err == nil {
		t.Error("Set with empty key succeeded, want error")
	}
}

func TestOperations(t *testing.T) {
	s, _ := setupTestStore(t)

	for i, cmd := range []string{"start", "status", "stop"} {
		op := &Operation{
			ID:        uuid.New().String(),
			Command:   cmd,
			Nodes:     "manager,proxy-1",
			Succeeded: 2,
			OK:        true,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.RecordOperation(op); err != nil {
			t.Fatalf("RecordOperation: %v", err)
		}
	}

	ops, err := s.RecentOperations(2)
	if err != nil {
		t.Fatalf("RecentOperations: %v", err)
	}
	if len(ops) != 2 || ops[0].Command != "stop" || ops[1].Command != "status" {
		t.Errorf("RecentOperations(2) = %+v", ops)
	}

	old := &Operation{ID: uuid.New().String(), Command: "start", CreatedAt: time.Now().Add(-100 * 24 * time.Hour)}
	if err := s.RecordOperation(old); err != nil {
		t.Fatalf("RecordOperation(old): %v", err)
	}
	n, err := s.PurgeOperations(0)
	if err != nil {
		t.Fatalf("PurgeOperations: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeOperations removed %d, want 1", n)
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := NodeKey("Worker-1", SuffixPID); got != "worker-1-pid" {
		t.Errorf("NodeKey = %q", got)
	}
	if got := HostAliveKey("10.0.0.1"); got != "host-10.0.0.1-alive" {
		t.Errorf("HostAliveKey = %q", got)
	}
	if got := PluginKey("LB", "Mode"); got != "plugin-lb-mode" {
		t.Errorf("PluginKey = %q", got)
	}
}

func TestReloadSeesOtherStoreWrites(t *testing.T) {
	agent, path := setupTestStore(t)
	if err := agent.Set("manager-pid", 100); err != nil {
		t.Fatalf("Set: %v", err)
	}

	cli, err := Open(path)
	if err != nil {
		t.Fatalf("open second store: %v", err)
	}
	defer cli.Close()
	if err := cli.Delete("manager-pid"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := cli.Set("worker-1-pid", 200); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := agent.GetInt("manager-pid"); !ok {
		t.Fatal("cache changed before Reload")
	}
	if err := agent.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if v, ok := agent.GetInt("manager-pid"); ok {
		t.Errorf("manager-pid = %d after Reload, want deleted", v)
	}
	if v, ok := agent.GetInt("worker-1-pid"); !ok || v != 200 {
		t.Errorf("worker-1-pid = %d, %v; want 200", v, ok)
	}
}
