package cluster

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const standaloneYAML = `
nodes:
  - name: sensor
    type: standalone
    host: mgr.example
`

func TestWatchReloadsValidLayouts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(standaloneYAML), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, fakeResolver, func(cfg *Config) { reloaded <- cfg })
	}()
	// Give the watcher time to register.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("nodes: [}"), 0o644))
	select {
	case <-reloaded:
		t.Fatal("invalid layout must not be passed on")
	case <-time.After(500 * time.Millisecond):
	}

	// Unrelated files in the same directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte(clusterYAML), 0o644))

	require.NoError(t, os.WriteFile(path, []byte(clusterYAML), 0o644))
	select {
	case cfg := <-reloaded:
		_, ok := cfg.Node("worker-a-2")
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("layout change not picked up")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "absent", "node.yaml"), fakeResolver, func(*Config) {})
	assert.Error(t, err)
}
