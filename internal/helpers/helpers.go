// Package helpers carries the small shell scripts sensorctl runs on every
// host, and installs them into the helper directory.
package helpers

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/execution"
)

//go:embed scripts/*
var scripts embed.FS

// Helper script names.
const (
	CheckPID      = "check-pid"
	Start         = "start"
	Stop          = "stop"
	CatFile       = "cat-file"
	CrashDiag     = "crash-diag"
	Top           = "top"
	Df            = "df"
	NetStats      = "netstats"
	PeerStatus    = "peer-status"
	PostTerminate = "post-terminate"
)

// Syncer copies a file to every host of a node list. *execution.Executor
// implements it.
type Syncer interface {
	SyncFile(ctx context.Context, nodes []*cluster.Node, dst string, data []byte, mode fs.FileMode) []execution.Result
}

// Names returns the names of all helper scripts, sorted.
func Names() []string {
	entries, _ := scripts.ReadDir("scripts")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// Script returns the content of the named helper.
func Script(name string) ([]byte, error) {
	data, err := scripts.ReadFile(path.Join("scripts", name))
	if err != nil {
		return nil, fmt.Errorf("helper %s: %w", name, err)
	}
	return data, nil
}

// Install writes every helper into dir on each distinct host of nodes. It
// returns one result per host and script.
func Install(ctx context.Context, s Syncer, nodes []*cluster.Node, dir string) []execution.Result {
	var results []execution.Result
	for _, name := range Names() {
		data, err := Script(name)
		if err != nil {
			continue
		}
		results = append(results, s.SyncFile(ctx, nodes, path.Join(dir, name), data, 0o755)...)
	}
	return results
}
