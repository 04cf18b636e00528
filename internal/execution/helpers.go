package execution

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/sshrunner"
)

// NodePath pairs a node with a path on its host.
type NodePath struct {
	Node *cluster.Node
	Path string
}

// RunCmd runs one argv on one node.
func (e *Executor) RunCmd(ctx context.Context, node *cluster.Node, argv ...string) Result {
	return e.Run(ctx, []Cmd{{Node: node, Argv: argv}}, Options{})[0]
}

// RunShellCmds runs shell command strings.
func (e *Executor) RunShellCmds(ctx context.Context, cmds []Cmd) []Result {
	return e.Run(ctx, cmds, Options{Shell: true})
}

// RunHelper runs helper scripts; argv[0] of each command is a script name
// inside the helper directory.
func (e *Executor) RunHelper(ctx context.Context, cmds []Cmd) []Result {
	return e.Run(ctx, cmds, Options{Helper: true})
}

// Mkdirs creates each directory (and parents) on its node's host.
func (e *Executor) Mkdirs(ctx context.Context, dirs []NodePath) []Result {
	return e.Run(ctx, pathCmds(dirs, "mkdir", "-p"), Options{})
}

// Rmdirs removes each directory tree on its node's host.
func (e *Executor) Rmdirs(ctx context.Context, dirs []NodePath) []Result {
	return e.Run(ctx, pathCmds(dirs, "rm", "-rf"), Options{})
}

// Exists reports, per path, whether it exists. Unreachable hosts report false
// with the error in the matching Result.
func (e *Executor) Exists(ctx context.Context, paths []NodePath) ([]bool, []Result) {
	results := e.Run(ctx, pathCmds(paths, "test", "-e"), Options{})
	exists := make([]bool, len(results))
	for i, r := range results {
		exists[i] = r.Err == nil && r.Status == 0
	}
	return exists, results
}

func pathCmds(paths []NodePath, argv ...string) []Cmd {
	cmds := make([]Cmd, len(paths))
	for i, p := range paths {
		cmds[i] = Cmd{Node: p.Node, Argv: append(append([]string{}, argv...), p.Path)}
	}
	return cmds
}

// SyncFile writes data to dst on every distinct host of nodes. The file is
// written beside dst and renamed into place.
func (e *Executor) SyncFile(ctx context.Context, nodes []*cluster.Node, dst string, data []byte, mode os.FileMode) []Result {
	tmp := dst + ".sensorctl-tmp"
	script := fmt.Sprintf("mkdir -p %s && printf '%%s' %s | base64 -d > %s && chmod %o %s && mv -f %s %s",
		sshrunner.ShellJoin([]string{path.Dir(dst)}),
		base64.StdEncoding.EncodeToString(data),
		sshrunner.ShellJoin([]string{tmp}),
		mode.Perm(),
		sshrunner.ShellJoin([]string{tmp}),
		sshrunner.ShellJoin([]string{tmp}),
		sshrunner.ShellJoin([]string{dst}),
	)

	hosts := cluster.FirstPerHost(nodes)
	cmds := make([]Cmd, len(hosts))
	for i, n := range hosts {
		cmds[i] = Cmd{Node: n, Shell: script}
	}
	return e.Run(ctx, cmds, Options{Shell: true})
}
