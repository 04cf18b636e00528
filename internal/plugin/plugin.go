// Package plugin lets extensions observe and shape lifecycle commands.
//
// Every registered plugin sees each command twice: before it runs, where it
// may narrow the node list or veto the command, and after it finished, with
// the per-node outcome.
package plugin

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gluk-w/sensorctl/internal/cluster"
	"github.com/gluk-w/sensorctl/internal/database"
	"github.com/gluk-w/sensorctl/internal/logging"
)

// Outcome is the result of a command on one node, as reported to plugins.
type Outcome struct {
	Node   *cluster.Node
	OK     bool
	Output string
}

// Plugin is the hook set a plugin implements. Embed Base to get no-op
// defaults and override only what is needed.
type Plugin interface {
	// Name identifies the plugin; it also namespaces its state keys.
	Name() string
	// CmdPre runs before cmd. It returns the nodes the plugin wants the
	// command to run on and false to veto the command entirely.
	CmdPre(cmd string, nodes []*cluster.Node) ([]*cluster.Node, bool)
	// CmdPost runs after cmd with one outcome per node.
	CmdPost(cmd string, outcomes []Outcome)
}

// Initializer is implemented by plugins that need their state handle.
type Initializer interface {
	Init(st *State) error
}

// Base implements Plugin with no-op hooks.
type Base struct{}

func (Base) CmdPre(_ string, nodes []*cluster.Node) ([]*cluster.Node, bool) { return nodes, true }
func (Base) CmdPost(string, []Outcome)                                      {}

// State is a plugin's view of the state store. Keys are stored as
// plugin-<name>-<key>.
type State struct {
	store  *database.Store
	plugin string
}

func (s *State) Get(key string) (string, bool) {
	return s.store.GetString(database.PluginKey(s.plugin, key))
}

func (s *State) GetInt(key string) (int, bool) {
	return s.store.GetInt(database.PluginKey(s.plugin, key))
}

func (s *State) Set(key string, value any) error {
	return s.store.Set(database.PluginKey(s.plugin, key), value)
}

// Registry holds the registered plugins and dispatches hooks to them in
// registration order.
type Registry struct {
	mu      sync.RWMutex
	store   *database.Store
	plugins []Plugin
	log     zerolog.Logger
}

// NewRegistry creates an empty registry. store may be nil, in which case
// plugins implementing Initializer are rejected.
func NewRegistry(store *database.Store) *Registry {
	return &Registry{store: store, log: logging.WithComponent("plugin")}
}

// Register adds p. Names must be unique case-insensitively.
func (r *Registry) Register(p Plugin) error {
	name := strings.ToLower(strings.TrimSpace(p.Name()))
	if name == "" {
		return fmt.Errorf("register plugin: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.plugins {
		if strings.EqualFold(existing.Name(), name) {
			return fmt.Errorf("register plugin %s: already registered", name)
		}
	}
	if init, ok := p.(Initializer); ok {
		if r.store == nil {
			return fmt.Errorf("register plugin %s: no state store", name)
		}
		if err := init.Init(&State{store: r.store, plugin: name}); err != nil {
			return fmt.Errorf("init plugin %s: %w", name, err)
		}
	}
	r.plugins = append(r.plugins, p)
	r.log.Debug().Str("plugin", name).Msg("plugin registered")
	return nil
}

// Plugins returns the registered plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Plugin(nil), r.plugins...)
}

// CmdPre asks every plugin about cmd. The returned nodes are those every
// plugin kept, in their original order; the command runs only if no plugin
// vetoed it.
func (r *Registry) CmdPre(cmd string, nodes []*cluster.Node) ([]*cluster.Node, bool) {
	if r == nil {
		return nodes, true
	}
	allowed := true
	keep := make(map[*cluster.Node]int, len(nodes))
	plugins := r.Plugins()
	for _, p := range plugins {
		filtered, ok := p.CmdPre(cmd, nodes)
		if !ok {
			r.log.Info().Str("plugin", p.Name()).Str("command", cmd).Msg("command vetoed")
			allowed = false
		}
		seen := make(map[*cluster.Node]bool, len(filtered))
		for _, n := range filtered {
			if !seen[n] {
				seen[n] = true
				keep[n]++
			}
		}
	}

	out := make([]*cluster.Node, 0, len(nodes))
	for _, n := range nodes {
		if keep[n] == len(plugins) {
			out = append(out, n)
		}
	}
	return out, allowed
}

// CmdPost reports the outcome of cmd to every plugin.
func (r *Registry) CmdPost(cmd string, outcomes []Outcome) {
	if r == nil {
		return
	}
	for _, p := range r.Plugins() {
		p.CmdPost(cmd, outcomes)
	}
}
