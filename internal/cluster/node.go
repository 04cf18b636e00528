// Package cluster holds the static node layout of a sensor cluster: which
// logical nodes exist, what role each plays, and which host runs it.
//
// The layout is loaded once at startup and is read-only afterwards. Facts
// that change at runtime (PIDs, crash flags) live in the state store, not here.
package cluster

import (
	"sort"
	"strconv"
	"strings"
)

// NodeType is the role a node plays in the cluster.
type NodeType string

const (
	Manager    NodeType = "manager"
	Proxy      NodeType = "proxy"
	Worker     NodeType = "worker"
	Logger     NodeType = "logger"
	Standalone NodeType = "standalone"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case Manager, Proxy, Worker, Logger, Standalone:
		return true
	}
	return false
}

// Node is one logical unit of execution.
type Node struct {
	Name      string            `json:"name"`
	Type      NodeType          `json:"type"`
	Host      string            `json:"host"`
	Addr      string            `json:"addr"`
	Count     int               `json:"count"`
	Interface string            `json:"interface,omitempty"`
	LBMethod  string            `json:"lb_method,omitempty"`
	LBProcs   int               `json:"lb_procs,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	PinCPUs   []int             `json:"pin_cpus,omitempty"`
}

func (n *Node) String() string {
	return n.Name
}

// Key returns the lower-case name used to build state store keys.
func (n *Node) Key() string {
	return strings.ToLower(n.Name)
}

// EnvList returns the node's environment overrides as sorted KEY=VALUE pairs.
func (n *Node) EnvList() []string {
	out := make([]string, 0, len(n.Env))
	for k, v := range n.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// PinCPUList returns the pinned CPUs in taskset list form ("1,3,5"), or "".
func (n *Node) PinCPUList() string {
	if len(n.PinCPUs) == 0 {
		return ""
	}
	parts := make([]string, len(n.PinCPUs))
	for i, c := range n.PinCPUs {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// typeRank orders node types for startup: manager and loggers first, then
// proxies, then workers.
func typeRank(t NodeType) int {
	switch t {
	case Standalone, Manager, Logger:
		return 0
	case Proxy:
		return 1
	default:
		return 2
	}
}

// SortNodes sorts nodes in startup order, then by type, then by count.
func SortNodes(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if ra, rb := typeRank(a.Type), typeRank(b.Type); ra != rb {
			return ra < rb
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Count < b.Count
	})
}

// Hosts returns the distinct host addresses of nodes, in first-seen order.
func Hosts(nodes []*Node) []string {
	seen := make(map[string]bool, len(nodes))
	var hosts []string
	for _, n := range nodes {
		if seen[n.Addr] {
			continue
		}
		seen[n.Addr] = true
		hosts = append(hosts, n.Addr)
	}
	return hosts
}

// FirstPerHost returns one node per distinct host, in first-seen order.
func FirstPerHost(nodes []*Node) []*Node {
	seen := make(map[string]bool, len(nodes))
	var out []*Node
	for _, n := range nodes {
		if seen[n.Addr] {
			continue
		}
		seen[n.Addr] = true
		out = append(out, n)
	}
	return out
}

// Group is an ordered startup stage: every node in a group is handled in
// one parallel call, and groups run strictly one after another.
type Group struct {
	Name  string
	Nodes []*Node
}

// StartGroups splits nodes into startup stages: manager (with loggers and
// standalone), proxies, workers. Empty stages are kept so callers can report
// them consistently.
func StartGroups(nodes []*Node) []Group {
	groups := []Group{{Name: "manager"}, {Name: "proxies"}, {Name: "workers"}}
	for _, n := range nodes {
		r := typeRank(n.Type)
		groups[r].Nodes = append(groups[r].Nodes, n)
	}
	return groups
}

// StopGroups is StartGroups in reverse order.
func StopGroups(nodes []*Node) []Group {
	g := StartGroups(nodes)
	return []Group{g[2], g[1], g[0]}
}
