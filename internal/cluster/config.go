package cluster

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ErrAmbiguous is returned when a selector names both a node and a group.
var ErrAmbiguous = errors.New("ambiguous node selector")

// ConfigError reports an invalid node layout. It is fatal at startup.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "node config: " + e.Msg
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// NodeSpec is one node entry as written in the layout file.
type NodeSpec struct {
	Name      string            `yaml:"name"`
	Type      NodeType          `yaml:"type"`
	Host      string            `yaml:"host"`
	Interface string            `yaml:"interface"`
	LBMethod  string            `yaml:"lb_method"`
	LBProcs   int               `yaml:"lb_procs"`
	Env       map[string]string `yaml:"env"`
	PinCPUs   []int             `yaml:"pin_cpus"`
}

// Layout is the on-disk node layout file.
type Layout struct {
	Defaults NodeSpec   `yaml:"defaults"`
	Nodes    []NodeSpec `yaml:"nodes"`
}

// Resolver maps a host name to an IP address.
type Resolver func(host string) (string, error)

// DefaultResolver resolves with the system resolver; IP literals pass through.
func DefaultResolver(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %s: no addresses", host)
	}
	return addrs[0], nil
}

// Config is the resolved, validated node list.
type Config struct {
	nodes  []*Node
	byName map[string]*Node
}

// LoadFile reads and resolves a YAML layout file.
func LoadFile(path string, resolve Resolver) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node config: %w", err)
	}
	return Load(data, resolve)
}

// Load parses a YAML layout, applies defaults, expands load-balanced workers,
// resolves host addresses, and validates the result.
func Load(data []byte, resolve Resolver) (*Config, error) {
	var layout Layout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, configErrorf("parse: %v", err)
	}
	return FromLayout(layout, resolve)
}

// FromLayout builds a Config from an already-decoded layout.
func FromLayout(layout Layout, resolve Resolver) (*Config, error) {
	if resolve == nil {
		resolve = DefaultResolver
	}
	counts := make(map[NodeType]int)
	addrCache := make(map[string]string)
	var nodes []*Node

	for _, spec := range layout.Nodes {
		if err := mergo.Merge(&spec, layout.Defaults); err != nil {
			return nil, configErrorf("apply defaults to %q: %v", spec.Name, err)
		}
		spec.Name = strings.TrimSpace(spec.Name)
		spec.Type = NodeType(strings.ToLower(string(spec.Type)))
		if spec.Name == "" {
			return nil, configErrorf("node without a name")
		}
		if !spec.Type.Valid() {
			return nil, configErrorf("node %q: unknown type %q", spec.Name, spec.Type)
		}
		if spec.Host == "" {
			return nil, configErrorf("node %q: no host", spec.Name)
		}
		if spec.LBProcs < 0 {
			return nil, configErrorf("node %q: lb_procs must not be negative", spec.Name)
		}
		if spec.LBProcs > 1 && spec.Type != Worker {
			return nil, configErrorf("node %q: lb_procs is only valid for workers", spec.Name)
		}

		addr, ok := addrCache[spec.Host]
		if !ok {
			var err error
			addr, err = resolve(spec.Host)
			if err != nil {
				return nil, configErrorf("node %q: %v", spec.Name, err)
			}
			addrCache[spec.Host] = addr
		}

		for _, n := range expand(spec) {
			counts[n.Type]++
			n.Count = counts[n.Type]
			n.Addr = addr
			nodes = append(nodes, n)
		}
	}

	cfg := &Config{nodes: nodes, byName: make(map[string]*Node, len(nodes))}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewConfig validates an already-resolved node list. Count is assigned per
// type when left at zero.
func NewConfig(nodes []*Node) (*Config, error) {
	counts := make(map[NodeType]int)
	for _, n := range nodes {
		counts[n.Type]++
		if n.Count == 0 {
			n.Count = counts[n.Type]
		}
	}
	cfg := &Config{nodes: nodes, byName: make(map[string]*Node, len(nodes))}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expand turns a load-balanced worker spec into one node per process, each
// pinned to its share of the CPU list.
func expand(spec NodeSpec) []*Node {
	if spec.LBProcs <= 1 {
		return []*Node{newNode(spec.Name, spec, spec.PinCPUs)}
	}
	out := make([]*Node, 0, spec.LBProcs)
	for i := 1; i <= spec.LBProcs; i++ {
		var pin []int
		if i <= len(spec.PinCPUs) {
			pin = []int{spec.PinCPUs[i-1]}
		}
		out = append(out, newNode(fmt.Sprintf("%s-%d", spec.Name, i), spec, pin))
	}
	return out
}

func newNode(name string, spec NodeSpec, pin []int) *Node {
	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}
	return &Node{
		Name:      name,
		Type:      spec.Type,
		Host:      spec.Host,
		Interface: spec.Interface,
		LBMethod:  spec.LBMethod,
		LBProcs:   spec.LBProcs,
		Env:       env,
		PinCPUs:   append([]int(nil), pin...),
	}
}

func (c *Config) validate() error {
	var managers, proxies, standalones int
	for _, n := range c.nodes {
		key := n.Key()
		if prev, dup := c.byName[key]; dup {
			return configErrorf("duplicate node name %q (also %q)", n.Name, prev.Name)
		}
		c.byName[key] = n
		switch n.Type {
		case Manager:
			managers++
		case Proxy:
			proxies++
		case Standalone:
			standalones++
		}
	}

	switch {
	case len(c.nodes) == 0:
		return configErrorf("no nodes defined")
	case standalones > 1:
		return configErrorf("only one standalone node is allowed")
	case standalones == 1 && len(c.nodes) > 1:
		return configErrorf("a standalone node cannot be combined with other nodes")
	case standalones == 1:
		return nil
	case managers != 1:
		return configErrorf("exactly one manager is required, found %d", managers)
	case proxies < 1:
		return configErrorf("at least one proxy is required")
	}
	return nil
}

// Nodes returns all nodes in startup order.
func (c *Config) Nodes() []*Node {
	out := append([]*Node(nil), c.nodes...)
	SortNodes(out)
	return out
}

// Node looks a node up by name, case-insensitively.
func (c *Config) Node(name string) (*Node, bool) {
	n, ok := c.byName[strings.ToLower(name)]
	return n, ok
}

// Standalone reports whether the cluster is a single standalone node.
func (c *Config) Standalone() bool {
	return len(c.nodes) == 1 && c.nodes[0].Type == Standalone
}

// Manager returns the manager node (or the standalone node).
func (c *Config) Manager() *Node {
	for _, n := range c.nodes {
		if n.Type == Manager || n.Type == Standalone {
			return n
		}
	}
	return nil
}

// group names accepted by Select, mapped to the node type they select.
var groups = map[string]NodeType{
	"manager":    Manager,
	"managers":   Manager,
	"proxy":      Proxy,
	"proxies":    Proxy,
	"worker":     Worker,
	"workers":    Worker,
	"logger":     Logger,
	"loggers":    Logger,
	"standalone": Standalone,
}

// group returns the members of a named group and whether key names a group.
func (c *Config) group(key string) ([]*Node, bool) {
	if key == "all" {
		return c.nodes, true
	}
	typ, ok := groups[key]
	if !ok {
		return nil, false
	}
	var members []*Node
	for _, n := range c.nodes {
		if n.Type == typ {
			members = append(members, n)
		}
	}
	return members, true
}

// Select resolves command-line node selectors: "all" (or nothing) selects
// every node, group names select by type, and anything else must be a node
// name. A selector that is both a node name and a group selecting other
// nodes fails with ErrAmbiguous. The result has no duplicates and is in
// startup order.
func (c *Config) Select(args []string) ([]*Node, error) {
	if len(args) == 0 {
		return c.Nodes(), nil
	}
	picked := make(map[*Node]bool)
	for _, arg := range args {
		key := strings.ToLower(strings.TrimSpace(arg))
		node, isNode := c.byName[key]
		members, isGroup := c.group(key)
		switch {
		case isNode && isGroup:
			if len(members) != 1 || members[0] != node {
				return nil, fmt.Errorf("%w: %q is both a node and a group", ErrAmbiguous, arg)
			}
			picked[node] = true
		case isGroup:
			for _, n := range members {
				picked[n] = true
			}
		case isNode:
			picked[node] = true
		default:
			return nil, fmt.Errorf("unknown node or group %q", arg)
		}
	}
	out := make([]*Node, 0, len(picked))
	for _, n := range c.nodes {
		if picked[n] {
			out = append(out, n)
		}
	}
	SortNodes(out)
	return out, nil
}
