package database

import "strings"

// Node-scoped key suffixes.
const (
	SuffixPID           = "pid"
	SuffixCrashed       = "crashed"
	SuffixPort          = "port"
	SuffixHost          = "host"
	SuffixExpectRunning = "expect-running"
)

// GlobalVersion records the version of sensorctl that last started the cluster.
const GlobalVersion = "global-version"

// NodeKey builds the key for a node-scoped fact, e.g. NodeKey("worker-1", SuffixPID).
func NodeKey(node, suffix string) string {
	return strings.ToLower(node) + "-" + suffix
}

// HostAliveKey is the key recording the last observed liveness of a host.
func HostAliveKey(addr string) string {
	return "host-" + strings.ToLower(addr) + "-alive"
}

// PluginKey namespaces plugin-owned keys.
func PluginKey(plugin, key string) string {
	return "plugin-" + strings.ToLower(plugin) + "-" + strings.ToLower(key)
}
