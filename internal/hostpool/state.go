package hostpool

import (
	"sort"
	"sync"
	"time"
)

// HostState is the session state of one host.
type HostState int

const (
	StateDisconnected HostState = iota
	StateConnecting
	StateAlive
)

// String returns the human-readable name of the state.
func (s HostState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAlive:
		return "alive"
	default:
		return "unknown"
	}
}

func (s HostState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitionBufferSize is the number of state transitions kept per host.
const transitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      HostState `json:"from"`
	To        HostState `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is called on every state change. Callbacks run
// synchronously on the host's worker goroutine.
type StateChangeCallback func(host string, from, to HostState)

// HostInfo is a snapshot of one host's session.
type HostInfo struct {
	Host      string    `json:"host"`
	State     HostState `json:"state"`
	LastAlive time.Time `json:"last_alive"`
	Since     time.Time `json:"since"`
}

type stateEntry struct {
	current     HostState
	since       time.Time
	lastAlive   time.Time
	transitions *ring[StateTransition]
}

// stateTracker keeps per-host state, transition history and callbacks.
type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*stateEntry)}
}

// getOrCreate returns the entry for host. Caller must hold st.mu.
func (st *stateTracker) getOrCreate(host string) *stateEntry {
	entry, ok := st.states[host]
	if !ok {
		entry = &stateEntry{
			current:     StateDisconnected,
			since:       time.Now(),
			transitions: newRing[StateTransition](transitionBufferSize),
		}
		st.states[host] = entry
	}
	return entry
}

// setState records a transition and runs callbacks. Setting the current
// state again only refreshes lastAlive.
func (st *stateTracker) setState(host string, state HostState, reason string) {
	now := time.Now()
	st.mu.Lock()
	entry := st.getOrCreate(host)
	if state == StateAlive {
		entry.lastAlive = now
	}
	from := entry.current
	if from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.since = now
	entry.transitions.add(StateTransition{From: from, To: state, Timestamp: now, Reason: reason})

	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(host, from, state)
	}
}

func (st *stateTracker) get(host string) HostState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if entry, ok := st.states[host]; ok {
		return entry.current
	}
	return StateDisconnected
}

func (st *stateTracker) register(host string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.getOrCreate(host)
}

func (st *stateTracker) transitions(host string) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if entry, ok := st.states[host]; ok {
		return entry.transitions.all()
	}
	return nil
}

// snapshot returns every tracked host, sorted by address.
func (st *stateTracker) snapshot() []HostInfo {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]HostInfo, 0, len(st.states))
	for host, entry := range st.states {
		out = append(out, HostInfo{Host: host, State: entry.current, LastAlive: entry.lastAlive, Since: entry.since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}
