package hostpool

import (
	"sync"
	"time"
)

// eventBufferSize is the number of events kept per host.
const eventBufferSize = 100

// EventType names a session event.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventPingFailed   EventType = "ping_failed"
	EventBatchFailed  EventType = "batch_failed"
	EventThrottled    EventType = "reconnect_throttled"
)

// Event is one session event on a host.
type Event struct {
	Host      string    `json:"host"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// EventListener receives every event as it is logged.
type EventListener func(Event)

// eventLog keeps per-host event history and forwards events to listeners.
type eventLog struct {
	mu        sync.RWMutex
	buffers   map[string]*ring[Event]
	listeners []EventListener
}

func newEventLog() *eventLog {
	return &eventLog{buffers: make(map[string]*ring[Event])}
}

func (el *eventLog) log(host string, typ EventType, details string) {
	ev := Event{Host: host, Type: typ, Timestamp: time.Now(), Details: details}

	el.mu.Lock()
	buf, ok := el.buffers[host]
	if !ok {
		buf = newRing[Event](eventBufferSize)
		el.buffers[host] = buf
	}
	buf.add(ev)
	listeners := make([]EventListener, len(el.listeners))
	copy(listeners, el.listeners)
	el.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (el *eventLog) events(host string) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if buf, ok := el.buffers[host]; ok {
		return buf.all()
	}
	return nil
}

func (el *eventLog) addListener(l EventListener) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.listeners = append(el.listeners, l)
}
