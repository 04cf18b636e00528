// Package agent serves the read-only operational endpoints of a long-running
// sensorctl agent: health, Prometheus metrics and host session status.
package agent

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"github.com/gluk-w/sensorctl/internal/hostpool"
	"github.com/gluk-w/sensorctl/internal/metrics"
)

// HostSource exposes host session state. *hostpool.Pool implements it.
type HostSource interface {
	States() []hostpool.HostInfo
	Transitions(host string) []hostpool.StateTransition
	Events(host string) []hostpool.Event
}

type hostStatus struct {
	Host         string            `json:"host"`
	State        string            `json:"state"`
	Since        string            `json:"since,omitempty"`
	LastAlive    string            `json:"last_alive,omitempty"`
	RecentEvents []stateTransition `json:"recent_transitions"`
}

type stateTransition struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

type hostEvent struct {
	Type      string `json:"type"`
	Details   string `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewRouter builds the agent's HTTP handler.
func NewRouter(health *metrics.Health, hosts HostSource) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		st := health.Status()
		code := http.StatusOK
		if st.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/hosts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hostStatuses(hosts))
	})
	r.Get("/hosts/{host}/events", func(w http.ResponseWriter, r *http.Request) {
		hostEvents(w, r, hosts)
	})
	return r
}

func hostStatuses(hosts HostSource) []hostStatus {
	infos := hosts.States()
	out := make([]hostStatus, 0, len(infos))
	for _, info := range infos {
		st := hostStatus{
			Host:         info.Host,
			State:        info.State.String(),
			Since:        formatTimestamp(info.Since),
			LastAlive:    formatTimestamp(info.LastAlive),
			RecentEvents: []stateTransition{},
		}
		transitions := hosts.Transitions(info.Host)
		start := 0
		if len(transitions) > 10 {
			start = len(transitions) - 10
		}
		for _, t := range transitions[start:] {
			st.RecentEvents = append(st.RecentEvents, stateTransition{
				From:      t.From.String(),
				To:        t.To.String(),
				Reason:    t.Reason,
				Timestamp: formatTimestamp(t.Timestamp),
			})
		}
		out = append(out, st)
	}
	return out
}

func hostEvents(w http.ResponseWriter, r *http.Request, hosts HostSource) {
	host := chi.URLParam(r, "host")
	known := false
	for _, info := range hosts.States() {
		if info.Host == host {
			known = true
			break
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, "Host not found")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(parsed, 100)
	}

	events := hosts.Events(host)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	resp := make([]hostEvent, 0, len(events))
	for _, e := range events {
		resp = append(resp, hostEvent{
			Type:      string(e.Type),
			Details:   e.Details,
			Timestamp: formatTimestamp(e.Timestamp),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"host": host, "events": resp})
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
