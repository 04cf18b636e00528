package plugin

import (
	"strconv"
	"time"
)

// History records, per command, how often it ran and how the last run went.
// It is registered by default so "sensorctl state" shows recent activity.
type History struct {
	Base
	st  *State
	now func() time.Time
}

func NewHistory() *History {
	return &History{now: time.Now}
}

func (h *History) Name() string { return "history" }

func (h *History) Init(st *State) error {
	h.st = st
	return nil
}

func (h *History) CmdPost(cmd string, outcomes []Outcome) {
	if h.st == nil {
		return
	}
	failed := 0
	for _, o := range outcomes {
		if !o.OK {
			failed++
		}
	}
	runs, _ := h.st.GetInt(cmd + "-runs")
	h.st.Set(cmd+"-runs", runs+1)
	h.st.Set(cmd+"-last", h.now().UTC().Format(time.RFC3339))
	h.st.Set(cmd+"-last-failed", failed)
}

// Last returns when cmd last ran and how many nodes failed in that run.
func (h *History) Last(cmd string) (time.Time, int, bool) {
	if h.st == nil {
		return time.Time{}, 0, false
	}
	raw, ok := h.st.Get(cmd + "-last")
	if !ok {
		return time.Time{}, 0, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, 0, false
	}
	failed, _ := h.st.Get(cmd + "-last-failed")
	n, _ := strconv.Atoi(failed)
	return ts, n, true
}
