package sidecar

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StatusTracker records the coordinator's state and last poll outcomes for
// the status endpoint. The poll loop writes; HTTP handlers read.
type StatusTracker struct {
	mu       sync.Mutex
	state    State
	started  time.Time
	ticks    int64
	bindings []BindingStatus
}

// BindingStatus is the last observed outcome for one binding.
type BindingStatus struct {
	TargetGroupARN string      `json:"target_group_arn"`
	Identity       string      `json:"identity"`
	Port           int32       `json:"port"`
	State          TargetState `json:"state"`
	Reason         string      `json:"reason,omitempty"`
}

// StatusSnapshot is the JSON body of GET /status.
type StatusSnapshot struct {
	State         State           `json:"state"`
	Ticks         int64           `json:"ticks"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Bindings      []BindingStatus `json:"bindings"`
}

// NewStatusTracker creates a tracker with the clock started.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{state: StateActive, started: time.Now()}
}

// SetState records a lifecycle transition.
func (t *StatusTracker) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// RecordTick stores one tick's outcomes keyed to their bindings.
func (t *StatusTracker) RecordTick(bindings []Binding, outcomes []PollOutcome) {
	statuses := make([]BindingStatus, len(outcomes))
	for i, o := range outcomes {
		statuses[i] = BindingStatus{
			TargetGroupARN: bindings[i].TargetGroupARN,
			Identity:       bindings[i].Identity,
			Port:           bindings[i].Port,
			State:          o.State,
			Reason:         o.Reason,
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticks++
	t.bindings = statuses
}

// Snapshot returns a point-in-time copy for the status handler.
func (t *StatusTracker) Snapshot() StatusSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	bindings := make([]BindingStatus, len(t.bindings))
	copy(bindings, t.bindings)
	return StatusSnapshot{
		State:         t.state,
		Ticks:         t.ticks,
		UptimeSeconds: int64(time.Since(t.started).Seconds()),
		Bindings:      bindings,
	}
}

// StatusHandler serves the read-only introspection routes.
func StatusHandler(tracker *StatusTracker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, tracker.Snapshot())
	})
	return mux
}

// ServeStatus runs the status endpoint until the listener fails. It never
// affects the state machine; errors are logged and dropped.
func ServeStatus(addr string, tracker *StatusTracker, logger zerolog.Logger) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      StatusHandler(tracker),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Info().Str("addr", addr).Msg("status endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn().Err(err).Msg("status endpoint stopped")
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
