// Package telemetry keeps a rolling history of acquisition results and
// serves it over HTTP: JSON snapshots, a server-sent events feed and
// Prometheus metrics.
package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rjboer/GoSweep/internal/acquisition"
	"github.com/rjboer/GoSweep/internal/logging"
	"github.com/rjboer/GoSweep/internal/scpi"
)

// Config is the hub's runtime configuration, adjustable over HTTP.
type Config struct {
	HistoryLimit int `json:"history_limit"`
}

const (
	minHistoryLimit     = 1
	maxHistoryLimit     = 10_000
	defaultHistoryLimit = 500
)

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 {
		base.HistoryLimit = defaultHistoryLimit
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return cfg, nil
}

// Position is a GPS fix in degrees.
type Position struct {
	Fix       bool    `json:"fix"`
	Timestamp string  `json:"timestamp,omitempty"`
	LatDeg    float64 `json:"lat_deg,omitempty"`
	LonDeg    float64 `json:"lon_deg,omitempty"`
}

func positionOf(fix scpi.GPSFix) Position {
	if !fix.Good() {
		return Position{}
	}
	return Position{Fix: true, Timestamp: fix.Timestamp, LatDeg: fix.LatDeg(), LonDeg: fix.LonDeg()}
}

// Sample is the history entry for one acquisition cycle.
type Sample struct {
	Seq        uint64        `json:"seq"`
	Timestamp  time.Time     `json:"timestamp"`
	DurationMs float64       `json:"duration_ms"`
	Outcome    string        `json:"outcome"`
	Error      string        `json:"error,omitempty"`
	Summary    *scpi.Summary `json:"summary,omitempty"`
	GPS        Position      `json:"gps"`
}

// Snapshot is the full data of the last good sweep.
type Snapshot struct {
	Seq         uint64    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	Frequencies []float64 `json:"frequencies_hz"`
	Amplitudes  []float64 `json:"amplitudes_dbm"`
	GPS         Position  `json:"gps"`
}

// HealthStatus summarises process and acquisition health.
type HealthStatus struct {
	Status       string    `json:"status"`
	Connected    bool      `json:"connected"`
	State        string    `json:"state"`
	LastOutcome  string    `json:"last_outcome,omitempty"`
	LastSweep    time.Time `json:"last_sweep,omitempty"`
	Uptime       float64   `json:"uptime_seconds"`
	NumGoroutine int       `json:"goroutines"`
}

// StatusFunc reports the controller's current status.
type StatusFunc func() acquisition.Status

// Hub collects history and fans out updates to subscribers. It implements
// acquisition.Reporter.
type Hub struct {
	mu           sync.RWMutex
	history      []Sample
	historyLimit int
	latest       *Snapshot
	subscribers  map[*subscriber]struct{}
	config       Config
	status       StatusFunc
	started      time.Time
	logger       logging.Logger
}

// NewHub builds a hub keeping at most historyLimit samples; zero selects
// the default.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	cfg, err := validateConfig(Config{HistoryLimit: historyLimit}, Config{})
	if err != nil {
		cfg = Config{HistoryLimit: defaultHistoryLimit}
	}
	return &Hub{
		historyLimit: cfg.HistoryLimit,
		subscribers:  make(map[*subscriber]struct{}),
		config:       cfg,
		started:      time.Now(),
		logger:       logger.With(logging.Subsystem("telemetry")),
	}
}

// SetStatusSource wires the controller whose state /api/status reports.
func (h *Hub) SetStatusSource(fn StatusFunc) {
	h.mu.Lock()
	h.status = fn
	h.mu.Unlock()
}

// Report records a cycle result.
func (h *Hub) Report(res acquisition.Result) {
	sample := Sample{
		Seq:        res.Seq,
		Timestamp:  res.Started,
		DurationMs: res.Duration.Seconds() * 1000,
		Outcome:    acquisition.Outcome(res),
		GPS:        positionOf(res.GPS),
	}
	if res.Err != nil {
		sample.Error = res.Err.Error()
	}
	var snap *Snapshot
	if res.Sweep != nil {
		sum := res.Sweep.Summarize()
		sample.Summary = &sum
		snap = &Snapshot{
			Seq:         res.Seq,
			Timestamp:   res.Started,
			Frequencies: append([]float64(nil), res.Sweep.Frequencies...),
			Amplitudes:  append([]float64(nil), res.Sweep.Amplitudes...),
			GPS:         sample.GPS,
		}
	}

	h.mu.Lock()
	h.history = append(h.history, sample)
	h.trimLocked()
	if snap != nil {
		h.latest = snap
	}
	for sub := range h.subscribers {
		select {
		case sub.ch <- sample:
		default:
			sub.dropped++
		}
	}
	h.mu.Unlock()
}

// trimLocked drops the oldest samples beyond the history limit and returns
// how many it dropped.
func (h *Hub) trimLocked() int {
	over := len(h.history) - h.historyLimit
	if over <= 0 {
		return 0
	}
	h.history = append([]Sample(nil), h.history[over:]...)
	return over
}

// History returns a copy of the stored samples, oldest first.
func (h *Hub) History() []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Sample, len(h.history))
	copy(out, h.history)
	return out
}

// Latest returns the last good sweep.
func (h *Hub) Latest() (Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return Snapshot{}, false
	}
	return *h.latest, true
}

// ConfigSnapshot returns the current configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

type subscriber struct {
	ch      chan Sample
	dropped int
}

// Subscribe registers a listener for live updates. Slow listeners miss
// samples rather than block reporting. The returned function unsubscribes
// and closes the channel; calling it again does nothing.
func (h *Hub) Subscribe() (<-chan Sample, func()) {
	sub := &subscriber{ch: make(chan Sample, 16)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, sub)
			close(sub.ch)
			dropped := sub.dropped
			h.mu.Unlock()
			if dropped > 0 {
				h.logger.Debug("live listener missed samples", logging.F("dropped", dropped))
			}
		})
	}
}

// Health computes the current health summary.
func (h *Hub) Health() HealthStatus {
	h.mu.RLock()
	status := h.status
	var last *Sample
	if n := len(h.history); n > 0 {
		s := h.history[n-1]
		last = &s
	}
	h.mu.RUnlock()

	out := HealthStatus{
		Status:       "degraded",
		State:        acquisition.StateIdle.String(),
		Uptime:       time.Since(h.started).Seconds(),
		NumGoroutine: runtime.NumGoroutine(),
	}
	if status != nil {
		st := status()
		out.Connected = st.Connected
		out.State = st.State.String()
	}
	if last != nil {
		out.LastOutcome = last.Outcome
		out.LastSweep = last.Timestamp
	}
	if out.Connected && (last == nil || last.Outcome == acquisition.OutcomeOK) {
		out.Status = "ok"
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.History())
}

func (h *Hub) handleLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, ok := h.Latest()
	if !ok {
		http.Error(w, "no sweep acquired yet", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mu.RLock()
	status := h.status
	h.mu.RUnlock()
	if status == nil {
		http.Error(w, "no controller attached", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, status())
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.Health())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.ConfigSnapshot())
}

const maxConfigBody = 4 << 10

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	var incoming Config
	if err := dec.Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	cfg, err := validateConfig(incoming, h.config)
	if err != nil {
		h.mu.Unlock()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	trimmed := h.trimLocked()
	h.mu.Unlock()

	h.logger.Info("config updated",
		logging.F("history_limit", cfg.HistoryLimit),
		logging.F("trimmed", trimmed),
	)
	writeJSON(w, cfg)
}

// liveKeepAlive is how often an idle live feed sends a comment line so
// proxies do not close it.
var liveKeepAlive = 15 * time.Second

// handleLive streams samples as server-sent events. Each event carries the
// cycle sequence number as its id; a reconnecting client that sends
// Last-Event-ID is replayed only the samples it has not seen.
func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	var after uint64
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		v, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			http.Error(w, "invalid Last-Event-ID", http.StatusBadRequest)
			return
		}
		after = v
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// subscribe before the replay so nothing reported in between is lost
	live, unsubscribe := h.Subscribe()
	defer unsubscribe()

	for _, sample := range h.History() {
		if sample.Seq > after {
			writeEvent(w, sample)
			after = sample.Seq
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(liveKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case sample, ok := <-live:
			if !ok {
				return
			}
			if sample.Seq <= after {
				continue
			}
			after = sample.Seq
			writeEvent(w, sample)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w io.Writer, sample Sample) {
	payload, err := json.Marshal(sample)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: sample\ndata: %s\n\n", sample.Seq, payload)
}
