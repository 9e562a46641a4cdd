// Package api is the diagnostics surface: UI and automation layers submit
// core events and read pipeline state here without touching persistence or
// protocol details.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/trackwire/trackwire/internal/monitoring"
	"github.com/trackwire/trackwire/internal/motion"
	"github.com/trackwire/trackwire/internal/provider"
	"github.com/trackwire/trackwire/internal/store"
	"github.com/trackwire/trackwire/internal/timeutil"
	"github.com/trackwire/trackwire/internal/track"
)

// Store is the slice of the queue the server needs.
type Store interface {
	InsertCoreEvent(ctx context.Context, eventTime time.Time, payload, source string) (int64, error)
	QueueStats(ctx context.Context) (store.Stats, error)
}

// MotionReader exposes the classifier state for display.
type MotionReader interface {
	Snapshot() motion.Snapshot
	Confidence() float64
}

type Server struct {
	store  Store
	motion MotionReader
	fixes  *track.Bus[provider.Fix]
	clock  timeutil.Clock
}

func NewServer(st Store, m MotionReader, fixes *track.Bus[provider.Fix]) *Server {
	return &Server{
		store:  st,
		motion: m,
		fixes:  fixes,
		clock:  timeutil.RealClock{},
	}
}

// SetClock overrides the default-event-time source. Tests only.
func (s *Server) SetClock(c timeutil.Clock) { s.clock = c }

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.submitEvent)
	mux.HandleFunc("/motion", s.motionSnapshot)
	mux.HandleFunc("/fix", s.latestFix)
	mux.HandleFunc("/stats", s.queueStats)
	mux.HandleFunc("/", s.homeHandler)
	return mux
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("trackwire diagnostics\n"))
}

// submitEventRequest is the POST /events body. Payload stays opaque; the
// queue and protocol layers interpret it at send time.
type submitEventRequest struct {
	TimeMs  int64           `json:"time_ms,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Source  string          `json:"source,omitempty"`
}

func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request body: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}

	eventTime := s.clock.Now()
	if req.TimeMs > 0 {
		eventTime = time.UnixMilli(req.TimeMs).UTC()
	}

	id, err := s.store.InsertCoreEvent(r.Context(), eventTime, string(req.Payload), req.Source)
	if err != nil {
		monitoring.Logf("api: queue core event: %v", err)
		http.Error(w, "failed to queue event", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"id": id})
}

func (s *Server) motionSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.motion == nil {
		http.Error(w, "no motion classifier attached", http.StatusNotFound)
		return
	}

	snap := s.motion.Snapshot()
	resp := map[string]interface{}{
		"rms":        snap.RMS,
		"rms_ema":    snap.RMSEMA,
		"threshold":  snap.Threshold,
		"state":      snap.State.String(),
		"confidence": s.motion.Confidence(),
	}
	if !snap.LastMotionAt.IsZero() {
		resp["last_motion_at"] = snap.LastMotionAt.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) latestFix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fix, ok := s.fixes.Latest()
	if !ok {
		http.Error(w, "no fix observed yet", http.StatusNotFound)
		return
	}
	if fix.Err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": fix.Err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fix": fix.Position})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.store.QueueStats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read queue stats: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: encode response: %v", err)
	}
}
