// Package api exposes the tracker over a small local HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/locus/internal/db"
	"github.com/banshee-data/locus/internal/event"
	"github.com/banshee-data/locus/internal/httputil"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/odometer"
	"github.com/banshee-data/locus/internal/outbox"
	"github.com/banshee-data/locus/internal/tracking"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Tracker is the controller surface the API drives.
type Tracker interface {
	State() tracking.State
	Start() error
	Stop()
	ChangePace(moving bool)
	SyncNow(ctx context.Context) error
	SetOdometer(ctx context.Context, meters float64) error
	HandleNotificationAction(action string)
	HandleActivityEvent(raw string)
}

// Store is the read side of the database.
type Store interface {
	Locations(ctx context.Context, limit int) ([]event.Record, error)
	QueueEntries(ctx context.Context, limit int) ([]outbox.Entry, error)
	Logs(ctx context.Context, limit int, levels ...string) ([]db.LogEntry, error)
}

var (
	_ Tracker = (*tracking.Controller)(nil)
	_ Store   = (*db.DB)(nil)
)

type Server struct {
	tracker Tracker
	store   Store
	events  *Broadcaster
}

func NewServer(tracker Tracker, store Store, events *Broadcaster) *Server {
	return &Server{tracker: tracker, store: store, events: events}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Infof("[%d] %s %s %vms",
			lrw.statusCode, r.Method, r.RequestURI,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", s.showState)
	mux.HandleFunc("/start", s.start)
	mux.HandleFunc("/stop", s.stop)
	mux.HandleFunc("/pace", s.changePace)
	mux.HandleFunc("/sync", s.syncNow)
	mux.HandleFunc("/activity", s.activity)
	mux.HandleFunc("/notification", s.notification)
	mux.HandleFunc("/odometer", s.setOdometer)
	mux.HandleFunc("/locations", s.listLocations)
	mux.HandleFunc("/queue", s.listQueue)
	mux.HandleFunc("/logs", s.listLogs)
	if s.events != nil {
		mux.HandleFunc("/events", s.streamEvents)
	}
	return mux
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.tracker.State())
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.tracker.Start(); err != nil {
		if errors.Is(err, tracking.ErrPermissionDenied) {
			httputil.WriteJSONError(w, http.StatusForbidden, err.Error())
			return
		}
		if errors.Is(err, tracking.ErrShutdown) {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.tracker.State())
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.tracker.Stop()
	httputil.WriteJSONOK(w, s.tracker.State())
}

type paceRequest struct {
	IsMoving *bool `json:"is_moving"`
}

func (s *Server) changePace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req paceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsMoving == nil {
		httputil.BadRequest(w, `body must be {"is_moving": true|false}`)
		return
	}
	s.tracker.ChangePace(*req.IsMoving)
	httputil.WriteJSONOK(w, s.tracker.State())
}

func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	err := s.tracker.SyncNow(r.Context())
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, map[string]string{"status": "delivered"})
	case errors.Is(err, tracking.ErrNoLocation):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	default:
		httputil.WriteJSONError(w, http.StatusBadGateway, fmt.Sprintf("delivery failed, queued for retry: %v", err))
	}
}

type odometerRequest struct {
	Meters *float64 `json:"meters"`
}

func (s *Server) setOdometer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req odometerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Meters == nil {
		httputil.BadRequest(w, `body must be {"meters": <number>}`)
		return
	}
	if err := s.tracker.SetOdometer(r.Context(), *req.Meters); err != nil {
		if errors.Is(err, odometer.ErrInvalidDistance) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.tracker.State())
}

type valueRequest struct {
	Value string `json:"value"`
}

func decodeValue(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return "", false
	}
	var req valueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == "" {
		httputil.BadRequest(w, `body must be {"value": "..."}`)
		return "", false
	}
	return req.Value, true
}

// activity accepts a raw "type,confidence" classification.
func (s *Server) activity(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeValue(w, r)
	if !ok {
		return
	}
	if _, err := event.ParseActivity(v); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.tracker.HandleActivityEvent(v)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) notification(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeValue(w, r)
	if !ok {
		return
	}
	s.tracker.HandleNotificationAction(v)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := httputil.QueryLimit(r, defaultLimit, maxLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	recs, err := s.store.Locations(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to read locations")
		return
	}
	if recs == nil {
		recs = []event.Record{}
	}
	httputil.WriteJSONOK(w, recs)
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := httputil.QueryLimit(r, defaultLimit, maxLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	entries, err := s.store.QueueEntries(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to read queue")
		return
	}
	if entries == nil {
		entries = []outbox.Entry{}
	}
	httputil.WriteJSONOK(w, entries)
}

// listLogs accepts repeated level parameters, e.g. ?level=error&level=warn.
func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := httputil.QueryLimit(r, defaultLimit, maxLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	logs, err := s.store.Logs(r.Context(), limit, r.URL.Query()["level"]...)
	if err != nil {
		httputil.InternalServerError(w, "failed to read logs")
		return
	}
	if logs == nil {
		logs = []db.LogEntry{}
	}
	httputil.WriteJSONOK(w, logs)
}

// streamEvents relays broadcast records as server-sent events until the
// client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, ch := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, msg.Data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
