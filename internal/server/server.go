// Package server exposes the recorder over HTTP and WebSocket.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/audio"
	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/metrics"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/orchestrator"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/trace"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/upload"
)

// Recorder is what the server drives. *orchestrator.Manager implements it.
type Recorder interface {
	StartSession(ctx context.Context, ownerID string) (orchestrator.Session, error)
	StopSession(ctx context.Context) (orchestrator.Summary, error)
	CancelSession() error
	Feed(ctx context.Context, samples []int16) error
	Snapshot() orchestrator.Snapshot
	Events() <-chan upload.Event
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Message types.
type Message struct {
	Type string `json:"type"`
}

// EventMessage wraps a tracker event for /ws clients.
type EventMessage struct {
	Type  string       `json:"type"`
	Event upload.Event `json:"event"`
}

// ErrorMessage reports a failure to a WebSocket client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StartRequest is the optional body of POST /api/recording/start.
type StartRequest struct {
	OwnerID string `json:"owner_id"`
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	rec     Recorder
	metrics *metrics.Metrics
	checks  map[string]HealthCheck

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a server and starts broadcasting recorder events.
func New(rec Recorder, m *metrics.Metrics, checks map[string]HealthCheck) *Server {
	s := &Server{
		rec:     rec,
		metrics: m,
		checks:  checks,
		conns:   make(map[*websocket.Conn]struct{}),
		done:    make(chan struct{}),
	}
	go s.broadcastEvents()
	return s
}

// Close stops the broadcaster.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoints
	mux.HandleFunc("GET /ws", s.handleEvents)
	mux.HandleFunc("GET /ws/ingest", s.handleIngest)

	// REST API
	mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("POST /api/recording/cancel", s.handleRecordingCancel)
	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Apply middleware: trace -> metrics -> CORS
	return corsMiddleware(trace.Middleware(s.metricsMiddleware(mux)))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes WebSocket upgrades through to the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) metricsMiddleware(next *http.ServeMux) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		_, route := next.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.CodeNoSession, apperrors.CodeSessionActive:
		status = http.StatusConflict
	case apperrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case apperrors.CodeUnavailable, apperrors.CodeUploadFailed:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"code": string(apperrors.CodeOf(err)), "error": err.Error()})
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.Wrap(err, apperrors.CodeInvalidArgument, "decode start request"))
			return
		}
	}
	sess, err := s.rec.StartSession(r.Context(), req.OwnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "recording_started", "session": sess})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	summary, err := s.rec.StopSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "recording_stopped", "summary": summary})
}

func (s *Server) handleRecordingCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.CancelSession(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recording_cancelled"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), HealthTimeout)
	defer cancel()

	status, results := http.StatusOK, make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": results})
}

// handleEvents streams tracker events to the client until it disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	log := trace.Logger(r.Context())
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// Clients only listen; CloseRead discards their frames and reports the close.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	log.Debug("websocket closed", "remote", r.RemoteAddr)
}

func (s *Server) broadcastEvents() {
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.rec.Events():
			msg := EventMessage{Type: string(evt.Kind), Event: evt}

			s.mu.RLock()
			for conn := range s.conns {
				go func(c *websocket.Conn) {
					ctx, cancel := context.WithTimeout(context.Background(), BroadcastWriteTimeout)
					defer cancel()
					_ = wsjson.Write(ctx, c, msg)
				}(conn)
			}
			s.mu.RUnlock()
		}
	}
}

// handleIngest accepts binary little-endian PCM16 batches at the pipeline
// rate and feeds them to the active session.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(IngestReadLimit)

	ctx, _ := trace.EnsureContext(r.Context())
	log := trace.Logger(ctx)
	log.Info("ingest connected", "remote", r.RemoteAddr)
	limiter := rate.NewLimiter(IngestRate, IngestBurst)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				log.Debug("ingest read error", "error", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			s.sendError(ctx, conn, apperrors.New(apperrors.CodeInvalidArgument, "ingest accepts binary PCM only"))
			continue
		}
		// Fast clients are paced, never dropped: a missing batch would shift
		// every later chunk.
		if err := limiter.Wait(ctx); err != nil {
			log.Debug("ingest ended while paced", "error", err)
			return
		}

		samples, err := audio.DecodePCM16(data)
		if err == nil {
			err = s.rec.Feed(ctx, samples)
		}
		if err != nil {
			s.sendError(ctx, conn, err)
		}
	}
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, err error) {
	_ = wsjson.Write(ctx, conn, ErrorMessage{
		Type:    "error",
		Code:    string(apperrors.CodeOf(err)),
		Message: err.Error(),
	})
}
