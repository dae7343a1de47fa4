// Package api serves the read-only status surface of the daemon: health,
// per-entity controller state and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"smartclimate/internal/climate"
	"smartclimate/internal/metrics"
)

// Server exposes the HTTP API.
type Server struct {
	byVirtual map[string]*climate.Controller
	byWrapped map[string]*climate.Controller
	order     []string
	metrics   *metrics.Metrics
	logger    *zap.Logger
	server    *http.Server
}

// NewServer builds the router over the given controllers. The status list
// preserves the configured controller order.
func NewServer(controllers []*climate.Controller, m *metrics.Metrics, logger *zap.Logger, addr string) *Server {
	s := &Server{
		byVirtual: make(map[string]*climate.Controller, len(controllers)),
		byWrapped: make(map[string]*climate.Controller, len(controllers)),
		metrics:   m,
		logger:    logger.Named("api"),
	}
	for _, c := range controllers {
		virtual := c.VirtualEntity().String()
		s.byVirtual[virtual] = c
		s.byWrapped[c.WrappedEntity().String()] = c
		s.order = append(s.order, virtual)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/v1/entities/{id}", s.handleEntity).Methods("GET")
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods("GET")
	}
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handlers.RecoveryHandler()(handlers.LoggingHandler(requestLogWriter{s.logger}, r)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// requestLogWriter feeds gorilla's access-log lines into zap.
type requestLogWriter struct {
	logger *zap.Logger
}

func (w requestLogWriter) Write(p []byte) (int, error) {
	w.logger.Debug("HTTP request", zap.String("access_log", strings.TrimRight(string(p), "\n")))
	return len(p), nil
}

// StatusResponse is the JSON body of /api/v1/status.
type StatusResponse struct {
	Entities []climate.Status `json:"entities"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Entities: make([]climate.Status, 0, len(s.order))}
	for _, id := range s.order {
		resp.Entities = append(resp.Entities, s.byVirtual[id].Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	c, ok := s.byVirtual[id]
	if !ok {
		c, ok = s.byWrapped[id]
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("entity %s is not managed by this daemon", id))
		return
	}
	writeJSON(w, http.StatusOK, c.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Sprintf("no route for %s", r.URL.Path))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
