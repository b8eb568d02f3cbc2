// Package server exposes the operational HTTP surface: a health check for
// container orchestrators and a manual-trigger endpoint, adapted from the
// teacher's internal/server health-check handler and graceful shutdown
// lifecycle. The teacher's multi-user/auth routes have no home here — user
// authentication is an explicit Non-goal — so this surface is deliberately
// thin.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/briarwood/readbridge/internal/logger"
	"github.com/briarwood/readbridge/internal/trigger"
)

// Server is the process's operational HTTP endpoint.
type Server struct {
	http   *http.Server
	logger *logger.Logger
}

// New builds a server listening on addr. queue, when non-nil, backs the
// manual /sync/{book_id} trigger endpoint.
func New(addr string, queue *trigger.Queue, log *logger.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{logger: log}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /sync/{book_id}", func(w http.ResponseWriter, r *http.Request) {
		s.handleManualTrigger(w, r, queue)
	})

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start runs the server until Shutdown is called. It blocks, matching
// http.Server.ListenAndServe's contract.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request, queue *trigger.Queue) {
	bookID := strings.TrimSpace(r.PathValue("book_id"))
	if bookID == "" {
		http.Error(w, "book_id is required", http.StatusBadRequest)
		return
	}
	if queue == nil {
		http.Error(w, "trigger queue unavailable", http.StatusServiceUnavailable)
		return
	}

	queue.Enqueue(bookID)
	triggerID := uuid.New().String()
	s.logger.Info("manual sync triggered", map[string]interface{}{
		"book_id":    bookID,
		"trigger_id": triggerID,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":     "queued",
		"book_id":    bookID,
		"trigger_id": triggerID,
	})
}
