// Package admin exposes the operational read surface: run inspection,
// preference fact audit, and a message-injection endpoint for testing.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tinyland-inc/drumline/pkg/bus"
	"github.com/tinyland-inc/drumline/pkg/logger"
	"github.com/tinyland-inc/drumline/pkg/store"
)

type Server struct {
	reader  store.Reader
	bus     *bus.MessageBus
	token   string
	metrics *Metrics
}

func NewServer(reader store.Reader, mb *bus.MessageBus, token string) *Server {
	return &Server{reader: reader, bus: mb, token: token, metrics: NewMetrics()}
}

// Router mounts the admin API. /healthz and /metrics are open; /api
// requires the bearer token when one is configured.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.metrics.Snapshot())
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)
		r.Get("/facts/{user}", s.listFacts)
		r.Post("/messages", s.injectMessage)
	})

	return r
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.reader.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		s.internalError(w, "loading run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user query parameter required"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.reader.ListRunsByUser(r.Context(), user, limit)
	if err != nil {
		s.internalError(w, "listing runs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) listFacts(w http.ResponseWriter, r *http.Request) {
	facts, err := s.reader.ListFacts(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.internalError(w, "listing facts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"facts": facts})
}

// injectMessage feeds a message into the bus as if a chat client sent
// it. Meant for smoke tests against a running gateway.
func (s *Server) injectMessage(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no message bus attached"})
		return
	}
	var msg bus.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message body"})
		return
	}
	if msg.UserID == "" || msg.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and content are required"})
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.bus.PublishInbound(ctx, msg); err != nil {
		s.internalError(w, "publishing message", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	logger.ErrorCF("admin", "Request failed", map[string]any{
		"op":    what,
		"error": err.Error(),
	})
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
