package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/coworker/internal/logbuf"
	"github.com/h1v3-io/coworker/internal/question"
	"github.com/h1v3-io/coworker/pkg/protocol"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// QuestionReader is the part of the question store the API reads.
type QuestionReader interface {
	Get(ctx context.Context, id string) (*protocol.Question, error)
	List(ctx context.Context, filter question.Filter) ([]*protocol.Question, error)
	Count(ctx context.Context, filter question.Filter) (int, error)
}

// PendingCounter reports in-memory waiters.
type PendingCounter interface {
	PendingCount() int
}

// Stats is the body of GET /api/stats.
type Stats struct {
	PendingWaiters int            `json:"pending_waiters"`
	Questions      map[string]int `json:"questions"`
	Connectors     []string       `json:"connectors,omitempty"`
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
	// Connectors are listed by /api/stats.
	Connectors []string
}

// Server is the coworker HTTP API server.
type Server struct {
	questions QuestionReader
	waiters   PendingCounter
	cfg       Config
	logger    *slog.Logger
	logs      LogQuerier
	mux       *http.ServeMux
	srv       *http.Server
}

// NewServer creates a new API server. logs may be nil.
func NewServer(questions QuestionReader, waiters PendingCounter, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		questions: questions,
		waiters:   waiters,
		cfg:       cfg,
		logger:    logger,
		logs:      logs,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/questions", s.requireAuth(s.handleListQuestions))
	s.mux.HandleFunc("GET /api/questions/{id}", s.requireAuth(s.handleGetQuestion))
	s.mux.HandleFunc("GET /api/stats", s.requireAuth(s.handleStats))
	s.mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	// No WriteTimeout: MCP tool calls stay open until the coworker answers.
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handle mounts an extra handler, optionally behind the API key.
// Call before Start.
func (s *Server) Handle(pattern string, h http.Handler, auth bool) {
	if auth {
		s.mux.HandleFunc(pattern, s.requireAuth(h.ServeHTTP))
		return
	}
	s.mux.Handle(pattern, h)
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	filter := question.Filter{Limit: 100}
	if status := r.URL.Query().Get("status"); status != "" {
		qs := protocol.QuestionStatus(status)
		if !qs.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown status %q", status)})
			return
		}
		filter.Status = &qs
	}
	if target := r.URL.Query().Get("target"); target != "" {
		filter.TargetID = target
	}
	if asker := r.URL.Query().Get("asker"); asker != "" {
		filter.AskerID = asker
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	questions, err := s.questions.List(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if questions == nil {
		questions = []*protocol.Question{}
	}
	writeJSON(w, http.StatusOK, questions)
}

func (s *Server) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q, err := s.questions.Get(r.Context(), id)
	if errors.Is(err, question.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "question not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{
		Questions:  make(map[string]int),
		Connectors: s.cfg.Connectors,
	}
	if s.waiters != nil {
		stats.PendingWaiters = s.waiters.PendingCount()
	}
	for _, st := range []protocol.QuestionStatus{protocol.QuestionPending, protocol.QuestionReplied, protocol.QuestionTimedOut} {
		st := st
		n, err := s.questions.Count(r.Context(), question.Filter{Status: &st})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		stats.Questions[string(st)] = n
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{
		Limit:      200,
		Component:  q.Get("component"),
		QuestionID: q.Get("question_id"),
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		f.Limit = n
	}
	if lvl := q.Get("level"); lvl != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(lvl)); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid level %q", lvl)})
			return
		}
		f.MinLevel = level
	}
	if ms, err := strconv.ParseInt(q.Get("since"), 10, 64); err == nil {
		f.Since = time.UnixMilli(ms)
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
