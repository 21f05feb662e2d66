// Package devserver is a small backend speaking the salon chat protocol:
// REST endpoints for auth, conversations and unread counts, plus the
// socket endpoint the messaging client connects to. It backs local
// development, the CLI and the load test.
package devserver

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"salonchat/internal/config"
	"salonchat/internal/db"
	"salonchat/internal/logger"
)

type Server struct {
	Hub      *Hub
	Metrics  *Metrics
	handlers *Handlers
	logger   *zap.Logger
}

func New(cfg *config.Config, database *db.DB, log *zap.Logger) *Server {
	log = logger.OrNop(log)
	metrics := NewMetrics()
	hub := NewHub(database, metrics, log)
	return &Server{
		Hub:      hub,
		Metrics:  metrics,
		handlers: NewHandlers(database, hub, NewAuthenticator(cfg.JWTSecret), cfg.AllowedOrigin, log),
		logger:   log.Named("http"),
	}
}

// Run drives the hub until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.Hub.Run(ctx)
}

// Done is closed once Run has returned.
func (s *Server) Done() <-chan struct{} {
	return s.Hub.Done()
}

func (s *Server) Handler() http.Handler {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("/api/auth/register", s.logRequest(h.HandleRegister))
	mux.HandleFunc("/api/auth/login", s.logRequest(h.HandleLogin))
	mux.HandleFunc("/api/auth/verify", s.logRequest(h.HandleVerify))
	mux.HandleFunc("/api/auth/logout", s.logRequest(h.HandleLogout))

	mux.HandleFunc("/api/conversations", s.logRequest(h.HandleConversations))
	mux.HandleFunc("/api/conversations/messages", s.logRequest(h.HandleMessages))
	mux.HandleFunc("/api/messages/unread-count", s.logRequest(h.HandleUnreadCount))

	mux.Handle("/metrics", s.Metrics.Handler())

	api := h.WithCORS(h.WithAuth(mux))

	// The socket endpoint authenticates in-band and must not be wrapped:
	// the logging writer cannot be hijacked.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			h.HandleWebSocket(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

func (s *Server) logRequest(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := newLoggingResponseWriter(w)

		next.ServeHTTP(lrw, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", lrw.statusCode),
			zap.Duration("duration", time.Since(start)))
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	return &loggingResponseWriter{w, http.StatusOK}
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
