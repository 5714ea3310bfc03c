// Package server exposes the broker over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/withmartian/ares/controlbus/internal/broker"
)

const (
	bearerPrefix = "Bearer "
	maxBodyBytes = 1 << 20
)

// Broker is the part of *broker.Broker the handlers need.
type Broker interface {
	Submit(ctx context.Context, cmd broker.Command) (broker.Response, error)
	Poll() (broker.PendingCommand, bool)
	Resolve(id string, result json.RawMessage) error
}

// Server binds the submit, poll and result endpoints to one listener.
type Server struct {
	broker     Broker
	token      []byte
	router     chi.Router
	onShutdown []func()
}

// New creates a server that checks every request against token.
func New(b Broker, token string) *Server {
	s := &Server{broker: b, token: []byte(token)}
	s.router = s.routes()
	return s
}

// Handler returns the root handler, useful for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(s.authenticate)

	for _, prefix := range []string{"", "/api"} {
		r.Post(prefix+"/submit", s.handleSubmit)
		r.Get(prefix+"/poll", s.handlePoll)
		r.Post(prefix+"/result", s.handleResult)
	}
	// the name the original desktop client posts to
	r.Post("/api/photoeditor", s.handleSubmit)
	return r
}

// OnShutdown registers f to run when graceful shutdown starts, before
// in-flight requests are waited for.
func (s *Server) OnShutdown(f func()) {
	s.onShutdown = append(s.onShutdown, f)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// Failing to bind addr is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	for _, f := range s.onShutdown {
		srv.RegisterOnShutdown(f)
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("control bus HTTP API listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// authenticate rejects requests whose bearer token does not match before
// any handler runs.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		provided := []byte(header[len(bearerPrefix):])
		if subtle.ConstantTimeCompare(provided, s.token) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleSubmit handles POST /submit.
// It holds the request until the command is answered or times out.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var cmd broker.Command
	if err := decodeBody(w, r, &cmd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.broker.Submit(r.Context(), cmd)
	switch {
	case errors.Is(err, broker.ErrEmptyCommand):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		// The caller is gone; there is nobody to write to.
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePoll handles GET /poll.
// It returns the oldest pending command, or null when there is none.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.broker.Poll()
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleResult handles POST /result.
// It routes the consumer's result to the submitter waiting on request_id.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req broker.ResultRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	if err := s.broker.Resolve(req.ID, req.Result); err != nil {
		if errors.Is(err, broker.ErrUnknownCorrelation) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger logs one line per request once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"http_request_id", middleware.GetReqID(r.Context()),
		)
	})
}
