// Package server exposes the pipeline over HTTP: function invocation,
// stats, and a health check.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"logflume/internal/logging"
	"logflume/internal/pipeline"
	"logflume/internal/source"
)

// MaxPayloadSize bounds invocation payloads.
const MaxPayloadSize = 1 << 20 // 1 MB

// Server serves the pipeline API.
//
// Endpoints:
//   - POST /v1/invoke/{function}  invoke a function with the body as payload
//   - GET  /v1/functions          list registered functions
//   - GET  /v1/stats              pipeline counters
//   - GET  /healthz               health check for load balancers
type Server struct {
	addr     string
	pipe     *pipeline.Pipeline
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
}

// Config holds server configuration.
type Config struct {
	// Addr is the address to listen on (e.g., ":8080", "127.0.0.1:8080").
	Addr string

	// Pipeline is the pipeline to expose. Required.
	Pipeline *pipeline.Pipeline

	// Logger for structured logging.
	Logger *slog.Logger
}

// New creates a new Server.
func New(cfg Config) *Server {
	return &Server{
		addr:   cfg.Addr,
		pipe:   cfg.Pipeline,
		logger: logging.Default(cfg.Logger).With("component", "server"),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/invoke/{function}", s.handleInvoke)
	mux.HandleFunc("GET /v1/functions", s.handleFunctions)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.logger.Info("server starting", "addr", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the listener address. Only valid after Run() has started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// InvokeResponse is the body returned for a successful invocation.
type InvokeResponse struct {
	InvocationID string          `json:"invocation_id"`
	Stream       string          `json:"stream"`
	Body         json.RawMessage `json:"body"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("function")

	payload, err := io.ReadAll(http.MaxBytesReader(w, req.Body, MaxPayloadSize))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	res, err := s.pipe.Invoke(req.Context(), name, payload)
	switch {
	case errors.Is(err, source.ErrUnknownFunction):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		// The function ran and failed; its error is already in the log
		// stream. 502 mirrors an upstream handler failure.
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	body := res.Body
	if !json.Valid(body) {
		// Functions normally return JSON; wrap anything else.
		body, _ = json.Marshal(string(res.Body))
	}
	s.writeJSON(w, InvokeResponse{
		InvocationID: res.InvocationID.String(),
		Stream:       res.Stream,
		Body:         body,
	})
}

func (s *Server) handleFunctions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string][]string{"functions": s.pipe.Registry().Functions()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.pipe.Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}
