// Package service exposes the health and run status of the starter over
// HTTP.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/ethereum-optimism/infra/op-starter/metrics"
)

const (
	StatusHost = "0.0.0.0"
	StatusPort = "8080"
)

// StatusServer serves /healthz and the run status API.
type StatusServer struct {
	tracker *Tracker
	log     log.Logger
	server  *http.Server
}

func NewStatusServer(tracker *Tracker, logger log.Logger) *StatusServer {
	return &StatusServer{tracker: tracker, log: logger.New("component", "status-server")}
}

// Handler returns the routed handler with CORS applied.
func (s *StatusServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", s.handleGet).Methods(http.MethodGet)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	return c.Handler(r)
}

// Start listens on addr and serves until Shutdown.
func (s *StatusServer) Start(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	s.log.Info("Starting status server", "addr", addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		metrics.RecordErrorDetails("status_server", err)
	}
	return err
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK")) //nolint:errcheck
}

func (s *StatusServer) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.List())
}

func (s *StatusServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, ok := s.tracker.Get(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Failed to write response", "err", err)
	}
}
