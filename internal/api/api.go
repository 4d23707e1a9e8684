// Package api provides the operator HTTP API for the relay hub.
//
// It exposes RESTful endpoints for managing service instances and
// subscriptions, inspecting the outgoing queue, canonical messages, and the
// audit log, and triggering pipeline stages on demand.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/msgrelay/relayhub/internal/connector"
	"github.com/msgrelay/relayhub/internal/pipeline"
	"github.com/msgrelay/relayhub/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Stages bundles the manually triggerable pipeline stages.
type Stages struct {
	Ingestor      *pipeline.Ingestor
	Canonicalizer *pipeline.Canonicalizer
	Distributor   *pipeline.Distributor
	Delivery      *pipeline.DeliveryWorker
}

// Server is the operator API server.
type Server struct {
	store      store.Store
	connectors *connector.Registry
	lifecycle  *pipeline.Lifecycle
	stages     Stages

	httpServer *http.Server
}

// NewServer creates the API server listening on addr.
func NewServer(addr string, st store.Store, connectors *connector.Registry, lifecycle *pipeline.Lifecycle, stages Stages) *Server {
	s := &Server{
		store:      st,
		connectors: connectors,
		lifecycle:  lifecycle,
		stages:     stages,
	}

	r := mux.NewRouter()
	r.HandleFunc("/connectors", s.listConnectorsHandler).Methods(http.MethodGet)
	r.HandleFunc("/instances", s.listInstancesHandler).Methods(http.MethodGet)
	r.HandleFunc("/instances", s.activateInstanceHandler).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}", s.getInstanceHandler).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}", s.removeInstanceHandler).Methods(http.MethodDelete)
	r.HandleFunc("/instances/{id}/test", s.testInstanceHandler).Methods(http.MethodPost)
	r.HandleFunc("/subscriptions", s.saveSubscriptionHandler).Methods(http.MethodPut)
	r.HandleFunc("/subscriptions/{userID}/{instanceID}", s.deactivateSubscriptionHandler).Methods(http.MethodDelete)
	r.HandleFunc("/messages", s.listMessagesHandler).Methods(http.MethodGet)
	r.HandleFunc("/queue", s.listQueueHandler).Methods(http.MethodGet)
	r.HandleFunc("/queue/{id}", s.getQueueEntryHandler).Methods(http.MethodGet)
	r.HandleFunc("/queue/{id}/requeue", s.requeueHandler).Methods(http.MethodPost)
	r.HandleFunc("/audit", s.listAuditHandler).Methods(http.MethodGet)
	r.HandleFunc("/run/{stage}", s.runStageHandler).Methods(http.MethodPost)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	slog.Info("Server.Run: operator API listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
