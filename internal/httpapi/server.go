// Package httpapi exposes the dashboard-facing REST surface and the
// websocket push channel. The REST endpoints double as the polling fallback
// clients use while the push channel is down.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/config"
	"github.com/zapdesk/zapdesk/internal/datadir"
	"github.com/zapdesk/zapdesk/internal/pairing"
	"github.com/zapdesk/zapdesk/internal/session"
	"github.com/zapdesk/zapdesk/internal/store"
)

// Server is the HTTP front of the daemon.
type Server struct {
	manager *session.Manager
	broker  *pairing.Broker
	db      *store.DB
	bc      *bus.Broadcaster
	cfg     *config.Config
	logger  *zap.Logger
	httpSrv *http.Server
}

// NewServer creates the HTTP server. The prometheus gatherer may be nil, in
// which case the default registry is exposed on /metrics.
func NewServer(manager *session.Manager, broker *pairing.Broker, db *store.DB,
	bc *bus.Broadcaster, cfg *config.Config, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager: manager,
		broker:  broker,
		db:      db,
		bc:      bc,
		cfg:     cfg,
		logger:  logger,
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/session", s.handleConnect)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/session", s.handleStatus)
	mux.HandleFunc("DELETE /api/v1/tenants/{tenant}/session", s.handleDisconnect)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/session/code", s.handleCode)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/session/qr.png", s.handleQRImage)
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/messages", s.handleSend)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/chats", s.handleChats)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/chats/{handle}/messages", s.handleMessages)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routing handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving in the background.
func (s *Server) Start() error {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	s.logger.Info("http server listening", zap.String("addr", s.cfg.ListenAddr))
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// tenant extracts and validates the tenant path segment. An empty return
// means the response was already written.
func (s *Server) tenant(w http.ResponseWriter, r *http.Request) string {
	id := r.PathValue("tenant")
	if err := datadir.ValidateTenantID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return ""
	}
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
