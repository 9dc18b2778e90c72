// Package gateway terminates client transports for the relay: it upgrades
// inbound HTTP connections to WebSocket streams and hands them to the
// multiplexer or the broadcast hub, and serves the operational endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/muxtun/muxtun/internal/broadcast"
	"github.com/muxtun/muxtun/internal/config"
	"github.com/muxtun/muxtun/internal/metrics"
	"github.com/muxtun/muxtun/internal/relay"
	"github.com/muxtun/muxtun/internal/store"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// wsStream adapts a WebSocket connection to the stream interface the relay
// and broadcast hub consume. Writes are serialized by the stream's own lock.
type wsStream struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsStream) ReadMessage() ([]byte, error) {
	_, payload, err := s.conn.ReadMessage()
	return payload, err
}

func (s *wsStream) WriteMessage(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

// Server is the HTTP front of the relay.
type Server struct {
	cfg       config.ListenConfig
	bcCfg     config.BroadcastConfig
	relay     *relay.Relay
	hub       *broadcast.Hub // nil when the broadcast relay is disabled
	store     store.Store
	metrics   *metrics.Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	mux       *chi.Mux
	startTime time.Time
}

// NewServer creates the gateway and mounts its routes.
func NewServer(cfg config.ListenConfig, bcCfg config.BroadcastConfig, r *relay.Relay, hub *broadcast.Hub, st store.Store, m *metrics.Metrics, logger *slog.Logger) *Server {
	srv := &Server{
		cfg:       cfg,
		bcCfg:     bcCfg,
		relay:     r,
		hub:       hub,
		store:     st,
		metrics:   m,
		logger:    logger.With("component", "gateway"),
		upgrader:  makeUpgrader(cfg.AllowedOrigins),
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Get("/relay", srv.handleRelayWS)
	if hub != nil {
		mux.Get("/channel", srv.handleChannelWS)
	}
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/status", srv.handleStatus)
	mux.Method(http.MethodGet, "/metrics", m.Handler())
	srv.mux = mux

	return srv
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", s.cfg.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		timeout := s.cfg.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleRelayWS admits a client into the multiplexer. The credential check
// and the session lifecycle live in the relay; the gateway only supplies
// the connected stream.
func (s *Server) handleRelayWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("relay websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxClientMsgBytes)

	s.relay.HandleConnection(&wsStream{conn: conn}, req.RemoteAddr)
}

func (s *Server) handleChannelWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("channel websocket upgrade failed", "error", err)
		return
	}
	limit := s.bcCfg.MaxMsgBytes
	if limit <= 0 {
		limit = s.cfg.MaxClientMsgBytes
	}
	conn.SetReadLimit(limit)

	s.hub.HandleConnection(&wsStream{conn: conn}, req.RemoteAddr)
}

func (s *Server) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if err := s.store.Ping(req.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	status := map[string]any{
		"sessions":         s.relay.ActiveCount(),
		"pending_requests": s.relay.Tracker().PendingCount(),
		"resources":        s.relay.Tracker().ResourceCount(),
		"uptime_seconds":   int64(time.Since(s.startTime).Seconds()),
	}
	if s.hub != nil {
		status["channels"] = s.hub.ChannelCount()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("failed to encode status", "error", err)
	}
}
