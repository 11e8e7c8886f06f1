// Package httpapi serves the agent's read-only status surface: current
// portfolio weights, leverage, equity, per-strategy viability, a
// Prometheus /metrics endpoint, and a WebSocket feed that pushes the
// same snapshot after every trade tick, including the one each committed
// rebalance runs. Grounded on the teacher's
// internal/api/server.go, trimmed to a read-only surface — there is no
// run-a-backtest or submit-an-order endpoint here, only observation.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-desktop/portfolio-agent/internal/metrics"
	"github.com/atlas-desktop/portfolio-agent/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Snapshot is the read-only view of live agent state served over both
// the REST status endpoint and the WebSocket feed.
type Snapshot struct {
	Weights            map[string]float64        `json:"weights"`
	TotalEquity        float64                    `json:"totalEquity"`
	CurrentLeverage    float64                    `json:"currentLeverage"`
	RealizedVolatility float64                    `json:"realizedVolatility"`
	Positions          []types.Position           `json:"positions"`
	ViabilityReports   []types.ViabilityReport    `json:"viabilityReports"`
	LastRebalance      *time.Time                 `json:"lastRebalance"`
	UpdatedAt          time.Time                  `json:"updatedAt"`
}

// SnapshotSource supplies the current Snapshot on demand; the live agent
// implements it by reading its own locked state.
type SnapshotSource interface {
	Snapshot() Snapshot
}

// Config controls the server's listen address and timeouts.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sane defaults for local/ops use.
func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         8090,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the HTTP/WebSocket status server.
type Server struct {
	mu sync.RWMutex

	logger     *zap.Logger
	config     Config
	source     SnapshotSource
	metrics    *metrics.Registry
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*client
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer wires a status server over source, exposing metrics through reg.
func NewServer(logger *zap.Logger, config Config, source SnapshotSource, reg *metrics.Registry) *Server {
	s := &Server{
		logger:  logger,
		config:  config,
		source:  source,
		metrics: reg,
		router:  mux.NewRouter(),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/viability", s.handleViability).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler exposes the configured router, primarily for tests that want
// to drive requests without binding a real listener.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}).Handler(s.router)
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("starting status server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down, closing any open WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"status": "healthy", "time": time.Now().Unix()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.source.Snapshot())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	writeJSON(w, map[string]interface{}{"positions": snap.Positions})
}

func (s *Server) handleViability(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	writeJSON(w, map[string]interface{}{"viabilityReports": snap.ViabilityReports})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleWebSocket upgrades the connection and immediately sends the
// current snapshot; Broadcast pushes further snapshots as they occur.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	id := uuid.New().String()

	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()

	if data, err := json.Marshal(s.source.Snapshot()); err == nil {
		c.send <- data
	}

	go s.writePump(id, c)
	go s.readPump(id, c)
}

func (s *Server) readPump(id string, c *client) {
	defer s.disconnect(id, c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(id string, c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		s.disconnect(id, c)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) disconnect(id string, c *client) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
	c.conn.Close()
}

// Broadcast pushes snap to every connected WebSocket client, dropping
// clients whose send buffer is full rather than blocking.
func (s *Server) Broadcast(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}
