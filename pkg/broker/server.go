// Package broker implements the screen-sharing session broker: it
// assigns session codes, tracks per-connection roles, relays frames from
// the sharer to viewers, and runs the remote-control handoff protocol.
package broker

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// sendQueueSize is the per-connection outbound buffer. A viewer that
// falls this far behind starts losing frames; screen sharing is a
// latest-state-wins medium.
const sendQueueSize = 256

// Options configures a Server. Zero values give a working server with a
// private metrics registry and the default logger.
type Options struct {
	Logger  *slog.Logger
	Metrics *Metrics

	// JoinRate and JoinBurst limit WebSocket upgrades per second.
	// JoinRate <= 0 disables limiting.
	JoinRate  float64
	JoinBurst int
}

// Server manages WebSocket connections and session routing.
type Server struct {
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	started  time.Time
}

// NewServer creates a broker server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	s := &Server{
		registry: NewRegistry(),
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // codes are the access control, not origins
			},
		},
		started: time.Now(),
	}
	if opts.JoinRate > 0 {
		burst := opts.JoinBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.JoinRate), burst)
	}
	return s
}

// Registry exposes the session registry, mainly for health reporting.
func (s *Server) Registry() *Registry {
	return s.registry
}

// SetupRoutes mounts the broker's HTTP surface on the router.
func (s *Server) SetupRoutes(r *mux.Router) {
	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

// HandleWebSocket upgrades the connection and starts its pumps. The
// connection stays unassigned until its first start-sharing or
// join-session message.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		http.Error(w, "too many connections, try again later", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := newClient(s, conn)
	s.logger.Info("connection opened", "conn", client.id, "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.registry.SessionCount(),
		"viewers":  s.registry.ViewerCount(),
		"uptime":   time.Since(s.started).String(),
	})
}

// removeClient unwinds registry state after a connection closes. Safe to
// reach even if the session was already destroyed by a racing sharer
// close: the registry lookups no-op on missing entries.
func (s *Server) removeClient(c *Client) {
	switch c.role {
	case roleSharer:
		viewers := s.registry.Destroy(c.code)

		data, _ := json.Marshal(noticeMsg{Type: TypeSharerDisconnected})
		for _, v := range viewers {
			v.enqueue(websocket.TextMessage, data)
			v.shutdown()
		}
		s.metrics.sessionsActive.Dec()
		s.metrics.viewersActive.Sub(float64(len(viewers)))
		s.logger.Info("session closed", "conn", c.id, "code", c.code, "viewers", len(viewers))

	case roleViewer:
		if _, ok := s.registry.Lookup(c.code); ok {
			s.registry.RemoveViewer(c.code, c)
			s.metrics.viewersActive.Dec()
		}
		s.logger.Info("viewer left", "conn", c.id, "code", c.code)

	default:
		s.logger.Debug("unassigned connection closed", "conn", c.id)
	}
}
