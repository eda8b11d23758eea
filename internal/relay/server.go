package relay

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/example/pedalup/internal/config"
)

// Server is the relay's HTTP surface: the websocket endpoint plus health
// and metrics. The hub does all routing; the server only owns connection
// lifecycle.
type Server struct {
	hub    *Hub
	cfg    config.RelayConfig
	logger *slog.Logger
	mux    *mux.Router
}

var upgrader = websocket.Upgrader{
	// The relay is shared by browser frontends and embedded devices on a
	// trusted URL; origin filtering happens upstream if at all.
	CheckOrigin: func(*http.Request) bool { return true },
}

func NewServer(cfg config.RelayConfig, logger *slog.Logger, telemetry TelemetryPublisher) *Server {
	s := &Server{
		hub:    NewHub(logger, telemetry),
		cfg:    cfg,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Hub exposes the switch for tests and the healthz payload.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	p := s.hub.AddPeer(conn, rate.Limit(s.cfg.PeerRatePerSec), s.cfg.PeerRateBurst)
	go s.readLoop(p, conn)
}

// readLoop pumps inbound frames into the hub until the connection dies.
// No reconnection state is kept; a returning peer must re-register.
func (s *Server) readLoop(p *Peer, conn *websocket.Conn) {
	defer func() {
		s.hub.RemovePeer(p)
		_ = conn.Close()
	}()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("read error", "peer", p.ID(), "error", err)
			}
			return
		}
		s.hub.HandleMessage(p, raw)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
