package fanout

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-ingest/internal/clock"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServerConfig bounds the fan-out endpoint path and each new client's
// token-bucket rate limit (§4.9's rate-limit-bucket session field).
type ServerConfig struct {
	Path        string // default "/ws"
	BucketRate  rate.Limit
	BucketBurst int
}

// Server upgrades inbound HTTP connections to WebSocket sessions registered
// with a Hub, grounded on pkg/websocket/client.go's connection-bootstrap
// wiring (NewClient + spawned read/write pumps).
type Server struct {
	hub *Hub
	cfg ServerConfig
	clk clock.Clock
}

// NewServer constructs a Server bound to hub. hub.Run must be started
// separately.
func NewServer(hub *Hub, cfg ServerConfig, clk clock.Clock) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Server{hub: hub, cfg: cfg, clk: clk}
}

// ServeHTTP upgrades the request to a WebSocket connection, builds a fresh
// session and client, registers it with the hub, and spawns its read/write
// pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var bucket *rate.Limiter
	if s.cfg.BucketRate > 0 {
		bucket = rate.NewLimiter(s.cfg.BucketRate, s.cfg.BucketBurst)
	}
	session := NewSession(uuid.NewString(), s.clk, bucket)
	client := NewClient(conn, session, s.hub, s.clk)
	s.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}

// Path reports the endpoint this server should be mounted at.
func (s *Server) Path() string { return s.cfg.Path }
