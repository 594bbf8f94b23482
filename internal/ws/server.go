package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"pergola/internal/auth"
	"pergola/internal/metrics"
	"pergola/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

type Authenticator interface {
	Authenticate(token string) (models.User, error)
}

type Server struct {
	auth     Authenticator
	gateway  *Gateway
	config   ConnectionConfig
	upgrader *websocket.Upgrader
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewServer(auth Authenticator, gateway *Gateway, config ConnectionConfig, m *metrics.Metrics, log *zap.Logger) *Server {
	return &Server{
		auth:    auth,
		gateway: gateway,
		config:  config.withDefaults(),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		metrics: m,
		log:     log.Named("ws"),
	}
}

// HandleConnections authenticates the handshake and serves the socket.
// Requests without a valid credential are rejected before the upgrade.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.Authenticate(auth.TokenFromRequest(r))
	if err != nil {
		status := http.StatusUnauthorized
		if models.CodeOf(err) == models.CodeInternal {
			status = http.StatusInternalServerError
			s.log.Error("handshake failed", zap.Error(err))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(models.APIResponse{
			Success: false,
			Message: models.PublicMessage(err),
			Code:    models.CodeOf(err),
		})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading to websocket", zap.Error(err))
		return
	}

	c := NewConnection(s.gateway, newGorillaConn(conn, s.config.PingInterval), user.ID, s.config, s.metrics, s.log)
	if err := c.Handle(r.Context()); err != nil {
		s.log.Debug("connection closed", zap.String("user", user.ID), zap.Error(err))
	}
}

// gorillaConn adapts a gorilla websocket to wsConnection. The connection
// is dropped when no pong arrives within two ping intervals.
type gorillaConn struct {
	conn *websocket.Conn
}

func newGorillaConn(conn *websocket.Conn, pingInterval time.Duration) *gorillaConn {
	pongWait := 2 * pingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &gorillaConn{conn: conn}
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}

func (g *gorillaConn) WriteJSON(v any) error {
	_ = g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return g.conn.WriteJSON(v)
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *gorillaConn) Ping() error {
	return g.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
