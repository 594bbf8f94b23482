package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"pergola/internal/metrics"
	"pergola/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize    = 64
	DefaultPingInterval = 25 * time.Second
)

var errKicked = errors.New("connection closed by server")

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Ping() error
}

type dispatcher interface {
	Connect(c *Connection) error
	Dispatch(c *Connection, ev models.ClientEvent) models.Ack
	Disconnect(c *Connection)
}

type ConnectionConfig struct {
	QueueSize    int
	PingInterval time.Duration
}

func (cfg ConnectionConfig) withDefaults() ConnectionConfig {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	return cfg
}

// Connection is a single authenticated client socket. Client events are
// handled one at a time in arrival order; server events are queued and
// written by the same loop.
type Connection struct {
	ID     string
	UserID string

	ws         wsConnection
	gw         dispatcher
	config     ConnectionConfig
	fromClient chan models.ClientEvent
	fromServer chan models.ServerEvent
	done       chan struct{}
	kickOnce   sync.Once
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func NewConnection(
	gw dispatcher,
	ws wsConnection,
	userID string,
	config ConnectionConfig,
	m *metrics.Metrics,
	log *zap.Logger,
) *Connection {
	config = config.withDefaults()
	id := uuid.NewString()
	return &Connection{
		ID:         id,
		UserID:     userID,
		ws:         ws,
		gw:         gw,
		config:     config,
		fromClient: make(chan models.ClientEvent),
		fromServer: make(chan models.ServerEvent, config.QueueSize),
		done:       make(chan struct{}),
		metrics:    m,
		log:        log.With(zap.String("conn", id), zap.String("user", userID)),
	}
}

// Send queues ev for the client without blocking. A connection whose
// queue is full is closed and the event is dropped.
func (c *Connection) Send(ev models.ServerEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.fromServer <- ev:
		return true
	default:
		c.metrics.Dropped.Inc()
		c.log.Warn("outbound queue full, closing connection", zap.String("event", string(ev.Type)))
		c.Kick()
		return false
	}
}

// Kick asks the connection to close.
func (c *Connection) Kick() {
	c.kickOnce.Do(func() { close(c.done) })
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Handle runs the connection until the client goes away, the server
// kicks it or ctx is cancelled.
func (c *Connection) Handle(ctx context.Context) error {
	if err := c.gw.Connect(c); err != nil {
		_ = c.ws.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errorCh := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Go(func() {
		errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-errorCh:
	case <-ctx.Done():
	}

	// Both loops must be stopped before leaving the rooms: a command still
	// in Dispatch could otherwise join a room after Disconnect. Send fails
	// once the connection is kicked, so nothing is queued meanwhile.
	c.Kick()
	cancel()
	_ = c.ws.Close()
	wg.Wait()
	c.gw.Disconnect(c)

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errKicked) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		// Frames that do not decode are reported and skipped; only
		// transport errors end the connection.
		var ev models.ClientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debug("malformed frame", zap.Error(err))
			c.Send(models.ServerEvent{
				Type: models.ServerEventError,
				Data: models.AckError(models.ErrInvalidInput),
			})
			continue
		}

		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.fromClient:
			ack := c.gw.Dispatch(c, ev)
			if ev.ID == "" {
				continue
			}
			if err := c.ws.WriteJSON(models.ServerEvent{Type: models.ServerEventAck, ID: ev.ID, Data: ack}); err != nil {
				return err
			}
		case ev := <-c.fromServer:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.Ping(); err != nil {
				return err
			}
		case <-c.done:
			return errKicked
		case <-ctx.Done():
			return nil
		}
	}
}
