package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrSlowConsumer = errors.New("send buffer full")
	ErrPingTimeout  = errors.New("peer did not answer ping")
)

// callback executed when a message is received. Calls for one connection are
// sequential and in arrival order.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// callback executed once, after the connection is torn down.
type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	// ReadTimeout bounds how long a peer may stay silent, pings included.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	ReadLimit    int64
}

// Connection represents a single, thread-safe WebSocket connection. Frames
// passed to Send are written in call order.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	errMu     sync.Mutex
	closeErr  error

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    logger.With(slog.String("connID", id.String())),
		config:    config,
		onMessage: onMessage,
		onClose:   onClose,
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	c.wg.Add(1)
	if c.config.ReadLimit > 0 {
		c.conn.SetReadLimit(c.config.ReadLimit)
	}
	go c.readPump()
	go c.writePump()
	go c.teardown()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	for {
		typ, message, err := c.conn.Read(c.ctx)
		if err != nil {
			c.Close(err)
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection
// and pings the peer every half ReadTimeout.
func (c *Connection) writePump() {
	var ping <-chan time.Time
	if c.config.ReadTimeout > 0 {
		ticker := time.NewTicker(c.config.ReadTimeout / 2)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, c.config.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.Close(err)
				return
			}
		case <-ping:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.ReadTimeout/2)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close(errors.Join(ErrPingTimeout, err))
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// teardown runs once the connection context ends, whether from Close or
// from the parent context.
func (c *Connection) teardown() {
	<-c.ctx.Done()
	err := c.err()

	status := websocket.CloseStatus(err)
	c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))
	reason := ""
	if errors.Is(err, ErrSlowConsumer) {
		reason = "too slow"
	}
	c.conn.Close(websocket.StatusNormalClosure, reason)

	if c.onClose != nil {
		c.onClose(c.id, err)
	}
	c.logger.Info("Connection closed")
	close(c.done)
	c.wg.Done()
}

// Send queues a message for the client. It is safe for concurrent use and
// never blocks: a peer whose buffer is full is disconnected.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.ctx.Done():
		c.logger.Debug("Attempted to send on a closed connection")
		return false
	default:
	}

	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn("Send buffer full, dropping slow connection", slog.Int("buffer", cap(c.send)))
		c.Close(ErrSlowConsumer)
		return false
	}
}

// Close starts shutting the connection down. Only the first error is kept.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()
		c.cancel() // Signal goroutines to stop.
	})
}

func (c *Connection) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.closeErr == nil {
		return context.Cause(c.ctx)
	}
	return c.closeErr
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
