// Package server adapts individual WebSocket clients to the session
// transport, handling the write pump, keepalive, and close handshakes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/room"
	"github.com/Tyrowin/roomchat/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrConnClosed is returned by Send once the client has been closed.
	ErrConnClosed = fmt.Errorf("websocket client: %w", session.ErrConnectionClosed)
	// ErrSendQueueFull is returned by Send when the outbound queue is full.
	ErrSendQueueFull = errors.New("websocket client: send queue full")
)

// Client represents a WebSocket connection taking part in a room. Sends are
// queued and written by a single write pump; frames are read by the session
// goroutine through Receive.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	addr           string
	maxMessageSize int64
	log            *slog.Logger

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	quit        chan struct{}
	done        chan struct{}
}

// NewClient creates a new Client for an upgraded connection. The send
// channel is buffered to handle message queuing.
func NewClient(conn *websocket.Conn, addr string, cfg Config, log *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		log:            log.With("addr", addr),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start arms the keepalive read deadline and launches the write pump.
func (c *Client) Start() {
	c.setupReadConnection()
	go c.writePump()
}

// Done is closed once the write pump has exited and the connection is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send queues msg for delivery without blocking and fails with
// ErrSendQueueFull when the queue is full.
func (c *Client) Send(_ context.Context, msg room.Message) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendWait queues msg, waiting for space until ctx is done or the client
// closes. Handshake notices and history replay go through it.
func (c *Client) SendWait(ctx context.Context, msg room.Message) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.quit:
		return ErrConnClosed
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func encode(msg room.Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return payload, nil
}

// Receive reads and decodes the next JSON frame.
func (c *Client) Receive(_ context.Context) (session.Frame, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		c.logReadError(err)
		return session.Frame{}, fmt.Errorf("read: %w", session.ErrConnectionClosed)
	}

	var frame session.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Info("ws.malformed_frame", "err", err)
		return session.Frame{}, fmt.Errorf("%w: %v", session.ErrMalformedFrame, err)
	}
	return frame, nil
}

// Close flushes queued messages and then closes the connection with code.
// Only the first call has an effect.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.quit)
	return nil
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("ws.read_deadline_failed", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Debug("ws.read_deadline_failed", "err", err)
		}
		return nil
	})
}

// logReadError logs read failures at a level matching how expected they are.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("ws.message_too_large", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug("ws.disconnected", "err", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("ws.connection_closed", "err", err)
	default:
		c.log.Warn("ws.read_error", "err", err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
		close(c.done)
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-c.quit:
		c.drainQueue()
		return c.writeCloseMessage()
	case <-ticker.C:
		return c.handlePing()
	}
}

// drainQueue writes the frames queued before Close so that a final notice
// reaches the peer ahead of the close frame.
func (c *Client) drainQueue() {
	for {
		select {
		case message := <-c.send:
			if !c.writeTextMessage(message) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("ws.close_failed", "err", err)
	}
}

func (c *Client) writeCloseMessage() bool {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	deadline := time.Now().Add(writeWait)
	payload := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, payload, deadline); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("ws.close_write_failed", "err", err)
	}
	return false
}

func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("ws.write_deadline_failed", "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("ws.write_failed", "err", err)
		}
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		c.log.Debug("ws.ping_failed", "err", err)
		return false
	}
	return true
}
