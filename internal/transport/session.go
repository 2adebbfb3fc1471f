// Package transport runs one persistent websocket session per browser tab:
// a read loop that hands each frame to a Handler to completion, and a write
// loop draining a single FIFO send queue.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendQueueSize  = 256
)

// ErrSendQueueFull is returned when a session cannot keep up with its
// inbound traffic. The session is closed instead of dropping frames.
var ErrSendQueueFull = errors.New("send queue full")

// ErrSessionClosed is returned by Enqueue after the session has gone away.
var ErrSessionClosed = errors.New("session closed")

// Upgrader is shared by every websocket endpoint. Origin checking is
// handled by middleware.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler consumes a session's inbound frames.
type Handler interface {
	// HandleMessage is called sequentially from the session's read loop.
	HandleMessage(ctx context.Context, s *Session, data []byte)
	// HandleClose is called once after the read loop exits.
	HandleClose(s *Session)
}

// Session is a connected client.
type Session struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	mu       sync.RWMutex
	identity string
	closed   bool
	// doomed is set when a frame was refused; nothing after it may be queued.
	doomed atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an upgraded connection.
func NewSession(conn *websocket.Conn, logger zerolog.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		logger: logger.With().Str("session", id).Logger(),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Identity returns the identity bound by registration, or "".
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// BindIdentity sets the session identity once. Later calls keep the first
// identity and report false.
func (s *Session) BindIdentity(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != "" {
		return s.identity == identity
	}
	s.identity = identity
	return true
}

// Enqueue appends a frame to the send queue without blocking. A full queue
// closes the session.
func (s *Session) Enqueue(data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.doomed.Load() {
		return ErrSendQueueFull
	}

	select {
	case s.send <- data:
		return nil
	default:
		if s.doomed.CompareAndSwap(false, true) {
			s.logger.Warn().Msg("send queue full, closing slow session")
			go s.Close()
		}
		return ErrSendQueueFull
	}
}

// Done is closed when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops both pumps. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
		close(s.done)
		s.conn.Close()
	})
}

// Serve runs the session until the connection drops or ctx is cancelled.
// It blocks; the write loop runs on its own goroutine.
func (s *Session) Serve(ctx context.Context, h Handler) {
	go s.writePump()

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	s.readPump(ctx, h)
}

func (s *Session) readPump(ctx context.Context, h Handler) {
	defer func() {
		s.Close()
		h.HandleClose(s)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("websocket error")
			}
			return
		}
		h.HandleMessage(ctx, s, message)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
