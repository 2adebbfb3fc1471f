// Package client is a native signaling client: it registers an identity and
// exchanges handshake and negotiation frames with the signaling server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/moodlink-signaling/internal/models"
)

const (
	writeWait   = 10 * time.Second
	inboundSize = 64
)

// ErrClosed is returned when writing after Close.
var ErrClosed = errors.New("client closed")

// Client holds one signaling websocket.
type Client struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu  sync.Mutex
	identity string

	inbound   chan models.Message
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to a signaling endpoint such as ws://localhost:3001/ws/signal.
func Dial(ctx context.Context, url string, logger zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		inbound: make(chan models.Message, inboundSize),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages yields inbound frames in arrival order. It is closed when the
// connection drops.
func (c *Client) Messages() <-chan models.Message {
	return c.inbound
}

// Identity returns the identity last registered by this client.
func (c *Client) Identity() string {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.identity
}

func (c *Client) Register(identity string) error {
	if err := c.send(models.Message{Type: models.TypeRegister, Identity: identity}); err != nil {
		return err
	}
	c.writeMu.Lock()
	c.identity = identity
	c.writeMu.Unlock()
	return nil
}

// Call invites to into a call.
func (c *Client) Call(to string) error {
	return c.send(models.Message{Type: models.TypeCallRequest, FromIdentity: c.Identity(), ToIdentity: to})
}

func (c *Client) Accept(caller, callToken string) error {
	return c.send(models.Message{Type: models.TypeCallAccept, FromIdentity: c.Identity(), ToIdentity: caller, CallToken: callToken})
}

func (c *Client) Reject(caller, callToken string) error {
	return c.send(models.Message{Type: models.TypeCallReject, FromIdentity: c.Identity(), ToIdentity: caller, CallToken: callToken})
}

func (c *Client) SendOffer(to string, offer json.RawMessage, callToken string) error {
	return c.send(models.Message{Type: models.TypeOffer, ToIdentity: to, Offer: offer, CallToken: callToken})
}

func (c *Client) SendAnswer(to string, answer json.RawMessage, callToken string) error {
	return c.send(models.Message{Type: models.TypeAnswer, ToIdentity: to, Answer: answer, CallToken: callToken})
}

func (c *Client) SendCandidate(to string, candidate json.RawMessage, callToken string) error {
	return c.send(models.Message{Type: models.TypeICECandidate, ToIdentity: to, Candidate: candidate, CallToken: callToken})
}

// Close sends a close frame and tears down the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(msg models.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// readLoop also answers server pings through gorilla's default handler.
func (c *Client) readLoop() {
	defer close(c.inbound)
	for {
		var msg models.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warn().Err(err).Msg("skipping malformed frame")
				continue
			}
			select {
			case <-c.done:
			default:
				c.logger.Debug().Err(err).Msg("signaling connection closed")
			}
			return
		}

		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}
