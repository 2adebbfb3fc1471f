// Package peer runs the native WebRTC leg of a call: one peer connection
// with a single pre-negotiated data channel, negotiated through any
// Signaler.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/moodlink-signaling/internal/models"
)

const (
	channelLabel = "moodlink"
	inboxSize    = 32
)

// ErrNotOpen is returned by Send before the data channel opens.
var ErrNotOpen = errors.New("data channel not open")

// Signaler carries negotiation frames to the remote identity.
type Signaler interface {
	SendOffer(to string, offer json.RawMessage, callToken string) error
	SendAnswer(to string, answer json.RawMessage, callToken string) error
	SendCandidate(to string, candidate json.RawMessage, callToken string) error
}

type Options struct {
	// ICEServers are STUN/TURN urls. Empty means host candidates only.
	ICEServers []string
	// Loopback admits 127.0.0.1 candidates, for same-machine calls.
	Loopback bool
	Logger   zerolog.Logger
}

// Call is one side of a peer connection with remote.
type Call struct {
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	sig       Signaler
	remote    string
	callToken string
	logger    zerolog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	inbox     chan string
}

// New prepares a call with remote. Both sides create it before any
// negotiation frame arrives so early candidates are buffered.
func New(sig Signaler, remote, callToken string, opts Options) (*Call, error) {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(opts.Loopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	var config webrtc.Configuration
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &Call{
		pc:        pc,
		sig:       sig,
		remote:    remote,
		callToken: callToken,
		logger:    opts.Logger.With().Str("remote", remote).Logger(),
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
		inbox:     make(chan string, inboxSize),
	}

	// Negotiated with a fixed id so neither side waits on OnDataChannel.
	negotiated := true
	id := uint16(0)
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	c.dc = dc

	dc.OnOpen(func() {
		c.readyOnce.Do(func() { close(c.ready) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case c.inbox <- string(msg.Data):
		default:
			c.logger.Warn().Msg("inbox full, dropping data channel message")
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		data, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		if err := c.sig.SendCandidate(c.remote, data, c.callToken); err != nil {
			c.logger.Warn().Err(err).Msg("failed to send candidate")
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug().Str("state", state.String()).Msg("peer connection state")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			c.closeOnce.Do(func() { close(c.closed) })
		}
	})

	return c, nil
}

// Offer starts negotiation from the caller side.
func (c *Call) Offer() error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	data, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return c.sig.SendOffer(c.remote, data, c.callToken)
}

// HandleSignal applies one negotiation frame from the remote side. Other
// frame types are ignored.
func (c *Call) HandleSignal(msg models.Message) error {
	switch msg.Type {
	case models.TypeOffer:
		return c.handleOffer(msg.Offer)
	case models.TypeAnswer:
		return c.handleAnswer(msg.Answer)
	case models.TypeICECandidate:
		return c.handleCandidate(msg.Candidate)
	default:
		return nil
	}
}

func (c *Call) handleOffer(raw json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return fmt.Errorf("invalid offer: %w", err)
	}
	if err := c.setRemote(offer); err != nil {
		return err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	data, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return c.sig.SendAnswer(c.remote, data, c.callToken)
}

func (c *Call) handleAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("invalid answer: %w", err)
	}
	return c.setRemote(answer)
}

func (c *Call) handleCandidate(raw json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}

	c.mu.Lock()
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

// setRemote applies the remote description and flushes buffered candidates.
func (c *Call) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.logger.Warn().Err(err).Msg("failed to add buffered candidate")
		}
	}
	return nil
}

// Ready is closed once the data channel opens.
func (c *Call) Ready() <-chan struct{} { return c.ready }

// Done is closed when the peer connection fails or closes.
func (c *Call) Done() <-chan struct{} { return c.closed }

// Messages yields text received on the data channel.
func (c *Call) Messages() <-chan string { return c.inbox }

// Send writes text on the data channel.
func (c *Call) Send(text string) error {
	select {
	case <-c.ready:
	default:
		return ErrNotOpen
	}
	return c.dc.SendText(text)
}

// Close hangs up.
func (c *Call) Close() error {
	err := c.pc.Close()
	c.closeOnce.Do(func() { close(c.closed) })
	return err
}
