// Package signaling implements the call handshake and the WebRTC negotiation
// relay on top of the presence directory.
//
// Every inbound frame is handled to completion on the sending session's read
// loop, and every recipient has one FIFO send queue, so frames from one
// sender to one recipient arrive in the order they were sent.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mossy-p/moodlink-signaling/internal/calls"
	"github.com/mossy-p/moodlink-signaling/internal/models"
	"github.com/mossy-p/moodlink-signaling/internal/presence"
)

var (
	// ErrRecipientNotPresent is the only delivery failure: the named identity
	// has no live session.
	ErrRecipientNotPresent = errors.New("recipient not present")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrUnknownMessageType  = errors.New("unknown message type")
)

// Conn is a client session as seen by the switchboard.
type Conn interface {
	presence.Session
	Identity() string
	BindIdentity(identity string) bool
}

// Remote reaches identities held by other nodes. Forward reports false when
// no node owns the identity. Abandon tells the other nodes an identity left.
type Remote interface {
	Announce(ctx context.Context, identity string) error
	Withdraw(ctx context.Context, identity string) error
	Forward(ctx context.Context, identity string, msg models.Message) (bool, error)
	Abandon(ctx context.Context, identity string) error
}

type Options struct {
	Signer  *calls.Signer
	Tracker *calls.Tracker
	// Remote is nil for a single-node deployment.
	Remote Remote
	// NotifyUndeliverable answers undeliverable frames with delivery-failed.
	NotifyUndeliverable bool
	Logger              zerolog.Logger
}

// Switchboard routes signaling frames between registered identities.
type Switchboard struct {
	dir     *presence.Directory
	signer  *calls.Signer
	tracker *calls.Tracker
	remote  Remote
	notify  bool
	logger  zerolog.Logger
}

func New(dir *presence.Directory, opts Options) *Switchboard {
	sb := &Switchboard{
		dir:     dir,
		signer:  opts.Signer,
		tracker: opts.Tracker,
		remote:  opts.Remote,
		notify:  opts.NotifyUndeliverable,
		logger:  opts.Logger,
	}
	if sb.tracker == nil {
		sb.tracker = calls.NewTracker()
	}
	return sb
}

// Directory returns the presence directory the switchboard routes through.
func (sb *Switchboard) Directory() *presence.Directory {
	return sb.dir
}

// Handle decodes one frame from c and dispatches it by type.
func (sb *Switchboard) Handle(ctx context.Context, c Conn, data []byte) error {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case models.TypeRegister:
		return sb.Register(ctx, c, msg.Identity)
	case models.TypeCallRequest:
		return sb.Request(ctx, c, msg)
	case models.TypeCallAccept:
		return sb.Respond(ctx, c, msg, calls.PhaseAccepted)
	case models.TypeCallReject:
		return sb.Respond(ctx, c, msg, calls.PhaseRejected)
	case models.TypeOffer:
		return sb.RelayOffer(ctx, c, msg)
	case models.TypeAnswer:
		return sb.RelayAnswer(ctx, c, msg)
	case models.TypeICECandidate:
		return sb.RelayCandidate(ctx, c, msg)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
}

// Register binds identity to c, silently displacing any earlier holder.
func (sb *Switchboard) Register(ctx context.Context, c Conn, identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty identity", ErrMalformedMessage)
	}

	if !c.BindIdentity(identity) {
		sb.logger.Warn().
			Str("session", c.ID()).
			Str("bound", c.Identity()).
			Str("identity", identity).
			Msg("session registers a second identity")
	}

	if displaced := sb.dir.Register(c, identity); displaced != nil {
		sb.logger.Info().
			Str("identity", identity).
			Str("session", c.ID()).
			Str("displaced", displaced.ID()).
			Msg("identity moved to a new session")
	}

	if sb.remote != nil {
		if err := sb.remote.Announce(ctx, identity); err != nil {
			return fmt.Errorf("failed to announce %s: %w", identity, err)
		}
	}

	sb.logger.Info().Str("identity", identity).Str("session", c.ID()).Msg("user registered")
	return nil
}

// Disconnect removes every identity owned by c and abandons their pending
// call attempts on every node. No client is notified.
func (sb *Switchboard) Disconnect(ctx context.Context, c Conn) {
	for _, identity := range sb.dir.Remove(c) {
		if sb.remote != nil {
			if err := sb.remote.Withdraw(ctx, identity); err != nil {
				sb.logger.Error().Err(err).Str("identity", identity).Msg("failed to withdraw presence")
			}
			if err := sb.remote.Abandon(ctx, identity); err != nil {
				sb.logger.Error().Err(err).Str("identity", identity).Msg("failed to broadcast disconnect")
			}
		}
		abandoned := sb.tracker.Abandon(identity)
		sb.logger.Info().
			Str("identity", identity).
			Int("abandoned_calls", len(abandoned)).
			Msg("user disconnected")
	}
}

// Request opens a call attempt and invites the callee.
func (sb *Switchboard) Request(ctx context.Context, c Conn, msg models.Message) error {
	from := senderOf(c, msg)
	to := msg.ToIdentity

	attempt, superseded := sb.tracker.Open(from, to)
	if superseded != nil {
		sb.logger.Debug().
			Str("attempt", superseded.ID).
			Str("from", from).
			Str("to", to).
			Msg("call attempt superseded")
	}

	token, err := sb.signer.Issue(attempt)
	if err != nil {
		sb.tracker.Discard(attempt.ID)
		return err
	}

	if err := sb.deliver(ctx, to, models.IncomingCall(from, token)); err != nil {
		sb.tracker.Discard(attempt.ID)
		return sb.undeliverable(c, msg, err)
	}

	sb.logger.Info().Str("attempt", attempt.ID).Str("from", from).Str("to", to).Msg("call request")
	return nil
}

// Respond relays the callee's accept or reject to the caller. A call token,
// when present, must belong to this caller/callee pair.
func (sb *Switchboard) Respond(ctx context.Context, c Conn, msg models.Message, phase calls.Phase) error {
	from := senderOf(c, msg)
	caller := msg.ToIdentity

	if msg.CallToken != "" {
		if _, err := sb.signer.Verify(msg.CallToken, caller, from); err != nil {
			sb.logger.Warn().Err(err).Str("from", from).Str("to", caller).Msg("dropping call response")
			return err
		}
	}

	out := models.CallAccepted(from, msg.CallToken)
	if phase == calls.PhaseRejected {
		out = models.CallRejected(from, msg.CallToken)
	}

	if err := sb.deliver(ctx, caller, out); err != nil {
		return sb.undeliverable(c, msg, err)
	}

	sb.logger.Info().Str("from", from).Str("to", caller).Str("phase", string(phase)).Msg("call response")
	return nil
}

// RelayOffer forwards an SDP offer tagged with the sender's bound identity.
func (sb *Switchboard) RelayOffer(ctx context.Context, c Conn, msg models.Message) error {
	out := models.RelayedOffer(c.Identity(), msg.Offer, msg.CallToken)
	return sb.relay(ctx, c, msg, out)
}

// RelayAnswer forwards an SDP answer without naming the sender.
func (sb *Switchboard) RelayAnswer(ctx context.Context, c Conn, msg models.Message) error {
	return sb.relay(ctx, c, msg, models.RelayedAnswer(msg.Answer, msg.CallToken))
}

// RelayCandidate forwards one ICE candidate.
func (sb *Switchboard) RelayCandidate(ctx context.Context, c Conn, msg models.Message) error {
	return sb.relay(ctx, c, msg, models.RelayedCandidate(msg.Candidate, msg.CallToken))
}

func (sb *Switchboard) relay(ctx context.Context, c Conn, in, out models.Message) error {
	if err := sb.deliver(ctx, in.ToIdentity, out); err != nil {
		return sb.undeliverable(c, in, err)
	}
	sb.logger.Trace().Str("type", string(out.Type)).Str("to", in.ToIdentity).Msg("relayed")
	return nil
}

// DeliverLocal hands msg to the session of identity on this node. Call
// responses settle their attempt here, on the caller's node, and are
// dropped if the attempt is no longer pending.
func (sb *Switchboard) DeliverLocal(identity string, msg models.Message) error {
	s, ok := sb.dir.Resolve(identity)
	if !ok {
		return ErrRecipientNotPresent
	}

	if err := sb.settle(identity, msg); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}
	return s.Enqueue(data)
}

// ReleaseLocal drops identity after another node took it over.
func (sb *Switchboard) ReleaseLocal(identity string) {
	if s, ok := sb.dir.Release(identity, ""); ok {
		sb.logger.Info().Str("identity", identity).Str("session", s.ID()).Msg("identity taken over by another node")
	}
}

// AbandonLocal drops this node's pending attempts involving an identity
// that disconnected from another node.
func (sb *Switchboard) AbandonLocal(identity string) {
	if abandoned := sb.tracker.Abandon(identity); len(abandoned) > 0 {
		sb.logger.Debug().Str("identity", identity).Int("abandoned_calls", len(abandoned)).Msg("remote disconnect abandoned calls")
	}
}

func (sb *Switchboard) settle(caller string, msg models.Message) error {
	var phase calls.Phase
	switch msg.Type {
	case models.TypeCallAccepted:
		phase = calls.PhaseAccepted
	case models.TypeCallRejected:
		phase = calls.PhaseRejected
	default:
		return nil
	}

	if msg.CallToken == "" {
		sb.tracker.SettlePair(caller, msg.FromIdentity, phase)
		return nil
	}

	claims, err := sb.signer.Parse(msg.CallToken)
	if err != nil {
		return err
	}
	if _, err := sb.tracker.Settle(claims.ID, phase); err != nil {
		sb.logger.Debug().Str("attempt", claims.ID).Str("to", caller).Msg("dropping response to stale call attempt")
		return fmt.Errorf("attempt %s: %w", claims.ID, err)
	}
	return nil
}

func (sb *Switchboard) deliver(ctx context.Context, to string, msg models.Message) error {
	err := sb.DeliverLocal(to, msg)
	if !errors.Is(err, ErrRecipientNotPresent) || sb.remote == nil {
		return err
	}

	ok, err := sb.remote.Forward(ctx, to, msg)
	if err != nil {
		return fmt.Errorf("failed to forward to %s: %w", to, err)
	}
	if !ok {
		return ErrRecipientNotPresent
	}
	return nil
}

func (sb *Switchboard) undeliverable(c Conn, in models.Message, err error) error {
	if !errors.Is(err, ErrRecipientNotPresent) {
		return err
	}

	sb.logger.Debug().Str("type", string(in.Type)).Str("to", in.ToIdentity).Msg("recipient not present, dropping")
	if sb.notify {
		data, merr := json.Marshal(models.DeliveryFailed(in.ToIdentity, in.Type, ErrRecipientNotPresent.Error()))
		if merr == nil {
			_ = c.Enqueue(data)
		}
	}
	return fmt.Errorf("%s to %q: %w", in.Type, in.ToIdentity, err)
}

func senderOf(c Conn, msg models.Message) string {
	if msg.FromIdentity != "" {
		return msg.FromIdentity
	}
	return c.Identity()
}
