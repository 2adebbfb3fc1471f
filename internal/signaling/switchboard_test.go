package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/mossy-p/moodlink-signaling/internal/calls"
	"github.com/mossy-p/moodlink-signaling/internal/models"
	"github.com/mossy-p/moodlink-signaling/internal/presence"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	identity string
	frames   []models.Message
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *fakeConn) BindIdentity(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != "" {
		return c.identity == identity
	}
	c.identity = identity
	return true
}

func (c *fakeConn) Enqueue(data []byte) error {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, msg)
	return nil
}

func (c *fakeConn) received() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.frames))
	copy(out, c.frames)
	return out
}

func newTestBoard(opts Options) *Switchboard {
	if opts.Signer == nil {
		opts.Signer = calls.NewSigner("test-secret", 0)
	}
	opts.Logger = zerolog.Nop()
	return New(presence.NewDirectory(), opts)
}

func send(t *testing.T, sb *Switchboard, c *fakeConn, msg models.Message) error {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return sb.Handle(context.Background(), c, data)
}

func register(t *testing.T, sb *Switchboard, identity string) *fakeConn {
	t.Helper()
	c := newFakeConn("session-" + identity)
	if err := send(t, sb, c, models.Message{Type: models.TypeRegister, Identity: identity}); err != nil {
		t.Fatalf("register %s: %v", identity, err)
	}
	return c
}

func TestReRegistrationResolvesToLatestSession(t *testing.T) {
	sb := newTestBoard(Options{})
	s1 := newFakeConn("s1")
	s2 := newFakeConn("s2")

	assert.Equal(t, nil, sb.Register(context.Background(), s1, "A"))
	assert.Equal(t, nil, sb.Register(context.Background(), s2, "A"))

	got, ok := sb.Directory().Resolve("A")
	assert.Equal(t, true, ok)
	assert.Equal(t, "s2", got.ID())
	assert.Equal(t, 0, len(s1.received()))
}

func TestRegisterRejectsEmptyIdentity(t *testing.T) {
	sb := newTestBoard(Options{})
	err := send(t, sb, newFakeConn("s1"), models.Message{Type: models.TypeRegister})
	assert.Equal(t, true, errors.Is(err, ErrMalformedMessage))
	assert.Equal(t, 0, sb.Directory().Len())
}

func TestCallRequestToUnknownTargetIsDropped(t *testing.T) {
	sb := newTestBoard(Options{})
	alice := register(t, sb, "alice")
	bob := register(t, sb, "bob")

	err := send(t, sb, alice, models.Message{Type: models.TypeCallRequest, FromIdentity: "alice", ToIdentity: "ghost"})
	assert.Equal(t, true, errors.Is(err, ErrRecipientNotPresent))

	assert.Equal(t, 0, len(alice.received()))
	assert.Equal(t, 0, len(bob.received()))
}

func TestHandshakeRoundTrip(t *testing.T) {
	sb := newTestBoard(Options{})
	alice := register(t, sb, "alice")
	bob := register(t, sb, "bob")
	carol := register(t, sb, "carol")

	err := send(t, sb, alice, models.Message{Type: models.TypeCallRequest, FromIdentity: "alice", ToIdentity: "bob"})
	assert.Equal(t, nil, err)

	got := bob.received()
	assert.Equal(t, 1, len(got))
	assert.Equal(t, models.TypeIncomingCall, got[0].Type)
	assert.Equal(t, "alice", got[0].FromIdentity)
	assert.NotEqual(t, "", got[0].CallToken)
	assert.Equal(t, 0, len(alice.received()))
	assert.Equal(t, 0, len(carol.received()))

	err = send(t, sb, bob, models.Message{
		Type:         models.TypeCallAccept,
		FromIdentity: "bob",
		ToIdentity:   "alice",
		CallToken:    got[0].CallToken,
	})
	assert.Equal(t, nil, err)

	accepted := alice.received()
	assert.Equal(t, 1, len(accepted))
	assert.Equal(t, models.TypeCallAccepted, accepted[0].Type)
	assert.Equal(t, "bob", accepted[0].FromIdentity)
	assert.Equal(t, 1, len(bob.received()))
	assert.Equal(t, 0, len(carol.received()))
	assert.Equal(t, 0, sb.tracker.Len())
}

func TestAcceptWithoutTokenIsRelayed(t *testing.T) {
	sb := newTestBoard(Options{})
	alice := register(t, sb, "alice")
	bob := register(t, sb, "bob")

	assert.Equal(t, nil, send(t, sb, alice, models.Message{Type: models.TypeCallRequest, FromIdentity: "alice", ToIdentity: "bob"}))
	assert.Equal(t, nil, send(t, sb, bob, models.Message{Type: models.TypeCallAccept, FromIdentity: "bob", ToIdentity: "alice"}))

	got := alice.received()
	assert.Equal(t, 1, len(got))
	assert.Equal(t, models.TypeCallAccepted, got[0].Type)
	assert.Equal(t, "bob", got[0].FromIdentity)
	assert.Equal(t, "", got[0].CallToken)
	assert.Equal(t, 0, sb.tracker.Len())
}

func TestRejectRelay(t *testing.T) {
	sb := newTestBoard(Options{})
	alice := register(t, sb, "alice")
	bob := register(t, sb, "bob")

	assert.Equal(t, nil, send(t, sb, alice, models.Message{Type: models.TypeCallRequest, FromIdentity: "alice", ToIdentity: "bob"}))
	token := bob.received()[0].CallToken
	assert.Equal(t, nil, send(t, sb, bob, models.Message{Type: models.TypeCallReject, FromIdentity: "bob", ToIdentity: "alice", CallToken: token}))

	got := alice.received()
	assert.Equal(t, 1, len(got))
	assert.Equal(t, models.TypeCallRejected, got[0].Type)
	assert.Equal(t, "bob", got[0].FromIdentity)
}

func TestResponseWithForeignTokenIsDropped(t *testing.T) {
	sb := newTestBoard(Options{})
	alice := register(t, sb, "alice")
	bob := register(t, sb, "bob")
	register(t, sb, "carol")

	assert.Equal(t, nil, send(t, sb, alice, models.Message{Type: models.TypeCallRequest, FromIdentity: "alice", ToIdentity: "carol"}))
	assert.Equal(t, nil, send(t, sb, alice, models.Message{Type: models.TypeCallRequest, FromIdentity: "alice", ToIdentity: "bob"}))
	token := bob.received()[0].CallToken

	// bob replays his token pretending to be carol
	err := send(t, sb, bob, models.Message{Type: models.TypeCallAccept, FromIdentity: "carol", ToIdentity: "alice", CallToken: token})
	assert.Equal(t, true, errors.Is(err, calls.ErrInvalidCallToken))
	assert.Equal(t, 0, len(alice.received()))
}

func TestSupersededAttemptResponseIsDropped(t *testing.T) {
	sb := newTestBoard(Options{})
	alice := register(t, sb, "alice")
	bob := register(t, sb, "bob")

	assert.Equal(t, nil, send(t, sb, alice, models.Message{Type: models.TypeCallRequest, FromIdentity: "alice", ToIdentity: "bob"}))
	assert.Equal(t, nil, send(t, sb, alice, models.Message{Type: models.TypeCallRequest, FromIdentity: "alice", ToIdentity: "bob"}))

	invites := bob.received()
	assert.Equal(t, 2, len(invites))

	err := send(t, sb, bob, models.Message{Type: models.TypeCallAccept, FromIdentity: "bob", ToIdentity: "alice", CallToken: invites[0].CallToken})
	assert.Equal(t, true, errors.Is(err, calls.ErrStaleAttempt))
	assert.Equal(t, 0, len(alice.received()))

	err = send(t, sb, bob, models.Message{Type: models.TypeCallAccept, FromIdentity: "bob", ToIdentity: "alice", CallToken: invites[1].CallToken})
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(alice.received()))

	// a second answer to a settled attempt is stale too
	err = send(t, sb, bob, models.Message{Type: models.TypeCallReject, FromIdentity: "bob", ToIdentity: "alice", CallToken: invites[1].CallToken})
	assert.Equal(t, true, errors.Is(err, calls.ErrStaleAttempt))
	assert.Equal(t, 1, len(alice.received()))
}

func TestNegotiationOrderingAndShape(t *testing.T) {
	sb := newTestBoard(Options{})
	alice := register(t, sb, "alice")
	bob := register(t, sb, "bob")

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	assert.Equal(t, nil, send(t, sb, alice, models.Message{Type: models.TypeOffer, ToIdentity: "bob", Offer: offer}))
	for _, c := range []string{`{"candidate":"c1"}`, `{"candidate":"c2"}`, `{"candidate":"c3"}`} {
		assert.Equal(t, nil, send(t, sb, alice, models.Message{Type: models.TypeICECandidate, ToIdentity: "bob", Candidate: json.RawMessage(c)}))
	}

	got := bob.received()
	assert.Equal(t, 4, len(got))
	assert.Equal(t, models.TypeOffer, got[0].Type)
	assert.Equal(t, "alice", got[0].FromIdentity)
	assert.Equal(t, string(offer), string(got[0].Offer))
	assert.Equal(t, "", got[0].ToIdentity)
	for i, want := range []string{`{"candidate":"c1"}`, `{"candidate":"c2"}`, `{"candidate":"c3"}`} {
		assert.Equal(t, models.TypeICECandidate, got[i+1].Type)
		assert.Equal(t, want, string(got[i+1].Candidate))
		assert.Equal(t, "", got[i+1].FromIdentity)
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	assert.Equal(t, nil, send(t, sb, bob, models.Message{Type: models.TypeAnswer, ToIdentity: "alice", Answer: answer}))

	back := alice.received()
	assert.Equal(t, 1, len(back))
	assert.Equal(t, models.TypeAnswer, back[0].Type)
	assert.Equal(t, "", back[0].FromIdentity)
	assert.Equal(t, string(answer), string(back[0].Answer))
}

func TestRelayPassesCallTokenThrough(t *testing.T) {
	sb := newTestBoard(Options{})
	alice := register(t, sb, "alice")
	bob := register(t, sb, "bob")

	assert.Equal(t, nil, send(t, sb, alice, models.Message{
		Type:       models.TypeICECandidate,
		ToIdentity: "bob",
		Candidate:  json.RawMessage(`null`),
		CallToken:  "opaque",
	}))

	got := bob.received()
	assert.Equal(t, 1, len(got))
	assert.Equal(t, "opaque", got[0].CallToken)
	assert.Equal(t, "null", string(got[0].Candidate))
}

func TestDisconnectCleanup(t *testing.T) {
	sb := newTestBoard(Options{})
	alice := register(t, sb, "alice")
	bob := register(t, sb, "bob")

	assert.Equal(t, nil, send(t, sb, alice, models.Message{Type: models.TypeCallRequest, FromIdentity: "alice", ToIdentity: "bob"}))
	assert.Equal(t, 1, sb.tracker.Len())

	sb.Disconnect(context.Background(), alice)

	_, ok := sb.Directory().Resolve("alice")
	assert.Equal(t, false, ok)
	assert.Equal(t, 0, sb.tracker.Len())

	before := len(bob.received())
	err := send(t, sb, bob, models.Message{Type: models.TypeCallRequest, FromIdentity: "bob", ToIdentity: "alice"})
	assert.Equal(t, true, errors.Is(err, ErrRecipientNotPresent))
	assert.Equal(t, before, len(bob.received()))
	assert.Equal(t, 0, len(alice.received()))
}

func TestDisconnectOfDisplacedSessionKeepsNewOwner(t *testing.T) {
	sb := newTestBoard(Options{})
	old := register(t, sb, "alice")
	current := newFakeConn("s-new")
	assert.Equal(t, nil, sb.Register(context.Background(), current, "alice"))

	sb.Disconnect(context.Background(), old)

	got, ok := sb.Directory().Resolve("alice")
	assert.Equal(t, true, ok)
	assert.Equal(t, "s-new", got.ID())
}

func TestNoCrossTalk(t *testing.T) {
	sb := newTestBoard(Options{})
	a := register(t, sb, "a")
	b := register(t, sb, "b")
	c := register(t, sb, "c")

	msgs := []models.Message{
		{Type: models.TypeCallRequest, FromIdentity: "a", ToIdentity: "b"},
		{Type: models.TypeOffer, ToIdentity: "b", Offer: json.RawMessage(`{}`)},
		{Type: models.TypeAnswer, ToIdentity: "b", Answer: json.RawMessage(`{}`)},
		{Type: models.TypeICECandidate, ToIdentity: "b", Candidate: json.RawMessage(`{}`)},
	}
	for _, m := range msgs {
		assert.Equal(t, nil, send(t, sb, a, m))
	}

	assert.Equal(t, len(msgs), len(b.received()))
	assert.Equal(t, 0, len(c.received()))
	assert.Equal(t, 0, len(a.received()))
}

func TestDeliveryFailedNotice(t *testing.T) {
	sb := newTestBoard(Options{NotifyUndeliverable: true})
	alice := register(t, sb, "alice")

	err := send(t, sb, alice, models.Message{Type: models.TypeOffer, ToIdentity: "ghost", Offer: json.RawMessage(`{}`)})
	assert.Equal(t, true, errors.Is(err, ErrRecipientNotPresent))

	got := alice.received()
	assert.Equal(t, 1, len(got))
	assert.Equal(t, models.TypeDeliveryFailed, got[0].Type)
	assert.Equal(t, "ghost", got[0].ToIdentity)
	assert.Equal(t, models.TypeOffer, got[0].RefType)
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	sb := newTestBoard(Options{})
	c := newFakeConn("s1")

	err := sb.Handle(context.Background(), c, []byte("{not json"))
	assert.Equal(t, true, errors.Is(err, ErrMalformedMessage))

	err = sb.Handle(context.Background(), c, []byte(`{"type":"join"}`))
	assert.Equal(t, true, errors.Is(err, ErrUnknownMessageType))
}

type fakeRemote struct {
	mu        sync.Mutex
	owners    map[string]*Switchboard
	announced []string
	withdrawn []string
}

func (r *fakeRemote) Announce(_ context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.announced = append(r.announced, identity)
	return nil
}

func (r *fakeRemote) Withdraw(_ context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.withdrawn = append(r.withdrawn, identity)
	return nil
}

func (r *fakeRemote) Forward(_ context.Context, identity string, msg models.Message) (bool, error) {
	r.mu.Lock()
	owner, ok := r.owners[identity]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, owner.DeliverLocal(identity, msg)
}

func TestRemoteDeliverySettlesOnCallerNode(t *testing.T) {
	signer := calls.NewSigner("shared", 0)
	remote := &fakeRemote{owners: make(map[string]*Switchboard)}
	nodeA := newTestBoard(Options{Signer: signer, Remote: remote})
	nodeB := newTestBoard(Options{Signer: signer, Remote: remote})

	alice := register(t, nodeA, "alice")
	bob := register(t, nodeB, "bob")
	remote.owners["alice"] = nodeA
	remote.owners["bob"] = nodeB

	assert.Equal(t, nil, send(t, nodeA, alice, models.Message{Type: models.TypeCallRequest, FromIdentity: "alice", ToIdentity: "bob"}))
	invite := bob.received()
	assert.Equal(t, 1, len(invite))
	assert.Equal(t, 1, nodeA.tracker.Len())

	assert.Equal(t, nil, send(t, nodeB, bob, models.Message{Type: models.TypeCallAccept, FromIdentity: "bob", ToIdentity: "alice", CallToken: invite[0].CallToken}))
	assert.Equal(t, 1, len(alice.received()))
	assert.Equal(t, 0, nodeA.tracker.Len())

	err := send(t, nodeB, bob, models.Message{Type: models.TypeOffer, ToIdentity: "nobody", Offer: json.RawMessage(`{}`)})
	assert.Equal(t, true, errors.Is(err, ErrRecipientNotPresent))

	nodeA.Disconnect(context.Background(), alice)
	assert.Equal(t, []string{"alice", "bob"}, remote.announced)
	assert.Equal(t, []string{"alice"}, remote.withdrawn)
}

func (r *fakeRemote) Abandon(_ context.Context, identity string) error {
	r.mu.Lock()
	nodes := make(map[*Switchboard]struct{})
	for _, sb := range r.owners {
		nodes[sb] = struct{}{}
	}
	r.mu.Unlock()
	for sb := range nodes {
		sb.AbandonLocal(identity)
	}
	return nil
}

func TestDisconnectAbandonsAttemptsOnOtherNodes(t *testing.T) {
	signer := calls.NewSigner("shared", 0)
	remote := &fakeRemote{owners: make(map[string]*Switchboard)}
	nodeA := newTestBoard(Options{Signer: signer, Remote: remote})
	nodeB := newTestBoard(Options{Signer: signer, Remote: remote})

	alice := register(t, nodeA, "alice")
	bob := register(t, nodeB, "bob")
	remote.owners["alice"] = nodeA
	remote.owners["bob"] = nodeB

	assert.Equal(t, nil, send(t, nodeA, alice, models.Message{Type: models.TypeCallRequest, FromIdentity: "alice", ToIdentity: "bob"}))
	assert.Equal(t, 1, len(bob.received()))
	assert.Equal(t, 1, nodeA.tracker.Len())

	nodeB.Disconnect(context.Background(), bob)
	assert.Equal(t, 0, nodeA.tracker.Len())
}

func TestReleaseLocal(t *testing.T) {
	sb := newTestBoard(Options{})
	register(t, sb, "alice")

	sb.ReleaseLocal("alice")
	_, ok := sb.Directory().Resolve("alice")
	assert.Equal(t, false, ok)
}
