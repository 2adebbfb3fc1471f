// Package cluster shares presence between signaling nodes through Redis and
// carries frames to the node that holds the recipient's session.
//
// Each node owns a uuid and a pub/sub channel signal:node:<id>. An identity
// registered on a node is recorded as presence:<identity> = <node id> with a
// TTL the node keeps refreshing. A registration that displaces another
// node's entry sends that node a release so only one session per identity
// stays live across the cluster. Disconnects are broadcast on signal:all so
// every node can abandon the call attempts of the departed identity.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mossy-p/moodlink-signaling/internal/models"
)

const (
	presencePrefix = "presence:"
	channelPrefix  = "signal:node:"
	broadcastChan  = "signal:all"

	kindDeliver = "deliver"
	kindRelease = "release"
	kindAbandon = "abandon"
)

var withdrawScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends an entry this node owns and re-creates one that
// vanished, e.g. after a Redis restart. Entries owned elsewhere are left alone.
var refreshScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if owner == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2], "NX")
	return 2
end
return 0
`)

// ErrNotListening is returned by Serve when Listen was not called first.
var ErrNotListening = errors.New("cluster: not listening")

// Sink receives frames, releases and abandonments addressed to this node.
type Sink interface {
	DeliverLocal(identity string, msg models.Message) error
	ReleaseLocal(identity string)
	AbandonLocal(identity string)
}

type envelope struct {
	Kind     string          `json:"kind"`
	Identity string          `json:"identity"`
	From     string          `json:"from,omitempty"`
	Message  *models.Message `json:"message,omitempty"`
}

// Cluster is one node's view of the shared presence store.
type Cluster struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
	logger zerolog.Logger

	mu  sync.Mutex
	sub *redis.PubSub
}

func New(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Cluster {
	id := uuid.New().String()
	return &Cluster{
		client: client,
		nodeID: id,
		ttl:    ttl,
		logger: logger.With().Str("node", id).Logger(),
	}
}

func (c *Cluster) NodeID() string { return c.nodeID }

// Announce records that identity lives on this node.
func (c *Cluster) Announce(ctx context.Context, identity string) error {
	prev, err := c.client.SetArgs(ctx, presenceKey(identity), c.nodeID, redis.SetArgs{
		TTL: c.ttl,
		Get: true,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to store presence: %w", err)
	}

	if prev != "" && prev != c.nodeID {
		c.logger.Debug().Str("identity", identity).Str("previous", prev).Msg("identity taken over from another node")
		if err := c.publish(ctx, prev, envelope{Kind: kindRelease, Identity: identity, From: c.nodeID}); err != nil {
			return err
		}
	}
	return nil
}

// Withdraw removes identity from the store if this node still owns it.
func (c *Cluster) Withdraw(ctx context.Context, identity string) error {
	if err := withdrawScript.Run(ctx, c.client, []string{presenceKey(identity)}, c.nodeID).Err(); err != nil {
		return fmt.Errorf("failed to withdraw presence: %w", err)
	}
	return nil
}

// Owner returns the node holding identity, or "" if none.
func (c *Cluster) Owner(ctx context.Context, identity string) (string, error) {
	node, err := c.client.Get(ctx, presenceKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve presence: %w", err)
	}
	return node, nil
}

// Forward publishes msg to the node owning identity. It reports false when
// no other node owns it or the owner is no longer subscribed.
func (c *Cluster) Forward(ctx context.Context, identity string, msg models.Message) (bool, error) {
	node, err := c.Owner(ctx, identity)
	if err != nil {
		return false, err
	}
	if node == "" || node == c.nodeID {
		return false, nil
	}

	data, err := json.Marshal(envelope{Kind: kindDeliver, Identity: identity, From: c.nodeID, Message: &msg})
	if err != nil {
		return false, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	receivers, err := c.client.Publish(ctx, channelPrefix+node, data).Result()
	if err != nil {
		return false, fmt.Errorf("failed to publish: %w", err)
	}
	return receivers > 0, nil
}

// Listen subscribes to this node's channel and the broadcast channel and
// waits for confirmation.
func (c *Cluster) Listen(ctx context.Context) error {
	sub := c.client.Subscribe(ctx, channelPrefix+c.nodeID, broadcastChan)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// Serve consumes this node's channel and refreshes the TTL of the local
// identities until ctx is done.
func (c *Cluster) Serve(ctx context.Context, sink Sink, local func() []string) error {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == nil {
		return ErrNotListening
	}
	defer sub.Close()

	refresh := time.NewTicker(c.refreshInterval())
	defer refresh.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-refresh.C:
			c.refresh(ctx, local())

		case m, ok := <-ch:
			if !ok {
				return nil
			}
			c.dispatch(ctx, sink, m.Payload)
		}
	}
}

// Abandon tells every other node that identity went away, so they drop its
// pending call attempts.
func (c *Cluster) Abandon(ctx context.Context, identity string) error {
	data, err := json.Marshal(envelope{Kind: kindAbandon, Identity: identity, From: c.nodeID})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := c.client.Publish(ctx, broadcastChan, data).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// Shutdown withdraws every given identity.
func (c *Cluster) Shutdown(ctx context.Context, identities []string) {
	for _, identity := range identities {
		if err := c.Withdraw(ctx, identity); err != nil {
			c.logger.Warn().Err(err).Str("identity", identity).Msg("withdraw on shutdown failed")
		}
	}
}

func (c *Cluster) dispatch(ctx context.Context, sink Sink, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}

	switch env.Kind {
	case kindDeliver:
		if env.Message == nil {
			return
		}
		if err := sink.DeliverLocal(env.Identity, *env.Message); err != nil {
			c.logger.Debug().Err(err).Str("identity", env.Identity).Str("type", string(env.Message.Type)).Msg("forwarded frame not delivered")
		}

	case kindRelease:
		// The identity may have come back here since the release was sent.
		if owner, err := c.Owner(ctx, env.Identity); err == nil && owner == c.nodeID {
			return
		}
		sink.ReleaseLocal(env.Identity)

	case kindAbandon:
		if env.From == c.nodeID {
			return
		}
		sink.AbandonLocal(env.Identity)

	default:
		c.logger.Warn().Str("kind", env.Kind).Msg("unknown envelope kind")
	}
}

func (c *Cluster) refresh(ctx context.Context, identities []string) {
	if c.ttl <= 0 {
		return
	}
	ms := c.ttl.Milliseconds()
	for _, identity := range identities {
		n, err := refreshScript.Run(ctx, c.client, []string{presenceKey(identity)}, c.nodeID, ms).Int()
		if err != nil {
			c.logger.Warn().Err(err).Str("identity", identity).Msg("failed to refresh presence")
			continue
		}
		if n == 2 {
			c.logger.Info().Str("identity", identity).Msg("re-announced lost presence entry")
		}
	}
}

func (c *Cluster) refreshInterval() time.Duration {
	if c.ttl <= 0 {
		return time.Minute
	}
	return c.ttl / 3
}

func (c *Cluster) publish(ctx context.Context, node string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := c.client.Publish(ctx, channelPrefix+node, data).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func presenceKey(identity string) string {
	return presencePrefix + identity
}
