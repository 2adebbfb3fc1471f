// Package store persists room chat messages.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mossy-p/moodlink-signaling/internal/models"
)

// ErrMissingFields is returned when a message lacks a required field.
var ErrMissingFields = errors.New("missing fields")

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// Store saves chat messages and lists a room's history oldest first.
type Store interface {
	Save(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error)
	History(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
	Close(ctx context.Context) error
}

// prepare validates msg and stamps id and timestamps.
func prepare(msg models.ChatMessage, now time.Time) (models.ChatMessage, error) {
	if msg.RoomID == "" || msg.SenderID == "" || msg.ReceiverID == "" || msg.Message == "" {
		return models.ChatMessage{}, ErrMissingFields
	}
	now = now.UTC()
	msg.ID = newID(now)
	msg.CreatedAt = now
	msg.UpdatedAt = now
	return msg, nil
}

// newID returns a ULID; ids minted within the same millisecond still sort
// in creation order.
func newID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
