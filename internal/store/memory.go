package store

import (
	"context"
	"sync"
	"time"

	"github.com/mossy-p/moodlink-signaling/internal/models"
)

// MemoryStore keeps messages in process. Used when no MongoDB is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string][]models.ChatMessage
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string][]models.ChatMessage),
		now:   time.Now,
	}
}

func (s *MemoryStore) Save(_ context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	msg, err := prepare(msg, s.now())
	if err != nil {
		return models.ChatMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[msg.RoomID] = append(s.rooms[msg.RoomID], msg)
	return msg, nil
}

// History returns up to limit of the most recent messages, oldest first.
// A limit of zero or less returns everything.
func (s *MemoryStore) History(_ context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.rooms[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
