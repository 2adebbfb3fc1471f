// Package chat relays room text messages: members join rooms, and every
// message is persisted and then broadcast to all members of its room.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mossy-p/moodlink-signaling/internal/models"
	"github.com/mossy-p/moodlink-signaling/internal/store"
)

var (
	ErrMalformedFrame = errors.New("malformed chat frame")
	ErrUnknownFrame   = errors.New("unknown chat frame type")
)

// Member is a connected chat session.
type Member interface {
	ID() string
	Enqueue(data []byte) error
}

// Room holds the members currently joined to one room id.
type Room struct {
	ID      string
	members map[string]Member
	mu      sync.RWMutex
}

// Hub owns the rooms of one chat server.
type Hub struct {
	store  store.Store
	logger zerolog.Logger

	mu     sync.Mutex
	rooms  map[string]*Room
	joined map[string]map[string]struct{}
}

func NewHub(st store.Store, logger zerolog.Logger) *Hub {
	return &Hub{
		store:  st,
		logger: logger,
		rooms:  make(map[string]*Room),
		joined: make(map[string]map[string]struct{}),
	}
}

// Handle dispatches one chat frame from m.
func (h *Hub) Handle(ctx context.Context, m Member, data []byte) error {
	var frame models.ChatFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch frame.Type {
	case models.ChatTypeJoinRoom:
		if frame.RoomID == "" {
			return fmt.Errorf("%w: roomId required", ErrMalformedFrame)
		}
		h.Join(frame.RoomID, m)
		return nil

	case models.ChatTypeLeaveRoom:
		h.Leave(frame.RoomID, m)
		return nil

	case models.ChatTypeSendMessage:
		_, err := h.Send(ctx, models.ChatMessage{
			RoomID:     frame.RoomID,
			SenderID:   frame.SenderID,
			ReceiverID: frame.ReceiverID,
			Message:    frame.Message,
		})
		if err != nil {
			h.reply(m, models.ChatFrame{Type: models.ChatTypeError, RoomID: frame.RoomID, Error: err.Error()})
		}
		return err

	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrame, frame.Type)
	}
}

// Join adds m to roomID, creating the room on first use.
func (h *Hub) Join(roomID string, m Member) {
	h.mu.Lock()
	room, exists := h.rooms[roomID]
	if !exists {
		room = &Room{ID: roomID, members: make(map[string]Member)}
		h.rooms[roomID] = room
		h.logger.Debug().Str("room", roomID).Msg("created room")
	}
	set, ok := h.joined[m.ID()]
	if !ok {
		set = make(map[string]struct{})
		h.joined[m.ID()] = set
	}
	set[roomID] = struct{}{}

	room.mu.Lock()
	room.members[m.ID()] = m
	room.mu.Unlock()
	h.mu.Unlock()
}

// Leave removes m from roomID and drops the room once empty.
func (h *Hub) Leave(roomID string, m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(roomID, m.ID())
}

// LeaveAll removes m from every room it joined.
func (h *Hub) LeaveAll(m Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID := range h.joined[m.ID()] {
		h.leaveLocked(roomID, m.ID())
	}
}

// Send persists msg and broadcasts the stored copy to its room.
func (h *Hub) Send(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	stored, err := h.store.Save(ctx, msg)
	if err != nil {
		return models.ChatMessage{}, err
	}
	h.broadcast(stored.RoomID, models.ChatFrame{Type: models.ChatTypeReceiveMessage, RoomID: stored.RoomID, Stored: &stored})
	return stored, nil
}

// History returns a room's stored messages, oldest first.
func (h *Hub) History(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	return h.store.History(ctx, roomID, limit)
}

// RoomSize reports how many members are in roomID.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.members)
}

func (h *Hub) leaveLocked(roomID, memberID string) {
	if set, ok := h.joined[memberID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(h.joined, memberID)
		}
	}

	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	room.mu.Lock()
	delete(room.members, memberID)
	empty := len(room.members) == 0
	room.mu.Unlock()

	// Clean up room if empty
	if empty {
		delete(h.rooms, roomID)
		h.logger.Debug().Str("room", roomID).Msg("removed empty room")
	}
}

func (h *Hub) broadcast(roomID string, frame models.ChatFrame) {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal chat frame")
		return
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	for id, m := range room.members {
		if err := m.Enqueue(data); err != nil {
			h.logger.Warn().Err(err).Str("member", id).Str("room", roomID).Msg("failed to send chat message")
		}
	}
}

func (h *Hub) reply(m Member, frame models.ChatFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = m.Enqueue(data)
}
