package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/oklog/ulid/v2"

	"github.com/mossy-p/moodlink-signaling/config"
	"github.com/mossy-p/moodlink-signaling/internal/models"
)

func chatMessage(room, text string) models.ChatMessage {
	return models.ChatMessage{RoomID: room, SenderID: "alice", ReceiverID: "bob", Message: text}
}

func TestPrepareRequiresFields(t *testing.T) {
	for _, msg := range []models.ChatMessage{
		{SenderID: "a", ReceiverID: "b", Message: "hi"},
		{RoomID: "r", ReceiverID: "b", Message: "hi"},
		{RoomID: "r", SenderID: "a", Message: "hi"},
		{RoomID: "r", SenderID: "a", ReceiverID: "b"},
	} {
		_, err := prepare(msg, time.Now())
		assert.Equal(t, true, errors.Is(err, ErrMissingFields))
	}
}

func TestPrepareStampsULID(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	msg, err := prepare(chatMessage("r", "hi"), now)
	assert.Equal(t, nil, err)

	id, err := ulid.Parse(msg.ID)
	assert.Equal(t, nil, err)
	assert.Equal(t, ulid.Timestamp(now), id.Time())
	assert.Equal(t, now, msg.CreatedAt)
	assert.Equal(t, now, msg.UpdatedAt)
}

func TestMemoryStoreHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 5; i++ {
		_, err := s.Save(ctx, chatMessage("room-1", fmt.Sprintf("m%d", i)))
		assert.Equal(t, nil, err)
	}
	_, err := s.Save(ctx, chatMessage("room-2", "other"))
	assert.Equal(t, nil, err)

	all, err := s.History(ctx, "room-1", 0)
	assert.Equal(t, nil, err)
	assert.Equal(t, 5, len(all))
	assert.Equal(t, "m0", all[0].Message)
	assert.Equal(t, "m4", all[4].Message)

	recent, err := s.History(ctx, "room-1", 2)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(recent))
	assert.Equal(t, "m3", recent[0].Message)
	assert.Equal(t, "m4", recent[1].Message)

	empty, err := s.History(ctx, "nowhere", 10)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(empty))
}

func TestMemoryStoreRejectsIncompleteMessage(t *testing.T) {
	_, err := NewMemoryStore().Save(context.Background(), models.ChatMessage{RoomID: "r"})
	assert.Equal(t, true, errors.Is(err, ErrMissingFields))
}

// Runs against a real server when MONGO_TEST_URI is set.
func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db := fmt.Sprintf("moodlink_test_%d", time.Now().UnixNano())
	s, err := ConnectMongo(ctx, config.MongoConfig{URI: uri, Database: db})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() {
		s.coll.Database().Drop(ctx)
		s.Close(ctx)
	}()

	for i := 0; i < 3; i++ {
		_, err := s.Save(ctx, chatMessage("room-1", fmt.Sprintf("m%d", i)))
		assert.Equal(t, nil, err)
	}

	got, err := s.History(ctx, "room-1", 2)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(got))
	assert.Equal(t, "m1", got[0].Message)
	assert.Equal(t, "m2", got[1].Message)
}
