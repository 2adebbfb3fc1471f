package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mossy-p/moodlink-signaling/config"
	"github.com/mossy-p/moodlink-signaling/internal/models"
)

const messagesCollection = "messages"

// MongoStore keeps messages in the messages collection, indexed by room.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

// ConnectMongo dials MongoDB, pings it and ensures the room index exists.
func ConnectMongo(ctx context.Context, cfg config.MongoConfig) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(messagesCollection)
	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "_id", Value: 1}},
	}); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create room index: %w", err)
	}

	return &MongoStore{client: client, coll: coll, now: time.Now}, nil
}

func (s *MongoStore) Save(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	msg, err := prepare(msg, s.now())
	if err != nil {
		return models.ChatMessage{}, err
	}
	if _, err := s.coll.InsertOne(ctx, msg); err != nil {
		return models.ChatMessage{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return msg, nil
}

// History returns up to limit of the most recent messages, oldest first.
func (s *MongoStore) History(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	// ULID ids sort by creation time.
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := s.coll.Find(ctx, bson.D{{Key: "roomId", Value: roomID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer cur.Close(ctx)

	var out []models.ChatMessage
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
