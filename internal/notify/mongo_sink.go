package notify

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const notificationsCollection = "notifications"

// notificationDocument mirrors the in-app notification inbox schema.
type notificationDocument struct {
	UserID            string    `bson:"userId"`
	Type              Type      `bson:"type"`
	Priority          Priority  `bson:"priority"`
	Title             string    `bson:"title"`
	Message           string    `bson:"message"`
	IsRead            bool      `bson:"isRead"`
	RelatedEntityType string    `bson:"relatedEntityType,omitempty"`
	RelatedEntityID   string    `bson:"relatedEntityId,omitempty"`
	CreatedAt         time.Time `bson:"createdAt"`
	UpdatedAt         time.Time `bson:"updatedAt"`
}

func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return client, nil
}

// MongoSink stores notifications in the users' inbox collection.
type MongoSink struct {
	coll *mongo.Collection
}

func NewMongoSink(ctx context.Context, db *mongo.Database) (*MongoSink, error) {
	coll := db.Collection(notificationsCollection)

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create notifications index: %w", err)
	}

	return &MongoSink{coll: coll}, nil
}

func (s *MongoSink) Send(ctx context.Context, userID string, msg Message) error {
	now := time.Now().UTC()
	doc := notificationDocument{
		UserID:            userID,
		Type:              msg.Type,
		Priority:          msg.Priority,
		Title:             msg.Title,
		Message:           msg.Message,
		RelatedEntityType: msg.RelatedEntityType,
		RelatedEntityID:   msg.RelatedEntityID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}
