package billing

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// EventArchive stores raw webhook payloads for audit and replay. The archive
// is write-only from the portal's point of view; disputes and debugging read
// it out of band.
type EventArchive interface {
	// Archive persists one verified event. Failures must not block event
	// processing; callers log and continue.
	Archive(ctx context.Context, event *Event) error
}

// MongoEventArchive writes events to a MongoDB collection.
type MongoEventArchive struct {
	collection *mongo.Collection
}

// NewMongoEventArchive creates an archive backed by the given database.
func NewMongoEventArchive(db *mongo.Database) *MongoEventArchive {
	return &MongoEventArchive{collection: db.Collection("webhook_events")}
}

// Archive implements EventArchive.
func (a *MongoEventArchive) Archive(ctx context.Context, event *Event) error {
	doc := bson.M{
		"event_id":               event.ID,
		"kind":                   string(event.Kind),
		"provider_type":          event.ProviderType,
		"remote_subscription_id": event.RemoteSubscriptionID,
		"account_id":             event.AccountID,
		"payload":                string(event.Raw),
		"received_at":            time.Now().UTC(),
	}
	if _, err := a.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to archive webhook event: %w", err)
	}
	return nil
}

// NopEventArchive discards events. Used when MongoDB is not configured.
type NopEventArchive struct{}

// Archive implements EventArchive.
func (NopEventArchive) Archive(context.Context, *Event) error { return nil }
