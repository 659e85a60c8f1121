package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/millegrilles/datacollector/internal/bus"
)

// TransactionLog implements domain.TransactionLog: the durable envelope
// log the middleware replays during regeneration. Envelopes are stored
// verbatim with a processing stamp; the log's own indexes are owned by
// the middleware.
type TransactionLog struct {
	c *mongo.Collection
}

// transactionEntry is one logged envelope.
type transactionEntry struct {
	ID             string        `bson:"_id"`
	Envelope       *bus.Envelope `bson:"envelope"`
	Action         string        `bson:"action"`
	DateTraitement time.Time     `bson:"date_traitement"`
}

func (l *TransactionLog) Persist(ctx context.Context, env *bus.Envelope) error {
	entry := transactionEntry{
		ID:             env.ID,
		Envelope:       env,
		Action:         env.Action(),
		DateTraitement: time.Now().UTC(),
	}
	_, err := l.c.InsertOne(ctx, entry)
	return mapError(err)
}

// Iterate walks the log in insertion order, for the replay driver.
func (l *TransactionLog) Iterate(ctx context.Context, fn func(env *bus.Envelope) error) error {
	cursor, err := l.c.Find(ctx, bson.M{})
	if err != nil {
		return mapError(err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var entry transactionEntry
		if err := cursor.Decode(&entry); err != nil {
			return mapError(err)
		}
		if err := fn(entry.Envelope); err != nil {
			return err
		}
	}
	return mapError(cursor.Err())
}
