package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/millegrilles/datacollector/internal/domain"
)

// VolatileFileStore implements domain.VolatileFileStore. Rows expire by
// time, keyed by correlation.
type VolatileFileStore struct {
	c *mongo.Collection
}

// Upsert writes one handle: created and expiration are fixed at first
// insert, the payload fields and modified are refreshed on every call.
func (s *VolatileFileStore) Upsert(ctx context.Context, row *domain.VolatileFileRow) error {
	filter := bson.M{"correlation": row.Correlation}
	update := bson.M{
		"$set": bson.M{
			"fuuid":       row.Fuuid,
			"format":      row.Format,
			"cle_id":      row.CleID,
			"nonce":       row.Nonce,
			"compression": row.Compression,
			"modified":    row.Modified,
		},
		"$setOnInsert": bson.M{
			"created":    row.Created,
			"expiration": row.Expiration,
		},
	}
	_, err := s.c.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return mapError(err)
}

func (s *VolatileFileStore) FindByCorrelations(ctx context.Context, correlations []string) ([]domain.VolatileFileRow, error) {
	cursor, err := s.c.Find(ctx, bson.M{"correlation": bson.M{"$in": correlations}})
	if err != nil {
		return nil, mapError(err)
	}
	defer cursor.Close(ctx)

	var rows []domain.VolatileFileRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}
