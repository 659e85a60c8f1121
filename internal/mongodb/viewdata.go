package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/millegrilles/datacollector/internal/domain"
)

// ViewDataStore implements domain.ViewDataStore over the two typed
// materialised collections.
type ViewDataStore struct {
	dated   *mongo.Collection
	grouped *mongo.Collection
}

func (s *ViewDataStore) collection(t domain.ViewDataType) *mongo.Collection {
	if t == domain.ViewDataDated {
		return s.dated
	}
	return s.grouped
}

// InsertBatch bulk-inserts unordered so one duplicate does not shadow
// the rest of the batch; any duplicate surfaces as ErrDuplicateKey.
func (s *ViewDataStore) InsertBatch(ctx context.Context, t domain.ViewDataType, rows []domain.ViewDataRow) error {
	docs := make([]interface{}, len(rows))
	for i := range rows {
		docs[i] = rows[i]
	}
	_, err := s.collection(t).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return mapError(err)
}

// UpsertBatch merges row by row with insert-only semantics:
// pre-existing rows are left unchanged.
func (s *ViewDataStore) UpsertBatch(ctx context.Context, t domain.ViewDataType, rows []domain.ViewDataRow) error {
	c := s.collection(t)
	for i := range rows {
		filter := bson.M{"data_id": rows[i].DataID, "feed_view_id": rows[i].FeedViewID}
		update := bson.M{"$setOnInsert": rows[i]}
		if _, err := c.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (s *ViewDataStore) Truncate(ctx context.Context, t domain.ViewDataType, feedID, feedViewID string) error {
	_, err := s.collection(t).DeleteMany(ctx, bson.M{"feed_id": feedID, "feed_view_id": feedViewID})
	return mapError(err)
}

// Find pages most recent first on the typed pub_date index.
func (s *ViewDataStore) Find(ctx context.Context, t domain.ViewDataType, feedViewID string, skip, limit int64) ([]domain.ViewDataRow, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "pub_date", Value: -1}}).
		SetSkip(skip).
		SetLimit(limit)

	cursor, err := s.collection(t).Find(ctx, bson.M{"feed_view_id": feedViewID}, opts)
	if err != nil {
		return nil, mapError(err)
	}
	defer cursor.Close(ctx)

	var rows []domain.ViewDataRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

func (s *ViewDataStore) Count(ctx context.Context, t domain.ViewDataType, feedViewID string, cap int64) (int64, error) {
	count, err := s.collection(t).CountDocuments(ctx,
		bson.M{"feed_view_id": feedViewID}, options.Count().SetLimit(cap))
	return count, mapError(err)
}
