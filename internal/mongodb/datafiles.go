package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/millegrilles/datacollector/internal/domain"
)

// DataFileStore implements domain.DataFileStore over the v2 data-files
// collection.
type DataFileStore struct {
	c *mongo.Collection
}

func (s *DataFileStore) Insert(ctx context.Context, file *domain.DataFileRow) error {
	_, err := s.c.InsertOne(ctx, file)
	return mapError(err)
}

func (s *DataFileStore) Exists(ctx context.Context, feedID, dataID string) (bool, error) {
	err := s.c.FindOne(ctx, bson.M{"feed_id": feedID, "data_id": dataID},
		options.FindOne().SetProjection(bson.M{"data_id": 1})).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

// FindBatch pages by save_date strictly greater than batchStart,
// walking the date_feed index in order.
func (s *DataFileStore) FindBatch(ctx context.Context, feedID string, batchStart time.Time, limit int64) ([]domain.DataFileRow, error) {
	filter := bson.M{
		"feed_id":   feedID,
		"save_date": bson.M{"$gt": batchStart},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "save_date", Value: 1}, {Key: "feed_id", Value: 1}}).
		SetLimit(limit)

	cursor, err := s.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapError(err)
	}
	defer cursor.Close(ctx)

	var rows []domain.DataFileRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}
