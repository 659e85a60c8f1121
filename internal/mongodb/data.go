package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/millegrilles/datacollector/internal/domain"
)

// DataItemStore implements domain.DataItemStore over the v1 inline
// data collection.
type DataItemStore struct {
	c *mongo.Collection
}

func (s *DataItemStore) Insert(ctx context.Context, item *domain.DataItemRow) error {
	_, err := s.c.InsertOne(ctx, item)
	return mapError(err)
}

func (s *DataItemStore) Exists(ctx context.Context, feedID, dataID string) (bool, error) {
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

func (s *DataItemStore) ExistingIDs(ctx context.Context, feedID string, dataIDs []string) ([]string, error) {
	cursor, err := s.c.Find(ctx,
		bson.M{"feed_id": feedID, "data_id": bson.M{"$in": dataIDs}},
		options.Find().SetProjection(bson.M{"data_id": 1}))
	if err != nil {
		return nil, mapError(err)
	}
	defer cursor.Close(ctx)

	existing := make([]string, 0, len(dataIDs))
	for cursor.Next(ctx) {
		var row struct {
			DataID string `bson:"data_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, mapError(err)
		}
		existing = append(existing, row.DataID)
	}
	return existing, mapError(cursor.Err())
}

func dataItemFilter(q domain.DataItemQuery) bson.M {
	filter := bson.M{"feed_id": q.FeedID}
	if q.Start != nil || q.End != nil {
		dateRange := bson.M{}
		if q.Start != nil {
			dateRange["$gte"] = *q.Start
		}
		if q.End != nil {
			dateRange["$lte"] = *q.End
		}
		filter["pub_date"] = dateRange
	}
	return filter
}

// Find scans most recent first, using the pub_date DESC component of
// the compound index.
func (s *DataItemStore) Find(ctx context.Context, q domain.DataItemQuery) ([]domain.DataItemRow, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "pub_date", Value: -1}}).
		SetSkip(q.Skip).
		SetLimit(q.Limit)

	cursor, err := s.c.Find(ctx, dataItemFilter(q), opts)
	if err != nil {
		return nil, mapError(err)
	}
	defer cursor.Close(ctx)

	var rows []domain.DataItemRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// Count estimates the selection size, bounded by cap to keep the scan
// cheap on large feeds.
func (s *DataItemStore) Count(ctx context.Context, q domain.DataItemQuery, cap int64) (int64, error) {
	count, err := s.c.CountDocuments(ctx, dataItemFilter(q), options.Count().SetLimit(cap))
	return count, mapError(err)
}

func (s *DataItemStore) Update(ctx context.Context, u domain.DataItemUpdate) (int64, error) {
	filter := bson.M{"feed_id": u.FeedID, "data_id": u.DataID}

	set := bson.M{}
	if u.PubDate != nil {
		set["pub_date"] = *u.PubDate
	}
	if u.EncryptedData != nil {
		set["encrypted_data"] = *u.EncryptedData
	}

	// File membership changes run as separate operations: the driver
	// rejects $push and $pull on the same field in one update.
	if len(u.RemoveFuuids) > 0 {
		res, err := s.c.UpdateOne(ctx, filter, bson.M{
			"$pull": bson.M{"files": bson.M{"fuuid": bson.M{"$in": u.RemoveFuuids}}},
		})
		if err != nil {
			return 0, mapError(err)
		}
		if res.MatchedCount == 0 {
			return 0, nil
		}
	}

	update := bson.M{"$currentDate": bson.M{"save_date": true}}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(u.AddFiles) > 0 {
		update["$push"] = bson.M{"files": bson.M{"$each": u.AddFiles}}
	}

	res, err := s.c.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, mapError(err)
	}
	return res.MatchedCount, nil
}

func (s *DataItemStore) Delete(ctx context.Context, feedID string, dataIDs []string) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{"feed_id": feedID, "data_id": bson.M{"$in": dataIDs}})
	if err != nil {
		return 0, mapError(err)
	}
	return res.DeletedCount, nil
}

// IterateFuuids streams every referenced file identifier through an
// unwind pipeline, one fuuid per cursor row. Used by the claim sweep.
func (s *DataItemStore) IterateFuuids(ctx context.Context, fn func(fuuid string) error) error {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"files.0": bson.M{"$exists": true}}}},
		{{Key: "$project", Value: bson.M{"files": 1}}},
		{{Key: "$unwind", Value: bson.M{"path": "$files"}}},
		{{Key: "$addFields", Value: bson.M{"fuuid": "$files.fuuid"}}},
		{{Key: "$project", Value: bson.M{"fuuid": 1}}},
	}

	cursor, err := s.c.Aggregate(ctx, pipeline)
	if err != nil {
		return mapError(err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row struct {
			Fuuid string `bson:"fuuid"`
		}
		if err := cursor.Decode(&row); err != nil {
			return mapError(err)
		}
		if err := fn(row.Fuuid); err != nil {
			return err
		}
	}
	return mapError(cursor.Err())
}
