package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/millegrilles/datacollector/internal/domain"
)

// FeedViewStore implements domain.FeedViewStore.
type FeedViewStore struct {
	c *mongo.Collection
}

func (s *FeedViewStore) Insert(ctx context.Context, view *domain.FeedViewRow) error {
	_, err := s.c.InsertOne(ctx, view)
	return mapError(err)
}

func (s *FeedViewStore) Get(ctx context.Context, feedViewID string) (*domain.FeedViewRow, error) {
	var row domain.FeedViewRow
	err := s.c.FindOne(ctx, bson.M{"feed_view_id": feedViewID}).Decode(&row)
	if err != nil {
		return nil, mapError(err)
	}
	return &row, nil
}

func (s *FeedViewStore) FindByFeed(ctx context.Context, feedID string) ([]domain.FeedViewRow, error) {
	cursor, err := s.c.Find(ctx, bson.M{"feed_id": feedID})
	if err != nil {
		return nil, mapError(err)
	}
	defer cursor.Close(ctx)

	var rows []domain.FeedViewRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

func (s *FeedViewStore) Update(ctx context.Context, feedViewID, feedID string, u domain.FeedViewUpdate) (int64, error) {
	set := bson.M{}
	if u.Name != nil {
		set["name"] = *u.Name
	}
	if u.Active != nil {
		set["active"] = *u.Active
	}
	if u.Decrypted != nil {
		set["decrypted"] = *u.Decrypted
	}
	if u.MappingCode != nil {
		set["mapping_code"] = *u.MappingCode
	}
	if u.DataType != nil {
		set["data_type"] = *u.DataType
	}
	if u.EncryptedData != nil {
		set["encrypted_data"] = *u.EncryptedData
	}

	update := bson.M{"$currentDate": bson.M{"modification_date": true}}
	if len(set) > 0 {
		update["$set"] = set
	}

	res, err := s.c.UpdateOne(ctx, bson.M{"feed_view_id": feedViewID, "feed_id": feedID}, update)
	if err != nil {
		return 0, mapError(err)
	}
	return res.MatchedCount, nil
}

// SetProcessing clears ready and stamps the run start; ready stays
// false until the mapper writes back.
func (s *FeedViewStore) SetProcessing(ctx context.Context, feedViewID string, start time.Time) error {
	res, err := s.c.UpdateOne(ctx, bson.M{"feed_view_id": feedViewID}, bson.M{
		"$set":         bson.M{"ready": false, "processing_start_date": start},
		"$currentDate": bson.M{"modification_date": true},
	})
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *FeedViewStore) SetReady(ctx context.Context, feedViewID string, ready bool) error {
	res, err := s.c.UpdateOne(ctx, bson.M{"feed_view_id": feedViewID}, bson.M{
		"$set":         bson.M{"ready": ready},
		"$currentDate": bson.M{"modification_date": true},
	})
	if err != nil {
		return mapError(err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}
