package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/millegrilles/datacollector/internal/certificates"
	"github.com/millegrilles/datacollector/internal/domain"
)

// FeedStore implements domain.FeedStore over the feeds collection.
type FeedStore struct {
	c *mongo.Collection
}

func (s *FeedStore) Insert(ctx context.Context, feed *domain.FeedRow) error {
	_, err := s.c.InsertOne(ctx, feed)
	return mapError(err)
}

func (s *FeedStore) Get(ctx context.Context, feedID string) (*domain.FeedRow, error) {
	var row domain.FeedRow
	err := s.c.FindOne(ctx, bson.M{"feed_id": feedID}).Decode(&row)
	if err != nil {
		return nil, mapError(err)
	}
	return &row, nil
}

// visibilityFilter renders the read-side authorization clause. Shared
// system feeds are those with a null owner at public or private
// security level.
func visibilityFilter(q domain.FeedQuery) bson.M {
	switch q.Visibility {
	case domain.VisibilityOwner:
		return bson.M{"user_id": q.UserID}
	case domain.VisibilityOwnerShared:
		return bson.M{"$or": bson.A{
			bson.M{"user_id": q.UserID},
			bson.M{
				"user_id": nil,
				"security_level": bson.M{"$in": bson.A{
					certificates.ExchangePublic,
					certificates.ExchangePrivate,
				}},
			},
		}}
	case domain.VisibilityAdmin:
		return bson.M{"user_id": nil}
	}
	// VisibilityAny: the mapper and scraper system roles see every
	// non-deleted feed.
	return bson.M{}
}

func (s *FeedStore) Find(ctx context.Context, q domain.FeedQuery) ([]domain.FeedRow, error) {
	filter := visibilityFilter(q)
	filter["deleted"] = false
	if len(q.FeedIDs) > 0 {
		filter["feed_id"] = bson.M{"$in": q.FeedIDs}
	}
	if q.ActiveOnly {
		filter["active"] = true
	}

	cursor, err := s.c.Find(ctx, filter)
	if err != nil {
		return nil, mapError(err)
	}
	defer cursor.Close(ctx)

	var rows []domain.FeedRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}

// ownerFilter renders the write-side ownership clause: admins scope to
// system feeds, users to their own.
func ownerFilter(feedID string, scope domain.OwnerScope) bson.M {
	filter := bson.M{"feed_id": feedID}
	if scope.Admin {
		filter["user_id"] = nil
	} else {
		filter["user_id"] = scope.UserID
	}
	return filter
}

func (s *FeedStore) Update(ctx context.Context, feedID string, scope domain.OwnerScope, u domain.FeedUpdate) (int64, error) {
	set := bson.M{"security_level": u.SecurityLevel}
	if u.PollRate != nil {
		set["poll_rate"] = *u.PollRate
	}
	if u.Active != nil {
		set["active"] = *u.Active
	}
	if u.DecryptInDatabase != nil {
		set["decrypt_in_database"] = *u.DecryptInDatabase
	}
	if u.EncryptedFeedInformation != nil {
		set["encrypted_feed_information"] = *u.EncryptedFeedInformation
	}

	res, err := s.c.UpdateOne(ctx, ownerFilter(feedID, scope), bson.M{
		"$set":         set,
		"$currentDate": bson.M{"modified_at": true},
	})
	if err != nil {
		return 0, mapError(err)
	}
	return res.MatchedCount, nil
}

func (s *FeedStore) SetDeleted(ctx context.Context, feedID string, scope domain.OwnerScope, deleted bool) (int64, error) {
	var update bson.M
	if deleted {
		update = bson.M{
			"$set":         bson.M{"deleted": true},
			"$currentDate": bson.M{"deleted_at": true, "modified_at": true},
		}
	} else {
		update = bson.M{
			"$set":         bson.M{"deleted": false},
			"$unset":       bson.M{"deleted_at": ""},
			"$currentDate": bson.M{"modified_at": true},
		}
	}

	res, err := s.c.UpdateOne(ctx, ownerFilter(feedID, scope), update)
	if err != nil {
		return 0, mapError(err)
	}
	return res.MatchedCount, nil
}
