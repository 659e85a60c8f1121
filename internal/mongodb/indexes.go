package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/millegrilles/datacollector/internal/domain"
)

// EnsureIndexes provisions every collection index at startup. Creation
// is idempotent; an existing index with the same keys and name is a
// no-op. The transaction log indexes are owned by the middleware and
// not created here.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	type spec struct {
		collection string
		models     []mongo.IndexModel
	}

	unique := options.Index().SetUnique(true)

	specs := []spec{
		{
			collection: domain.CollectionFeeds,
			models: []mongo.IndexModel{
				{Keys: bson.D{{Key: "feed_id", Value: 1}}, Options: unique},
			},
		},
		{
			collection: domain.CollectionData,
			models: []mongo.IndexModel{
				{Keys: bson.D{{Key: "data_id", Value: 1}, {Key: "feed_id", Value: 1}}, Options: unique},
			},
		},
		{
			collection: domain.CollectionDataFiles,
			models: []mongo.IndexModel{
				{Keys: bson.D{{Key: "data_id", Value: 1}}, Options: unique},
				{
					Keys:    bson.D{{Key: "save_date", Value: 1}, {Key: "feed_id", Value: 1}},
					Options: options.Index().SetName("date_feed"),
				},
			},
		},
		{
			collection: domain.CollectionVolatileFiles,
			models: []mongo.IndexModel{
				{Keys: bson.D{{Key: "correlation", Value: 1}}, Options: unique},
			},
		},
		{
			collection: domain.CollectionFeedViews,
			models: []mongo.IndexModel{
				{Keys: bson.D{{Key: "feed_view_id", Value: 1}}, Options: unique},
			},
		},
		{
			collection: domain.CollectionFeedViewDated,
			models: []mongo.IndexModel{
				{Keys: bson.D{{Key: "data_id", Value: 1}, {Key: "feed_view_id", Value: 1}}, Options: unique},
				{
					Keys:    bson.D{{Key: "pub_date", Value: -1}, {Key: "feed_view_id", Value: 1}},
					Options: options.Index().SetName("pubdate_desc"),
				},
			},
		},
		{
			collection: domain.CollectionFeedViewGroupedDated,
			models: []mongo.IndexModel{
				{Keys: bson.D{{Key: "data_id", Value: 1}, {Key: "feed_view_id", Value: 1}}, Options: unique},
				{
					Keys:    bson.D{{Key: "pub_date", Value: -1}, {Key: "feed_view_id", Value: 1}, {Key: "group_id", Value: 1}},
					Options: options.Index().SetName("pubdate_desc_group"),
				},
			},
		},
	}

	for _, s := range specs {
		if _, err := c.Collection(s.collection).Indexes().CreateMany(ctx, s.models); err != nil {
			return err
		}
		c.log.Debug().Str("collection", s.collection).Msg("indexes ensured")
	}
	return nil
}
