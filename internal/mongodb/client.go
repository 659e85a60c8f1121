// Package mongodb implements the domain stores over the MongoDB
// driver: the transaction log, the materialised collections, session
// management and index provisioning.
package mongodb

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/millegrilles/datacollector/internal/config"
	"github.com/millegrilles/datacollector/internal/domain"
	"github.com/millegrilles/datacollector/internal/logging"
)

const connectTimeout = 10 * time.Second

// Client wraps the driver client and the domain database.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	log    zerolog.Logger
}

// Connect dials the server and verifies the connection with a ping.
func Connect(ctx context.Context, cfg config.MongoConfig) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return &Client{
		client: client,
		db:     client.Database(cfg.Database),
		log:    logging.WithComponent("mongodb"),
	}, nil
}

// Collection returns a handle in the domain database.
func (c *Client) Collection(name string) *mongo.Collection {
	return c.db.Collection(name)
}

// Ping verifies the primary is reachable. Used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from the server.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// WithTransaction scopes fn to one session: commit when fn returns nil,
// abort otherwise. Store calls made with the session context join the
// transaction. Implements domain.Sessions.
func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := c.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// Stores bundles one implementation per domain store interface, all
// backed by the same database.
type Stores struct {
	Feeds     *FeedStore
	Data      *DataItemStore
	DataFiles *DataFileStore
	Views     *FeedViewStore
	ViewData  *ViewDataStore
	Volatiles *VolatileFileStore
	TxLog     *TransactionLog
}

// NewStores builds the store set over the client.
func NewStores(c *Client) *Stores {
	return &Stores{
		Feeds:     &FeedStore{c: c.Collection(domain.CollectionFeeds)},
		Data:      &DataItemStore{c: c.Collection(domain.CollectionData)},
		DataFiles: &DataFileStore{c: c.Collection(domain.CollectionDataFiles)},
		Views:     &FeedViewStore{c: c.Collection(domain.CollectionFeedViews)},
		ViewData: &ViewDataStore{
			dated:   c.Collection(domain.CollectionFeedViewDated),
			grouped: c.Collection(domain.CollectionFeedViewGroupedDated),
		},
		Volatiles: &VolatileFileStore{c: c.Collection(domain.CollectionVolatileFiles)},
		TxLog:     &TransactionLog{c: c.Collection(domain.CollectionTransactions)},
	}
}

// mapError translates driver errors into the domain sentinels.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case err == mongo.ErrNoDocuments:
		return domain.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return domain.ErrDuplicateKey
	}
	return err
}
