package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millegrilles/datacollector/internal/bus"
	"github.com/millegrilles/datacollector/internal/certificates"
)

func createFeedTx(id string, claims *certificates.Claims) *bus.Message {
	return newMessage(id, TransactionCreateFeed, CreateFeedTransaction{
		FeedType:      "web.rss",
		SecurityLevel: certificates.ExchangePrivate,
		Domain:        DomainName,
		EncryptedFeedInformation: EncryptedDocument{
			CleID:      "key-" + id,
			Format:     "mgs4",
			Ciphertext: "AAAA",
		},
	}, claims, bus.MessageCommand)
}

func TestApplyCreateFeedOwnership(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	msg := createFeedTx("feed-user", userClaims("u1"))
	require.NoError(t, env.manager.ApplyTransaction(ctx, msg.Envelope, msg.Certificate))

	feed, err := env.feeds.Get(ctx, "feed-user")
	require.NoError(t, err)
	require.NotNil(t, feed.UserID)
	assert.Equal(t, "u1", *feed.UserID)
	assert.Equal(t, msg.Envelope.Timestamp(), feed.CreatedAt)

	// Admin-created feeds are system feeds.
	msg = createFeedTx("feed-system", adminClaims())
	require.NoError(t, env.manager.ApplyTransaction(ctx, msg.Envelope, msg.Certificate))
	feed, err = env.feeds.Get(ctx, "feed-system")
	require.NoError(t, err)
	assert.Nil(t, feed.UserID)
}

func TestApplyCreateFeedIdempotence(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	msg := createFeedTx("feed-1", userClaims("u1"))
	require.NoError(t, env.manager.ApplyTransaction(ctx, msg.Envelope, msg.Certificate))

	err := env.manager.ApplyTransaction(ctx, msg.Envelope, msg.Certificate)
	require.Error(t, err)
	assert.Equal(t, bus.CodeDuplicate, err.(*bus.Error).Code)

	feeds, err := env.feeds.Find(ctx, FeedQuery{Visibility: VisibilityAny})
	require.NoError(t, err)
	assert.Len(t, feeds, 1)
}

func TestApplyDeleteThenRestore(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	claims := userClaims("u1")

	msg := createFeedTx("feed-1", claims)
	require.NoError(t, env.manager.ApplyTransaction(ctx, msg.Envelope, msg.Certificate))

	del := newMessage("tx-del", TransactionDeleteFeed, DeleteFeedTransaction{FeedID: "feed-1"}, claims, bus.MessageCommand)
	require.NoError(t, env.manager.ApplyTransaction(ctx, del.Envelope, del.Certificate))
	feed, err := env.feeds.Get(ctx, "feed-1")
	require.NoError(t, err)
	assert.True(t, feed.Deleted)
	assert.NotNil(t, feed.DeletedAt)

	restore := newMessage("tx-restore", TransactionRestoreFeed, RestoreFeedTransaction{FeedID: "feed-1"}, claims, bus.MessageCommand)
	require.NoError(t, env.manager.ApplyTransaction(ctx, restore.Envelope, restore.Certificate))
	feed, err = env.feeds.Get(ctx, "feed-1")
	require.NoError(t, err)
	assert.False(t, feed.Deleted)
	assert.Nil(t, feed.DeletedAt)
}

func TestApplySaveDataItemRequiresScraper(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	msg := newMessage("data-1", TransactionSaveDataItem, SaveDataItemTransaction{
		ID:      "data-1",
		FeedID:  "feed-1",
		PubDate: time.Now().Unix(),
	}, userClaims("u1"), bus.MessageCommand)

	err := env.manager.ApplyTransaction(ctx, msg.Envelope, msg.Certificate)
	require.Error(t, err)
	assert.Equal(t, bus.CodeUnauthorized, err.(*bus.Error).Code)
}

func TestApplySaveDataItemV2RejectsEmptyKeyIDs(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	msg := newMessage("data-1", TransactionSaveDataItemV2, SaveDataItemV2Transaction{
		ID:        "data-1",
		FeedID:    "feed-1",
		DataFuuid: "fuuid-1",
	}, scraperClaims(), bus.MessageCommand)

	err := env.manager.ApplyTransaction(ctx, msg.Envelope, msg.Certificate)
	require.Error(t, err)
	assert.Equal(t, bus.CodeBadRequest, err.(*bus.Error).Code)
}

func TestApplyUpdateFeedViewMatchRequired(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	require.NoError(t, env.views.Insert(ctx, &FeedViewRow{FeedViewID: "view-1", FeedID: "feed-1"}))

	name := "renamed"
	msg := newMessage("tx-upd", TransactionUpdateFeedView, UpdateFeedViewTransaction{
		FeedViewID: "view-1",
		FeedID:     "feed-1",
		Name:       &name,
	}, userClaims("u1"), bus.MessageCommand)
	require.NoError(t, env.manager.ApplyTransaction(ctx, msg.Envelope, msg.Certificate))

	view, err := env.views.Get(ctx, "view-1")
	require.NoError(t, err)
	require.NotNil(t, view.Name)
	assert.Equal(t, "renamed", *view.Name)

	// Wrong feed scope matches nothing.
	msg = newMessage("tx-upd2", TransactionUpdateFeedView, UpdateFeedViewTransaction{
		FeedViewID: "view-1",
		FeedID:     "other-feed",
		Name:       &name,
	}, userClaims("u1"), bus.MessageCommand)
	err = env.manager.ApplyTransaction(ctx, msg.Envelope, msg.Certificate)
	require.Error(t, err)
	assert.Equal(t, bus.CodeNotFound, err.(*bus.Error).Code)
}

func TestApplyUnknownAction(t *testing.T) {
	env := newTestEnv()
	msg := newMessage("tx-x", "mystery", map[string]string{}, userClaims("u1"), bus.MessageCommand)
	err := env.manager.ApplyTransaction(context.Background(), msg.Envelope, msg.Certificate)
	require.Error(t, err)
	assert.Equal(t, bus.CodeUnknownAction, err.(*bus.Error).Code)
}
