package domain

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millegrilles/datacollector/internal/bus"
	"github.com/millegrilles/datacollector/internal/certificates"
)

func feedIDs(feeds []FeedRow) []string {
	ids := make([]string, 0, len(feeds))
	for _, f := range feeds {
		ids = append(ids, f.FeedID)
	}
	return ids
}

func TestGetFeedsVisibility(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	owner := "U"

	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{
		FeedID: "F1", UserID: &owner, SecurityLevel: certificates.ExchangePrivate,
		EncryptedFeedInformation: EncryptedDocument{CleID: "k1"},
	}))
	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{
		FeedID: "F2", SecurityLevel: certificates.ExchangePublic,
		EncryptedFeedInformation: EncryptedDocument{CleID: "k2"},
	}))
	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{
		FeedID: "F3", SecurityLevel: certificates.ExchangeProtected,
		EncryptedFeedInformation: EncryptedDocument{CleID: "k3"},
	}))

	msg := newMessage("req-1", RequestGetFeeds, getFeedsRequest{}, userClaims("U"), bus.MessageRequest)
	raw, err := env.manager.requestGetFeeds(ctx, msg)
	require.NoError(t, err)

	reply := raw.(getFeedsReply)
	assert.True(t, reply.Ok)
	ids := feedIDs(reply.Feeds)
	assert.Contains(t, ids, "F1")
	assert.Contains(t, ids, "F2")
	assert.NotContains(t, ids, "F3")

	// Only visible feeds contribute to the key bundle.
	require.Len(t, env.escrow.bundles, 1)
	assert.ElementsMatch(t, []string{"k1", "k2"}, env.escrow.bundles[0])
}

func TestGetFeedsExplicitFilter(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	owner := "U"

	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{FeedID: "F1", UserID: &owner}))
	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{FeedID: "F4", UserID: &owner}))

	msg := newMessage("req-1", RequestGetFeeds, getFeedsRequest{FeedIDs: []string{"F4"}}, userClaims("U"), bus.MessageRequest)
	raw, err := env.manager.requestGetFeeds(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"F4"}, feedIDs(raw.(getFeedsReply).Feeds))
}

func TestGetFeedsForScraper(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	owner := "U"
	active := true
	inactive := false

	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{FeedID: "F1", UserID: &owner, Active: &active}))
	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{FeedID: "F2", Active: &active}))
	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{FeedID: "F3", Active: &inactive}))

	msg := newMessage("req-1", RequestGetFeedsForScraper, getFeedsRequest{}, scraperClaims(), bus.MessageRequest)
	raw, err := env.manager.requestGetFeedsForScraper(ctx, msg)
	require.NoError(t, err)

	// Active feeds regardless of ownership; inactive excluded.
	assert.ElementsMatch(t, []string{"F1", "F2"}, feedIDs(raw.(getFeedsReply).Feeds))

	// Private users are refused.
	_, err = env.manager.requestGetFeedsForScraper(ctx,
		newMessage("req-2", RequestGetFeedsForScraper, getFeedsRequest{}, userClaims("U"), bus.MessageRequest))
	require.Error(t, err)
	assert.Equal(t, bus.CodeUnauthorized, err.(*bus.Error).Code)
}

func TestCheckExistingDataIds(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	require.NoError(t, env.data.Insert(ctx, &DataItemRow{DataID: "a", FeedID: "F"}))
	require.NoError(t, env.data.Insert(ctx, &DataItemRow{DataID: "b", FeedID: "F"}))

	msg := newMessage("req-1", RequestCheckExistingDataIds, checkExistingDataIdsRequest{
		FeedID:  "F",
		DataIDs: []string{"a", "b", "c"},
	}, scraperClaims(), bus.MessageRequest)
	raw, err := env.manager.requestCheckExistingDataIds(ctx, msg)
	require.NoError(t, err)

	reply := raw.(checkExistingDataIdsReply)
	assert.ElementsMatch(t, []string{"a", "b"}, reply.ExistingIDs)
	assert.Equal(t, []string{"c"}, reply.MissingIDs)
}

func TestGetDataItemsMostRecent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	owner := "U"
	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{FeedID: "F", UserID: &owner}))

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, env.data.Insert(ctx, &DataItemRow{
			DataID:        string(rune('a' + i)),
			FeedID:        "F",
			PubDate:       base.Add(time.Duration(i) * time.Hour),
			EncryptedData: EncryptedDocument{CleID: "k"},
		}))
	}

	msg := newMessage("req-1", RequestGetDataItemsMostRecent, getDataItemsRequest{FeedID: "F", Limit: 2},
		userClaims("U"), bus.MessageRequest)
	raw, err := env.manager.requestGetDataItemsMostRecent(ctx, msg)
	require.NoError(t, err)

	reply := raw.(getDataItemsReply)
	require.Len(t, reply.Items, 2)
	// Most recent first.
	assert.Equal(t, "c", reply.Items[0].DataID)
	assert.Equal(t, "b", reply.Items[1].DataID)
	require.NotNil(t, reply.EstimatedCount)
	assert.Equal(t, int64(3), *reply.EstimatedCount)
}

func TestGetDataItemsEmptyBatchOmitsCount(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	owner := "U"
	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{FeedID: "F", UserID: &owner}))

	msg := newMessage("req-1", RequestGetDataItemsMostRecent, getDataItemsRequest{FeedID: "F"},
		userClaims("U"), bus.MessageRequest)
	raw, err := env.manager.requestGetDataItemsMostRecent(ctx, msg)
	require.NoError(t, err)
	assert.Nil(t, raw.(getDataItemsReply).EstimatedCount)
}

func TestGetDataItemsDateRange(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	owner := "U"
	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{FeedID: "F", UserID: &owner}))

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, env.data.Insert(ctx, &DataItemRow{
			DataID:  string(rune('a' + i)),
			FeedID:  "F",
			PubDate: base.AddDate(0, 0, i),
		}))
	}

	start := base.AddDate(0, 0, 1).Unix()
	end := base.AddDate(0, 0, 2).Unix()
	msg := newMessage("req-1", RequestGetDataItemsDateRange, getDataItemsRequest{
		FeedID:    "F",
		StartDate: &start,
		EndDate:   &end,
	}, userClaims("U"), bus.MessageRequest)
	raw, err := env.manager.requestGetDataItemsDateRange(ctx, msg)
	require.NoError(t, err)

	reply := raw.(getDataItemsReply)
	require.Len(t, reply.Items, 2)
	assert.Equal(t, "c", reply.Items[0].DataID)
	assert.Equal(t, "b", reply.Items[1].DataID)
}

func TestGetFeedDataMapperOnly(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	batchStart := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.dataFiles.Insert(ctx, &DataFileRow{
		DataID:   "d1",
		FeedID:   "F",
		SaveDate: time.Now().UTC(),
		KeyIDs:   []string{"k1", "k2"},
	}))

	start := batchStart.Unix()
	msg := newMessage("req-1", RequestGetFeedData, getFeedDataRequest{FeedID: "F", BatchStart: &start},
		mapperClaims(), bus.MessageRequest)
	raw, err := env.manager.requestGetFeedData(ctx, msg)
	require.NoError(t, err)

	reply := raw.(getFeedDataReply)
	require.Len(t, reply.Items, 1)
	require.Len(t, env.escrow.bundles, 1)
	assert.Equal(t, []string{"k1", "k2"}, env.escrow.bundles[0])

	_, err = env.manager.requestGetFeedData(ctx,
		newMessage("req-2", RequestGetFeedData, getFeedDataRequest{FeedID: "F"}, userClaims("U"), bus.MessageRequest))
	require.Error(t, err)
	assert.Equal(t, bus.CodeUnauthorized, err.(*bus.Error).Code)
}

func TestGetFeedViewsSkipsDeleted(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	owner := "U"

	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{FeedID: "F", UserID: &owner}))
	require.NoError(t, env.views.Insert(ctx, &FeedViewRow{FeedViewID: "V1", FeedID: "F"}))
	require.NoError(t, env.views.Insert(ctx, &FeedViewRow{FeedViewID: "V2", FeedID: "F", Deleted: true}))

	msg := newMessage("req-1", RequestGetFeedViews, getFeedViewsRequest{FeedID: "F"}, userClaims("U"), bus.MessageRequest)
	raw, err := env.manager.requestGetFeedViews(ctx, msg)
	require.NoError(t, err)

	// No cipher wired in tests: the reply stays clear.
	reply := raw.(getFeedViewsReply)
	require.Len(t, reply.Views, 1)
	assert.Equal(t, "V1", reply.Views[0].FeedViewID)
}

func TestGetFeedViewData(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	owner := "U"

	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{FeedID: "F", UserID: &owner}))
	require.NoError(t, env.views.Insert(ctx, &FeedViewRow{FeedViewID: "V", FeedID: "F", DataType: "Dated"}))
	require.NoError(t, env.viewData.InsertBatch(ctx, ViewDataDated, []ViewDataRow{
		{DataID: "d1", FeedViewID: "V", FeedID: "F", PubDate: time.Now().UTC()},
	}))

	msg := newMessage("req-1", RequestGetFeedViewData, getFeedViewDataRequest{FeedViewID: "V"},
		userClaims("U"), bus.MessageRequest)
	raw, err := env.manager.requestGetFeedViewData(ctx, msg)
	require.NoError(t, err)

	reply := raw.(getFeedViewDataReply)
	require.Len(t, reply.Items, 1)
	require.NotNil(t, reply.EstimatedCount)
	assert.Equal(t, int64(1), *reply.EstimatedCount)
}

func TestGetFuuidsVolatile(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	require.NoError(t, env.volatiles.Upsert(ctx, &VolatileFileRow{Correlation: "c1", Fuuid: "f1"}))

	msg := newMessage("req-1", RequestGetFuuidsVolatile, getFuuidsVolatileRequest{Correlations: []string{"c1", "c2"}},
		scraperClaims(), bus.MessageRequest)
	raw, err := env.manager.requestGetFuuidsVolatile(ctx, msg)
	require.NoError(t, err)

	reply := raw.(getFuuidsVolatileReply)
	require.Len(t, reply.Files, 1)
	assert.Equal(t, "f1", reply.Files[0].Fuuid)
}

func TestKeyBundleRelayedVerbatim(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	owner := "U"
	env.escrow.Bundle = json.RawMessage(`{"cles":{"k1":"sealed"}}`)

	require.NoError(t, env.feeds.Insert(ctx, &FeedRow{
		FeedID: "F", UserID: &owner,
		EncryptedFeedInformation: EncryptedDocument{CleID: "k1"},
	}))

	msg := newMessage("req-1", RequestGetFeeds, getFeedsRequest{}, userClaims("U"), bus.MessageRequest)
	raw, err := env.manager.requestGetFeeds(ctx, msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cles":{"k1":"sealed"}}`, string(raw.(getFeedsReply).Keys))
}
