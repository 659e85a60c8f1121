package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/millegrilles/datacollector/internal/bus"
)

// Read handlers. Every reply that carries key material attaches the
// KeyMaster bundle re-encrypted for the caller's certificate chain;
// the service never decrypts on behalf of clients.

type getFeedsRequest struct {
	FeedIDs []string `json:"feed_ids,omitempty"`
}

type getFeedsReply struct {
	Ok    bool            `json:"ok"`
	Feeds []FeedRow       `json:"feeds"`
	Keys  json.RawMessage `json:"keys,omitempty"`
}

func (m *Manager) requestGetFeeds(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var req getFeedsRequest
	if err := msg.Envelope.ParseContent(&req); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "getFeeds: %v", err)
	}

	q := FeedQueryFor(msg.Certificate, true, req.FeedIDs)
	feeds, err := m.feeds.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	cleIDs := make([]string, 0, len(feeds))
	for _, f := range feeds {
		if f.EncryptedFeedInformation.CleID != "" {
			cleIDs = append(cleIDs, f.EncryptedFeedInformation.CleID)
		}
	}
	keys, err := m.fetchKeyBundle(ctx, cleIDs, msg)
	if err != nil {
		return nil, err
	}
	return getFeedsReply{Ok: true, Feeds: feeds, Keys: keys}, nil
}

func (m *Manager) requestGetFeedsForScraper(ctx context.Context, msg *bus.Message) (interface{}, error) {
	if err := RequireScraper(msg.Certificate); err != nil {
		return nil, err
	}
	// Scrapers poll every live feed regardless of ownership.
	feeds, err := m.feeds.Find(ctx, FeedQuery{Visibility: VisibilityAny, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	cleIDs := make([]string, 0, len(feeds))
	for _, f := range feeds {
		if f.EncryptedFeedInformation.CleID != "" {
			cleIDs = append(cleIDs, f.EncryptedFeedInformation.CleID)
		}
	}
	keys, err := m.fetchKeyBundle(ctx, cleIDs, msg)
	if err != nil {
		return nil, err
	}
	return getFeedsReply{Ok: true, Feeds: feeds, Keys: keys}, nil
}

type checkExistingDataIdsRequest struct {
	FeedID  string   `json:"feed_id"`
	DataIDs []string `json:"data_ids"`
}

type checkExistingDataIdsReply struct {
	Ok          bool     `json:"ok"`
	ExistingIDs []string `json:"existing_ids"`
	MissingIDs  []string `json:"missing_ids"`
}

func (m *Manager) requestCheckExistingDataIds(ctx context.Context, msg *bus.Message) (interface{}, error) {
	if err := RequireScraper(msg.Certificate); err != nil {
		return nil, err
	}
	var req checkExistingDataIdsRequest
	if err := msg.Envelope.ParseContent(&req); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "checkExistingDataIds: %v", err)
	}

	existing, err := m.data.ExistingIDs(ctx, req.FeedID, req.DataIDs)
	if err != nil {
		return nil, err
	}
	present := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		present[id] = struct{}{}
	}
	missing := make([]string, 0, len(req.DataIDs))
	for _, id := range req.DataIDs {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return checkExistingDataIdsReply{Ok: true, ExistingIDs: existing, MissingIDs: missing}, nil
}

type getDataItemsRequest struct {
	FeedID    string `json:"feed_id"`
	StartDate *int64 `json:"start_date,omitempty"`
	EndDate   *int64 `json:"end_date,omitempty"`
	Skip      int64  `json:"skip,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
}

type getDataItemsReply struct {
	Ok             bool            `json:"ok"`
	Items          []DataItemRow   `json:"items"`
	EstimatedCount *int64          `json:"estimated_count,omitempty"`
	Keys           json.RawMessage `json:"keys,omitempty"`
}

func (m *Manager) requestGetDataItemsMostRecent(ctx context.Context, msg *bus.Message) (interface{}, error) {
	return m.getDataItems(ctx, msg, false)
}

func (m *Manager) requestGetDataItemsDateRange(ctx context.Context, msg *bus.Message) (interface{}, error) {
	return m.getDataItems(ctx, msg, true)
}

// getDataItems scans the v1 collection most recent first. The estimated
// count is capped and omitted entirely when the page is empty.
func (m *Manager) getDataItems(ctx context.Context, msg *bus.Message, dateRange bool) (interface{}, error) {
	var req getDataItemsRequest
	if err := msg.Envelope.ParseContent(&req); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "getDataItems: %v", err)
	}
	if _, err := m.GetAuthorizedFeed(ctx, req.FeedID, msg.Certificate, true); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	q := DataItemQuery{FeedID: req.FeedID, Skip: req.Skip, Limit: limit}
	if dateRange {
		if req.StartDate != nil {
			t := time.Unix(*req.StartDate, 0).UTC()
			q.Start = &t
		}
		if req.EndDate != nil {
			t := time.Unix(*req.EndDate, 0).UTC()
			q.End = &t
		}
	}

	items, err := m.data.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	reply := getDataItemsReply{Ok: true, Items: items}
	if len(items) > 0 {
		count, err := m.data.Count(ctx, q, EstimatedCountCap)
		if err != nil {
			return nil, err
		}
		reply.EstimatedCount = &count
	}

	keys, err := m.fetchKeyBundle(ctx, dataItemKeyIDs(items), msg)
	if err != nil {
		return nil, err
	}
	reply.Keys = keys
	return reply, nil
}

type getFeedDataRequest struct {
	FeedID     string `json:"feed_id"`
	BatchStart *int64 `json:"batch_start,omitempty"`
	Limit      int64  `json:"limit,omitempty"`
}

type getFeedDataReply struct {
	Ok    bool            `json:"ok"`
	Items []DataFileRow   `json:"items"`
	Keys  json.RawMessage `json:"keys,omitempty"`
}

// requestGetFeedData pages the v2 data-files collection for the mapper,
// by save_date strictly greater than batch_start.
func (m *Manager) requestGetFeedData(ctx context.Context, msg *bus.Message) (interface{}, error) {
	if err := RequireMapper(msg.Certificate); err != nil {
		return nil, err
	}
	var req getFeedDataRequest
	if err := msg.Envelope.ParseContent(&req); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "getFeedData: %v", err)
	}

	var batchStart time.Time
	if req.BatchStart != nil {
		batchStart = time.Unix(*req.BatchStart, 0).UTC()
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	items, err := m.dataFiles.FindBatch(ctx, req.FeedID, batchStart, limit)
	if err != nil {
		return nil, err
	}

	cleIDs := make([]string, 0, len(items))
	for _, it := range items {
		cleIDs = append(cleIDs, it.KeyIDs...)
	}
	keys, err := m.fetchKeyBundle(ctx, cleIDs, msg)
	if err != nil {
		return nil, err
	}
	return getFeedDataReply{Ok: true, Items: items, Keys: keys}, nil
}

type getFeedViewsRequest struct {
	FeedID string `json:"feed_id"`
}

type getFeedViewsReply struct {
	Ok    bool            `json:"ok"`
	Feed  *FeedRow        `json:"feed"`
	Views []FeedViewRow   `json:"feed_views"`
	Keys  json.RawMessage `json:"keys,omitempty"`
}

// requestGetFeedViews returns the feed plus its live views. The whole
// reply body is encrypted for the caller, not just the key bundle.
func (m *Manager) requestGetFeedViews(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var req getFeedViewsRequest
	if err := msg.Envelope.ParseContent(&req); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "getFeedViews: %v", err)
	}
	feed, err := m.GetAuthorizedFeed(ctx, req.FeedID, msg.Certificate, true)
	if err != nil {
		return nil, err
	}

	views, err := m.views.FindByFeed(ctx, req.FeedID)
	if err != nil {
		return nil, err
	}
	live := make([]FeedViewRow, 0, len(views))
	cleIDs := make([]string, 0, len(views)+1)
	if feed.EncryptedFeedInformation.CleID != "" {
		cleIDs = append(cleIDs, feed.EncryptedFeedInformation.CleID)
	}
	for _, v := range views {
		if v.Deleted {
			continue
		}
		live = append(live, v)
		if v.EncryptedData.CleID != "" {
			cleIDs = append(cleIDs, v.EncryptedData.CleID)
		}
	}

	keys, err := m.fetchKeyBundle(ctx, cleIDs, msg)
	if err != nil {
		return nil, err
	}
	reply := getFeedViewsReply{Ok: true, Feed: feed, Views: live, Keys: keys}
	return m.encryptReply(reply, msg)
}

type getFeedViewDataRequest struct {
	FeedViewID string `json:"feed_view_id"`
	Skip       int64  `json:"skip,omitempty"`
	Limit      int64  `json:"limit,omitempty"`
}

type getFeedViewDataReply struct {
	Ok             bool            `json:"ok"`
	FeedView       *FeedViewRow    `json:"feed_view"`
	Items          []ViewDataRow   `json:"items"`
	EstimatedCount *int64          `json:"estimated_count,omitempty"`
	Keys           json.RawMessage `json:"keys,omitempty"`
}

func (m *Manager) requestGetFeedViewData(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var req getFeedViewDataRequest
	if err := msg.Envelope.ParseContent(&req); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "getFeedViewData: %v", err)
	}
	view, err := m.views.Get(ctx, req.FeedViewID)
	if err != nil {
		if err == ErrNotFound {
			return nil, bus.Errf(bus.CodeNotFound, "Unknown feed view")
		}
		return nil, err
	}
	if _, err := m.GetAuthorizedFeed(ctx, view.FeedID, msg.Certificate, true); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	dataType := ParseViewDataType(view.DataType)
	items, err := m.viewData.Find(ctx, dataType, view.FeedViewID, req.Skip, limit)
	if err != nil {
		return nil, err
	}

	reply := getFeedViewDataReply{Ok: true, FeedView: view, Items: items}
	if len(items) > 0 {
		count, err := m.viewData.Count(ctx, dataType, view.FeedViewID, EstimatedCountCap)
		if err != nil {
			return nil, err
		}
		reply.EstimatedCount = &count
	}

	cleIDs := make([]string, 0, len(items)+1)
	if view.EncryptedData.CleID != "" {
		cleIDs = append(cleIDs, view.EncryptedData.CleID)
	}
	for _, it := range items {
		if it.EncryptedData.CleID != "" {
			cleIDs = append(cleIDs, it.EncryptedData.CleID)
		}
		for _, f := range it.Files {
			if f.Decryption != nil && f.Decryption.CleID != "" {
				cleIDs = append(cleIDs, f.Decryption.CleID)
			}
		}
	}
	keys, err := m.fetchKeyBundle(ctx, cleIDs, msg)
	if err != nil {
		return nil, err
	}
	reply.Keys = keys
	return m.encryptReply(reply, msg)
}

type getFuuidsVolatileRequest struct {
	Correlations []string `json:"correlations"`
}

type getFuuidsVolatileReply struct {
	Ok    bool              `json:"ok"`
	Files []VolatileFileRow `json:"files"`
}

func (m *Manager) requestGetFuuidsVolatile(ctx context.Context, msg *bus.Message) (interface{}, error) {
	if err := RequireScraper(msg.Certificate); err != nil {
		return nil, err
	}
	var req getFuuidsVolatileRequest
	if err := msg.Envelope.ParseContent(&req); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "getFuuidsVolatile: %v", err)
	}
	files, err := m.volatiles.FindByCorrelations(ctx, req.Correlations)
	if err != nil {
		return nil, err
	}
	return getFuuidsVolatileReply{Ok: true, Files: files}, nil
}

// fetchKeyBundle asks the KeyMaster to re-encrypt the keys for the
// caller chain. The bundle is relayed unchanged; an empty id set skips
// the call.
func (m *Manager) fetchKeyBundle(ctx context.Context, cleIDs []string, msg *bus.Message) (json.RawMessage, error) {
	if len(cleIDs) == 0 || m.keymaster == nil {
		return nil, nil
	}
	return m.keymaster.DecryptKeysFor(ctx, cleIDs, msg.Certificate.Chain)
}

// encryptReply wraps the reply body for the caller when a cipher is
// wired; without one the reply goes out in clear (tests).
func (m *Manager) encryptReply(reply interface{}, msg *bus.Message) (interface{}, error) {
	if m.cipher == nil {
		return reply, nil
	}
	enc, err := m.cipher.EncryptForCaller(reply, msg.Certificate.Chain)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func dataItemKeyIDs(items []DataItemRow) []string {
	cleIDs := make([]string, 0, len(items))
	for _, it := range items {
		if it.EncryptedData.CleID != "" {
			cleIDs = append(cleIDs, it.EncryptedData.CleID)
		}
		for _, f := range it.Files {
			if f.Decryption != nil && f.Decryption.CleID != "" {
				cleIDs = append(cleIDs, f.Decryption.CleID)
			}
		}
	}
	return cleIDs
}
