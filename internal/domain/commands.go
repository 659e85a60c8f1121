package domain

import (
	"context"
	"time"

	"github.com/millegrilles/datacollector/internal/bus"
	"github.com/millegrilles/datacollector/internal/certificates"
)

// persistAndApply runs the persist-transaction-then-apply protocol:
// inside one database session, the envelope is written to the
// transaction log and applied to the materialised collections. An
// observer sees both writes or neither.
func (m *Manager) persistAndApply(ctx context.Context, msg *bus.Message) error {
	return m.sessions.WithTransaction(ctx, func(ctx context.Context) error {
		if err := m.txlog.Persist(ctx, msg.Envelope); err != nil {
			return err
		}
		return m.ApplyTransaction(ctx, msg.Envelope, msg.Certificate)
	})
}

// transmitRequiredKey forwards the attached key; its absence aborts
// the command (createFeed, createFeedView).
func (m *Manager) transmitRequiredKey(ctx context.Context, msg *bus.Message) error {
	key := msg.Envelope.Attachment("key")
	if key == nil {
		m.log.Warn().Str("action", msg.Action()).Msg("encryption key is missing, command rejected")
		return bus.Errf(bus.CodeGeneric, "Encryption key is missing")
	}
	return m.keymaster.TransmitAttachedKey(ctx, key)
}

// transmitOptionalKey forwards the attached key when present.
func (m *Manager) transmitOptionalKey(ctx context.Context, msg *bus.Message) error {
	key := msg.Envelope.Attachment("key")
	if key == nil {
		return nil
	}
	return m.keymaster.TransmitAttachedKey(ctx, key)
}

func (m *Manager) commandCreateFeed(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var cmd CreateFeedTransaction
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "createFeed: %v", err)
	}
	if msg.Certificate.UserID == "" && !msg.Certificate.IsAdmin() {
		return nil, bus.Errf(bus.CodeUnauthorized, "Invalid certificate")
	}

	if err := m.transmitRequiredKey(ctx, msg); err != nil {
		return nil, err
	}
	if err := m.persistAndApply(ctx, msg); err != nil {
		return nil, err
	}
	return bus.OkReply(), nil
}

// authorizeFeedWrite loads the feed and enforces the write ownership
// rule: owner writes own feeds, admin writes system feeds.
func (m *Manager) authorizeFeedWrite(ctx context.Context, feedID string, claims *certificates.Claims) (*FeedRow, error) {
	feed, err := m.feeds.Get(ctx, feedID)
	if err != nil {
		if err == ErrNotFound {
			return nil, bus.Errf(bus.CodeNotFound, "Unknown feed")
		}
		return nil, err
	}
	if feed.UserID != nil && claims.UserID != "" && *feed.UserID == claims.UserID {
		return feed, nil
	}
	if claims.IsAdmin() && feed.UserID == nil {
		return feed, nil
	}
	return nil, bus.Errf(bus.CodeUnauthorized, "Unauthorized")
}

func (m *Manager) commandUpdateFeed(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var cmd UpdateFeedTransaction
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "updateFeed: %v", err)
	}
	if _, err := m.authorizeFeedWrite(ctx, cmd.FeedID, msg.Certificate); err != nil {
		return nil, err
	}
	// A rotated feed-information key may travel with the update.
	if err := m.transmitOptionalKey(ctx, msg); err != nil {
		return nil, err
	}
	if err := m.persistAndApply(ctx, msg); err != nil {
		return nil, err
	}
	return bus.OkReply(), nil
}

func (m *Manager) commandDeleteFeed(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var cmd DeleteFeedTransaction
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "deleteFeed: %v", err)
	}
	if _, err := m.authorizeFeedWrite(ctx, cmd.FeedID, msg.Certificate); err != nil {
		return nil, err
	}
	if err := m.persistAndApply(ctx, msg); err != nil {
		return nil, err
	}
	return bus.OkReply(), nil
}

func (m *Manager) commandRestoreFeed(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var cmd RestoreFeedTransaction
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "restoreFeed: %v", err)
	}
	if _, err := m.authorizeFeedWrite(ctx, cmd.FeedID, msg.Certificate); err != nil {
		return nil, err
	}
	if err := m.persistAndApply(ctx, msg); err != nil {
		return nil, err
	}
	return bus.OkReply(), nil
}

func (m *Manager) commandSaveDataItem(ctx context.Context, msg *bus.Message) (interface{}, error) {
	if err := RequireScraper(msg.Certificate); err != nil {
		return nil, err
	}
	var cmd SaveDataItemTransaction
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "saveDataItem: %v", err)
	}

	exists, err := m.data.Exists(ctx, cmd.FeedID, cmd.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, bus.Errf(bus.CodeDuplicate, "Data item already exists")
	}

	if err := m.transmitOptionalKey(ctx, msg); err != nil {
		return nil, err
	}
	if err := m.persistAndApply(ctx, msg); err != nil {
		return nil, err
	}

	// Post-commit: claim the introduced fuuids. Best effort, the
	// ticker sweep reconciles misses.
	fuuids := make([]string, 0, len(cmd.Files))
	for _, f := range cmd.Files {
		fuuids = append(fuuids, f.Fuuid)
	}
	m.claimFuuids(ctx, fuuids)

	return bus.OkReply(), nil
}

func (m *Manager) commandSaveDataItemV2(ctx context.Context, msg *bus.Message) (interface{}, error) {
	if err := RequireScraper(msg.Certificate); err != nil {
		return nil, err
	}
	var cmd SaveDataItemV2Transaction
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "saveDataItemV2: %v", err)
	}
	if len(cmd.KeyIDs) == 0 {
		return nil, bus.Errf(bus.CodeBadRequest, "saveDataItemV2: key_ids is empty")
	}

	exists, err := m.dataFiles.Exists(ctx, cmd.FeedID, cmd.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, bus.Errf(bus.CodeDuplicate, "Data item already exists")
	}

	if err := m.transmitOptionalKey(ctx, msg); err != nil {
		return nil, err
	}
	if err := m.persistAndApply(ctx, msg); err != nil {
		return nil, err
	}

	fuuids := append([]string{cmd.DataFuuid}, cmd.AttachedFuuids...)
	m.claimFuuids(ctx, fuuids)
	m.emitFeedDataUpdated(ctx, cmd.FeedID)

	return bus.OkReply(), nil
}

func (m *Manager) commandCreateFeedView(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var cmd CreateFeedViewTransaction
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "createFeedView: %v", err)
	}

	feed, err := m.GetAuthorizedFeed(ctx, cmd.FeedID, msg.Certificate, false)
	if err != nil {
		return nil, err
	}
	if feed.Deleted {
		return nil, bus.Errf(bus.CodeNotFound, "Feed not found / access refused")
	}

	if err := m.transmitRequiredKey(ctx, msg); err != nil {
		return nil, err
	}
	if err := m.persistAndApply(ctx, msg); err != nil {
		return nil, err
	}
	return bus.OkReply(), nil
}

func (m *Manager) commandUpdateFeedView(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var cmd UpdateFeedViewTransaction
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "updateFeedView: %v", err)
	}

	view, err := m.views.Get(ctx, cmd.FeedViewID)
	if err != nil {
		if err == ErrNotFound {
			return nil, bus.Errf(bus.CodeNotFound, "Unknown feed view")
		}
		return nil, err
	}
	if _, err := m.authorizeFeedWrite(ctx, view.FeedID, msg.Certificate); err != nil {
		return nil, err
	}

	if err := m.transmitOptionalKey(ctx, msg); err != nil {
		return nil, err
	}
	if err := m.persistAndApply(ctx, msg); err != nil {
		return nil, err
	}
	return bus.OkReply(), nil
}

func (m *Manager) commandUpdateDataItem(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var cmd UpdateDataItemTransaction
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "updateDataItem: %v", err)
	}
	if _, err := m.authorizeFeedWrite(ctx, cmd.FeedID, msg.Certificate); err != nil {
		return nil, err
	}
	if err := m.transmitOptionalKey(ctx, msg); err != nil {
		return nil, err
	}
	if err := m.persistAndApply(ctx, msg); err != nil {
		return nil, err
	}

	fuuids := make([]string, 0, len(cmd.AddFiles))
	for _, f := range cmd.AddFiles {
		fuuids = append(fuuids, f.Fuuid)
	}
	m.claimFuuids(ctx, fuuids)

	return bus.OkReply(), nil
}

func (m *Manager) commandDeleteDataItems(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var cmd DeleteDataItemsTransaction
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "deleteDataItems: %v", err)
	}
	if len(cmd.IDs) == 0 {
		return nil, bus.Errf(bus.CodeBadRequest, "deleteDataItems: ids is empty")
	}
	if _, err := m.authorizeFeedWrite(ctx, cmd.FeedID, msg.Certificate); err != nil {
		return nil, err
	}
	if err := m.persistAndApply(ctx, msg); err != nil {
		return nil, err
	}
	return bus.OkReply(), nil
}

type processViewCommand struct {
	FeedViewID string `json:"feed_view_id"`
}

// processStartEvent announces a processing run. The feed_view_id
// carries the view id; an earlier revision copied the feed id here.
type processStartEvent struct {
	FeedID     string `json:"feed_id"`
	FeedViewID string `json:"feed_view_id"`
}

func (m *Manager) commandProcessView(ctx context.Context, msg *bus.Message) (interface{}, error) {
	var cmd processViewCommand
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "processView: %v", err)
	}

	view, err := m.views.Get(ctx, cmd.FeedViewID)
	if err != nil {
		if err == ErrNotFound {
			return nil, bus.Errf(bus.CodeNotFound, "Unknown feed view")
		}
		return nil, err
	}
	feed, err := m.GetAuthorizedFeed(ctx, view.FeedID, msg.Certificate, false)
	if err != nil {
		return nil, err
	}

	// Mark the run in flight before dispatching; ready stays false
	// until the mapper writes back.
	err = m.sessions.WithTransaction(ctx, func(ctx context.Context) error {
		return m.views.SetProcessing(ctx, view.FeedViewID, m.now().UTC())
	})
	if err != nil {
		return nil, err
	}

	if m.publisher != nil {
		event := processStartEvent{FeedID: feed.FeedID, FeedViewID: view.FeedViewID}
		routing := bus.Routing{
			Exchange: certificates.ExchangePrivate,
			Domain:   DomainName,
			Action:   EventFeedViewProcessStart,
		}
		if err := m.publisher.EmitEvent(ctx, routing, event); err != nil {
			m.log.Warn().Err(err).Str("feed_view_id", view.FeedViewID).Msg("process start event publish failed")
		}
	}

	// The mapper confirmation is relayed verbatim, ok or not.
	if err := m.mapper.ProcessFeedView(ctx, feed.FeedID, view.FeedViewID); err != nil {
		return nil, err
	}
	return bus.OkReply(), nil
}

type volatileFileInput struct {
	Correlation string  `json:"correlation"`
	Fuuid       string  `json:"fuuid"`
	Format      string  `json:"format"`
	CleID       string  `json:"cle_id"`
	Nonce       *string `json:"nonce,omitempty"`
	Compression *string `json:"compression,omitempty"`
	Expiration  *int64  `json:"expiration,omitempty"`
}

type addFuuidsVolatileCommand struct {
	Files []volatileFileInput `json:"files"`
}

// commandAddFuuidsVolatile upserts scraper file handles. It does not
// generate a transaction: volatile files expire by time and are never
// part of the durable log.
func (m *Manager) commandAddFuuidsVolatile(ctx context.Context, msg *bus.Message) (interface{}, error) {
	if err := RequireScraper(msg.Certificate); err != nil {
		return nil, err
	}
	var cmd addFuuidsVolatileCommand
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "addFuuidsVolatile: %v", err)
	}
	if len(cmd.Files) == 0 {
		return nil, bus.Errf(bus.CodeBadRequest, "addFuuidsVolatile: no files")
	}

	now := time.Now().UTC()
	for _, f := range cmd.Files {
		if f.Correlation == "" || f.Fuuid == "" {
			return nil, bus.Errf(bus.CodeBadRequest, "addFuuidsVolatile: correlation and fuuid are required")
		}
		expiration := now.Add(VolatileDefaultTTL)
		if f.Expiration != nil {
			expiration = time.Unix(*f.Expiration, 0).UTC()
		}
		row := &VolatileFileRow{
			Correlation: f.Correlation,
			Fuuid:       f.Fuuid,
			Format:      f.Format,
			CleID:       f.CleID,
			Nonce:       f.Nonce,
			Compression: f.Compression,
			Expiration:  expiration,
			Created:     now,
			Modified:    now,
		}
		if err := m.volatiles.Upsert(ctx, row); err != nil {
			return nil, err
		}
	}
	return bus.OkReply(), nil
}

// claimFuuids submits a post-commit claim. Failures are logged only:
// ok has already been earned by the commit, and the sweep reconciles.
func (m *Manager) claimFuuids(ctx context.Context, fuuids []string) {
	if len(fuuids) == 0 || m.topology == nil {
		return
	}
	if err := m.topology.ClaimAndVisit(ctx, fuuids); err != nil {
		m.log.Warn().Err(err).Int("fuuids", len(fuuids)).Msg("post-commit file claim failed")
	}
}

type feedDataUpdatedEvent struct {
	FeedID string `json:"feed_id"`
}

func (m *Manager) emitFeedDataUpdated(ctx context.Context, feedID string) {
	if m.publisher == nil {
		return
	}
	routing := bus.Routing{
		Exchange: certificates.ExchangeProtected,
		Domain:   DomainName,
		Action:   EventFeedDataUpdated,
	}
	if err := m.publisher.EmitEvent(ctx, routing, feedDataUpdatedEvent{FeedID: feedID}); err != nil {
		m.log.Warn().Err(err).Str("feed_id", feedID).Msg("feedDataUpdated publish failed")
	}
}
