package domain

import (
	"context"
	"errors"
	"time"

	"github.com/millegrilles/datacollector/internal/bus"
	"github.com/millegrilles/datacollector/internal/certificates"
)

// Transaction content structs. The envelope contenu deserializes into
// these; the same shapes travel as commands and as durable log
// entries.

type CreateFeedTransaction struct {
	FeedType                 string            `json:"feed_type"`
	SecurityLevel            string            `json:"security_level"`
	Domain                   string            `json:"domain"`
	PollRate                 *int              `json:"poll_rate,omitempty"`
	Active                   *bool             `json:"active,omitempty"`
	DecryptInDatabase        *bool             `json:"decrypt_in_database,omitempty"`
	EncryptedFeedInformation EncryptedDocument `json:"encrypted_feed_information"`
}

type UpdateFeedTransaction struct {
	FeedID                   string             `json:"feed_id"`
	SecurityLevel            string             `json:"security_level"`
	PollRate                 *int               `json:"poll_rate,omitempty"`
	Active                   *bool              `json:"active,omitempty"`
	DecryptInDatabase        *bool              `json:"decrypt_in_database,omitempty"`
	EncryptedFeedInformation *EncryptedDocument `json:"encrypted_feed_information,omitempty"`
}

type DeleteFeedTransaction struct {
	FeedID string `json:"feed_id"`
	// Purge is accepted on the wire but the apply path only
	// soft-deletes.
	Purge *bool `json:"purge,omitempty"`
}

type RestoreFeedTransaction struct {
	FeedID string `json:"feed_id"`
}

type SaveDataItemTransaction struct {
	ID               string            `json:"id"`
	FeedID           string            `json:"feed_id"`
	PubDate          int64             `json:"pub_date"`
	EncryptedContent EncryptedDocument `json:"encrypted_content"`
	Files            []FileItem        `json:"files,omitempty"`
}

type SaveDataItemV2Transaction struct {
	ID             string   `json:"id"`
	FeedID         string   `json:"feed_id"`
	PubDateStart   *int64   `json:"pub_date_start,omitempty"`
	PubDateEnd     *int64   `json:"pub_date_end,omitempty"`
	DataFuuid      string   `json:"data_fuuid"`
	KeyIDs         []string `json:"key_ids"`
	AttachedFuuids []string `json:"attached_fuuids,omitempty"`
}

type UpdateDataItemTransaction struct {
	ID               string             `json:"id"`
	FeedID           string             `json:"feed_id"`
	PubDate          *int64             `json:"pub_date,omitempty"`
	EncryptedContent *EncryptedDocument `json:"encrypted_content,omitempty"`
	AddFiles         []FileItem         `json:"add_files,omitempty"`
	RemoveFiles      []string           `json:"remove_files,omitempty"`
}

type DeleteDataItemsTransaction struct {
	FeedID string   `json:"feed_id"`
	IDs    []string `json:"ids"`
}

type CreateFeedViewTransaction struct {
	FeedID        string            `json:"feed_id"`
	EncryptedData EncryptedDocument `json:"encrypted_data"`
	Name          *string           `json:"name,omitempty"`
	Active        *bool             `json:"active,omitempty"`
	Decrypted     *bool             `json:"decrypted,omitempty"`
	MappingCode   string            `json:"mapping_code"`
	DataType      string            `json:"data_type,omitempty"`
}

type UpdateFeedViewTransaction struct {
	FeedViewID    string             `json:"feed_view_id"`
	FeedID        string             `json:"feed_id"`
	EncryptedData *EncryptedDocument `json:"encrypted_data,omitempty"`
	Name          *string            `json:"name,omitempty"`
	Active        *bool              `json:"active,omitempty"`
	Decrypted     *bool              `json:"decrypted,omitempty"`
	MappingCode   *string            `json:"mapping_code,omitempty"`
	DataType      *string            `json:"data_type,omitempty"`
}

// ApplyTransaction is the only writer to the materialised collections.
// It is a deterministic function of the envelope and the caller
// claims, callable from the live command path and from the replay
// driver without any branch of its own. Uniqueness constraints make
// re-application during rebuild fail loudly instead of silently
// diverging.
func (m *Manager) ApplyTransaction(ctx context.Context, env *bus.Envelope, claims *certificates.Claims) error {
	action := env.Action()
	if action == "" {
		return bus.Errf(bus.CodeBadRequest, "Transaction %s has no routed action", env.ID)
	}

	var err error
	switch action {
	case TransactionCreateFeed:
		err = m.applyCreateFeed(ctx, env, claims)
	case TransactionUpdateFeed:
		err = m.applyUpdateFeed(ctx, env, claims)
	case TransactionDeleteFeed:
		err = m.applySetFeedDeleted(ctx, env, claims, true)
	case TransactionRestoreFeed:
		err = m.applySetFeedDeleted(ctx, env, claims, false)
	case TransactionSaveDataItem:
		err = m.applySaveDataItem(ctx, env, claims)
	case TransactionSaveDataItemV2:
		err = m.applySaveDataItemV2(ctx, env, claims)
	case TransactionUpdateDataItem:
		err = m.applyUpdateDataItem(ctx, env)
	case TransactionDeleteDataItems:
		err = m.applyDeleteDataItems(ctx, env)
	case TransactionCreateFeedView:
		err = m.applyCreateFeedView(ctx, env)
	case TransactionUpdateFeedView:
		err = m.applyUpdateFeedView(ctx, env)
	default:
		err = bus.Errf(bus.CodeUnknownAction, "Transaction %s has unhandled action %s", env.ID, action)
	}

	if m.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		m.metrics.TransactionsApplied.WithLabelValues(action, outcome).Inc()
	}
	return err
}

func (m *Manager) applyCreateFeed(ctx context.Context, env *bus.Envelope, claims *certificates.Claims) error {
	var tx CreateFeedTransaction
	if err := env.ParseContent(&tx); err != nil {
		return bus.Errf(bus.CodeBadRequest, "createFeed: %v", err)
	}

	var feedUserID *string
	if !claims.IsAdmin() {
		if claims.UserID == "" {
			return bus.Errf(bus.CodeUnauthorized, "createFeed: user_id missing from certificate")
		}
		userID := claims.UserID
		feedUserID = &userID
	}
	// Admin-created feeds are system feeds: user_id stays null.

	row := &FeedRow{
		FeedID:                   env.ID,
		FeedType:                 tx.FeedType,
		SecurityLevel:            tx.SecurityLevel,
		Domain:                   tx.Domain,
		PollRate:                 tx.PollRate,
		Active:                   tx.Active,
		DecryptInDatabase:        tx.DecryptInDatabase,
		EncryptedFeedInformation: tx.EncryptedFeedInformation,
		UserID:                   feedUserID,
		CreatedAt:                env.Timestamp(),
		ModifiedAt:               time.Now().UTC(),
		Deleted:                  false,
	}
	if err := m.feeds.Insert(ctx, row); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return bus.Errf(bus.CodeDuplicate, "Feed %s already exists", env.ID)
		}
		return err
	}
	return nil
}

func (m *Manager) applyUpdateFeed(ctx context.Context, env *bus.Envelope, claims *certificates.Claims) error {
	var tx UpdateFeedTransaction
	if err := env.ParseContent(&tx); err != nil {
		return bus.Errf(bus.CodeBadRequest, "updateFeed: %v", err)
	}
	if claims.UserID == "" && !claims.IsAdmin() {
		return bus.Errf(bus.CodeUnauthorized, "updateFeed: user_id missing from certificate")
	}

	update := FeedUpdate{
		SecurityLevel:            tx.SecurityLevel,
		PollRate:                 tx.PollRate,
		Active:                   tx.Active,
		DecryptInDatabase:        tx.DecryptInDatabase,
		EncryptedFeedInformation: tx.EncryptedFeedInformation,
	}
	_, err := m.feeds.Update(ctx, tx.FeedID, OwnerScopeFor(claims), update)
	return err
}

func (m *Manager) applySetFeedDeleted(ctx context.Context, env *bus.Envelope, claims *certificates.Claims, deleted bool) error {
	var tx DeleteFeedTransaction
	if err := env.ParseContent(&tx); err != nil {
		return bus.Errf(bus.CodeBadRequest, "deleteFeed: %v", err)
	}
	if claims.UserID == "" && !claims.IsAdmin() {
		return bus.Errf(bus.CodeUnauthorized, "deleteFeed: user_id missing from certificate")
	}
	_, err := m.feeds.SetDeleted(ctx, tx.FeedID, OwnerScopeFor(claims), deleted)
	return err
}

func (m *Manager) applySaveDataItem(ctx context.Context, env *bus.Envelope, claims *certificates.Claims) error {
	// The scraper role is re-checked at apply time: the claims travel
	// inside the envelope, so replay reproduces the decision.
	if err := RequireScraper(claims); err != nil {
		return err
	}
	var tx SaveDataItemTransaction
	if err := env.ParseContent(&tx); err != nil {
		return bus.Errf(bus.CodeBadRequest, "saveDataItem: %v", err)
	}
	row := &DataItemRow{
		DataID:        tx.ID,
		FeedID:        tx.FeedID,
		PubDate:       time.Unix(tx.PubDate, 0).UTC(),
		EncryptedData: tx.EncryptedContent,
		Files:         tx.Files,
		SaveDate:      time.Now().UTC(),
	}
	if err := m.data.Insert(ctx, row); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return bus.Errf(bus.CodeDuplicate, "Data item already exists")
		}
		return err
	}
	return nil
}

func (m *Manager) applySaveDataItemV2(ctx context.Context, env *bus.Envelope, claims *certificates.Claims) error {
	if err := RequireScraper(claims); err != nil {
		return err
	}
	var tx SaveDataItemV2Transaction
	if err := env.ParseContent(&tx); err != nil {
		return bus.Errf(bus.CodeBadRequest, "saveDataItemV2: %v", err)
	}
	if len(tx.KeyIDs) == 0 {
		return bus.Errf(bus.CodeBadRequest, "saveDataItemV2: key_ids is empty")
	}
	row := &DataFileRow{
		DataID:         tx.ID,
		FeedID:         tx.FeedID,
		SaveDate:       time.Now().UTC(),
		PubDateStart:   epochPtr(tx.PubDateStart),
		PubDateEnd:     epochPtr(tx.PubDateEnd),
		DataFuuid:      tx.DataFuuid,
		KeyIDs:         tx.KeyIDs,
		AttachedFuuids: tx.AttachedFuuids,
	}
	if err := m.dataFiles.Insert(ctx, row); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return bus.Errf(bus.CodeDuplicate, "Data item already exists")
		}
		return err
	}
	return nil
}

func (m *Manager) applyUpdateDataItem(ctx context.Context, env *bus.Envelope) error {
	var tx UpdateDataItemTransaction
	if err := env.ParseContent(&tx); err != nil {
		return bus.Errf(bus.CodeBadRequest, "updateDataItem: %v", err)
	}
	update := DataItemUpdate{
		FeedID:        tx.FeedID,
		DataID:        tx.ID,
		PubDate:       epochPtr(tx.PubDate),
		EncryptedData: tx.EncryptedContent,
		AddFiles:      tx.AddFiles,
		RemoveFuuids:  tx.RemoveFiles,
	}
	matched, err := m.data.Update(ctx, update)
	if err != nil {
		return err
	}
	if matched == 0 {
		return bus.Errf(bus.CodeNotFound, "Data item %s not found", tx.ID)
	}
	return nil
}

func (m *Manager) applyDeleteDataItems(ctx context.Context, env *bus.Envelope) error {
	var tx DeleteDataItemsTransaction
	if err := env.ParseContent(&tx); err != nil {
		return bus.Errf(bus.CodeBadRequest, "deleteDataItems: %v", err)
	}
	_, err := m.data.Delete(ctx, tx.FeedID, tx.IDs)
	return err
}

func (m *Manager) applyCreateFeedView(ctx context.Context, env *bus.Envelope) error {
	var tx CreateFeedViewTransaction
	if err := env.ParseContent(&tx); err != nil {
		return bus.Errf(bus.CodeBadRequest, "createFeedView: %v", err)
	}
	row := &FeedViewRow{
		FeedViewID:       env.ID,
		FeedID:           tx.FeedID,
		EncryptedData:    tx.EncryptedData,
		Name:             tx.Name,
		Active:           boolOr(tx.Active, true),
		Decrypted:        boolOr(tx.Decrypted, false),
		Deleted:          false,
		Ready:            false,
		MappingCode:      tx.MappingCode,
		DataType:         tx.DataType,
		CreationDate:     env.Timestamp(),
		ModificationDate: time.Now().UTC(),
	}
	if err := m.views.Insert(ctx, row); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return bus.Errf(bus.CodeDuplicate, "Feed view %s already exists", env.ID)
		}
		return err
	}
	return nil
}

func (m *Manager) applyUpdateFeedView(ctx context.Context, env *bus.Envelope) error {
	var tx UpdateFeedViewTransaction
	if err := env.ParseContent(&tx); err != nil {
		return bus.Errf(bus.CodeBadRequest, "updateFeedView: %v", err)
	}
	update := FeedViewUpdate{
		Name:          tx.Name,
		Active:        tx.Active,
		Decrypted:     tx.Decrypted,
		MappingCode:   tx.MappingCode,
		DataType:      tx.DataType,
		EncryptedData: tx.EncryptedData,
	}
	matched, err := m.views.Update(ctx, tx.FeedViewID, tx.FeedID, update)
	if err != nil {
		return err
	}
	if matched != 1 {
		return bus.Errf(bus.CodeNotFound, "Feed view %s not found for feed %s", tx.FeedViewID, tx.FeedID)
	}
	return nil
}

func epochPtr(epoch *int64) *time.Time {
	if epoch == nil {
		return nil
	}
	t := time.Unix(*epoch, 0).UTC()
	return &t
}

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}
