package domain

import (
	"context"
	"errors"
	"time"

	"github.com/millegrilles/datacollector/internal/bus"
)

// Store sentinels. The mongodb implementations translate driver errors
// into these so handlers can map them to reply codes.
var (
	ErrNotFound     = errors.New("domain: not found")
	ErrDuplicateKey = errors.New("domain: duplicate key")
)

// OwnerScope narrows a write to the caller's feeds. Admin scopes to
// system feeds (user_id null); otherwise to UserID's feeds.
type OwnerScope struct {
	Admin  bool
	UserID string
}

// FeedVisibility selects the read-side authorization filter.
type FeedVisibility int

const (
	// VisibilityOwner matches the caller's own feeds only.
	VisibilityOwner FeedVisibility = iota
	// VisibilityOwnerShared additionally matches system feeds at
	// public or private security level.
	VisibilityOwnerShared
	// VisibilityAdmin matches system feeds (user_id null).
	VisibilityAdmin
	// VisibilityAny matches every non-deleted feed, for the mapper
	// and scraper system roles.
	VisibilityAny
)

// FeedQuery is a read-side feed selection.
type FeedQuery struct {
	FeedIDs    []string
	Visibility FeedVisibility
	UserID     string
	ActiveOnly bool
}

// FeedUpdate carries the updatable feed fields. Nil pointers leave the
// stored value untouched only for optional fields; SecurityLevel is
// always set, matching the transaction shape.
type FeedUpdate struct {
	SecurityLevel            string
	PollRate                 *int
	Active                   *bool
	DecryptInDatabase        *bool
	EncryptedFeedInformation *EncryptedDocument
}

// FeedStore persists subscription definitions.
type FeedStore interface {
	Insert(ctx context.Context, feed *FeedRow) error
	Get(ctx context.Context, feedID string) (*FeedRow, error)
	Find(ctx context.Context, q FeedQuery) ([]FeedRow, error)
	Update(ctx context.Context, feedID string, scope OwnerScope, u FeedUpdate) (int64, error)
	SetDeleted(ctx context.Context, feedID string, scope OwnerScope, deleted bool) (int64, error)
}

// DataItemQuery paginates v1 data items, most recent first.
type DataItemQuery struct {
	FeedID string
	Start  *time.Time
	End    *time.Time
	Skip   int64
	Limit  int64
}

// DataItemUpdate patches a v1 data item.
type DataItemUpdate struct {
	FeedID        string
	DataID        string
	PubDate       *time.Time
	EncryptedData *EncryptedDocument
	AddFiles      []FileItem
	RemoveFuuids  []string
}

// DataItemStore persists the legacy inline (v1) data items.
type DataItemStore interface {
	Insert(ctx context.Context, item *DataItemRow) error
	Exists(ctx context.Context, feedID, dataID string) (bool, error)
	ExistingIDs(ctx context.Context, feedID string, dataIDs []string) ([]string, error)
	Find(ctx context.Context, q DataItemQuery) ([]DataItemRow, error)
	Count(ctx context.Context, q DataItemQuery, cap int64) (int64, error)
	Update(ctx context.Context, u DataItemUpdate) (int64, error)
	Delete(ctx context.Context, feedID string, dataIDs []string) (int64, error)
	// IterateFuuids streams every file identifier referenced by data
	// items, for the claim sweep.
	IterateFuuids(ctx context.Context, fn func(fuuid string) error) error
}

// DataFileStore persists the out-of-line (v2) data files.
type DataFileStore interface {
	Insert(ctx context.Context, file *DataFileRow) error
	Exists(ctx context.Context, feedID, dataID string) (bool, error)
	// FindBatch pages by save_date strictly greater than batchStart.
	FindBatch(ctx context.Context, feedID string, batchStart time.Time, limit int64) ([]DataFileRow, error)
}

// FeedViewUpdate carries the updatable view fields.
type FeedViewUpdate struct {
	Name          *string
	Active        *bool
	Decrypted     *bool
	MappingCode   *string
	DataType      *string
	EncryptedData *EncryptedDocument
}

// FeedViewStore persists projection definitions.
type FeedViewStore interface {
	Insert(ctx context.Context, view *FeedViewRow) error
	Get(ctx context.Context, feedViewID string) (*FeedViewRow, error)
	FindByFeed(ctx context.Context, feedID string) ([]FeedViewRow, error)
	// Update scopes by (feed_view_id, feed_id) and returns the matched
	// count; callers fail unless it is exactly 1.
	Update(ctx context.Context, feedViewID, feedID string, u FeedViewUpdate) (int64, error)
	// SetProcessing clears ready and stamps processing_start_date.
	SetProcessing(ctx context.Context, feedViewID string, start time.Time) error
	// SetReady flips ready back once the mapper write-back lands.
	SetReady(ctx context.Context, feedViewID string, ready bool) error
}

// ViewDataStore persists mapper-materialised rows.
type ViewDataStore interface {
	// InsertBatch bulk-inserts; a unique-key collision surfaces as
	// ErrDuplicateKey.
	InsertBatch(ctx context.Context, t ViewDataType, rows []ViewDataRow) error
	// UpsertBatch inserts row-by-row with $setOnInsert semantics;
	// pre-existing rows are left unchanged.
	UpsertBatch(ctx context.Context, t ViewDataType, rows []ViewDataRow) error
	Truncate(ctx context.Context, t ViewDataType, feedID, feedViewID string) error
	Find(ctx context.Context, t ViewDataType, feedViewID string, skip, limit int64) ([]ViewDataRow, error)
	Count(ctx context.Context, t ViewDataType, feedViewID string, cap int64) (int64, error)
}

// VolatileFileStore persists scraper file handles, keyed by
// correlation.
type VolatileFileStore interface {
	// Upsert sets created and expiration only on insert, modified
	// always.
	Upsert(ctx context.Context, row *VolatileFileRow) error
	FindByCorrelations(ctx context.Context, correlations []string) ([]VolatileFileRow, error)
}

// TransactionLog is the durable write log. The middleware replays it
// during regeneration.
type TransactionLog interface {
	Persist(ctx context.Context, env *bus.Envelope) error
}

// Sessions scopes a function to one database transaction: commit when
// fn returns nil, abort otherwise. Store calls made with the supplied
// context participate in the transaction.
type Sessions interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
