package domain

import (
	"strings"
	"time"
)

// EncryptedDocument is an encrypted blob plus the reference to its
// decryption key held by the KeyMaster. The service never decrypts it.
type EncryptedDocument struct {
	CleID       string `bson:"cle_id,omitempty" json:"cle_id,omitempty"`
	Format      string `bson:"format,omitempty" json:"format,omitempty"`
	Nonce       string `bson:"nonce,omitempty" json:"nonce,omitempty"`
	Ciphertext  string `bson:"ciphertext_base64,omitempty" json:"ciphertext_base64,omitempty"`
	Compression string `bson:"compression,omitempty" json:"compression,omitempty"`
}

// DecryptionSpec references the key material for one attached file.
type DecryptionSpec struct {
	CleID       string `bson:"cle_id,omitempty" json:"cle_id,omitempty"`
	Format      string `bson:"format,omitempty" json:"format,omitempty"`
	Nonce       string `bson:"nonce,omitempty" json:"nonce,omitempty"`
	Compression string `bson:"compression,omitempty" json:"compression,omitempty"`
}

// FileItem attaches one hosted file to a data item.
type FileItem struct {
	Fuuid      string          `bson:"fuuid" json:"fuuid"`
	Decryption *DecryptionSpec `bson:"decryption,omitempty" json:"decryption,omitempty"`
}

// FeedRow is a subscription definition. A nil UserID marks a system
// feed owned by the admin.
type FeedRow struct {
	FeedID                   string            `bson:"feed_id" json:"feed_id"`
	FeedType                 string            `bson:"feed_type" json:"feed_type"`
	SecurityLevel            string            `bson:"security_level" json:"security_level"`
	Domain                   string            `bson:"domain" json:"domain"`
	PollRate                 *int              `bson:"poll_rate,omitempty" json:"poll_rate,omitempty"`
	Active                   *bool             `bson:"active,omitempty" json:"active,omitempty"`
	DecryptInDatabase        *bool             `bson:"decrypt_in_database,omitempty" json:"decrypt_in_database,omitempty"`
	EncryptedFeedInformation EncryptedDocument `bson:"encrypted_feed_information" json:"encrypted_feed_information"`
	UserID                   *string           `bson:"user_id" json:"user_id,omitempty"`
	CreatedAt                time.Time         `bson:"created_at" json:"created_at"`
	ModifiedAt               time.Time         `bson:"modified_at" json:"modified_at"`
	Deleted                  bool              `bson:"deleted" json:"deleted"`
	DeletedAt                *time.Time        `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
}

// DataItemRow is the legacy inline (v1) encrypted record of a feed.
type DataItemRow struct {
	DataID        string            `bson:"data_id" json:"data_id"`
	FeedID        string            `bson:"feed_id" json:"feed_id"`
	PubDate       time.Time         `bson:"pub_date" json:"pub_date"`
	EncryptedData EncryptedDocument `bson:"encrypted_data" json:"encrypted_data"`
	Files         []FileItem        `bson:"files,omitempty" json:"files,omitempty"`
	SaveDate      time.Time         `bson:"save_date" json:"save_date"`
}

// DataFileRow is the out-of-line (v2) record: the encrypted content
// lives as a blob referenced by DataFuuid.
type DataFileRow struct {
	DataID         string     `bson:"data_id" json:"data_id"`
	FeedID         string     `bson:"feed_id" json:"feed_id"`
	SaveDate       time.Time  `bson:"save_date" json:"save_date"`
	PubDateStart   *time.Time `bson:"pub_date_start,omitempty" json:"pub_date_start,omitempty"`
	PubDateEnd     *time.Time `bson:"pub_date_end,omitempty" json:"pub_date_end,omitempty"`
	DataFuuid      string     `bson:"data_fuuid" json:"data_fuuid"`
	KeyIDs         []string   `bson:"key_ids" json:"key_ids"`
	AttachedFuuids []string   `bson:"attached_fuuids,omitempty" json:"attached_fuuids,omitempty"`
}

// Fuuids returns every file identifier this row references; all of
// them must be claimed with the topology registry.
func (r *DataFileRow) Fuuids() []string {
	fuuids := make([]string, 0, 1+len(r.AttachedFuuids))
	fuuids = append(fuuids, r.DataFuuid)
	fuuids = append(fuuids, r.AttachedFuuids...)
	return fuuids
}

// VolatileFileRow is a short-lived handle published by scrapers for
// files not yet persisted. Expires by time, not by transaction.
type VolatileFileRow struct {
	Correlation string    `bson:"correlation" json:"correlation"`
	Fuuid       string    `bson:"fuuid" json:"fuuid"`
	Format      string    `bson:"format" json:"format"`
	CleID       string    `bson:"cle_id" json:"cle_id"`
	Nonce       *string   `bson:"nonce,omitempty" json:"nonce,omitempty"`
	Compression *string   `bson:"compression,omitempty" json:"compression,omitempty"`
	Expiration  time.Time `bson:"expiration" json:"expiration"`
	Created     time.Time `bson:"created" json:"created"`
	Modified    time.Time `bson:"modified" json:"modified"`
}

// VolatileDefaultTTL is the default lifetime of a volatile file handle.
const VolatileDefaultTTL = 7 * 24 * time.Hour

// FeedViewRow is a projection definition over a feed, materialised by
// the external mapper.
type FeedViewRow struct {
	FeedViewID          string            `bson:"feed_view_id" json:"feed_view_id"`
	FeedID              string            `bson:"feed_id" json:"feed_id"`
	EncryptedData       EncryptedDocument `bson:"encrypted_data" json:"encrypted_data"`
	Name                *string           `bson:"name,omitempty" json:"name,omitempty"`
	Active              bool              `bson:"active" json:"active"`
	Decrypted           bool              `bson:"decrypted" json:"decrypted"`
	Deleted             bool              `bson:"deleted" json:"deleted"`
	Ready               bool              `bson:"ready" json:"ready"`
	MappingCode         string            `bson:"mapping_code" json:"mapping_code"`
	DataType            string            `bson:"data_type,omitempty" json:"data_type,omitempty"`
	CreationDate        time.Time         `bson:"creation_date" json:"creation_date"`
	ModificationDate    time.Time         `bson:"modification_date" json:"modification_date"`
	ProcessingStartDate *time.Time        `bson:"processing_start_date,omitempty" json:"processing_start_date,omitempty"`
}

// ViewDataRow is one row materialised by the mapper. GroupID is only
// present for the GroupedDated data type.
type ViewDataRow struct {
	DataID        string            `bson:"data_id" json:"data_id"`
	FeedViewID    string            `bson:"feed_view_id" json:"feed_view_id"`
	FeedID        string            `bson:"feed_id" json:"feed_id"`
	PubDate       time.Time         `bson:"pub_date" json:"pub_date"`
	EncryptedData EncryptedDocument `bson:"encrypted_data" json:"encrypted_data"`
	Files         []FileItem        `bson:"files,omitempty" json:"files,omitempty"`
	GroupID       *string           `bson:"group_id,omitempty" json:"group_id,omitempty"`
}

// ViewDataType selects the target collection for materialised view
// rows.
type ViewDataType int

const (
	ViewDataDated ViewDataType = iota
	ViewDataGroupedDated
)

func (t ViewDataType) String() string {
	if t == ViewDataDated {
		return "Dated"
	}
	return "GroupedDated"
}

// Collection returns the materialised collection for this data type.
func (t ViewDataType) Collection() string {
	if t == ViewDataDated {
		return CollectionFeedViewDated
	}
	return CollectionFeedViewGroupedDated
}

// ParseViewDataType parses the stored data_type discriminator. The
// historical writer misspelt GroupedDated as "GrouepdDated"; both
// spellings are accepted. Unknown or absent values default to
// GroupedDated.
func ParseViewDataType(s string) ViewDataType {
	switch strings.TrimSpace(s) {
	case "Dated":
		return ViewDataDated
	case "GroupedDated", "GrouepdDated":
		return ViewDataGroupedDated
	default:
		return ViewDataGroupedDated
	}
}
