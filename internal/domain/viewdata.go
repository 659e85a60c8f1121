package domain

import (
	"context"
	"errors"
	"time"

	"github.com/millegrilles/datacollector/internal/bus"
)

// viewDataInput is one materialised row as submitted by the mapper.
type viewDataInput struct {
	DataID        string            `json:"data_id"`
	PubDate       int64             `json:"pub_date"`
	EncryptedData EncryptedDocument `json:"encrypted_data"`
	Files         []FileItem        `json:"files,omitempty"`
	GroupID       *string           `json:"group_id,omitempty"`
}

type insertViewDataCommand struct {
	FeedID      string          `json:"feed_id"`
	FeedViewID  string          `json:"feed_view_id"`
	Truncate    bool            `json:"truncate,omitempty"`
	Deduplicate bool            `json:"deduplicate,omitempty"`
	Data        []viewDataInput `json:"data"`
}

// commandInsertViewData is the mapper's write-back: rows land in the
// Dated or GroupedDated collection per the view's data_type. The batch
// may replace prior rows (truncate) or merge with them; on merge,
// pre-existing rows win over resubmitted ones. A committed batch marks
// the view ready, closing the run opened by processView.
func (m *Manager) commandInsertViewData(ctx context.Context, msg *bus.Message) (interface{}, error) {
	if err := RequireMapper(msg.Certificate); err != nil {
		return nil, err
	}
	var cmd insertViewDataCommand
	if err := msg.Envelope.ParseContent(&cmd); err != nil {
		return nil, bus.Errf(bus.CodeBadRequest, "insertViewData: %v", err)
	}

	feed, err := m.feeds.Get(ctx, cmd.FeedID)
	if err != nil {
		if err == ErrNotFound {
			return nil, bus.Errf(bus.CodeNotFound, "Unknown feed")
		}
		return nil, err
	}
	if feed.Deleted {
		return nil, bus.Errf(bus.CodeNotFound, "Unknown feed")
	}
	view, err := m.views.Get(ctx, cmd.FeedViewID)
	if err != nil {
		if err == ErrNotFound {
			return nil, bus.Errf(bus.CodeNotFound, "Unknown feed view")
		}
		return nil, err
	}
	if view.Deleted || view.FeedID != cmd.FeedID {
		return nil, bus.Errf(bus.CodeNotFound, "Unknown feed view")
	}

	dataType := ParseViewDataType(view.DataType)
	rows := make([]ViewDataRow, 0, len(cmd.Data))
	for _, in := range cmd.Data {
		if in.DataID == "" {
			return nil, bus.Errf(bus.CodeBadRequest, "insertViewData: data_id is required")
		}
		rows = append(rows, ViewDataRow{
			DataID:        in.DataID,
			FeedViewID:    cmd.FeedViewID,
			FeedID:        cmd.FeedID,
			PubDate:       time.Unix(in.PubDate, 0).UTC(),
			EncryptedData: in.EncryptedData,
			Files:         in.Files,
			GroupID:       in.GroupID,
		})
	}

	err = m.sessions.WithTransaction(ctx, func(ctx context.Context) error {
		if cmd.Truncate {
			if err := m.viewData.Truncate(ctx, dataType, cmd.FeedID, cmd.FeedViewID); err != nil {
				return err
			}
		}
		if len(rows) > 0 {
			if cmd.Deduplicate {
				if err := m.viewData.UpsertBatch(ctx, dataType, rows); err != nil {
					return err
				}
			} else if err := m.viewData.InsertBatch(ctx, dataType, rows); err != nil {
				if !errors.Is(err, ErrDuplicateKey) {
					return err
				}
				if err := m.viewData.UpsertBatch(ctx, dataType, rows); err != nil {
					return err
				}
			}
		}
		// The write-back completes the processing run started by
		// processView.
		return m.views.SetReady(ctx, cmd.FeedViewID, true)
	})
	if err != nil {
		return nil, err
	}
	return bus.OkReply(), nil
}
