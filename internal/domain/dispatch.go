package domain

import (
	"context"
	"strconv"
	"time"

	"github.com/millegrilles/datacollector/internal/bus"
)

type handlerFunc func(ctx context.Context, msg *bus.Message) (interface{}, error)

// requestHandlers and commandHandlers are the static dispatch tables.
// An action missing from its table is rejected with code 99.
func (m *Manager) requestHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		RequestGetFeeds:               m.requestGetFeeds,
		RequestGetFeedsForScraper:     m.requestGetFeedsForScraper,
		RequestCheckExistingDataIds:   m.requestCheckExistingDataIds,
		RequestGetDataItemsMostRecent: m.requestGetDataItemsMostRecent,
		RequestGetDataItemsDateRange:  m.requestGetDataItemsDateRange,
		RequestGetFeedData:            m.requestGetFeedData,
		RequestGetFeedViews:           m.requestGetFeedViews,
		RequestGetFeedViewData:        m.requestGetFeedViewData,
		RequestGetFuuidsVolatile:      m.requestGetFuuidsVolatile,
	}
}

func (m *Manager) commandHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		TransactionCreateFeed:      m.commandCreateFeed,
		TransactionUpdateFeed:      m.commandUpdateFeed,
		TransactionDeleteFeed:      m.commandDeleteFeed,
		TransactionRestoreFeed:     m.commandRestoreFeed,
		TransactionSaveDataItem:    m.commandSaveDataItem,
		TransactionSaveDataItemV2:  m.commandSaveDataItemV2,
		TransactionUpdateDataItem:  m.commandUpdateDataItem,
		TransactionDeleteDataItems: m.commandDeleteDataItems,
		TransactionCreateFeedView:  m.commandCreateFeedView,
		TransactionUpdateFeedView:  m.commandUpdateFeedView,
		CommandProcessView:         m.commandProcessView,
		CommandAddFuuidsVolatile:   m.commandAddFuuidsVolatile,
		CommandInsertViewData:      m.commandInsertViewData,
	}
}

// HandleMessage is the domain entry point wired into the bus consumer.
// It returns the reply document, or nil for kinds that do not reply
// (transactions, triggers, events).
func (m *Manager) HandleMessage(ctx context.Context, msg *bus.Message) interface{} {
	start := time.Now()
	action := msg.Action()

	reply, err := m.handle(ctx, msg)
	code := "ok"
	if err != nil {
		code = errCode(err)
		reply = bus.ErrReply(err)
		m.log.Error().
			Str("kind", msg.Kind.String()).
			Str("action", action).
			Str("code", code).
			Err(err).
			Msg("message handling failed")
	}
	if m.metrics != nil {
		m.metrics.ObserveMessage(msg.Kind.String(), action, code, time.Since(start).Seconds())
	}

	switch msg.Kind {
	case bus.MessageTransaction, bus.MessageTrigger, bus.MessageEvent:
		// Replay, ticker and event deliveries never reply.
		return nil
	}
	return reply
}

func (m *Manager) handle(ctx context.Context, msg *bus.Message) (interface{}, error) {
	switch msg.Kind {
	case bus.MessageTransaction:
		// Replay driver path: the envelope is already in the log; only
		// the applier runs, inside its own session.
		return nil, m.sessions.WithTransaction(ctx, func(ctx context.Context) error {
			return m.ApplyTransaction(ctx, msg.Envelope, msg.Certificate)
		})
	case bus.MessageTrigger:
		return nil, m.HandleTrigger(ctx, msg)
	}

	// Requests, commands and events are suppressed while the
	// transaction log is being replayed.
	if m.Regenerating() {
		return nil, bus.Errf(bus.CodeRegenerating, "System is regenerating")
	}
	if err := AuthorizeMessage(msg.Certificate); err != nil {
		return nil, err
	}

	var table map[string]handlerFunc
	switch msg.Kind {
	case bus.MessageRequest:
		table = m.requestHandlers()
	case bus.MessageCommand:
		table = m.commandHandlers()
	default:
		// No event subscriptions; the domain only emits.
		return nil, bus.Errf(bus.CodeUnknownAction, "Unknown event: %s", msg.Action())
	}

	handler, ok := table[msg.Action()]
	if !ok {
		return nil, bus.Errf(bus.CodeUnknownAction, "Unknown action: %s", msg.Action())
	}
	return handler(ctx, msg)
}

func errCode(err error) string {
	if coded, ok := err.(*bus.Error); ok {
		return strconv.Itoa(coded.Code)
	}
	return strconv.Itoa(bus.CodeInternal)
}
