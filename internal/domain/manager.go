package domain

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/millegrilles/datacollector/internal/bus"
	"github.com/millegrilles/datacollector/internal/logging"
	"github.com/millegrilles/datacollector/internal/monitoring"
)

// KeyEscrow is the KeyMaster capability: forward attached key material
// for escrow, and fetch re-encrypted or decrypted key bundles.
type KeyEscrow interface {
	// TransmitAttachedKey forwards a signed key command verbatim.
	// Failures come back as coded bus errors (1 timeout, 3 rejected,
	// 4 transport).
	TransmitAttachedKey(ctx context.Context, key json.RawMessage) error
	// DecryptKeysFor requests the key bundle for the given key ids,
	// re-encrypted for the client certificate chain. The returned
	// envelope is attached to replies unchanged.
	DecryptKeysFor(ctx context.Context, cleIDs []string, clientChain []string) (json.RawMessage, error)
}

// FileClaimer is the Topology capability: tell the file registry which
// fuuids are still referenced.
type FileClaimer interface {
	ClaimAndVisit(ctx context.Context, fuuids []string) error
	ClaimFiles(ctx context.Context, batchNo int, done bool, fuuids []string) error
}

// ViewProcessor dispatches a feed-view processing run to the mapper.
type ViewProcessor interface {
	ProcessFeedView(ctx context.Context, feedID, feedViewID string) error
}

// Manager wires the pipeline: stores, the transaction log, sessions,
// cross-domain clients, and the bus publisher. It holds no domain
// state of its own; the regeneration flag mirrors the middleware.
type Manager struct {
	feeds     FeedStore
	data      DataItemStore
	dataFiles DataFileStore
	views     FeedViewStore
	viewData  ViewDataStore
	volatiles VolatileFileStore
	txlog     TransactionLog
	sessions  Sessions

	keymaster KeyEscrow
	topology  FileClaimer
	mapper    ViewProcessor

	publisher bus.Publisher
	cipher    bus.ReplyCipher
	metrics   *monitoring.Metrics
	log       zerolog.Logger

	// now is overridable in tests.
	now func() time.Time

	regenerating atomic.Bool
}

// Deps bundles the Manager dependencies.
type Deps struct {
	Feeds     FeedStore
	Data      DataItemStore
	DataFiles DataFileStore
	Views     FeedViewStore
	ViewData  ViewDataStore
	Volatiles VolatileFileStore
	TxLog     TransactionLog
	Sessions  Sessions

	KeyMaster KeyEscrow
	Topology  FileClaimer
	Mapper    ViewProcessor

	Publisher bus.Publisher
	Cipher    bus.ReplyCipher
	Metrics   *monitoring.Metrics
}

// NewManager builds the domain manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		feeds:     deps.Feeds,
		data:      deps.Data,
		dataFiles: deps.DataFiles,
		views:     deps.Views,
		viewData:  deps.ViewData,
		volatiles: deps.Volatiles,
		txlog:     deps.TxLog,
		sessions:  deps.Sessions,
		keymaster: deps.KeyMaster,
		topology:  deps.Topology,
		mapper:    deps.Mapper,
		publisher: deps.Publisher,
		cipher:    deps.Cipher,
		metrics:   deps.Metrics,
		log:       logging.WithComponent("domain"),
		now:       time.Now,
	}
}

// SetRegenerating flips the regeneration gate. While set, requests,
// commands, events and the ticker are suppressed; only the transaction
// applier runs, driven by the replay driver.
func (m *Manager) SetRegenerating(on bool) {
	m.regenerating.Store(on)
}

// Regenerating reports the regeneration gate.
func (m *Manager) Regenerating() bool {
	return m.regenerating.Load()
}
