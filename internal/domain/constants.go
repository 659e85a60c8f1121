// Package domain implements the DataCollector processing pipeline:
// message dispatch, the authorization gate, the
// persist-transaction-then-apply write protocol, cross-domain side
// effects, and read-side assembly.
package domain

// DomainName is this service's name on the fabric.
const DomainName = "DataCollector"

// Sibling domains.
const (
	DomainKeyMaster = "MaitreDesCles"
	DomainTopology  = "CoreTopologie"
	DomainMapper    = "DatasourceMapper"
)

// MongoDB collections owned by this domain. The transaction log keeps
// the bare domain name; materialised collections are namespaced under
// it.
const (
	CollectionTransactions         = DomainName
	CollectionFeeds                = DomainName + "/feeds"
	CollectionData                 = DomainName + "/data"
	CollectionDataFiles            = DomainName + "/dataFiles"
	CollectionVolatileFiles        = DomainName + "/volatileFiles"
	CollectionFeedViews            = DomainName + "/feedViews"
	CollectionFeedViewDated        = DomainName + "/feedViewDated"
	CollectionFeedViewGroupedDated = DomainName + "/feedViewGroupedDated"
)

// Request actions (reads).
const (
	RequestGetFeeds               = "getFeeds"
	RequestGetFeedsForScraper     = "getFeedsForScraper"
	RequestCheckExistingDataIds   = "checkExistingDataIds"
	RequestGetDataItemsMostRecent = "getDataItemsMostRecent"
	RequestGetDataItemsDateRange  = "getDataItemsDateRange"
	RequestGetFeedData            = "getFeedData"
	RequestGetFeedViews           = "getFeedViews"
	RequestGetFeedViewData        = "getFeedViewData"
	RequestGetFuuidsVolatile      = "getFuuidsVolatile"
)

// Command / transaction actions (writes).
const (
	TransactionCreateFeed      = "createFeed"
	TransactionUpdateFeed      = "updateFeed"
	TransactionDeleteFeed      = "deleteFeed"
	TransactionRestoreFeed     = "restoreFeed"
	TransactionSaveDataItem    = "saveDataItem"
	TransactionSaveDataItemV2  = "saveDataItemV2"
	TransactionUpdateDataItem  = "updateDataItem"
	TransactionDeleteDataItems = "deleteDataItems"
	TransactionCreateFeedView  = "createFeedView"
	TransactionUpdateFeedView  = "updateFeedView"

	CommandProcessView       = "processView"
	CommandAddFuuidsVolatile = "addFuuidsVolatile"
	CommandInsertViewData    = "insertViewData"
)

// Events emitted by this domain.
const (
	EventFeedDataUpdated      = "feedDataUpdated"
	EventFeedViewProcessStart = "feedViewProcessStart"
)

// Cross-domain actions.
const (
	ActionAddKeyToDomains       = "ajouterCleDomaines"
	ActionDecryptKeysV2         = "requeteDechiffrageV2"
	ActionClaimAndFilehostVisit = "claimAndFilehostVisits"
	ActionClaimFiles            = "claimFiles"
	ActionProcessFeedView       = "processFeedView"
)

// Default page size for paginated reads, and the cap on estimated
// counts.
const (
	DefaultPageLimit  = 50
	EstimatedCountCap = 1000
)
