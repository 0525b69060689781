package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemStatus enumerates tracking lifecycle states.
type ItemStatus string

const (
	StatusActive       ItemStatus = "active"
	StatusPaused       ItemStatus = "paused"
	StatusError        ItemStatus = "error"
	StatusDiscontinued ItemStatus = "discontinued"
)

// Marketplace identifies the extractor variant for an item.
type Marketplace string

const (
	MarketplaceAmazon     Marketplace = "amazon"
	MarketplaceEbay       Marketplace = "ebay"
	MarketplaceAliExpress Marketplace = "aliexpress"
)

// AlertKind enumerates alert trigger types.
type AlertKind string

const (
	AlertPriceDrop     AlertKind = "price_drop"
	AlertPriceIncrease AlertKind = "price_increase"
	AlertBackInStock   AlertKind = "back_in_stock"
	AlertNewLow        AlertKind = "new_low"
)

// DeliveryStatus tracks the terminal state of an alert dispatch.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// TrackedItem is one catalog item under price watch.
type TrackedItem struct {
	ID                 int64
	Marketplace        Marketplace
	MarketplaceID      *string
	URL                string
	Title              string
	Currency           string
	TargetPrice        *decimal.Decimal
	CheckIntervalHours int
	Status             ItemStatus
	CurrentPrice       *decimal.Decimal
	MinPrice           *decimal.Decimal
	MaxPrice           *decimal.Decimal
	AvgPrice           *decimal.Decimal
	CheckCount         int64
	InStock            bool
	ErrorCount         int
	LastError          *string
	LastChecked        *time.Time
	CreatedAt          time.Time
}

// Snapshot is one immutable price/availability observation. Appended,
// never mutated.
type Snapshot struct {
	ItemID       int64
	Price        decimal.Decimal
	Currency     string
	InStock      bool
	SellerName   *string
	SellerRating *float64
	ShippingCost *decimal.Decimal
	ReviewsCount *int64
	LatencyMS    int64
	ObservedAt   time.Time
}

// SnapshotUpdate carries the incremental item fields recomputed after a
// successful fetch. Applied together with the Snapshot append in one
// transaction.
type SnapshotUpdate struct {
	MarketplaceID *string
	Title         string
	CurrentPrice  decimal.Decimal
	InStock       bool
	MinPrice      decimal.Decimal
	MaxPrice      decimal.Decimal
	AvgPrice      decimal.Decimal
	CheckCount    int64
	CheckedAt     time.Time
}

// AlertEvent records a fired alert and its delivery outcome.
type AlertEvent struct {
	ID           int64
	ItemID       int64
	Kind         AlertKind
	OldPrice     decimal.Decimal
	NewPrice     decimal.Decimal
	ChangePct    decimal.Decimal
	Threshold    *decimal.Decimal
	Status       DeliveryStatus
	Method       *string
	ErrorSummary *string
	CreatedAt    time.Time
	SentAt       *time.Time
}
