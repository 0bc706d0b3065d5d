package models

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus tracks the lifecycle of a locally owned order. Transitions are
// monotonic: OPEN may move to any terminal status, terminal statuses never change.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "OPEN"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderFailed   OrderStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderFailed
}

// GridType selects the ladder spacing model.
type GridType string

const (
	Arithmetic GridType = "ARITHMETIC"
	Geometric  GridType = "GEOMETRIC"
)

// QuantityType selects how amount_per_grid is interpreted when sizing orders.
type QuantityType string

const (
	QuantityQuote QuantityType = "QUOTE"
	QuantityBase  QuantityType = "BASE"
)

// BotMode selects whether the auto tuner may move the window.
type BotMode string

const (
	ModeManual BotMode = "MANUAL"
	ModeAuto   BotMode = "AUTO"
)

// BotStatus is the run state of a bot.
type BotStatus string

const (
	BotStopped BotStatus = "STOPPED"
	BotRunning BotStatus = "RUNNING"
)

// BotConfig is the persisted configuration of a single grid bot. The ledger owns
// it; the engine and tuner read it and propose new limit values, which are only
// committed through the ledger's update path.
type BotConfig struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	UserID string `gorm:"index" json:"user_id"`
	Pair   string `json:"pair"` // e.g. "BTC/USDT"

	Status BotStatus `json:"status"`
	Mode   BotMode   `json:"mode"`

	LowerLimit    float64      `json:"lower_limit"`
	UpperLimit    float64      `json:"upper_limit"`
	GridCount     int          `json:"grid_count"`
	AmountPerGrid float64      `json:"amount_per_grid"`
	QuantityType  QuantityType `json:"quantity_type"`
	GridType      GridType     `json:"grid_type"`

	// AUTO mode settings. RiskLevel is a percent half-width for window resets.
	RiskLevel          int        `json:"risk_level"`
	LastTrailingUpdate *time.Time `json:"last_trailing_update"`

	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the ladder parameters at construction time.
func (b *BotConfig) Validate() error {
	if b.GridCount < 2 {
		return fmt.Errorf("%w: grid_count must be at least 2", ErrInvalidConfig)
	}
	if b.LowerLimit >= b.UpperLimit {
		return fmt.Errorf("%w: lower_limit must be below upper_limit", ErrInvalidConfig)
	}
	if b.GridType == Geometric && b.LowerLimit <= 0 {
		return fmt.Errorf("%w: geometric grid requires positive limits", ErrInvalidConfig)
	}
	if b.AmountPerGrid <= 0 {
		return fmt.Errorf("%w: amount_per_grid must be positive", ErrInvalidConfig)
	}
	if _, _, err := SplitPair(b.Pair); err != nil {
		return err
	}
	return nil
}

// BaseAsset returns the base currency of the pair ("BTC" for "BTC/USDT").
func (b *BotConfig) BaseAsset() string {
	base, _, _ := SplitPair(b.Pair)
	return base
}

// QuoteAsset returns the quote currency of the pair.
func (b *BotConfig) QuoteAsset() string {
	_, quote, _ := SplitPair(b.Pair)
	return quote
}

// Symbol returns the venue symbol form of the pair ("BTCUSDT").
func (b *BotConfig) Symbol() string {
	return strings.ReplaceAll(b.Pair, "/", "")
}

// SplitPair splits "BASE/QUOTE" into its two assets.
func SplitPair(pair string) (base, quote string, err error) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: invalid pair %q", ErrInvalidConfig, pair)
	}
	return parts[0], parts[1], nil
}

// OrderRecord is the local ledger's view of one order. The client order id is the
// idempotency key correlating the ledger with the venue; it is never reused.
type OrderRecord struct {
	ID    uint `gorm:"primaryKey" json:"id"`
	BotID uint `gorm:"index" json:"bot_id"`

	ClientOrderID string `gorm:"uniqueIndex" json:"client_order_id"`
	VenueOrderID  string `json:"venue_order_id"`

	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Filled   float64 `json:"filled"`

	Status OrderStatus `gorm:"index" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TradeRecord is an immutable log entry written exactly once per confirmed fill.
type TradeRecord struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	BotID   uint `gorm:"index" json:"bot_id"`
	OrderID uint `json:"order_id"`

	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	Fee         float64 `json:"fee"`
	FeeAsset    string  `json:"fee_asset"`
	RealizedPnl float64 `json:"realized_pnl"`

	CreatedAt time.Time `json:"created_at"`
}

// GridLevel is a derived ladder position. It is never persisted; it is recomputed
// from BotConfig on demand.
type GridLevel struct {
	Index int
	Price float64
	Side  Side
}

// OrderSpec describes one order the engine wants placed.
type OrderSpec struct {
	Symbol   string
	Side     Side
	Type     string // "LIMIT" or "MARKET"
	Price    float64
	Quantity float64
}

// Venue-neutral order states as reported by the exchange.
const (
	VenueOpen     = "open"
	VenueClosed   = "closed"
	VenueCanceled = "canceled"
	VenueRejected = "rejected"
)

// OrderSnapshot is the venue's view of one order at a point in time.
type OrderSnapshot struct {
	VenueOrderID  string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        string // VenueOpen, VenueClosed, VenueCanceled, VenueRejected
	Price         float64
	Quantity      float64
	Filled        float64
	Remaining     float64
}

// PriceUpdate is one tick from the venue's price stream.
type PriceUpdate struct {
	Symbol string
	Price  float64
	At     time.Time
}
