package exchange

import (
	"context"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

// Venue is the capability set every exchange implementation must provide. It is
// the only boundary the engine and order manager see, which keeps live trading
// and backtests on the same code path. Every call may fail with a transport or
// exchange error; callers treat those as recoverable per-call failures.
type Venue interface {
	// GetPrice returns the latest trade price for the symbol.
	GetPrice(ctx context.Context, symbol string) (float64, error)

	// WatchPrice blocks until the next price update for the symbol arrives.
	WatchPrice(ctx context.Context, symbol string) (models.PriceUpdate, error)

	// WatchOrderUpdates blocks until the next batch of order status updates
	// for the symbol arrives.
	WatchOrderUpdates(ctx context.Context, symbol string) ([]models.OrderSnapshot, error)

	// PlaceOrder submits an order. clientOrderID correlates the venue's state
	// with the local ledger and must never be reused.
	PlaceOrder(ctx context.Context, symbol string, side models.Side, orderType string, quantity, price float64, clientOrderID string) (*models.OrderSnapshot, error)

	// CancelOrder cancels a resting order by venue id.
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error

	// FetchOrder returns the venue's current view of one order.
	FetchOrder(ctx context.Context, symbol, venueOrderID string) (*models.OrderSnapshot, error)

	// FetchOpenOrders returns every order currently resting on the book.
	FetchOpenOrders(ctx context.Context, symbol string) ([]models.OrderSnapshot, error)

	// GetFreeBalance returns the free (unreserved) balance of an asset.
	GetFreeBalance(ctx context.Context, asset string) (float64, error)

	// ToVenuePrice truncates a price to the symbol's tick size.
	ToVenuePrice(symbol string, price float64) float64

	// ToVenueQty truncates a quantity to the symbol's lot step.
	ToVenueQty(symbol string, qty float64) float64

	// Close tears down streams and releases the venue connection.
	Close() error
}
