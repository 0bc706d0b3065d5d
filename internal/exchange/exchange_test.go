package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

func TestAdjustValueToStep(t *testing.T) {
	cases := []struct {
		value float64
		step  string
		want  float64
	}{
		{0.001234, "0.00001", 0.00123},
		{0.0012999, "0.0001", 0.0012},
		{95000.789, "0.01", 95000.78},
		{95000.789, "1", 95000},
		{95000.789, "", 95000.789},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, adjustValueToStep(c.value, c.step),
			"value %v step %q", c.value, c.step)
	}
}

func TestVenueStatusMapping(t *testing.T) {
	assert.Equal(t, models.VenueOpen, venueStatus("NEW"))
	assert.Equal(t, models.VenueOpen, venueStatus("PARTIALLY_FILLED"))
	assert.Equal(t, models.VenueClosed, venueStatus("FILLED"))
	assert.Equal(t, models.VenueCanceled, venueStatus("CANCELED"))
	assert.Equal(t, models.VenueCanceled, venueStatus("EXPIRED"))
	assert.Equal(t, models.VenueRejected, venueStatus("REJECTED"))
}

func newSim(quote float64) *BacktestExchange {
	sim := NewBacktestExchange("BTCUSDT", "BTC", "USDT", quote, 0.001, 0.001)
	sim.SetCandle(100000, 100000, 100000, 100000, time.Now())
	return sim
}

func TestSimRestingBuyFillsOnLow(t *testing.T) {
	sim := newSim(10000)
	ctx := context.Background()

	snap, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, "LIMIT", 0.001, 95000, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.VenueOpen, snap.Status)

	// Candle that never reaches the limit leaves the order resting.
	fills := sim.SetCandle(100000, 101000, 96000, 99000, time.Now())
	assert.Empty(t, fills)

	fills = sim.SetCandle(99000, 99500, 94000, 95000, time.Now())
	require.Len(t, fills, 1)
	assert.Equal(t, "c1", fills[0].ClientOrderID)
	assert.Equal(t, models.VenueClosed, fills[0].Status)
	assert.Equal(t, 95000.0, fills[0].Price)

	base, err := sim.GetFreeBalance(ctx, "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 0.001, base, 1e-12)
}

func TestSimMarketableLimitFillsImmediately(t *testing.T) {
	sim := newSim(10000)

	snap, err := sim.PlaceOrder(context.Background(), "BTCUSDT", models.Buy, "LIMIT", 0.001, 102000, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.VenueClosed, snap.Status)
	// Fills at the market price, not the aggressive limit.
	assert.Equal(t, 100000.0, snap.Price)
}

func TestSimLocksBalancesForRestingOrders(t *testing.T) {
	sim := newSim(100)
	ctx := context.Background()

	_, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, "LIMIT", 0.001, 95000, "c1")
	require.NoError(t, err)

	free, err := sim.GetFreeBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 5, free, 1e-9)

	// The remaining free balance cannot fund a second identical order.
	_, err = sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, "LIMIT", 0.001, 95000, "c2")
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
}

func TestSimCancelReleasesReservation(t *testing.T) {
	sim := newSim(100)
	ctx := context.Background()

	snap, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, "LIMIT", 0.001, 95000, "c1")
	require.NoError(t, err)
	require.NoError(t, sim.CancelOrder(ctx, "BTCUSDT", snap.VenueOrderID))

	free, err := sim.GetFreeBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 100, free, 1e-9)

	open, err := sim.FetchOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSimFetchOrderAfterCancel(t *testing.T) {
	sim := newSim(10000)
	ctx := context.Background()

	snap, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, "LIMIT", 0.001, 95000, "c1")
	require.NoError(t, err)
	require.NoError(t, sim.CancelOrder(ctx, "BTCUSDT", snap.VenueOrderID))

	// Canceled orders also leave the book, but must not read as fills.
	fetched, err := sim.FetchOrder(ctx, "BTCUSDT", snap.VenueOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.VenueCanceled, fetched.Status)
}

func TestSimFetchOrderAfterFill(t *testing.T) {
	sim := newSim(10000)
	ctx := context.Background()

	snap, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Sell, "LIMIT", 0.001, 99000, "c1")
	// No base balance yet.
	require.Error(t, err)
	require.Nil(t, snap)

	buy, err := sim.PlaceOrder(ctx, "BTCUSDT", models.Buy, "LIMIT", 0.001, 102000, "c2")
	require.NoError(t, err)
	require.Equal(t, models.VenueClosed, buy.Status)

	// Filled orders leave the book but still resolve as closed.
	fetched, err := sim.FetchOrder(ctx, "BTCUSDT", buy.VenueOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.VenueClosed, fetched.Status)

	_, err = sim.FetchOrder(ctx, "BTCUSDT", "999999999999")
	assert.Error(t, err)
}
