package ordermanager

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

type fakeLedger struct {
	orders map[string]*models.OrderRecord
	trades []models.TradeRecord
	nextID uint
	events []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{orders: make(map[string]*models.OrderRecord)}
}

func (l *fakeLedger) CreateOrder(order *models.OrderRecord) error {
	l.nextID++
	order.ID = l.nextID
	cp := *order
	l.orders[order.ClientOrderID] = &cp
	l.events = append(l.events, "create:"+order.ClientOrderID)
	return nil
}

func (l *fakeLedger) GetOrderByClientID(clientOrderID string) (*models.OrderRecord, error) {
	o, ok := l.orders[clientOrderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (l *fakeLedger) UpdateOrderStatus(clientOrderID string, status models.OrderStatus, venueOrderID string, filled float64) error {
	o, ok := l.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("order %s not found", clientOrderID)
	}
	if o.Status.Terminal() {
		if o.Status == status {
			return nil
		}
		return fmt.Errorf("illegal transition %s -> %s", o.Status, status)
	}
	o.Status = status
	if venueOrderID != "" {
		o.VenueOrderID = venueOrderID
	}
	if filled > 0 {
		o.Filled = filled
	}
	return nil
}

func (l *fakeLedger) ListOpenOrders(botID uint) ([]models.OrderRecord, error) {
	var open []models.OrderRecord
	for _, o := range l.orders {
		if o.BotID == botID && o.Status == models.OrderOpen {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (l *fakeLedger) LogTrade(trade *models.TradeRecord) error {
	l.trades = append(l.trades, *trade)
	return nil
}

type fakeVenue struct {
	placeFn     func(symbol string, side models.Side, orderType string, qty, price float64, clientID string) (*models.OrderSnapshot, error)
	cancelFn    func(symbol, venueOrderID string) error
	fetchFn     func(symbol, venueOrderID string) (*models.OrderSnapshot, error)
	fetchOpenFn func(symbol string) ([]models.OrderSnapshot, error)
	events      *[]string
}

func (v *fakeVenue) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, fmt.Errorf("not implemented")
}

func (v *fakeVenue) WatchPrice(ctx context.Context, symbol string) (models.PriceUpdate, error) {
	return models.PriceUpdate{}, fmt.Errorf("not implemented")
}

func (v *fakeVenue) WatchOrderUpdates(ctx context.Context, symbol string) ([]models.OrderSnapshot, error) {
	return nil, fmt.Errorf("not implemented")
}

func (v *fakeVenue) PlaceOrder(ctx context.Context, symbol string, side models.Side, orderType string, quantity, price float64, clientOrderID string) (*models.OrderSnapshot, error) {
	if v.events != nil {
		*v.events = append(*v.events, "place:"+clientOrderID)
	}
	if v.placeFn != nil {
		return v.placeFn(symbol, side, orderType, quantity, price, clientOrderID)
	}
	return &models.OrderSnapshot{
		VenueOrderID:  "v-" + clientOrderID,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Status:        models.VenueOpen,
		Price:         price,
		Quantity:      quantity,
		Remaining:     quantity,
	}, nil
}

func (v *fakeVenue) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if v.cancelFn != nil {
		return v.cancelFn(symbol, venueOrderID)
	}
	return nil
}

func (v *fakeVenue) FetchOrder(ctx context.Context, symbol, venueOrderID string) (*models.OrderSnapshot, error) {
	if v.fetchFn != nil {
		return v.fetchFn(symbol, venueOrderID)
	}
	return nil, fmt.Errorf("order not found")
}

func (v *fakeVenue) FetchOpenOrders(ctx context.Context, symbol string) ([]models.OrderSnapshot, error) {
	if v.fetchOpenFn != nil {
		return v.fetchOpenFn(symbol)
	}
	return nil, nil
}

func (v *fakeVenue) GetFreeBalance(ctx context.Context, asset string) (float64, error) {
	return 0, nil
}

func (v *fakeVenue) ToVenuePrice(symbol string, price float64) float64 { return price }
func (v *fakeVenue) ToVenueQty(symbol string, qty float64) float64    { return qty }
func (v *fakeVenue) Close() error                                     { return nil }

func testBot() *models.BotConfig {
	return &models.BotConfig{
		ID:            7,
		Pair:          "BTC/USDT",
		LowerLimit:    90000,
		UpperLimit:    110000,
		GridCount:     5,
		AmountPerGrid: 100,
	}
}

func TestClientOrderIDFormat(t *testing.T) {
	m := New(&fakeVenue{}, newFakeLedger())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := m.NewClientOrderID(42)
		assert.Contains(t, id, "gb42-")
		assert.False(t, seen[id], "duplicate client order id %s", id)
		seen[id] = true
	}
}

func TestPlaceOrdersPersistsBeforeVenue(t *testing.T) {
	ledger := newFakeLedger()
	venue := &fakeVenue{events: &ledger.events}
	m := New(venue, ledger)

	placed, err := m.PlaceOrders(context.Background(), 7, []models.OrderSpec{
		{Symbol: "BTCUSDT", Side: models.Buy, Type: "LIMIT", Price: 95000, Quantity: 0.001},
		{Symbol: "BTCUSDT", Side: models.Sell, Type: "LIMIT", Price: 105000, Quantity: 0.001},
	})
	require.NoError(t, err)
	require.Len(t, placed, 2)

	require.Len(t, ledger.events, 4)
	for i := 0; i < 4; i += 2 {
		assert.Contains(t, ledger.events[i], "create:")
		assert.Contains(t, ledger.events[i+1], "place:")
	}

	for _, rec := range placed {
		assert.Equal(t, models.OrderOpen, rec.Status)
		assert.NotEmpty(t, rec.VenueOrderID)
	}
}

func TestPlaceOrdersMarksFailedAndContinues(t *testing.T) {
	ledger := newFakeLedger()
	calls := 0
	venue := &fakeVenue{
		placeFn: func(symbol string, side models.Side, orderType string, qty, price float64, clientID string) (*models.OrderSnapshot, error) {
			calls++
			if calls == 1 {
				return nil, fmt.Errorf("insufficient balance")
			}
			return &models.OrderSnapshot{
				VenueOrderID: "v1", ClientOrderID: clientID,
				Status: models.VenueOpen, Price: price, Quantity: qty,
			}, nil
		},
	}
	m := New(venue, ledger)

	placed, err := m.PlaceOrders(context.Background(), 7, []models.OrderSpec{
		{Symbol: "BTCUSDT", Side: models.Buy, Type: "LIMIT", Price: 95000, Quantity: 0.001},
		{Symbol: "BTCUSDT", Side: models.Buy, Type: "LIMIT", Price: 90000, Quantity: 0.001},
	})
	assert.Error(t, err)
	require.Len(t, placed, 1)

	failed := 0
	for _, o := range ledger.orders {
		if o.Status == models.OrderFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestPlaceOrdersSettlesImmediateFill(t *testing.T) {
	ledger := newFakeLedger()
	venue := &fakeVenue{
		placeFn: func(symbol string, side models.Side, orderType string, qty, price float64, clientID string) (*models.OrderSnapshot, error) {
			return &models.OrderSnapshot{
				VenueOrderID: "v1", ClientOrderID: clientID,
				Status: models.VenueClosed, Price: 100100, Quantity: qty, Filled: qty,
			}, nil
		},
	}
	m := New(venue, ledger)

	placed, err := m.PlaceOrders(context.Background(), 7, []models.OrderSpec{
		{Symbol: "BTCUSDT", Side: models.Buy, Type: "LIMIT", Price: 102000, Quantity: 0.001},
	})
	require.NoError(t, err)
	require.Len(t, placed, 1)
	assert.Equal(t, models.OrderFilled, placed[0].Status)

	require.Len(t, ledger.trades, 1)
	assert.Equal(t, 100100.0, ledger.trades[0].Price)
}

func TestReconcileResolvesVanishedOrders(t *testing.T) {
	ledger := newFakeLedger()
	require.NoError(t, ledger.CreateOrder(&models.OrderRecord{
		BotID: 7, ClientOrderID: "gb7-filled", VenueOrderID: "v-filled",
		Symbol: "BTCUSDT", Side: models.Buy, Price: 95000, Quantity: 0.001,
		Status: models.OrderOpen,
	}))
	require.NoError(t, ledger.CreateOrder(&models.OrderRecord{
		BotID: 7, ClientOrderID: "gb7-canceled", VenueOrderID: "v-canceled",
		Symbol: "BTCUSDT", Side: models.Sell, Price: 105000, Quantity: 0.001,
		Status: models.OrderOpen,
	}))
	require.NoError(t, ledger.CreateOrder(&models.OrderRecord{
		BotID: 7, ClientOrderID: "gb7-resting", VenueOrderID: "v-resting",
		Symbol: "BTCUSDT", Side: models.Sell, Price: 110000, Quantity: 0.001,
		Status: models.OrderOpen,
	}))

	venue := &fakeVenue{
		fetchOpenFn: func(symbol string) ([]models.OrderSnapshot, error) {
			return []models.OrderSnapshot{{ClientOrderID: "gb7-resting", Status: models.VenueOpen}}, nil
		},
		fetchFn: func(symbol, venueOrderID string) (*models.OrderSnapshot, error) {
			switch venueOrderID {
			case "v-filled":
				return &models.OrderSnapshot{
					VenueOrderID: venueOrderID, Status: models.VenueClosed,
					Price: 95000, Quantity: 0.001, Filled: 0.001,
				}, nil
			case "v-canceled":
				return &models.OrderSnapshot{
					VenueOrderID: venueOrderID, Status: models.VenueCanceled,
				}, nil
			}
			return nil, fmt.Errorf("unknown order")
		},
	}
	m := New(venue, ledger)

	fills, err := m.Reconcile(context.Background(), testBot())
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "gb7-filled", fills[0].ClientOrderID)

	assert.Equal(t, models.OrderFilled, ledger.orders["gb7-filled"].Status)
	assert.Equal(t, models.OrderCanceled, ledger.orders["gb7-canceled"].Status)
	assert.Equal(t, models.OrderOpen, ledger.orders["gb7-resting"].Status)
	require.Len(t, ledger.trades, 1)
}

func TestReconcileLeavesUnconfirmedOrdersOpen(t *testing.T) {
	ledger := newFakeLedger()
	require.NoError(t, ledger.CreateOrder(&models.OrderRecord{
		BotID: 7, ClientOrderID: "gb7-limbo", VenueOrderID: "v-limbo",
		Symbol: "BTCUSDT", Side: models.Buy, Price: 95000, Quantity: 0.001,
		Status: models.OrderOpen,
	}))

	venue := &fakeVenue{
		fetchOpenFn: func(symbol string) ([]models.OrderSnapshot, error) { return nil, nil },
		fetchFn: func(symbol, venueOrderID string) (*models.OrderSnapshot, error) {
			return nil, fmt.Errorf("temporary network error")
		},
	}
	m := New(venue, ledger)

	fills, err := m.Reconcile(context.Background(), testBot())
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.Equal(t, models.OrderOpen, ledger.orders["gb7-limbo"].Status)
}

func TestReconcileFailsUnackedOrdersAfterGrace(t *testing.T) {
	ledger := newFakeLedger()
	require.NoError(t, ledger.CreateOrder(&models.OrderRecord{
		BotID: 7, ClientOrderID: "gb7-unacked",
		Symbol: "BTCUSDT", Side: models.Buy, Price: 95000, Quantity: 0.001,
		Status: models.OrderOpen,
	}))

	venue := &fakeVenue{
		fetchOpenFn: func(symbol string) ([]models.OrderSnapshot, error) { return nil, nil },
	}
	m := New(venue, ledger)

	// The submission may have landed just before a crash, so the record
	// survives the first passes.
	for pass := 1; pass < vanishGrace; pass++ {
		fills, err := m.Reconcile(context.Background(), testBot())
		require.NoError(t, err)
		assert.Empty(t, fills)
		assert.Equal(t, models.OrderOpen, ledger.orders["gb7-unacked"].Status, "pass %d", pass)
	}

	_, err := m.Reconcile(context.Background(), testBot())
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, ledger.orders["gb7-unacked"].Status)
}

func TestReconcileGraceResetsWhenVenueListsOrder(t *testing.T) {
	ledger := newFakeLedger()
	require.NoError(t, ledger.CreateOrder(&models.OrderRecord{
		BotID: 7, ClientOrderID: "gb7-late",
		Symbol: "BTCUSDT", Side: models.Buy, Price: 95000, Quantity: 0.001,
		Status: models.OrderOpen,
	}))

	listed := false
	venue := &fakeVenue{
		fetchOpenFn: func(symbol string) ([]models.OrderSnapshot, error) {
			if listed {
				return []models.OrderSnapshot{{ClientOrderID: "gb7-late", Status: models.VenueOpen}}, nil
			}
			return nil, nil
		},
	}
	m := New(venue, ledger)

	for pass := 1; pass < vanishGrace; pass++ {
		_, err := m.Reconcile(context.Background(), testBot())
		require.NoError(t, err)
	}

	// The venue lists the order once, which restarts the grace window.
	listed = true
	_, err := m.Reconcile(context.Background(), testBot())
	require.NoError(t, err)

	listed = false
	for pass := 1; pass < vanishGrace; pass++ {
		_, err := m.Reconcile(context.Background(), testBot())
		require.NoError(t, err)
		assert.Equal(t, models.OrderOpen, ledger.orders["gb7-late"].Status, "pass %d", pass)
	}

	_, err = m.Reconcile(context.Background(), testBot())
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, ledger.orders["gb7-late"].Status)
}

func TestApplyUpdatesIsIdempotent(t *testing.T) {
	ledger := newFakeLedger()
	require.NoError(t, ledger.CreateOrder(&models.OrderRecord{
		BotID: 7, ClientOrderID: "gb7-x", VenueOrderID: "v-x",
		Symbol: "BTCUSDT", Side: models.Buy, Price: 95000, Quantity: 0.001,
		Status: models.OrderOpen,
	}))
	m := New(&fakeVenue{}, ledger)

	snap := models.OrderSnapshot{
		VenueOrderID: "v-x", ClientOrderID: "gb7-x", Symbol: "BTCUSDT",
		Side: models.Buy, Status: models.VenueClosed,
		Price: 95000, Quantity: 0.001, Filled: 0.001,
	}

	fills, err := m.ApplyUpdates(context.Background(), 7, []models.OrderSnapshot{snap})
	require.NoError(t, err)
	require.Len(t, fills, 1)

	// A replay of the same event settles nothing new.
	fills, err = m.ApplyUpdates(context.Background(), 7, []models.OrderSnapshot{snap})
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.Len(t, ledger.trades, 1)
}

func TestApplyUpdatesSkipsForeignOrders(t *testing.T) {
	ledger := newFakeLedger()
	m := New(&fakeVenue{}, ledger)

	fills, err := m.ApplyUpdates(context.Background(), 7, []models.OrderSnapshot{
		{ClientOrderID: "manual-trade-1", Status: models.VenueClosed},
	})
	require.NoError(t, err)
	assert.Empty(t, fills)
	assert.Empty(t, ledger.trades)
}

func TestCancelAllOpenContinuesPastFailures(t *testing.T) {
	ledger := newFakeLedger()
	require.NoError(t, ledger.CreateOrder(&models.OrderRecord{
		BotID: 7, ClientOrderID: "gb7-a", VenueOrderID: "v-a",
		Symbol: "BTCUSDT", Status: models.OrderOpen,
	}))
	require.NoError(t, ledger.CreateOrder(&models.OrderRecord{
		BotID: 7, ClientOrderID: "gb7-b", VenueOrderID: "v-b",
		Symbol: "BTCUSDT", Status: models.OrderOpen,
	}))

	venue := &fakeVenue{
		cancelFn: func(symbol, venueOrderID string) error {
			if venueOrderID == "v-a" {
				return fmt.Errorf("venue unavailable")
			}
			return nil
		},
	}
	m := New(venue, ledger)

	err := m.CancelAllOpen(context.Background(), 7)
	assert.Error(t, err)

	assert.Equal(t, models.OrderOpen, ledger.orders["gb7-a"].Status)
	assert.Equal(t, models.OrderCanceled, ledger.orders["gb7-b"].Status)
}
