package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

// SimTrade is one simulated fill, kept for post-run reporting.
type SimTrade struct {
	Time     time.Time
	Side     models.Side
	Price    float64
	Quantity float64
	Fee      float64
}

// BacktestExchange implements Venue against historical candles. Each candle is
// replayed along the open, low, high, close path so resting limit orders fill
// in a realistic sequence. Balances are spot style: the quote cost of a resting
// BUY and the base quantity of a resting SELL are locked until the order
// resolves.
type BacktestExchange struct {
	symbol     string
	baseAsset  string
	quoteAsset string

	mu          sync.Mutex
	free        map[string]float64
	locked      map[string]float64
	orders      map[string]*models.OrderSnapshot
	canceled    map[string]struct{}
	nextOrderID int64

	currentPrice float64
	currentTime  time.Time

	makerFeeRate float64
	takerFeeRate float64

	TotalFees   float64
	TradeLog    []SimTrade
	EquityCurve []float64

	priceCh chan models.PriceUpdate
	orderCh chan []models.OrderSnapshot
	fills   []models.OrderSnapshot
}

// NewBacktestExchange starts a simulated spot account funded entirely in the
// quote asset.
func NewBacktestExchange(symbol, baseAsset, quoteAsset string, initialQuote, makerFeeRate, takerFeeRate float64) *BacktestExchange {
	e := &BacktestExchange{
		symbol:       symbol,
		baseAsset:    baseAsset,
		quoteAsset:   quoteAsset,
		free:         map[string]float64{quoteAsset: initialQuote, baseAsset: 0},
		locked:       map[string]float64{quoteAsset: 0, baseAsset: 0},
		orders:       make(map[string]*models.OrderSnapshot),
		canceled:     make(map[string]struct{}),
		nextOrderID:  1,
		makerFeeRate: makerFeeRate,
		takerFeeRate: takerFeeRate,
		EquityCurve:  make([]float64, 0, 10000),
		priceCh:      make(chan models.PriceUpdate, 1),
		orderCh:      make(chan []models.OrderSnapshot, 256),
	}
	return e
}

// SetCandle advances the simulation by one candle and returns the orders that
// filled during it. The same fills are also published on the order update
// channel for callers that consume the stream instead.
func (e *BacktestExchange) SetCandle(open, high, low, close float64, timestamp time.Time) []models.OrderSnapshot {
	e.mu.Lock()

	e.currentTime = timestamp
	e.fills = e.fills[:0]

	e.fillRestingOrdersAt(open)
	e.fillRestingOrdersAt(low)
	e.fillRestingOrdersAt(high)
	e.fillRestingOrdersAt(close)

	e.currentPrice = close
	e.EquityCurve = append(e.EquityCurve, e.equityLocked())

	filled := make([]models.OrderSnapshot, len(e.fills))
	copy(filled, e.fills)
	e.mu.Unlock()

	upd := models.PriceUpdate{Symbol: e.symbol, Price: close, At: timestamp}
	select {
	case e.priceCh <- upd:
	default:
		select {
		case <-e.priceCh:
		default:
		}
		select {
		case e.priceCh <- upd:
		default:
		}
	}
	if len(filled) > 0 {
		select {
		case e.orderCh <- filled:
		default:
		}
	}
	return filled
}

// fillRestingOrdersAt fills, in order id sequence, every resting order whose
// limit price is reached by the given traded price. Caller holds the lock.
func (e *BacktestExchange) fillRestingOrdersAt(price float64) {
	ids := make([]string, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		o := e.orders[id]
		if o.Status != models.VenueOpen {
			continue
		}
		crossed := (o.Side == models.Buy && price <= o.Price) ||
			(o.Side == models.Sell && price >= o.Price)
		if !crossed {
			continue
		}
		e.settleFill(o, o.Price, e.makerFeeRate)
	}
}

// settleFill moves balances for a full fill at fillPrice. Caller holds the lock.
func (e *BacktestExchange) settleFill(o *models.OrderSnapshot, fillPrice, feeRate float64) {
	cost := fillPrice * o.Quantity
	fee := cost * feeRate

	if o.Side == models.Buy {
		// The locked reservation was taken at the limit price.
		e.locked[e.quoteAsset] -= o.Price * o.Quantity
		e.free[e.quoteAsset] += o.Price*o.Quantity - cost - fee
		e.free[e.baseAsset] += o.Quantity
	} else {
		e.locked[e.baseAsset] -= o.Quantity
		e.free[e.quoteAsset] += cost - fee
	}

	o.Status = models.VenueClosed
	o.Filled = o.Quantity
	o.Remaining = 0
	o.Price = fillPrice

	e.TotalFees += fee
	e.TradeLog = append(e.TradeLog, SimTrade{
		Time:     e.currentTime,
		Side:     o.Side,
		Price:    fillPrice,
		Quantity: o.Quantity,
		Fee:      fee,
	})
	e.fills = append(e.fills, *o)
	delete(e.orders, o.VenueOrderID)
}

func (e *BacktestExchange) equityLocked() float64 {
	base := e.free[e.baseAsset] + e.locked[e.baseAsset]
	quote := e.free[e.quoteAsset] + e.locked[e.quoteAsset]
	return quote + base*e.currentPrice
}

// Equity reports the current account value in the quote asset.
func (e *BacktestExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked()
}

// --- Venue implementation ---

func (e *BacktestExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentPrice == 0 {
		return 0, fmt.Errorf("no candle loaded yet")
	}
	return e.currentPrice, nil
}

func (e *BacktestExchange) WatchPrice(ctx context.Context, symbol string) (models.PriceUpdate, error) {
	select {
	case upd := <-e.priceCh:
		return upd, nil
	case <-ctx.Done():
		return models.PriceUpdate{}, ctx.Err()
	}
}

func (e *BacktestExchange) WatchOrderUpdates(ctx context.Context, symbol string) ([]models.OrderSnapshot, error) {
	select {
	case batch := <-e.orderCh:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *BacktestExchange) PlaceOrder(ctx context.Context, symbol string, side models.Side, orderType string, quantity, price float64, clientOrderID string) (*models.OrderSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %f", quantity)
	}
	if price <= 0 {
		return nil, fmt.Errorf("invalid price %f", price)
	}

	o := &models.OrderSnapshot{
		VenueOrderID:  fmt.Sprintf("%012d", e.nextOrderID),
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Status:        models.VenueOpen,
		Price:         price,
		Quantity:      quantity,
		Remaining:     quantity,
	}
	e.nextOrderID++

	// A limit order that already crosses the market fills immediately at the
	// current price, paying the taker fee.
	marketable := (side == models.Buy && price >= e.currentPrice) ||
		(side == models.Sell && price <= e.currentPrice)

	if side == models.Buy {
		cost := price * quantity
		if e.free[e.quoteAsset] < cost {
			return nil, fmt.Errorf("%w: need %.8f %s, have %.8f",
				models.ErrInsufficientFunds, cost, e.quoteAsset, e.free[e.quoteAsset])
		}
		e.free[e.quoteAsset] -= cost
		e.locked[e.quoteAsset] += cost
	} else {
		if e.free[e.baseAsset] < quantity {
			return nil, fmt.Errorf("%w: need %.8f %s, have %.8f",
				models.ErrInsufficientFunds, quantity, e.baseAsset, e.free[e.baseAsset])
		}
		e.free[e.baseAsset] -= quantity
		e.locked[e.baseAsset] += quantity
	}

	if marketable && e.currentPrice > 0 {
		e.settleFill(o, e.currentPrice, e.takerFeeRate)
		snap := *o
		return &snap, nil
	}

	e.orders[o.VenueOrderID] = o
	snap := *o
	return &snap, nil
}

func (e *BacktestExchange) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("order %s not found", venueOrderID)
	}

	if o.Side == models.Buy {
		reserved := o.Price * o.Quantity
		e.locked[e.quoteAsset] -= reserved
		e.free[e.quoteAsset] += reserved
	} else {
		e.locked[e.baseAsset] -= o.Quantity
		e.free[e.baseAsset] += o.Quantity
	}

	o.Status = models.VenueCanceled
	delete(e.orders, venueOrderID)
	e.canceled[venueOrderID] = struct{}{}
	return nil
}

func (e *BacktestExchange) FetchOrder(ctx context.Context, symbol, venueOrderID string) (*models.OrderSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.orders[venueOrderID]; ok {
		snap := *o
		return &snap, nil
	}
	if _, ok := e.canceled[venueOrderID]; ok {
		return &models.OrderSnapshot{
			VenueOrderID: venueOrderID,
			Symbol:       symbol,
			Status:       models.VenueCanceled,
		}, nil
	}
	// Anything else pruned from the book left it by filling.
	id, err := strconv.ParseInt(venueOrderID, 10, 64)
	if err != nil || id <= 0 || id >= e.nextOrderID {
		return nil, fmt.Errorf("order %s not found", venueOrderID)
	}
	return &models.OrderSnapshot{
		VenueOrderID: venueOrderID,
		Symbol:       symbol,
		Status:       models.VenueClosed,
	}, nil
}

func (e *BacktestExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]models.OrderSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snaps := make([]models.OrderSnapshot, 0, len(e.orders))
	for _, o := range e.orders {
		snaps = append(snaps, *o)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].VenueOrderID < snaps[j].VenueOrderID })
	return snaps, nil
}

func (e *BacktestExchange) GetFreeBalance(ctx context.Context, asset string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.free[asset], nil
}

func (e *BacktestExchange) ToVenuePrice(symbol string, price float64) float64 {
	return adjustValueToStep(price, "0.01")
}

func (e *BacktestExchange) ToVenueQty(symbol string, qty float64) float64 {
	return adjustValueToStep(qty, "0.00001")
}

func (e *BacktestExchange) Close() error { return nil }
