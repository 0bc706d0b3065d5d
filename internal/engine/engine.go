package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/exchange"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/gridmath"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/logger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/ordermanager"
)

const (
	// No order is placed within this relative band of the market price.
	spreadTolerance = 0.001
	// Counter-orders outside [lower*counterBandLow, upper*counterBandHigh]
	// are rejected rather than clamped onto the boundary.
	counterBandLow  = 0.999
	counterBandHigh = 1.001
	// A SELL fill at or above upper*boundaryFactor counts as a boundary cross.
	boundaryFactor = 0.999
	// Marketable limit orders for rebalancing are priced this far above market.
	rebalanceMarkup = 1.02
)

// Ledger is the slice of persistence the engine needs beyond what the order
// manager already covers.
type Ledger interface {
	ListOpenOrders(botID uint) ([]models.OrderRecord, error)
	UpdateBotLimits(botID uint, lower, upper float64, gridCount int) error
}

// Engine computes ladder mutations and executes them through the order
// manager. It never writes BotConfig fields itself; limit changes go through
// the ledger's single update path and are mirrored into the in-memory config
// only after they are committed.
type Engine struct {
	venue  exchange.Venue
	orders *ordermanager.Manager
	ledger Ledger

	pollInterval time.Duration
	pollTimeout  time.Duration
}

func New(venue exchange.Venue, orders *ordermanager.Manager, ledger Ledger) *Engine {
	return &Engine{
		venue:        venue,
		orders:       orders,
		ledger:       ledger,
		pollInterval: 500 * time.Millisecond,
		pollTimeout:  10 * time.Second,
	}
}

// PlaceInitialGrid computes the ladder, acquires whatever base asset the SELL
// legs need, and submits the whole grid. Levels inside the spread band around
// the market price are skipped so nothing rests exactly at market.
func (e *Engine) PlaceInitialGrid(ctx context.Context, bot *models.BotConfig) error {
	symbol := bot.Symbol()
	price, err := e.venue.GetPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}

	levels, err := gridmath.Levels(bot.LowerLimit, bot.UpperLimit, bot.GridCount, bot.GridType)
	if err != nil {
		return err
	}

	var specs []models.OrderSpec
	var requiredBase float64
	for _, level := range levels {
		if level > price*(1-spreadTolerance) && level < price*(1+spreadTolerance) {
			logger.S().Debugw("skipping level inside spread band",
				"bot_id", bot.ID, "level", level, "price", price)
			continue
		}

		side := models.Buy
		if level > price {
			side = models.Sell
		}

		var qty float64
		switch bot.QuantityType {
		case models.QuantityBase:
			qty = bot.AmountPerGrid
		default:
			// QUOTE sizing: BUY spends amount_per_grid at the level price;
			// SELL exposure is fixed against the market price at construction.
			if side == models.Buy {
				qty = bot.AmountPerGrid / level
			} else {
				qty = bot.AmountPerGrid / price
			}
		}
		qty = e.venue.ToVenueQty(symbol, qty)
		if qty <= 0 {
			logger.S().Warnw("level quantity truncated to zero, skipping",
				"bot_id", bot.ID, "level", level)
			continue
		}

		if side == models.Sell {
			requiredBase += qty
		}
		specs = append(specs, models.OrderSpec{
			Symbol:   symbol,
			Side:     side,
			Type:     "LIMIT",
			Price:    e.venue.ToVenuePrice(symbol, level),
			Quantity: qty,
		})
	}

	if requiredBase > 0 {
		if err := e.EnsureBaseBalance(ctx, bot, requiredBase); err != nil {
			return fmt.Errorf("%w: cannot fund sell side of grid: %v",
				models.ErrInsufficientFunds, err)
		}
	}

	placed, err := e.orders.PlaceOrders(ctx, bot.ID, specs)
	logger.S().Infow("initial grid placed",
		"bot_id", bot.ID, "levels", len(levels), "orders", len(placed), "price", price)
	return err
}

// EnsureBaseBalance checks the free base balance against requiredQty and buys
// the deficit with a bounded marketable limit order when short.
func (e *Engine) EnsureBaseBalance(ctx context.Context, bot *models.BotConfig, requiredQty float64) error {
	free, err := e.venue.GetFreeBalance(ctx, bot.BaseAsset())
	if err != nil {
		return fmt.Errorf("failed to read %s balance: %w", bot.BaseAsset(), err)
	}
	if free >= requiredQty {
		return nil
	}

	deficit := e.venue.ToVenueQty(bot.Symbol(), requiredQty-free)
	if deficit <= 0 {
		return nil
	}
	logger.S().Infow("rebalancing base asset",
		"bot_id", bot.ID, "required", requiredQty, "free", free, "deficit", deficit)
	return e.acquireBase(ctx, bot, deficit)
}

// acquireBase buys qty of the base asset with a limit order priced above
// market so it fills immediately but with bounded slippage, then polls until
// the venue confirms the fill.
func (e *Engine) acquireBase(ctx context.Context, bot *models.BotConfig, qty float64) error {
	symbol := bot.Symbol()
	price, err := e.venue.GetPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrRebalanceFailed, err)
	}

	placed, err := e.orders.PlaceOrders(ctx, bot.ID, []models.OrderSpec{{
		Symbol:   symbol,
		Side:     models.Buy,
		Type:     "LIMIT",
		Price:    e.venue.ToVenuePrice(symbol, price*rebalanceMarkup),
		Quantity: qty,
	}})
	if err != nil || len(placed) == 0 {
		return fmt.Errorf("%w: rebalance order not accepted: %v", models.ErrRebalanceFailed, err)
	}

	record := placed[0]
	if record.Status == models.OrderFilled {
		return nil
	}

	deadline := time.Now().Add(e.pollTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		snap, err := e.venue.FetchOrder(ctx, record.Symbol, record.VenueOrderID)
		if err == nil {
			switch snap.Status {
			case models.VenueClosed:
				_, aerr := e.orders.ApplyUpdates(ctx, bot.ID, []models.OrderSnapshot{*snap})
				return aerr
			case models.VenueCanceled, models.VenueRejected:
				if _, aerr := e.orders.ApplyUpdates(ctx, bot.ID, []models.OrderSnapshot{*snap}); aerr != nil {
					logger.S().Errorw("failed to record rebalance outcome", "err", aerr)
				}
				return fmt.Errorf("%w: rebalance order %s ended %s",
					models.ErrRebalanceFailed, record.ClientOrderID, snap.Status)
			}
		} else {
			logger.S().Warnw("rebalance poll failed", "bot_id", bot.ID, "err", err)
		}

		if time.Now().After(deadline) {
			if cerr := e.orders.CancelOrder(ctx, &record); cerr != nil {
				logger.S().Warnw("failed to cancel timed-out rebalance order",
					"bot_id", bot.ID, "client_order_id", record.ClientOrderID, "err", cerr)
			}
			return fmt.Errorf("%w: rebalance order %s not filled within %s",
				models.ErrRebalanceFailed, record.ClientOrderID, e.pollTimeout)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// UpdateGrid reacts to a batch of confirmed fills. SELL fills at the upper
// boundary trigger a window shift; every other fill gets an index-snapped
// counter-order one ladder step away on the opposite side.
func (e *Engine) UpdateGrid(ctx context.Context, bot *models.BotConfig, fills []models.OrderRecord) error {
	symbol := bot.Symbol()
	var specs []models.OrderSpec
	var firstErr error

	for _, fill := range fills {
		if fill.Side == models.Sell && fill.Price >= bot.UpperLimit*boundaryFactor {
			if err := e.ShiftUp(ctx, bot, fill); err != nil {
				if errors.Is(err, models.ErrShiftCompensationFailed) {
					logger.S().Errorw("CRITICAL: window shift compensation failed, ladder is narrower than configured",
						"bot_id", bot.ID, "err", err)
				} else {
					logger.S().Warnw("window shift aborted", "bot_id", bot.ID, "err", err)
				}
				if firstErr == nil {
					firstErr = err
				}
			}
			continue
		}

		idx := gridmath.IndexOf(fill.Price, bot.LowerLimit, bot.UpperLimit, bot.GridCount, bot.GridType)
		counterIdx := idx + 1
		if fill.Side == models.Sell {
			counterIdx = idx - 1
		}
		counterPrice := gridmath.PriceAt(bot.LowerLimit, bot.UpperLimit, bot.GridCount, bot.GridType, counterIdx)

		if counterPrice < bot.LowerLimit*counterBandLow || counterPrice > bot.UpperLimit*counterBandHigh {
			logger.S().Warnw("counter-order price outside window, skipping",
				"bot_id", bot.ID, "fill_price", fill.Price, "counter_price", counterPrice,
				"lower", bot.LowerLimit, "upper", bot.UpperLimit)
			continue
		}

		specs = append(specs, models.OrderSpec{
			Symbol:   symbol,
			Side:     fill.Side.Opposite(),
			Type:     "LIMIT",
			Price:    e.venue.ToVenuePrice(symbol, counterPrice),
			Quantity: fill.Quantity,
		})
	}

	if len(specs) > 0 {
		if _, err := e.orders.PlaceOrders(ctx, bot.ID, specs); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ShiftUp moves the window one step higher after a boundary SELL fill. The
// sequence is cancel bottom BUY, replenish the sold base, place the new top
// SELL, and only then persist the new limits. A failure after the cancel is
// compensated by restoring the canceled order exactly.
func (e *Engine) ShiftUp(ctx context.Context, bot *models.BotConfig, filledSell models.OrderRecord) error {
	step := gridmath.Step(bot.LowerLimit, bot.UpperLimit, bot.GridCount)
	symbol := bot.Symbol()

	open, err := e.ledger.ListOpenOrders(bot.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrShiftAborted, err)
	}
	var bottom *models.OrderRecord
	for i := range open {
		o := &open[i]
		if o.Side != models.Buy {
			continue
		}
		if bottom == nil || o.Price < bottom.Price {
			bottom = o
		}
	}
	if bottom == nil {
		return fmt.Errorf("%w: no open buy order to retire", models.ErrShiftAborted)
	}

	// Last point where aborting costs nothing.
	if err := e.orders.CancelOrder(ctx, bottom); err != nil {
		return fmt.Errorf("%w: cancel of bottom order failed: %v", models.ErrShiftAborted, err)
	}

	shiftErr := func() error {
		qty := filledSell.Quantity
		if err := e.EnsureBaseBalance(ctx, bot, qty); err != nil {
			return fmt.Errorf("replenish failed: %w", err)
		}
		_, err := e.orders.PlaceOrders(ctx, bot.ID, []models.OrderSpec{{
			Symbol:   symbol,
			Side:     models.Sell,
			Type:     "LIMIT",
			Price:    e.venue.ToVenuePrice(symbol, bot.UpperLimit+step),
			Quantity: qty,
		}})
		if err != nil {
			return fmt.Errorf("top sell placement failed: %w", err)
		}
		return nil
	}()

	if shiftErr != nil {
		// Restore the canceled bottom order so the ladder is unchanged.
		_, compErr := e.orders.PlaceOrders(ctx, bot.ID, []models.OrderSpec{{
			Symbol:   symbol,
			Side:     bottom.Side,
			Type:     "LIMIT",
			Price:    bottom.Price,
			Quantity: bottom.Quantity,
		}})
		if compErr != nil {
			return fmt.Errorf("%w: shift failed (%v) and bottom order %s could not be restored: %v",
				models.ErrShiftCompensationFailed, shiftErr, bottom.ClientOrderID, compErr)
		}
		return fmt.Errorf("%w: %v", models.ErrShiftAborted, shiftErr)
	}

	newLower := bot.LowerLimit + step
	newUpper := bot.UpperLimit + step
	if err := e.ledger.UpdateBotLimits(bot.ID, newLower, newUpper, bot.GridCount); err != nil {
		logger.S().Errorw("CRITICAL: exchange state shifted but limits were not persisted",
			"bot_id", bot.ID, "new_lower", newLower, "new_upper", newUpper, "err", err)
		return err
	}
	bot.LowerLimit = newLower
	bot.UpperLimit = newUpper

	logger.S().Infow("window shifted up",
		"bot_id", bot.ID, "lower", newLower, "upper", newUpper, "step", step)
	return nil
}
