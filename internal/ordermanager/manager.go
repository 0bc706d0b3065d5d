package ordermanager

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jxskiss/base62"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/exchange"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/logger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

// Ledger is the slice of order persistence the manager needs.
type Ledger interface {
	CreateOrder(order *models.OrderRecord) error
	GetOrderByClientID(clientOrderID string) (*models.OrderRecord, error)
	UpdateOrderStatus(clientOrderID string, status models.OrderStatus, venueOrderID string, filled float64) error
	ListOpenOrders(botID uint) ([]models.OrderRecord, error)
	LogTrade(trade *models.TradeRecord) error
}

// Manager owns the order lifecycle for one bot: every order is written to the
// ledger before it is sent to the venue, so a crash between the two leaves a
// record that Reconcile can resolve instead of an orphan on the exchange.
type Manager struct {
	venue  exchange.Venue
	ledger Ledger
	nonce  atomic.Int64

	// missing counts consecutive reconcile passes on which an order the venue
	// never acknowledged was also absent from the venue's open set.
	missMu  sync.Mutex
	missing map[string]int
}

// vanishGrace is how many consecutive reconcile passes an unacknowledged order
// may stay missing before it is declared FAILED. The submission may have landed
// right before a crash; the venue gets time to start listing it.
const vanishGrace = 3

func New(venue exchange.Venue, ledger Ledger) *Manager {
	m := &Manager{venue: venue, ledger: ledger, missing: make(map[string]int)}
	m.nonce.Store(time.Now().UnixMilli())
	return m
}

// NewClientOrderID builds a venue-safe id that embeds the bot id, so any order
// found on the exchange can be traced back to its owner. The monotonic nonce
// keeps ids unique across restarts within the same millisecond.
func (m *Manager) NewClientOrderID(botID uint) string {
	n := m.nonce.Add(1)
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("gb%d-%s-%s", botID,
		string(base62.FormatInt(n)), base62.EncodeToString(suffix))
}

// PlaceOrders submits a batch. Each order is persisted as OPEN before the venue
// call; a venue rejection marks that one order FAILED and the batch continues.
// Orders that fill on arrival are settled immediately. Returns the records that
// reached the venue.
func (m *Manager) PlaceOrders(ctx context.Context, botID uint, specs []models.OrderSpec) ([]models.OrderRecord, error) {
	placed := make([]models.OrderRecord, 0, len(specs))
	var firstErr error

	for _, spec := range specs {
		record := &models.OrderRecord{
			BotID:         botID,
			ClientOrderID: m.NewClientOrderID(botID),
			Symbol:        spec.Symbol,
			Side:          spec.Side,
			Price:         spec.Price,
			Quantity:      spec.Quantity,
			Status:        models.OrderOpen,
		}
		if err := m.ledger.CreateOrder(record); err != nil {
			return placed, fmt.Errorf("failed to persist order intent: %w", err)
		}

		snap, err := m.venue.PlaceOrder(ctx, spec.Symbol, spec.Side, spec.Type,
			spec.Quantity, spec.Price, record.ClientOrderID)
		if err != nil {
			logger.S().Errorw("order placement failed",
				"bot_id", botID, "side", spec.Side, "price", spec.Price, "err", err)
			if uerr := m.ledger.UpdateOrderStatus(record.ClientOrderID,
				models.OrderFailed, "", 0); uerr != nil {
				logger.S().Errorw("failed to mark order FAILED", "client_order_id", record.ClientOrderID, "err", uerr)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		record.VenueOrderID = snap.VenueOrderID
		switch snap.Status {
		case models.VenueClosed:
			if err := m.settleFill(botID, record.ClientOrderID, snap); err != nil {
				return placed, err
			}
			record.Status = models.OrderFilled
			record.Filled = snap.Filled
			record.Price = snap.Price
		case models.VenueCanceled:
			if err := m.ledger.UpdateOrderStatus(record.ClientOrderID,
				models.OrderCanceled, snap.VenueOrderID, snap.Filled); err != nil {
				return placed, err
			}
			record.Status = models.OrderCanceled
		case models.VenueRejected:
			if err := m.ledger.UpdateOrderStatus(record.ClientOrderID,
				models.OrderFailed, snap.VenueOrderID, 0); err != nil {
				return placed, err
			}
			record.Status = models.OrderFailed
			if firstErr == nil {
				firstErr = fmt.Errorf("order rejected by venue: %s", record.ClientOrderID)
			}
			continue
		default:
			if err := m.ledger.UpdateOrderStatus(record.ClientOrderID,
				models.OrderOpen, snap.VenueOrderID, snap.Filled); err != nil {
				return placed, err
			}
		}
		placed = append(placed, *record)
	}

	return placed, firstErr
}

// CancelOrder cancels one resting order and records the cancellation. On venue
// failure the record stays OPEN for Reconcile to settle later.
func (m *Manager) CancelOrder(ctx context.Context, record *models.OrderRecord) error {
	if err := m.venue.CancelOrder(ctx, record.Symbol, record.VenueOrderID); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", record.ClientOrderID, err)
	}
	return m.ledger.UpdateOrderStatus(record.ClientOrderID,
		models.OrderCanceled, record.VenueOrderID, record.Filled)
}

// CancelAllOpen cancels every resting order of the bot. It keeps going past
// individual failures and returns the first error encountered.
func (m *Manager) CancelAllOpen(ctx context.Context, botID uint) error {
	open, err := m.ledger.ListOpenOrders(botID)
	if err != nil {
		return err
	}

	var firstErr error
	for i := range open {
		if err := m.CancelOrder(ctx, &open[i]); err != nil {
			logger.S().Warnw("cancel failed, order left open for reconcile",
				"bot_id", botID, "client_order_id", open[i].ClientOrderID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Reconcile compares the ledger's open set against the venue's. Orders the
// venue no longer lists are resolved one by one with a direct fetch; an order
// is never assumed filled without the venue confirming it. Returns the records
// that turned out to be fills.
func (m *Manager) Reconcile(ctx context.Context, bot *models.BotConfig) ([]models.OrderRecord, error) {
	open, err := m.ledger.ListOpenOrders(bot.ID)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}

	venueOpen, err := m.venue.FetchOpenOrders(ctx, bot.Symbol())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	onVenue := make(map[string]struct{}, len(venueOpen))
	for _, snap := range venueOpen {
		onVenue[snap.ClientOrderID] = struct{}{}
	}

	var fills []models.OrderRecord
	for i := range open {
		record := open[i]
		if _, ok := onVenue[record.ClientOrderID]; ok {
			m.missMu.Lock()
			delete(m.missing, record.ClientOrderID)
			m.missMu.Unlock()
			continue
		}

		if record.VenueOrderID == "" {
			// The intent was persisted but the venue never acknowledged it
			// and does not list it now. Declare it FAILED only after a few
			// passes; the order stream can still confirm it in the meantime.
			m.missMu.Lock()
			m.missing[record.ClientOrderID]++
			misses := m.missing[record.ClientOrderID]
			if misses >= vanishGrace {
				delete(m.missing, record.ClientOrderID)
			}
			m.missMu.Unlock()
			if misses < vanishGrace {
				logger.S().Warnw("unacknowledged order missing from venue",
					"bot_id", bot.ID, "client_order_id", record.ClientOrderID,
					"misses", misses)
				continue
			}
			logger.S().Warnw("order intent never reached venue, marking failed",
				"bot_id", bot.ID, "client_order_id", record.ClientOrderID)
			if err := m.ledger.UpdateOrderStatus(record.ClientOrderID,
				models.OrderFailed, "", 0); err != nil {
				return fills, err
			}
			continue
		}

		snap, err := m.venue.FetchOrder(ctx, record.Symbol, record.VenueOrderID)
		if err != nil {
			// Could not confirm either way; leave it OPEN for the next pass.
			logger.S().Warnw("vanished order could not be confirmed",
				"bot_id", bot.ID, "client_order_id", record.ClientOrderID, "err", err)
			continue
		}

		switch snap.Status {
		case models.VenueClosed:
			if err := m.settleFill(bot.ID, record.ClientOrderID, snap); err != nil {
				return fills, err
			}
			record.Status = models.OrderFilled
			record.Filled = snap.Filled
			fills = append(fills, record)
		case models.VenueCanceled:
			if err := m.ledger.UpdateOrderStatus(record.ClientOrderID,
				models.OrderCanceled, snap.VenueOrderID, snap.Filled); err != nil {
				return fills, err
			}
		case models.VenueRejected:
			if err := m.ledger.UpdateOrderStatus(record.ClientOrderID,
				models.OrderFailed, snap.VenueOrderID, snap.Filled); err != nil {
				return fills, err
			}
		}
	}

	return fills, nil
}

// ApplyUpdates folds order stream events into the ledger. Stream events carry
// the venue's own word on the order, so terminal states are settled directly.
// Unknown client ids are skipped; they belong to other bots or manual trading.
func (m *Manager) ApplyUpdates(ctx context.Context, botID uint, snaps []models.OrderSnapshot) ([]models.OrderRecord, error) {
	var fills []models.OrderRecord
	for _, snap := range snaps {
		record, err := m.ledger.GetOrderByClientID(snap.ClientOrderID)
		if err != nil {
			return fills, err
		}
		if record == nil || record.BotID != botID {
			continue
		}
		// Any stream event means the venue knows the order.
		m.missMu.Lock()
		delete(m.missing, record.ClientOrderID)
		m.missMu.Unlock()
		if record.Status.Terminal() {
			continue
		}

		switch snap.Status {
		case models.VenueClosed:
			if err := m.settleFill(botID, record.ClientOrderID, &snap); err != nil {
				return fills, err
			}
			record.Status = models.OrderFilled
			record.Filled = snap.Filled
			record.VenueOrderID = snap.VenueOrderID
			fills = append(fills, *record)
		case models.VenueCanceled:
			if err := m.ledger.UpdateOrderStatus(record.ClientOrderID,
				models.OrderCanceled, snap.VenueOrderID, snap.Filled); err != nil {
				return fills, err
			}
		case models.VenueRejected:
			if err := m.ledger.UpdateOrderStatus(record.ClientOrderID,
				models.OrderFailed, snap.VenueOrderID, snap.Filled); err != nil {
				return fills, err
			}
		default:
			if record.VenueOrderID == "" && snap.VenueOrderID != "" {
				if err := m.ledger.UpdateOrderStatus(record.ClientOrderID,
					models.OrderOpen, snap.VenueOrderID, snap.Filled); err != nil {
					return fills, err
				}
			}
		}
	}
	return fills, nil
}

// settleFill marks the order FILLED and writes the trade log entry. Replays are
// absorbed by the terminal guard in the callers and the monotonic status update.
func (m *Manager) settleFill(botID uint, clientOrderID string, snap *models.OrderSnapshot) error {
	record, err := m.ledger.GetOrderByClientID(clientOrderID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("fill for unknown order %s", clientOrderID)
	}
	if record.Status.Terminal() {
		return nil
	}

	if err := m.ledger.UpdateOrderStatus(clientOrderID,
		models.OrderFilled, snap.VenueOrderID, snap.Filled); err != nil {
		return err
	}

	trade := &models.TradeRecord{
		BotID:    botID,
		OrderID:  record.ID,
		Symbol:   record.Symbol,
		Side:     record.Side,
		Price:    snap.Price,
		Quantity: snap.Filled,
	}
	if trade.Price == 0 {
		trade.Price = record.Price
	}
	if trade.Quantity == 0 {
		trade.Quantity = record.Quantity
	}
	if err := m.ledger.LogTrade(trade); err != nil {
		return err
	}

	logger.S().Infow("order filled",
		"bot_id", botID, "client_order_id", clientOrderID,
		"side", record.Side, "price", trade.Price, "quantity", trade.Quantity)
	return nil
}
