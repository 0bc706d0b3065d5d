package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/engine"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/exchange"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/health"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/ledger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/logger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/ordermanager"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/tuner"
)

const (
	// WatchPrice is bounded by this timeout so the loop ticks even in a
	// quiet market; the tick doubles as the health heartbeat.
	priceWait = 30 * time.Second
	// WatchOrderUpdates is bounded likewise; each timeout triggers a
	// reconcile pass instead.
	orderWait    = 30 * time.Second
	errorBackoff = 5 * time.Second
)

// VenueFactory builds a venue connection for one bot, typically from the
// bot owner's stored credentials.
type VenueFactory func(bot *models.BotConfig) (exchange.Venue, error)

type botHandle struct {
	cancel context.CancelFunc
	venue  exchange.Venue
	orders *ordermanager.Manager
	engine *engine.Engine
	// gridMu serializes every ladder-mutating sequence so the price loop's
	// re-grids never interleave with the order loop's shifts.
	gridMu sync.Mutex
	wg     sync.WaitGroup
}

// Supervisor owns the registry of running bots and the two loops each bot
// runs: a price-driven loop (stop-loss, auto tuning) and an order-driven loop
// (fills, reconciliation).
type Supervisor struct {
	store    *ledger.Store
	newVenue VenueFactory
	tuner    *tuner.Tuner
	monitor  *health.Monitor

	mu   sync.Mutex
	bots map[uint]*botHandle

	// starting holds bot ids reserved by an in-flight StartBot so a second
	// caller cannot slip past the registry check while the first one is still
	// connecting the venue and placing the grid.
	starting map[uint]struct{}
}

func New(store *ledger.Store, newVenue VenueFactory, monitor *health.Monitor) *Supervisor {
	return &Supervisor{
		store:    store,
		newVenue: newVenue,
		tuner:    tuner.New(),
		monitor:  monitor,
		bots:     make(map[uint]*botHandle),
		starting: make(map[uint]struct{}),
	}
}

// StartBot brings a bot online: marks it RUNNING, places or resumes its grid,
// and spawns its two loops.
func (s *Supervisor) StartBot(ctx context.Context, botID uint) error {
	s.mu.Lock()
	_, running := s.bots[botID]
	_, pending := s.starting[botID]
	if running || pending {
		s.mu.Unlock()
		return fmt.Errorf("bot %d is already running", botID)
	}
	s.starting[botID] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, botID)
		s.mu.Unlock()
	}()

	bot, err := s.store.GetBot(botID)
	if err != nil {
		return err
	}

	venue, err := s.newVenue(bot)
	if err != nil {
		return fmt.Errorf("failed to connect venue for bot %d: %w", botID, err)
	}

	orders := ordermanager.New(venue, s.store)
	eng := engine.New(venue, orders, s.store)

	botCtx, cancel := context.WithCancel(context.Background())
	h := &botHandle{cancel: cancel, venue: venue, orders: orders, engine: eng}

	// Resume an existing ladder after a restart instead of doubling it.
	open, err := s.store.ListOpenOrders(botID)
	if err != nil {
		cancel()
		venue.Close()
		return err
	}
	h.gridMu.Lock()
	if len(open) == 0 {
		err = eng.PlaceInitialGrid(botCtx, bot)
	} else {
		logger.S().Infow("resuming existing grid", "bot_id", botID, "open_orders", len(open))
		_, err = orders.Reconcile(botCtx, bot)
	}
	h.gridMu.Unlock()
	if err != nil {
		cancel()
		venue.Close()
		return err
	}

	if err := s.store.UpdateBotStatus(botID, models.BotRunning); err != nil {
		cancel()
		venue.Close()
		return err
	}

	s.mu.Lock()
	s.bots[botID] = h
	s.mu.Unlock()
	s.monitor.BotStarted(botID)
	if placed, err := s.store.ListOpenOrders(botID); err == nil {
		s.monitor.OrdersPlaced(botID, len(placed))
	}

	h.wg.Add(2)
	go s.priceLoop(botCtx, botID, h)
	go s.orderLoop(botCtx, botID, h)

	logger.S().Infow("bot started", "bot_id", botID, "pair", bot.Pair)
	return nil
}

// StopBot takes the bot offline: stops both loops, cancels its resting orders
// and flips it to STOPPED.
func (s *Supervisor) StopBot(ctx context.Context, botID uint) error {
	s.mu.Lock()
	h, ok := s.bots[botID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: bot %d is not running", models.ErrBotNotFound, botID)
	}
	delete(s.bots, botID)
	s.mu.Unlock()

	h.cancel()
	h.wg.Wait()

	if err := h.orders.CancelAllOpen(ctx, botID); err != nil {
		logger.S().Warnw("some orders could not be canceled on stop",
			"bot_id", botID, "err", err)
	}
	h.venue.Close()
	s.monitor.BotStopped(botID)

	if err := s.store.UpdateBotStatus(botID, models.BotStopped); err != nil {
		return err
	}
	logger.S().Infow("bot stopped", "bot_id", botID)
	return nil
}

// ResumeRunning restarts every bot the ledger still marks RUNNING, used at
// process startup to recover from a crash or restart.
func (s *Supervisor) ResumeRunning(ctx context.Context) {
	bots, err := s.store.ListRunningBots()
	if err != nil {
		logger.S().Errorw("failed to list running bots", "err", err)
		return
	}
	for _, bot := range bots {
		if err := s.StartBot(ctx, bot.ID); err != nil {
			logger.S().Errorw("failed to resume bot", "bot_id", bot.ID, "err", err)
		}
	}
}

// Shutdown stops every running bot.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]uint, 0, len(s.bots))
	for id := range s.bots {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.StopBot(ctx, id); err != nil {
			logger.S().Errorw("failed to stop bot during shutdown", "bot_id", id, "err", err)
		}
	}
}

// IsRunning reports whether the supervisor currently owns the bot.
func (s *Supervisor) IsRunning(botID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bots[botID]
	return ok
}

// priceLoop blocks on price updates, checks protective stops and runs the
// tuner. A quiet market still produces heartbeat ticks through the timeout.
func (s *Supervisor) priceLoop(ctx context.Context, botID uint, h *botHandle) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bot, err := s.store.GetBot(botID)
		if err != nil {
			s.loopFault(ctx, botID, "price", err)
			continue
		}
		symbol := bot.Symbol()

		waitCtx, cancel := context.WithTimeout(ctx, priceWait)
		upd, err := h.venue.WatchPrice(waitCtx, symbol)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.monitor.Beat(botID)
			if !errors.Is(err, context.DeadlineExceeded) {
				s.loopFault(ctx, botID, "price", err)
			}
			continue
		}
		s.monitor.Beat(botID)

		if stopped := s.checkProtectiveStops(ctx, botID, bot, h, upd.Price); stopped {
			return
		}

		adj := s.tuner.Evaluate(bot, upd.Price)
		if adj.Action == tuner.ActionNone {
			continue
		}
		if err := s.applyAdjustment(ctx, botID, h, adj); err != nil {
			s.loopFault(ctx, botID, "price", err)
		}
	}
}

// checkProtectiveStops enforces stop-loss and take-profit. Either one breached
// forces the bot to STOPPED; the price loop then exits and the order loop is
// cancelled with it.
func (s *Supervisor) checkProtectiveStops(ctx context.Context, botID uint, bot *models.BotConfig, h *botHandle, price float64) bool {
	cause := protectiveStopCause(bot, price)
	if cause == nil {
		return false
	}

	logger.S().Warnw("protective stop triggered, shutting bot down",
		"bot_id", botID, "err", cause, "price", price,
		"stop_loss", bot.StopLoss, "take_profit", bot.TakeProfit)

	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.StopBot(stopCtx, botID); err != nil {
			logger.S().Errorw("failed to stop bot after protective stop",
				"bot_id", botID, "err", err)
		}
	}()
	return true
}

// protectiveStopCause classifies a price tick against the bot's protective
// levels. A zero level means the level is unset.
func protectiveStopCause(bot *models.BotConfig, price float64) error {
	switch {
	case bot.StopLoss > 0 && price <= bot.StopLoss:
		return models.ErrStopLossBreached
	case bot.TakeProfit > 0 && price >= bot.TakeProfit:
		return models.ErrTakeProfitReached
	}
	return nil
}

// applyAdjustment executes a tuner verdict: cancel everything, commit the new
// window, rebuild the grid, and restart the cooldown for downward expansions.
func (s *Supervisor) applyAdjustment(ctx context.Context, botID uint, h *botHandle, adj tuner.Adjustment) error {
	h.gridMu.Lock()
	defer h.gridMu.Unlock()

	logger.S().Infow("applying window adjustment",
		"bot_id", botID, "action", adj.Action,
		"lower", adj.LowerLimit, "upper", adj.UpperLimit)

	if err := h.orders.CancelAllOpen(ctx, botID); err != nil {
		return fmt.Errorf("adjustment aborted, open orders not fully canceled: %w", err)
	}
	if err := s.store.UpdateBotLimits(botID, adj.LowerLimit, adj.UpperLimit, adj.GridCount); err != nil {
		return err
	}

	bot, err := s.store.GetBot(botID)
	if err != nil {
		return err
	}
	if err := h.engine.PlaceInitialGrid(ctx, bot); err != nil {
		return err
	}

	if adj.Action == tuner.ActionExpandDown {
		if err := s.store.StampTrailingUpdate(botID, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// orderLoop blocks on order updates and feeds confirmed fills to the engine.
// When the stream is quiet it falls back to a reconcile pass, which also
// resolves vanished orders.
func (s *Supervisor) orderLoop(ctx context.Context, botID uint, h *botHandle) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bot, err := s.store.GetBot(botID)
		if err != nil {
			s.loopFault(ctx, botID, "order", err)
			continue
		}
		symbol := bot.Symbol()

		waitCtx, cancel := context.WithTimeout(ctx, orderWait)
		snaps, err := h.venue.WatchOrderUpdates(waitCtx, symbol)
		cancel()

		var fills []models.OrderRecord
		switch {
		case err == nil:
			fills, err = h.orders.ApplyUpdates(ctx, botID, snaps)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			fills, err = h.orders.Reconcile(ctx, bot)
		case ctx.Err() != nil:
			return
		}
		if err != nil {
			s.loopFault(ctx, botID, "order", err)
			continue
		}
		if len(fills) == 0 {
			continue
		}
		s.monitor.FillConfirmed(botID, len(fills))

		// The snapshot loaded above is stale by up to orderWait; the price
		// loop may have committed a tuner adjustment meanwhile. Re-fetch
		// under the grid lock so the shift math runs on the current window.
		h.gridMu.Lock()
		bot, err = s.store.GetBot(botID)
		var upperBefore float64
		if err == nil {
			upperBefore = bot.UpperLimit
			err = h.engine.UpdateGrid(ctx, bot, fills)
		}
		h.gridMu.Unlock()
		if err == nil && bot.UpperLimit != upperBefore {
			s.monitor.WindowShifted(botID)
		}
		if err != nil {
			if errors.Is(err, models.ErrShiftAborted) {
				continue
			}
			s.loopFault(ctx, botID, "order", err)
		}
	}
}

// loopFault logs a task-boundary error and backs off before the loop resumes.
func (s *Supervisor) loopFault(ctx context.Context, botID uint, loop string, err error) {
	logger.S().Errorw("loop error", "bot_id", botID, "loop", loop, "err", err)
	s.monitor.LoopError(botID, loop)
	select {
	case <-time.After(errorBackoff):
	case <-ctx.Done():
	}
}
