package backtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/downloader"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/engine"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/exchange"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/ledger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/logger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/ordermanager"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/reporter"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/tuner"
)

// Config describes one backtest run.
type Config struct {
	Bot            models.BotConfig
	DataPath       string
	InitialBalance float64
	MakerFeeRate   float64
	TakerFeeRate   float64
}

// Result carries the run outcome for callers that want more than the printed
// report.
type Result struct {
	RunID   string
	Metrics *reporter.Metrics
	Stopped string // protective stop that ended the run early, if any
}

// Run replays historical candles through the real engine and order manager
// against a simulated venue, with a throwaway ledger per run.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	runID := uuid.NewString()[:8]

	candles, err := downloader.LoadKlines(cfg.DataPath)
	if err != nil {
		return nil, err
	}

	bot := cfg.Bot
	base, quote, err := models.SplitPair(bot.Pair)
	if err != nil {
		return nil, err
	}
	symbol := bot.Symbol()

	sim := exchange.NewBacktestExchange(symbol, base, quote,
		cfg.InitialBalance, cfg.MakerFeeRate, cfg.TakerFeeRate)

	dbDir, err := os.MkdirTemp("", "backtest-"+runID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dbDir)

	store, err := ledger.Open(filepath.Join(dbDir, "run.db"))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	bot.Status = models.BotStopped
	if err := store.CreateBot(&bot); err != nil {
		return nil, err
	}

	orders := ordermanager.New(sim, store)
	eng := engine.New(sim, orders, store)

	// Simulated time drives the tuner's cooldowns.
	simNow := candles[0].OpenTime
	tun := tuner.New().WithClock(func() time.Time { return simNow })

	first := candles[0]
	sim.SetCandle(first.Open, first.Open, first.Open, first.Open, first.OpenTime)
	if err := eng.PlaceInitialGrid(ctx, &bot); err != nil {
		return nil, fmt.Errorf("initial grid failed: %w", err)
	}

	result := &Result{RunID: runID}
	logger.S().Infow("backtest started",
		"run_id", runID, "symbol", symbol, "candles", len(candles))

	for _, candle := range candles {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		simNow = candle.OpenTime

		snaps := sim.SetCandle(candle.Open, candle.High, candle.Low, candle.Close, candle.OpenTime)
		if len(snaps) > 0 {
			fills, err := orders.ApplyUpdates(ctx, bot.ID, snaps)
			if err != nil {
				return nil, err
			}
			if len(fills) > 0 {
				if err := eng.UpdateGrid(ctx, &bot, fills); err != nil {
					logger.S().Warnw("grid update failed", "run_id", runID, "err", err)
				}
			}
		}

		if bot.StopLoss > 0 && candle.Low <= bot.StopLoss {
			result.Stopped = "stop-loss"
			break
		}
		if bot.TakeProfit > 0 && candle.High >= bot.TakeProfit {
			result.Stopped = "take-profit"
			break
		}

		adj := tun.Evaluate(&bot, candle.Close)
		if adj.Action == tuner.ActionNone {
			continue
		}
		if err := applyAdjustment(ctx, store, orders, eng, &bot, adj, simNow); err != nil {
			logger.S().Warnw("tuner adjustment failed", "run_id", runID, "err", err)
		}
	}

	if result.Stopped != "" {
		if err := orders.CancelAllOpen(ctx, bot.ID); err != nil {
			logger.S().Warnw("failed to cancel orders after protective stop",
				"run_id", runID, "err", err)
		}
	}

	start := candles[0].OpenTime
	end := candles[len(candles)-1].OpenTime
	result.Metrics = reporter.Calculate(sim, cfg.InitialBalance, start, end)
	reporter.Render(result.Metrics, runID, symbol, cfg.DataPath)

	return result, nil
}

func applyAdjustment(ctx context.Context, store *ledger.Store, orders *ordermanager.Manager,
	eng *engine.Engine, bot *models.BotConfig, adj tuner.Adjustment, now time.Time) error {

	if err := orders.CancelAllOpen(ctx, bot.ID); err != nil {
		return err
	}
	if err := store.UpdateBotLimits(bot.ID, adj.LowerLimit, adj.UpperLimit, adj.GridCount); err != nil {
		return err
	}

	fresh, err := store.GetBot(bot.ID)
	if err != nil {
		return err
	}
	*bot = *fresh

	if err := eng.PlaceInitialGrid(ctx, bot); err != nil {
		return err
	}

	if adj.Action == tuner.ActionExpandDown {
		if err := store.StampTrailingUpdate(bot.ID, now); err != nil {
			return err
		}
		bot.LastTrailingUpdate = &now
	}
	return nil
}
