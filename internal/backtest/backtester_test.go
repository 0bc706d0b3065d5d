package backtest

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

type candleRow struct {
	open, high, low, close float64
}

func writeCandles(t *testing.T, rows []candleRow) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "candles.csv")
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	w := csv.NewWriter(file)
	require.NoError(t, w.Write([]string{"open_time", "open", "high", "low", "close", "volume", "close_time"}))

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, r := range rows {
		openTime := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, w.Write([]string{
			strconv.FormatInt(openTime.UnixMilli(), 10),
			strconv.FormatFloat(r.open, 'f', -1, 64),
			strconv.FormatFloat(r.high, 'f', -1, 64),
			strconv.FormatFloat(r.low, 'f', -1, 64),
			strconv.FormatFloat(r.close, 'f', -1, 64),
			"1.0",
			strconv.FormatInt(openTime.Add(time.Minute-time.Millisecond).UnixMilli(), 10),
		}))
	}
	w.Flush()
	require.NoError(t, w.Error())
	return path
}

func testConfig(dataPath string) Config {
	return Config{
		Bot: models.BotConfig{
			UserID:        "backtester",
			Pair:          "BTC/USDT",
			LowerLimit:    90000,
			UpperLimit:    110000,
			GridCount:     5,
			AmountPerGrid: 100,
			QuantityType:  models.QuantityQuote,
			GridType:      models.Arithmetic,
			Mode:          models.ModeManual,
		},
		DataPath:       dataPath,
		InitialBalance: 10000,
		MakerFeeRate:   0.001,
		TakerFeeRate:   0.001,
	}
}

func TestRunTradesThroughOscillation(t *testing.T) {
	dataPath := writeCandles(t, []candleRow{
		{100000, 100000, 100000, 100000},
		{100000, 100000, 94000, 96000},   // fills the buy at 95000
		{96000, 106000, 96000, 104000},   // fills sells at 100000 and 105000
		{104000, 104000, 99000, 100500},  // fills the restored buy at 100000
		{100500, 101000, 100000, 100500},
	})

	result, err := Run(context.Background(), testConfig(dataPath))
	require.NoError(t, err)
	require.NotNil(t, result.Metrics)

	// The rebalance buy plus at least the grid fills above.
	assert.GreaterOrEqual(t, result.Metrics.TotalTrades, 4)
	assert.Empty(t, result.Stopped)
	assert.Equal(t, 10000.0, result.Metrics.InitialBalance)
	assert.Greater(t, result.Metrics.FinalBalance, 0.0)
}

func TestRunStopsOnStopLoss(t *testing.T) {
	dataPath := writeCandles(t, []candleRow{
		{100000, 100000, 100000, 100000},
		{100000, 100000, 80000, 81000},
		{81000, 82000, 80000, 81500},
	})

	cfg := testConfig(dataPath)
	cfg.Bot.StopLoss = 85000

	result, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "stop-loss", result.Stopped)
}

func TestRunFailsWithoutData(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "missing.csv"))
	_, err := Run(context.Background(), cfg)
	assert.Error(t, err)
}
