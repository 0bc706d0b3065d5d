package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestBot(t *testing.T, store *Store) *models.BotConfig {
	t.Helper()
	bot := &models.BotConfig{
		UserID:        "user-1",
		Pair:          "BTC/USDT",
		Mode:          models.ModeManual,
		LowerLimit:    90000,
		UpperLimit:    110000,
		GridCount:     5,
		AmountPerGrid: 100,
	}
	require.NoError(t, store.CreateBot(bot))
	return bot
}

func TestCreateBotValidates(t *testing.T) {
	store := newTestStore(t)

	err := store.CreateBot(&models.BotConfig{
		Pair:          "BTC/USDT",
		LowerLimit:    110000,
		UpperLimit:    90000,
		GridCount:     5,
		AmountPerGrid: 100,
	})
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	err = store.CreateBot(&models.BotConfig{
		Pair:          "BTCUSDT",
		LowerLimit:    90000,
		UpperLimit:    110000,
		GridCount:     5,
		AmountPerGrid: 100,
	})
	assert.ErrorIs(t, err, models.ErrInvalidConfig, "pair without separator is rejected")
}

func TestOrderStatusTransitionsAreMonotonic(t *testing.T) {
	store := newTestStore(t)
	bot := newTestBot(t, store)

	order := &models.OrderRecord{
		BotID:         bot.ID,
		ClientOrderID: "gb1-test1",
		Symbol:        "BTCUSDT",
		Side:          models.Buy,
		Price:         95000,
		Quantity:      0.001,
	}
	require.NoError(t, store.CreateOrder(order))

	loaded, err := store.GetOrderByClientID("gb1-test1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, models.OrderOpen, loaded.Status)

	require.NoError(t, store.UpdateOrderStatus("gb1-test1", models.OrderFilled, "venue-9", 0.001))

	// Replaying the same terminal status is a no-op.
	assert.NoError(t, store.UpdateOrderStatus("gb1-test1", models.OrderFilled, "", 0))

	// A different terminal status is refused.
	assert.Error(t, store.UpdateOrderStatus("gb1-test1", models.OrderCanceled, "", 0))

	loaded, err = store.GetOrderByClientID("gb1-test1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, loaded.Status)
	assert.Equal(t, "venue-9", loaded.VenueOrderID)
	assert.Equal(t, 0.001, loaded.Filled)
}

func TestListOpenOrdersSortedByPrice(t *testing.T) {
	store := newTestStore(t)
	bot := newTestBot(t, store)

	for i, price := range []float64{105000, 95000, 100000} {
		require.NoError(t, store.CreateOrder(&models.OrderRecord{
			BotID:         bot.ID,
			ClientOrderID: "gb1-o" + string(rune('a'+i)),
			Symbol:        "BTCUSDT",
			Side:          models.Buy,
			Price:         price,
			Quantity:      0.001,
		}))
	}
	require.NoError(t, store.UpdateOrderStatus("gb1-oa", models.OrderCanceled, "", 0))

	open, err := store.ListOpenOrders(bot.ID)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, 95000.0, open[0].Price, "lowest-priced open order first")
	assert.Equal(t, 100000.0, open[1].Price)
}

func TestUpdateBotLimitsSingleWriter(t *testing.T) {
	store := newTestStore(t)
	bot := newTestBot(t, store)

	require.NoError(t, store.UpdateBotLimits(bot.ID, 95000, 115000, 5))

	loaded, err := store.GetBot(bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 95000.0, loaded.LowerLimit)
	assert.Equal(t, 115000.0, loaded.UpperLimit)

	assert.ErrorIs(t, store.UpdateBotLimits(bot.ID, 115000, 95000, 5), models.ErrInvalidConfig)
	assert.ErrorIs(t, store.UpdateBotLimits(bot.ID, 95000, 115000, 1), models.ErrInvalidConfig)
}

func TestStampTrailingUpdate(t *testing.T) {
	store := newTestStore(t)
	bot := newTestBot(t, store)
	require.Nil(t, bot.LastTrailingUpdate)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.StampTrailingUpdate(bot.ID, now))

	loaded, err := store.GetBot(bot.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.LastTrailingUpdate)
	assert.WithinDuration(t, now, *loaded.LastTrailingUpdate, time.Second)
}

func TestListRunningBots(t *testing.T) {
	store := newTestStore(t)
	stopped := newTestBot(t, store)
	running := newTestBot(t, store)
	require.NoError(t, store.UpdateBotStatus(running.ID, models.BotRunning))

	bots, err := store.ListRunningBots()
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, running.ID, bots[0].ID)
	assert.NotEqual(t, stopped.ID, bots[0].ID)
}
