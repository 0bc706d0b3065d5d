package ledger

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

// Store is the persistent ledger of bot configurations, order records, and the
// immutable trade history. It is the single source of truth the engine
// reconciles against the venue. All writes are atomic at the single-record
// level; UpdateBotLimits is the only writer of bot window limits.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite ledger at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	// WAL lets the two bot loops read while the other writes.
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := db.AutoMigrate(&models.BotConfig{}, &models.OrderRecord{}, &models.TradeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Bots ---

// CreateBot validates and persists a new bot configuration.
func (s *Store) CreateBot(bot *models.BotConfig) error {
	if err := bot.Validate(); err != nil {
		return err
	}
	if bot.Status == "" {
		bot.Status = models.BotStopped
	}
	if bot.Mode == "" {
		bot.Mode = models.ModeManual
	}
	if bot.GridType == "" {
		bot.GridType = models.Arithmetic
	}
	if bot.QuantityType == "" {
		bot.QuantityType = models.QuantityQuote
	}
	return s.db.Create(bot).Error
}

// GetBot loads a bot configuration by id.
func (s *Store) GetBot(botID uint) (*models.BotConfig, error) {
	var bot models.BotConfig
	if err := s.db.First(&bot, botID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrBotNotFound
		}
		return nil, err
	}
	return &bot, nil
}

// UpdateBotStatus flips the run state of a bot.
func (s *Store) UpdateBotStatus(botID uint, status models.BotStatus) error {
	return s.db.Model(&models.BotConfig{}).Where("id = ?", botID).
		Update("status", status).Error
}

// UpdateBotLimits commits a new window to a bot configuration. This is the
// single write path for limit changes; the engine and tuner only propose values.
func (s *Store) UpdateBotLimits(botID uint, lower, upper float64, gridCount int) error {
	if lower >= upper {
		return fmt.Errorf("%w: lower %v is not below upper %v", models.ErrInvalidConfig, lower, upper)
	}
	if gridCount < 2 {
		return fmt.Errorf("%w: grid_count %d is below 2", models.ErrInvalidConfig, gridCount)
	}
	return s.db.Model(&models.BotConfig{}).Where("id = ?", botID).
		Updates(map[string]interface{}{
			"lower_limit": lower,
			"upper_limit": upper,
			"grid_count":  gridCount,
		}).Error
}

// StampTrailingUpdate records the time of the last trailing adjustment, which
// restarts the tuner's cooldown window.
func (s *Store) StampTrailingUpdate(botID uint, at time.Time) error {
	return s.db.Model(&models.BotConfig{}).Where("id = ?", botID).
		Update("last_trailing_update", at).Error
}

// ListRunningBots returns every bot whose status is RUNNING.
func (s *Store) ListRunningBots() ([]models.BotConfig, error) {
	var bots []models.BotConfig
	if err := s.db.Where("status = ?", models.BotRunning).Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

// --- Orders ---

// CreateOrder persists a new order record. New records are created OPEN.
func (s *Store) CreateOrder(order *models.OrderRecord) error {
	if order.Status == "" {
		order.Status = models.OrderOpen
	}
	return s.db.Create(order).Error
}

// GetOrderByClientID loads an order by its client order id.
func (s *Store) GetOrderByClientID(clientOrderID string) (*models.OrderRecord, error) {
	var order models.OrderRecord
	if err := s.db.Where("client_order_id = ?", clientOrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus transitions an order to a new status, storing the venue id
// and filled quantity along the way. Transitions are monotonic: once an order
// is terminal it never changes again.
func (s *Store) UpdateOrderStatus(clientOrderID string, status models.OrderStatus, venueOrderID string, filled float64) error {
	updates := map[string]interface{}{"status": status}
	if venueOrderID != "" {
		updates["venue_order_id"] = venueOrderID
	}
	if filled > 0 {
		updates["filled"] = filled
	}

	res := s.db.Model(&models.OrderRecord{}).
		Where("client_order_id = ? AND status = ?", clientOrderID, models.OrderOpen).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var existing models.OrderRecord
		if err := s.db.Where("client_order_id = ?", clientOrderID).First(&existing).Error; err != nil {
			return fmt.Errorf("order %s not found", clientOrderID)
		}
		if existing.Status == status {
			return nil // idempotent replay
		}
		return fmt.Errorf("order %s is already terminal (%s), refusing %s",
			clientOrderID, existing.Status, status)
	}
	return nil
}

// ListOpenOrders returns every OPEN order owned by the bot.
func (s *Store) ListOpenOrders(botID uint) ([]models.OrderRecord, error) {
	var orders []models.OrderRecord
	if err := s.db.Where("bot_id = ? AND status = ?", botID, models.OrderOpen).
		Order("price asc").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// --- Trades ---

// LogTrade appends one immutable trade record. Trades are never updated.
func (s *Store) LogTrade(trade *models.TradeRecord) error {
	return s.db.Create(trade).Error
}

// ListTrades returns the trade history of a bot, oldest first.
func (s *Store) ListTrades(botID uint) ([]models.TradeRecord, error) {
	var trades []models.TradeRecord
	if err := s.db.Where("bot_id = ?", botID).Order("id asc").Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}
