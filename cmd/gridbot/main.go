package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/backtest"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/config"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/downloader"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/exchange"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/health"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/keystore"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/ledger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/logger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/server"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or backtest")

	// Backtest data source: either an existing CSV or a symbol plus date range
	// to download.
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to download for backtesting (e.g., BTCUSDT)")
	startDate := flag.String("start", "", "backtest start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "backtest end date (YYYY-MM-DD)")

	// Backtest grid parameters.
	pair := flag.String("pair", "BTC/USDT", "pair to backtest")
	lower := flag.Float64("lower", 0, "lower grid limit")
	upper := flag.Float64("upper", 0, "upper grid limit")
	gridCount := flag.Int("grids", 10, "number of grid levels")
	amountPerGrid := flag.Float64("amount", 0, "quote amount per grid level")
	gridType := flag.String("grid-type", "ARITHMETIC", "grid type: ARITHMETIC or GEOMETRIC")
	autoMode := flag.Bool("auto", false, "enable auto tuning in the backtest")
	riskLevel := flag.Int("risk", 10, "auto tuning risk level in percent")
	flag.Parse()

	// A default logger so config loading problems are visible; reinitialized
	// from file config right after.
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("no .env file found, using system environment")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("failed to load config: %v", err)
	}
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live":
		runLive(cfg)
	case "backtest":
		finalDataPath, err := resolveBacktestData(*symbol, *startDate, *endDate, *dataPath)
		if err != nil {
			logger.S().Fatal(err)
		}
		bot := models.BotConfig{
			UserID:        "backtester",
			Pair:          *pair,
			LowerLimit:    *lower,
			UpperLimit:    *upper,
			GridCount:     *gridCount,
			AmountPerGrid: *amountPerGrid,
			QuantityType:  models.QuantityQuote,
			GridType:      models.GridType(*gridType),
			RiskLevel:     *riskLevel,
		}
		if *autoMode {
			bot.Mode = models.ModeAuto
		}
		runBacktest(cfg, bot, finalDataPath)
	default:
		logger.S().Fatalf("unknown mode %q, expected 'live' or 'backtest'", *mode)
	}
}

// resolveBacktestData returns the candle file to replay, downloading it first
// when a symbol and date range were given instead of a file.
func resolveBacktestData(symbol, startDate, endDate, dataPath string) (string, error) {
	if symbol != "" && startDate != "" && endDate != "" {
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("dates must be YYYY-MM-DD: start %v, end %v", err1, err2)
		}

		fileName := fmt.Sprintf("data/%s-%s-%s.csv", symbol, startDate, endDate)
		dl := downloader.NewKlineDownloader()
		if err := dl.DownloadKlines(context.Background(), symbol, fileName, startTime, endTime); err != nil {
			return "", fmt.Errorf("data download failed: %w", err)
		}
		return fileName, nil
	}

	if dataPath == "" {
		return "", fmt.Errorf("backtest needs either -data or -symbol/-start/-end")
	}
	return dataPath, nil
}

func runLive(cfg *models.AppConfig) {
	logger.S().Info("--- starting live mode ---")
	if cfg.IsTestnet {
		logger.S().Info("using the exchange testnet")
	}

	masterSecret := os.Getenv("GRIDBOT_MASTER_KEY")
	if masterSecret == "" {
		logger.S().Fatal("GRIDBOT_MASTER_KEY must be set to unlock the credential keystore")
	}

	store, err := ledger.Open(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("failed to open ledger: %v", err)
	}
	defer store.Close()

	keys, err := keystore.Open(cfg.KeystorePath, masterSecret)
	if err != nil {
		logger.S().Fatalf("failed to open keystore: %v", err)
	}
	defer keys.Close()

	newVenue := func(bot *models.BotConfig) (exchange.Venue, error) {
		creds, err := keys.Get(bot.UserID)
		if err != nil {
			return nil, fmt.Errorf("no credentials for user %s: %w", bot.UserID, err)
		}
		return exchange.NewLiveExchange(creds.APIKey, creds.SecretKey,
			cfg.APIBaseURL(), cfg.WSBaseURL())
	}

	monitor := health.NewMonitor()
	sup := supervisor.New(store, newVenue, monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.ResumeRunning(ctx)

	srv := server.New(store, sup, keys, monitor)
	go func() {
		if err := srv.Run(cfg.ListenAddr); err != nil {
			logger.S().Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.S().Info("shutdown signal received, stopping bots")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	sup.Shutdown(shutdownCtx)
	logger.S().Info("shutdown complete")
}

func runBacktest(cfg *models.AppConfig, bot models.BotConfig, dataPath string) {
	logger.S().Info("--- starting backtest mode ---")

	initialBalance := cfg.InitialBalance
	if initialBalance <= 0 {
		initialBalance = 10000
	}

	result, err := backtest.Run(context.Background(), backtest.Config{
		Bot:            bot,
		DataPath:       dataPath,
		InitialBalance: initialBalance,
		MakerFeeRate:   cfg.MakerFeeRate,
		TakerFeeRate:   cfg.TakerFeeRate,
	})
	if err != nil {
		logger.S().Fatalf("backtest failed: %v", err)
	}
	if result.Stopped != "" {
		logger.S().Warnw("backtest ended early on a protective stop", "trigger", result.Stopped)
	}
}
