package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/logger"
)

// Candle is one 1-minute kline.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// KlineDownloader fetches historical klines and caches them as CSV files so a
// backtest over the same range never re-downloads.
type KlineDownloader struct {
	client *binance.Client
}

func NewKlineDownloader() *KlineDownloader {
	// Kline endpoints are public, no keys needed.
	return &KlineDownloader{client: binance.NewClient("", "")}
}

// DownloadKlines writes 1-minute klines for [startTime, endTime) to filePath.
// An existing file is treated as a complete cache and left untouched.
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		logger.S().Infow("using cached kline data", "file", filePath)
		return nil
	}

	logger.S().Infow("downloading klines",
		"symbol", symbol,
		"start", startTime.Format("2006-01-02"),
		"end", endTime.Format("2006-01-02"))

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"open_time", "open", "high", "low", "close", "volume", "close_time"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval("1m").
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(1000).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("kline download failed: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("failed to write csv record: %w", err)
			}
		}

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		logger.S().Debugw("downloaded chunk", "through", t.Format("2006-01-02 15:04:05"))

		// Stay clear of the public rate limit.
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger.S().Infow("kline download complete", "file", filePath)
	return nil
}

// LoadKlines reads a CSV written by DownloadKlines.
func LoadKlines(filePath string) ([]Candle, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("%s contains no candles", filePath)
	}

	candles := make([]Candle, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) < 6 {
			return nil, fmt.Errorf("malformed candle row in %s", filePath)
		}
		openTime, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad open_time in %s: %w", filePath, err)
		}
		var c Candle
		c.OpenTime = time.UnixMilli(openTime)
		for i, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			v, err := strconv.ParseFloat(row[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("bad candle value in %s: %w", filePath, err)
			}
			*dst = v
		}
		candles = append(candles, c)
	}
	return candles, nil
}
