package models

// AppConfig holds process-level settings loaded from the JSON config file.
// Per-bot parameters are not configured here; they arrive through the control
// API and live in the ledger.
type AppConfig struct {
	ListenAddr   string `json:"listen_addr"`
	DBPath       string `json:"db_path"`
	KeystorePath string `json:"keystore_path"`

	IsTestnet     bool   `json:"is_testnet"`
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	LogConfig LogConfig `json:"log"`

	// Backtest engine settings.
	InitialBalance float64 `json:"initial_balance"`
	MakerFeeRate   float64 `json:"maker_fee_rate"`
	TakerFeeRate   float64 `json:"taker_fee_rate"`
}

// APIBaseURL returns the REST base URL for the configured network.
func (c *AppConfig) APIBaseURL() string {
	if c.IsTestnet {
		return c.TestnetAPIURL
	}
	return c.LiveAPIURL
}

// WSBaseURL returns the websocket base URL for the configured network.
func (c *AppConfig) WSBaseURL() string {
	if c.IsTestnet {
		return c.TestnetWSURL
	}
	return c.LiveWSURL
}

// LogConfig defines logging behavior.
type LogConfig struct {
	Level      string `json:"level"`       // "debug", "info", "warn", "error"
	Output     string `json:"output"`      // "console", "file", "both"
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // max size of one log file (MB)
	MaxBackups int    `json:"max_backups"` // rotated files to keep
	MaxAge     int    `json:"max_age"`     // days to keep rotated files
	Compress   bool   `json:"compress"`    // gzip rotated files
}
