package params

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Trading holds the engine's risk limits and the liquidation threshold.
// Defaults match the production venue: 100x leverage, $1M max position,
// liquidation once 1% of margin remains.
type Trading struct {
	MaxLeverage          uint32 `env:"MAX_LEVERAGE" envDefault:"100"`
	MaxPositionSize      int64  `env:"MAX_POSITION_SIZE" envDefault:"1000000"`
	MaxPositionsPerUser  int    `env:"MAX_POSITIONS_PER_USER" envDefault:"10"`
	LiquidationThreshold string `env:"LIQUIDATION_THRESHOLD" envDefault:"0.01"`
}

// Queue configures the command-channel timings.
type Queue struct {
	PollInterval   time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"50ms"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
}

// Mark configures the mark-to-market loop.
type Mark struct {
	Interval time.Duration `env:"MARK_INTERVAL" envDefault:"1s"`
}

// API configures the HTTP front door.
type API struct {
	Addr       string `env:"API_ADDR" envDefault:":8080"`
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"http://localhost:3000"`
}

// Feed configures the market-data source. With UseBinance false the engine
// runs against a static source seeded by tooling or tests.
type Feed struct {
	UseBinance bool   `env:"FEED_BINANCE" envDefault:"true"`
	WSURL      string `env:"FEED_WS_URL" envDefault:"wss://fstream.binance.com/ws"`
}

type Config struct {
	Trading Trading
	Queue   Queue
	Mark    Mark
	API     API
	Feed    Feed

	// Symbols the engine tracks and marks. Comma separated in env.
	Symbols []string `env:"SYMBOLS" envDefault:"BTCUSDT"`

	// DataDir enables pebble persistence when set; empty keeps all state
	// in memory.
	DataDir string `env:"DATA_DIR" envDefault:""`

	LogFile string `env:"LOG_FILE" envDefault:""`
}

// Load reads .env (if present) then the environment.
// Priority: ENV > .env file > defaults.
func Load(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Trading.MaxLeverage == 0 {
		return fmt.Errorf("MAX_LEVERAGE must be positive")
	}
	if c.Trading.MaxPositionSize <= 0 {
		return fmt.Errorf("MAX_POSITION_SIZE must be positive")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must name at least one symbol")
	}
	for _, s := range c.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("SYMBOLS contains an empty symbol")
		}
	}
	if _, err := decimal.NewFromString(c.Trading.LiquidationThreshold); err != nil {
		return fmt.Errorf("LIQUIDATION_THRESHOLD: %w", err)
	}
	return nil
}

// LiquidationThresholdDecimal returns the parsed margin-ratio floor.
func (t Trading) LiquidationThresholdDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(t.LiquidationThreshold)
	if err != nil {
		// validate() rejects unparseable values at load time.
		return decimal.NewFromFloat(0.01)
	}
	return d
}

// MaxPositionSizeDecimal returns the notional cap as a decimal.
func (t Trading) MaxPositionSizeDecimal() decimal.Decimal {
	return decimal.NewFromInt(t.MaxPositionSize)
}
