// Package config loads the exchange configuration from a YAML file,
// filling defaults for anything omitted.
package config

import (
	"os"

	"cosmossdk.io/errors"
	"cosmossdk.io/math"
	"gopkg.in/yaml.v3"
)

var errBadConfig = errors.Register("config", 1, "invalid configuration")

// PairConfig declares one trading pair the exchange serves.
type PairConfig struct {
	ID             int64  `yaml:"id"`
	Symbol         string `yaml:"symbol"`
	BaseAsset      string `yaml:"baseAsset"`
	QuoteAsset     string `yaml:"quoteAsset"`
	MinQty         string `yaml:"minQty"`
	MaxQty         string `yaml:"maxQty"`
	PricePrecision int    `yaml:"pricePrecision"`
	QtyPrecision   int    `yaml:"qtyPrecision"`
}

// Config is the full configuration tree.
type Config struct {
	// ListenAddr serves the websocket and metrics endpoints.
	ListenAddr string `yaml:"listenAddr"`

	// DBPath is the SQLite file backing the durable store.
	DBPath string `yaml:"dbPath"`

	// FlushIntervalMs is how often the syncer flushes, milliseconds.
	FlushIntervalMs int `yaml:"flushIntervalMs"`
	// BatchSize caps rows per flush per stream.
	BatchSize int `yaml:"batchSize"`
	// WriteQueueCapacity bounds the pending trades awaiting flush;
	// producers block once it is reached.
	WriteQueueCapacity int `yaml:"writeQueueCapacity"`

	// FeeRate is the taker fee charged on quote notional, as a decimal
	// string, e.g. "0.001".
	FeeRate string `yaml:"feeRate"`
	// MarketBuyMargin pads market-buy collateral, e.g. "0.05" freezes
	// 105% of the walked cost.
	MarketBuyMargin string `yaml:"marketBuyMargin"`
	// MarketMakerUserID is exempt from self-trade prevention; 0
	// disables the exemption.
	MarketMakerUserID int64 `yaml:"marketMakerUserId"`

	// DepthLevels is the snapshot size pushed to fresh subscribers.
	DepthLevels int `yaml:"depthLevels"`
	// EventQueueDepth is the per-session outbound event buffer; a
	// session that falls this far behind starts losing messages.
	EventQueueDepth int `yaml:"eventQueueDepth"`
	// WSMessageRate bounds inbound control messages per second per
	// websocket session.
	WSMessageRate int `yaml:"wsMessageRate"`

	// Pairs are registered at startup if not already in the store.
	Pairs []PairConfig `yaml:"pairs"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8880",
		DBPath:          "./data/spotdex.db",
		FlushIntervalMs:    10000,
		BatchSize:          500,
		WriteQueueCapacity: 100000,
		FeeRate:            "0.001",
		MarketBuyMargin:    "0.05",
		DepthLevels:        20,
		EventQueueDepth:    256,
		WSMessageRate:      20,
		LogLevel:           "info",
	}
}

// Load reads path into a Config on top of defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the numeric strings and pair declarations.
func (c *Config) Validate() error {
	if c.FlushIntervalMs <= 0 {
		return errors.Wrap(errBadConfig, "flushIntervalMs must be positive")
	}
	if c.BatchSize <= 0 {
		return errors.Wrap(errBadConfig, "batchSize must be positive")
	}
	if c.WriteQueueCapacity <= 0 {
		return errors.Wrap(errBadConfig, "writeQueueCapacity must be positive")
	}
	if c.EventQueueDepth <= 0 {
		return errors.Wrap(errBadConfig, "eventQueueDepth must be positive")
	}
	fee, err := math.LegacyNewDecFromStr(c.FeeRate)
	if err != nil || fee.IsNegative() || fee.GTE(math.LegacyOneDec()) {
		return errors.Wrapf(errBadConfig, "feeRate %q", c.FeeRate)
	}
	margin, err := math.LegacyNewDecFromStr(c.MarketBuyMargin)
	if err != nil || margin.IsNegative() {
		return errors.Wrapf(errBadConfig, "marketBuyMargin %q", c.MarketBuyMargin)
	}

	seen := make(map[string]bool, len(c.Pairs))
	for _, p := range c.Pairs {
		if p.Symbol == "" || p.BaseAsset == "" || p.QuoteAsset == "" {
			return errors.Wrapf(errBadConfig, "pair %+v missing fields", p)
		}
		if p.BaseAsset == p.QuoteAsset {
			return errors.Wrapf(errBadConfig, "pair %s base equals quote", p.Symbol)
		}
		if seen[p.Symbol] {
			return errors.Wrapf(errBadConfig, "duplicate pair %s", p.Symbol)
		}
		seen[p.Symbol] = true
		if _, err := math.LegacyNewDecFromStr(p.MinQty); err != nil {
			return errors.Wrapf(errBadConfig, "pair %s minQty %q", p.Symbol, p.MinQty)
		}
		if _, err := math.LegacyNewDecFromStr(p.MaxQty); err != nil {
			return errors.Wrapf(errBadConfig, "pair %s maxQty %q", p.Symbol, p.MaxQty)
		}
	}
	return nil
}

// MustFeeRate returns the parsed fee rate. Call after Validate.
func (c *Config) MustFeeRate() math.LegacyDec {
	return math.LegacyMustNewDecFromStr(c.FeeRate)
}

// MustMarketBuyMargin returns the parsed margin. Call after Validate.
func (c *Config) MustMarketBuyMargin() math.LegacyDec {
	return math.LegacyMustNewDecFromStr(c.MarketBuyMargin)
}
