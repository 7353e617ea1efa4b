package config

import (
	"os"
	"path/filepath"
	"testing"

	"cosmossdk.io/math"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":8880" {
		t.Errorf("default listen addr: %s", cfg.ListenAddr)
	}
	if cfg.FlushIntervalMs != 10000 || cfg.BatchSize != 500 {
		t.Errorf("default sync settings: %d/%d", cfg.FlushIntervalMs, cfg.BatchSize)
	}
	if cfg.WriteQueueCapacity != 100000 {
		t.Errorf("default write queue capacity: %d", cfg.WriteQueueCapacity)
	}
	if cfg.EventQueueDepth != 256 {
		t.Errorf("default event queue depth: %d", cfg.EventQueueDepth)
	}
	if cfg.FeeRate != "0.001" {
		t.Errorf("default fee rate: %s", cfg.FeeRate)
	}
}

func TestLoadOverridesOnTopOfDefaults(t *testing.T) {
	path := writeConfig(t, `
listenAddr: ":9000"
feeRate: "0.002"
pairs:
  - id: 1
    symbol: BTCUSDT
    baseAsset: BTC
    quoteAsset: USDT
    minQty: "0.0001"
    maxQty: "1000"
    pricePrecision: 2
    qtyPrecision: 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("override lost: %s", cfg.ListenAddr)
	}
	// Untouched keys keep their defaults.
	if cfg.BatchSize != 500 {
		t.Errorf("default lost: %d", cfg.BatchSize)
	}
	if len(cfg.Pairs) != 1 || cfg.Pairs[0].Symbol != "BTCUSDT" {
		t.Errorf("pairs not loaded: %+v", cfg.Pairs)
	}
	if !cfg.MustFeeRate().Equal(math.LegacyMustNewDecFromStr("0.002")) {
		t.Errorf("fee rate: %s", cfg.MustFeeRate())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero flush interval", func(c *Config) { c.FlushIntervalMs = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"zero write queue capacity", func(c *Config) { c.WriteQueueCapacity = 0 }},
		{"zero event queue depth", func(c *Config) { c.EventQueueDepth = 0 }},
		{"negative fee", func(c *Config) { c.FeeRate = "-0.001" }},
		{"fee of one", func(c *Config) { c.FeeRate = "1" }},
		{"unparseable fee", func(c *Config) { c.FeeRate = "lots" }},
		{"negative margin", func(c *Config) { c.MarketBuyMargin = "-0.05" }},
		{"pair missing assets", func(c *Config) {
			c.Pairs = []PairConfig{{Symbol: "BTCUSDT"}}
		}},
		{"duplicate pair", func(c *Config) {
			p := PairConfig{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", MinQty: "0.0001", MaxQty: "1000"}
			c.Pairs = []PairConfig{p, p}
		}},
		{"pair base equals quote", func(c *Config) {
			c.Pairs = []PairConfig{{Symbol: "BTCBTC", BaseAsset: "BTC", QuoteAsset: "BTC", MinQty: "0.0001", MaxQty: "1000"}}
		}},
		{"bad pair minQty", func(c *Config) {
			c.Pairs = []PairConfig{{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", MinQty: "tiny", MaxQty: "1000"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}
