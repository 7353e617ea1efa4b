package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openalpha/spot-dex/config"
	"github.com/openalpha/spot-dex/metrics"
	"github.com/openalpha/spot-dex/types"
)

func newServeCmd() *cobra.Command {
	var configPath string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the exchange core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	return serveCmd
}

func newLogger(level string) log.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return log.NewLogger(os.Stderr, log.LevelOption(lvl))
}

func runServe(cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	logger.Info("starting spotdexd", "version", Version, "db", cfg.DBPath, "listen", cfg.ListenAddr)

	core, err := buildCore(cfg, logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", core.ws.ServeWS)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !core.service.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if halted := core.service.HaltedSymbols(); len(halted) > 0 {
			http.Error(w, "halted: "+halted[0], http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server failed", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	core.shutdown(logger)
	logger.Info("spotdexd stopped")
	return nil
}

// registerConfiguredPairs registers pairs from the config that recovery
// did not already load from the store, persisting any new ones.
func registerConfiguredPairs(cfg *config.Config, core *core, logger log.Logger) error {
	for _, pc := range cfg.Pairs {
		pair, err := pairFromConfig(pc)
		if err != nil {
			return err
		}
		if _, err := core.service.RegisterPair(pair); err != nil {
			if types.ErrDuplicateTradingPair.Is(err) {
				continue
			}
			return err
		}
		if err := core.syncer.SavePair(pair); err != nil {
			return err
		}
		logger.Info("registered trading pair", "symbol", pair.Symbol)
	}
	return nil
}

func pairFromConfig(pc config.PairConfig) (*types.TradingPair, error) {
	minQty, err := parseDec(pc.MinQty)
	if err != nil {
		return nil, err
	}
	maxQty, err := parseDec(pc.MaxQty)
	if err != nil {
		return nil, err
	}
	return &types.TradingPair{
		ID:             pc.ID,
		Symbol:         pc.Symbol,
		BaseAsset:      pc.BaseAsset,
		QuoteAsset:     pc.QuoteAsset,
		MinQty:         minQty,
		MaxQty:         maxQty,
		PricePrecision: pc.PricePrecision,
		QtyPrecision:   pc.QtyPrecision,
		IsActive:       true,
	}, nil
}
