package cmd

import (
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/spot-dex/config"
	"github.com/openalpha/spot-dex/engine"
	"github.com/openalpha/spot-dex/events"
	"github.com/openalpha/spot-dex/ledger"
	"github.com/openalpha/spot-dex/store"
	"github.com/openalpha/spot-dex/types"
)

// core holds the wired exchange components for the serve command.
type core struct {
	db      *store.DB
	queue   *store.WriteQueue
	syncer  *store.Syncer
	service *engine.Service
	ws      *events.Server
}

// depthProxy breaks the construction cycle between the websocket
// server (which needs depth snapshots) and the service (which needs
// the hub's publisher).
type depthProxy struct {
	svc *engine.Service
}

func (p *depthProxy) Depth(symbol string, n int) (*types.DepthView, error) {
	return p.svc.Depth(symbol, n)
}

// buildCore wires every component and replays durable state. The
// returned core is ready for traffic.
func buildCore(cfg *config.Config, logger log.Logger) (*core, error) {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	queue := store.NewWriteQueue(cfg.WriteQueueCapacity)
	orders := engine.NewOrderStore(queue.OrderDirty)
	trades := engine.NewTradeLog(queue.TradeCreated)
	ids := engine.NewIDAllocator()

	proxy := &depthProxy{}
	ws := events.NewServer(proxy, cfg.DepthLevels, cfg.EventQueueDepth, cfg.WSMessageRate, logger)
	pub := events.NewPublisher(ws.Hub())

	led := ledger.New(logger, func(asset types.Asset) {
		queue.AssetChanged(asset)
		pub.AssetChanged(asset)
	})

	service := engine.NewService(engine.Config{
		FeeRate:           cfg.MustFeeRate(),
		MarketBuyMargin:   cfg.MustMarketBuyMargin(),
		MarketMakerUserID: cfg.MarketMakerUserID,
	}, led, orders, trades, ids, pub, logger)
	proxy.svc = service

	syncer := store.NewSyncer(db, queue, orders,
		time.Duration(cfg.FlushIntervalMs)*time.Millisecond, cfg.BatchSize, logger)

	c := &core{db: db, queue: queue, syncer: syncer, service: service, ws: ws}

	loader := store.NewLoader(db, service, led, orders, trades, ids, logger)
	if err := loader.Run(); err != nil {
		db.Close()
		return nil, err
	}
	if err := registerConfiguredPairs(cfg, c, logger); err != nil {
		db.Close()
		return nil, err
	}

	syncer.Start()
	ws.Start()
	return c, nil
}

// shutdown stops intake, flushes the write queue, and closes the
// store.
func (c *core) shutdown(logger log.Logger) {
	c.ws.Stop()
	c.syncer.Stop()
	if err := c.db.Close(); err != nil {
		logger.Error("closing store", "err", err)
	}
}

func parseDec(s string) (math.LegacyDec, error) {
	return math.LegacyNewDecFromStr(s)
}
