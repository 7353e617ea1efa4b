package events

import (
	"github.com/openalpha/spot-dex/types"
)

// Publisher adapts the hub to the matching engine's event interface.
type Publisher struct {
	hub *Hub
}

// NewPublisher wraps a hub.
func NewPublisher(hub *Hub) *Publisher {
	return &Publisher{hub: hub}
}

// OrderUpdated pushes an order's new state to its owner.
func (p *Publisher) OrderUpdated(order *types.Order) {
	p.hub.Broadcast(TopicUserOrders+types.FormatID(order.UserID), "order", order.View())
}

// TradeExecuted publishes the public print and each participant's
// private view.
func (p *Publisher) TradeExecuted(trade *types.Trade, buyer, seller *types.Order) {
	p.hub.Broadcast(TopicTrades+trade.Symbol, "trade", trade.View())
	p.hub.Broadcast(TopicUserTrades+types.FormatID(trade.BuyUserID), "trade", trade.UserView(trade.BuyUserID))
	if trade.SellUserID != trade.BuyUserID {
		p.hub.Broadcast(TopicUserTrades+types.FormatID(trade.SellUserID), "trade", trade.UserView(trade.SellUserID))
	}
}

// DepthChanged publishes the changed levels of a book.
func (p *Publisher) DepthChanged(symbol string, levels []types.BookDeltaLevel) {
	p.hub.Broadcast(TopicOrderBook+symbol, "depth_delta", levels)
}

// TickerUpdated publishes refreshed market statistics.
func (p *Publisher) TickerUpdated(symbol string, tick *types.TickerView) {
	p.hub.Broadcast(TopicPrice+symbol, "ticker", tick)
}

// EngineHalted publishes an operator-facing halt notice.
func (p *Publisher) EngineHalted(symbol, reason string) {
	p.hub.Broadcast(TopicSystem, "engine_halted", map[string]string{
		"symbol": symbol,
		"reason": reason,
	})
}

// AssetChanged pushes a balance snapshot to its owner. Wired as a
// ledger mutation hook alongside the write queue.
func (p *Publisher) AssetChanged(asset types.Asset) {
	p.hub.Broadcast(TopicUserAssets+types.FormatID(asset.UserID), "asset", asset.View())
}
