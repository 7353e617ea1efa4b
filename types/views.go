package types

import (
	"strconv"

	"cosmossdk.io/math"
)

// Views are the shapes handed across the trust boundary. Identifiers
// travel as decimal strings so IEEE-754 clients do not lose precision
// above 2^53; decimals travel as strings for the same reason.

// OrderView is the external representation of an order.
type OrderView struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	FilledQty     string `json:"filled_qty"`
	AvgFillPrice  string `json:"avg_fill_price"`
	Status        string `json:"status"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// View converts an order into its wire shape.
func (o *Order) View() *OrderView {
	return &OrderView{
		ID:            FormatID(o.ID),
		UserID:        FormatID(o.UserID),
		Symbol:        o.Symbol,
		Side:          o.Side.String(),
		Type:          o.OrderType.String(),
		Price:         o.Price.String(),
		Quantity:      o.Quantity.String(),
		FilledQty:     o.FilledQty.String(),
		AvgFillPrice:  o.AvgFillPrice.String(),
		Status:        o.Status.String(),
		ClientOrderID: o.ClientOrderID,
		CreatedAt:     o.CreatedAt.UnixMilli(),
		UpdatedAt:     o.UpdatedAt.UnixMilli(),
	}
}

// TradeView is the external representation of a trade.
type TradeView struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	TakerSide   string `json:"taker_side"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	Fee         string `json:"fee"`
	FeeAsset    string `json:"fee_asset"`
	ExecutedAt  int64  `json:"executed_at"`
}

// View converts a trade into its wire shape.
func (t *Trade) View() *TradeView {
	return &TradeView{
		ID:          FormatID(t.ID),
		Symbol:      t.Symbol,
		BuyOrderID:  FormatID(t.BuyOrderID),
		SellOrderID: FormatID(t.SellOrderID),
		TakerSide:   t.TakerSide.String(),
		Price:       t.Price.String(),
		Quantity:    t.Quantity.String(),
		Fee:         t.Fee.String(),
		FeeAsset:    t.FeeAsset,
		ExecutedAt:  t.ExecutedAt,
	}
}

// UserTradeView is a trade as seen by one participant, with a side hint.
type UserTradeView struct {
	TradeView
	Side string `json:"side"` // the side this user took
}

// UserView returns the trade from the perspective of userID.
func (t *Trade) UserView(userID int64) *UserTradeView {
	side := SideSell
	if userID == t.BuyUserID {
		side = SideBuy
	}
	return &UserTradeView{TradeView: *t.View(), Side: side.String()}
}

// AssetView is the external representation of a balance record.
type AssetView struct {
	UserID    string `json:"user_id"`
	Symbol    string `json:"symbol"`
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
	Total     string `json:"total"`
}

// View converts an asset record into its wire shape.
func (a *Asset) View() *AssetView {
	return &AssetView{
		UserID:    FormatID(a.UserID),
		Symbol:    a.Symbol,
		Available: a.Available.String(),
		Frozen:    a.Frozen.String(),
		Total:     a.Total().String(),
	}
}

// DepthLevel is one aggregated price level of a depth snapshot.
type DepthLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// DepthView is a top-N order book snapshot.
type DepthView struct {
	Symbol    string       `json:"symbol"`
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// BookDeltaLevel is one changed price level in a delta broadcast.
type BookDeltaLevel struct {
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"` // new aggregate at this price, zero when cleared
}

// TickerView is the market statistics payload broadcast on trades.
type TickerView struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"last_price"`
	LastQty   string `json:"last_qty"`
	MidPrice  string `json:"mid_price,omitempty"`
	High24h   string `json:"high_24h"`
	Low24h    string `json:"low_24h"`
	Volume24h string `json:"volume_24h"`
	Change24h string `json:"change_24h"`
	Timestamp int64  `json:"timestamp"`
}

// FormatID renders an int64 identifier as a decimal string.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseID parses a decimal-string identifier.
func ParseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// ExceedsPrecision reports whether d carries more fractional digits
// than the given precision allows.
func ExceedsPrecision(d math.LegacyDec, precision int) bool {
	if precision < 0 {
		precision = 0
	}
	shifted := d.Mul(math.LegacyNewDec(10).Power(uint64(precision)))
	return !shifted.Equal(shifted.TruncateDec())
}
