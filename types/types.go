package types

import (
	"time"

	"cosmossdk.io/math"
)

// Side represents order side
type Side int

const (
	SideUnspecified Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unspecified"
	}
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide converts a stored string back to a Side.
func ParseSide(s string) Side {
	switch s {
	case "buy":
		return SideBuy
	case "sell":
		return SideSell
	default:
		return SideUnspecified
	}
}

// OrderType represents order type
type OrderType int

const (
	OrderTypeUnspecified OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	default:
		return "unspecified"
	}
}

// ParseOrderType converts a stored string back to an OrderType.
func ParseOrderType(s string) OrderType {
	switch s {
	case "limit":
		return OrderTypeLimit
	case "market":
		return OrderTypeMarket
	default:
		return OrderTypeUnspecified
	}
}

// OrderStatus represents order status
type OrderStatus int

const (
	OrderStatusUnspecified OrderStatus = iota
	OrderStatusPending
	OrderStatusActive
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "pending"
	case OrderStatusActive:
		return "active"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	default:
		return "unspecified"
	}
}

// ParseOrderStatus converts a stored string back to an OrderStatus.
func ParseOrderStatus(s string) OrderStatus {
	switch s {
	case "pending":
		return OrderStatusPending
	case "active":
		return OrderStatusActive
	case "partially_filled":
		return OrderStatusPartiallyFilled
	case "filled":
		return OrderStatusFilled
	case "cancelled":
		return OrderStatusCancelled
	case "rejected":
		return OrderStatusRejected
	default:
		return OrderStatusUnspecified
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// TradingPair describes a market the engine can trade.
type TradingPair struct {
	ID             int64
	Symbol         string // e.g. "BTCUSDT", unique
	BaseAsset      string
	QuoteAsset     string
	MinQty         math.LegacyDec
	MaxQty         math.LegacyDec
	PricePrecision int
	QtyPrecision   int
	IsActive       bool
}

// Order represents a trading order
type Order struct {
	ID            int64
	UserID        int64
	PairID        int64
	Symbol        string
	Side          Side
	OrderType     OrderType
	Price         math.LegacyDec // limit price (zero for market orders)
	Quantity      math.LegacyDec // original quantity
	FilledQty     math.LegacyDec
	QuoteVolume   math.LegacyDec // cumulative filled qty * fill price
	AvgFillPrice  math.LegacyDec
	Status        OrderStatus
	ClientOrderID string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// FrozenRemaining is the collateral still held for this order:
	// quote for buys, base for sells. Owned by the matching engine.
	FrozenRemaining math.LegacyDec
	// FrozenAsset is the asset symbol the collateral was frozen in.
	FrozenAsset string
}

// NewOrder creates a new order in its pre-submission state.
func NewOrder(userID int64, pair *TradingPair, side Side, orderType OrderType, price, quantity math.LegacyDec, clientOrderID string) *Order {
	now := time.Now()
	return &Order{
		UserID:          userID,
		PairID:          pair.ID,
		Symbol:          pair.Symbol,
		Side:            side,
		OrderType:       orderType,
		Price:           price,
		Quantity:        quantity,
		FilledQty:       math.LegacyZeroDec(),
		QuoteVolume:     math.LegacyZeroDec(),
		AvgFillPrice:    math.LegacyZeroDec(),
		ClientOrderID:   clientOrderID,
		CreatedAt:       now,
		UpdatedAt:       now,
		FrozenRemaining: math.LegacyZeroDec(),
	}
}

// RemainingQty returns the remaining unfilled quantity
func (o *Order) RemainingQty() math.LegacyDec {
	return o.Quantity.Sub(o.FilledQty)
}

// IsFilled returns true if the order is completely filled
func (o *Order) IsFilled() bool {
	return o.FilledQty.GTE(o.Quantity)
}

// IsOpen returns true if the order can still rest on the book or match.
func (o *Order) IsOpen() bool {
	return !o.Status.IsTerminal() && o.RemainingQty().IsPositive()
}

// Clone returns a deep copy safe to hand outside the engine.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Trade represents an executed trade
type Trade struct {
	ID          int64
	PairID      int64
	Symbol      string
	BuyOrderID  int64
	SellOrderID int64
	BuyUserID   int64
	SellUserID  int64
	TakerSide   Side
	Price       math.LegacyDec
	Quantity    math.LegacyDec
	Fee         math.LegacyDec
	FeeAsset    string // quote asset of the pair
	ExecutedAt  int64  // millisecond unix
}

// Notional returns price * quantity.
func (t *Trade) Notional() math.LegacyDec {
	return t.Price.Mul(t.Quantity)
}

// Asset is a per-user, per-symbol balance record.
type Asset struct {
	UserID    int64
	Symbol    string
	Available math.LegacyDec
	Frozen    math.LegacyDec
	UpdatedAt time.Time
}

// Total returns available + frozen. Derived, never stored.
func (a *Asset) Total() math.LegacyDec {
	return a.Available.Add(a.Frozen)
}
