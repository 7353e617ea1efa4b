// Package ledger holds the authoritative per-user, per-symbol balance
// records. Every mutation of available/frozen funds in the exchange
// goes through this package; the matching engine composes these
// primitives into trade settlement.
package ledger

import (
	"sort"
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/spot-dex/types"
)

// Key identifies one balance record.
type Key struct {
	UserID int64
	Symbol string
}

// Less orders keys ascending by (UserID, Symbol). Transfers lock keys
// in this order to prevent deadlock between concurrent settlements.
func (k Key) Less(o Key) bool {
	if k.UserID != o.UserID {
		return k.UserID < o.UserID
	}
	return k.Symbol < o.Symbol
}

// record is a balance record plus its own lock. The lock serialises all
// operations on this (user, symbol) pair.
type record struct {
	mu    sync.Mutex
	asset types.Asset
}

// MutationHook is invoked after every balance mutation while the record
// lock is still held, so hooks observe mutations on one key in order.
// The hook receives a snapshot; it must not call back into the ledger.
type MutationHook func(asset types.Asset)

// Ledger is the asset ledger. The records map is guarded by mu; each
// record carries its own fine-grained lock.
type Ledger struct {
	mu      sync.RWMutex
	records map[Key]*record

	onMutate MutationHook
	logger   log.Logger
}

// New creates an empty ledger. hook may be nil.
func New(logger log.Logger, hook MutationHook) *Ledger {
	return &Ledger{
		records:  make(map[Key]*record),
		onMutate: hook,
		logger:   logger.With("module", "ledger"),
	}
}

// getOrCreate returns the record for key, lazily creating it. Records
// are never deleted.
func (l *Ledger) getOrCreate(key Key) *record {
	l.mu.RLock()
	rec, ok := l.records[key]
	l.mu.RUnlock()
	if ok {
		return rec
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok = l.records[key]; ok {
		return rec
	}
	rec = &record{asset: types.Asset{
		UserID:    key.UserID,
		Symbol:    key.Symbol,
		Available: math.LegacyZeroDec(),
		Frozen:    math.LegacyZeroDec(),
	}}
	l.records[key] = rec
	return rec
}

// get returns the record for key without creating it.
func (l *Ledger) get(key Key) *record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.records[key]
}

// notify runs the mutation hook with a snapshot of rec. Callers hold
// rec.mu.
func (l *Ledger) notify(rec *record) {
	if l.onMutate != nil {
		l.onMutate(rec.asset)
	}
}

// Freeze moves amount from available to frozen.
func (l *Ledger) Freeze(userID int64, symbol string, amount math.LegacyDec) error {
	if !amount.IsPositive() {
		return errors.Wrapf(types.ErrInvalidQuantity, "freeze amount %s", amount)
	}
	key := Key{UserID: userID, Symbol: symbol}
	rec := l.getOrCreate(key)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.asset.Available.LT(amount) {
		return errors.Wrapf(types.ErrInsufficientFunds,
			"user %d %s: need %s, available %s", userID, symbol, amount, rec.asset.Available)
	}
	rec.asset.Available = rec.asset.Available.Sub(amount)
	rec.asset.Frozen = rec.asset.Frozen.Add(amount)
	rec.asset.UpdatedAt = time.Now()
	l.notify(rec)
	return nil
}

// Unfreeze moves amount from frozen back to available.
func (l *Ledger) Unfreeze(userID int64, symbol string, amount math.LegacyDec) error {
	if !amount.IsPositive() {
		return errors.Wrapf(types.ErrInvalidQuantity, "unfreeze amount %s", amount)
	}
	key := Key{UserID: userID, Symbol: symbol}
	rec := l.get(key)
	if rec == nil {
		return errors.Wrapf(types.ErrInconsistentState,
			"unfreeze on missing record user %d %s", userID, symbol)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.asset.Frozen.LT(amount) {
		return errors.Wrapf(types.ErrInconsistentState,
			"user %d %s: unfreeze %s exceeds frozen %s", userID, symbol, amount, rec.asset.Frozen)
	}
	rec.asset.Frozen = rec.asset.Frozen.Sub(amount)
	rec.asset.Available = rec.asset.Available.Add(amount)
	rec.asset.UpdatedAt = time.Now()
	l.notify(rec)
	return nil
}

// DebitFromFrozen removes amount from frozen. Used when settling the
// collateral leg of a trade.
func (l *Ledger) DebitFromFrozen(userID int64, symbol string, amount math.LegacyDec) error {
	if !amount.IsPositive() {
		return errors.Wrapf(types.ErrInvalidQuantity, "debit amount %s", amount)
	}
	key := Key{UserID: userID, Symbol: symbol}
	rec := l.get(key)
	if rec == nil {
		return errors.Wrapf(types.ErrInconsistentState,
			"debit on missing record user %d %s", userID, symbol)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.asset.Frozen.LT(amount) {
		return errors.Wrapf(types.ErrInconsistentState,
			"user %d %s: debit %s exceeds frozen %s", userID, symbol, amount, rec.asset.Frozen)
	}
	rec.asset.Frozen = rec.asset.Frozen.Sub(amount)
	rec.asset.UpdatedAt = time.Now()
	l.notify(rec)
	return nil
}

// Credit adds amount to available. Always succeeds for positive amounts.
func (l *Ledger) Credit(userID int64, symbol string, amount math.LegacyDec) error {
	if !amount.IsPositive() {
		if amount.IsZero() {
			return nil
		}
		return errors.Wrapf(types.ErrInvalidQuantity, "credit amount %s", amount)
	}
	key := Key{UserID: userID, Symbol: symbol}
	rec := l.getOrCreate(key)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.asset.Available = rec.asset.Available.Add(amount)
	rec.asset.UpdatedAt = time.Now()
	l.notify(rec)
	return nil
}

// HasAvailable reports whether at least amount is available.
func (l *Ledger) HasAvailable(userID int64, symbol string, amount math.LegacyDec) bool {
	rec := l.get(Key{UserID: userID, Symbol: symbol})
	if rec == nil {
		return !amount.IsPositive()
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.asset.Available.GTE(amount)
}

// Get returns a snapshot of the balance record, or nil if absent.
func (l *Ledger) Get(userID int64, symbol string) *types.Asset {
	rec := l.get(Key{UserID: userID, Symbol: symbol})
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	snap := rec.asset
	return &snap
}

// ListByUser returns snapshots of all balance records for a user,
// sorted by symbol for deterministic output.
func (l *Ledger) ListByUser(userID int64) []*types.Asset {
	l.mu.RLock()
	keys := make([]Key, 0)
	for k := range l.records {
		if k.UserID == userID {
			keys = append(keys, k)
		}
	}
	l.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	out := make([]*types.Asset, 0, len(keys))
	for _, k := range keys {
		if snap := l.Get(k.UserID, k.Symbol); snap != nil {
			out = append(out, snap)
		}
	}
	return out
}

// InitializeUserAssets upserts starting balances for a user. The call
// is idempotent: applying the same balances twice leaves state
// unchanged. Used for onboarding and seeding market-maker accounts.
func (l *Ledger) InitializeUserAssets(userID int64, balances map[string]math.LegacyDec) {
	symbols := make([]string, 0, len(balances))
	for sym := range balances {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		amount := balances[sym]
		if amount.IsNegative() {
			l.logger.Error("skipping negative initial balance", "user", userID, "symbol", sym, "amount", amount)
			continue
		}
		key := Key{UserID: userID, Symbol: sym}
		rec := l.getOrCreate(key)

		rec.mu.Lock()
		if !rec.asset.Available.Equal(amount) {
			rec.asset.Available = amount
			rec.asset.UpdatedAt = time.Now()
			l.notify(rec)
		}
		rec.mu.Unlock()
	}
}

// Load installs a recovered balance record, replacing any existing one.
// Only the recovery path may call this, before traffic is accepted.
func (l *Ledger) Load(asset *types.Asset) {
	key := Key{UserID: asset.UserID, Symbol: asset.Symbol}
	rec := l.getOrCreate(key)
	rec.mu.Lock()
	rec.asset = *asset
	rec.mu.Unlock()
}

// TotalSupply returns the sum of available+frozen over all users for a
// symbol. Balance conservation checks in tests rely on it.
func (l *Ledger) TotalSupply(symbol string) math.LegacyDec {
	l.mu.RLock()
	keys := make([]Key, 0)
	for k := range l.records {
		if k.Symbol == symbol {
			keys = append(keys, k)
		}
	}
	l.mu.RUnlock()

	total := math.LegacyZeroDec()
	for _, k := range keys {
		if snap := l.Get(k.UserID, k.Symbol); snap != nil {
			total = total.Add(snap.Total())
		}
	}
	return total
}
