package ledger

import (
	"Coffer/internal/currency"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNegativeAmount = errors.New("amount must not be negative")

// MaxBalance is the largest value a DECIMAL(12,2) balance column can hold.
var MaxBalance = decimal.RequireFromString("9999999999.99")

// Tracker is told about every balance mutation so the new state can be
// written to durable storage later.
type Tracker interface {
	MarkDirty(a *Account)
}

type trackerRef struct {
	t Tracker
}

// Account is the in-memory, authoritative copy of one account's balances.
// Balances are stored per currency in independent atomic cells, so
// concurrent mutations of the same account never take a lock.
type Account struct {
	id       uuid.UUID
	name     atomic.Pointer[string]
	balances sync.Map // currency id -> *atomic.Pointer[decimal.Decimal]
	tracker  atomic.Pointer[trackerRef]
}

// NewAccount builds an account from persisted state. Balances are taken as
// stored and do not mark the account dirty.
func NewAccount(id uuid.UUID, name string, balances map[string]decimal.Decimal) *Account {
	a := &Account{id: id}
	a.name.Store(&name)
	for cur, v := range balances {
		a.cell(cur).Store(&v)
	}
	return a
}

func (a *Account) ID() uuid.UUID {
	return a.id
}

func (a *Account) Name() string {
	return *a.name.Load()
}

// Rename replaces the display name and reports whether it changed.
// A changed name marks the account dirty.
func (a *Account) Rename(name string) bool {
	old := a.name.Swap(&name)
	if *old == name {
		return false
	}
	a.markDirty()
	return true
}

// Track attaches the tracker notified on every mutation. A nil tracker
// detaches.
func (a *Account) Track(t Tracker) {
	if t == nil {
		a.tracker.Store(nil)
		return
	}
	a.tracker.Store(&trackerRef{t: t})
}

// Balance returns the balance held in c, zero if never set.
func (a *Account) Balance(c *currency.Currency) decimal.Decimal {
	return a.load(c.ID)
}

// Has reports whether the balance in c is at least amount.
func (a *Account) Has(c *currency.Currency, amount decimal.Decimal) bool {
	return a.load(c.ID).GreaterThanOrEqual(amount)
}

// Set overwrites the balance in c and returns the stored value.
func (a *Account) Set(c *currency.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("set %s: %w", c.ID, ErrNegativeAmount)
	}
	v := clamp(amount.Truncate(c.Scale()))
	a.cell(c.ID).Store(&v)
	a.markDirty()
	return v, nil
}

// Add credits amount to c, saturating at MaxBalance, and returns the new balance.
func (a *Account) Add(c *currency.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("add %s: %w", c.ID, ErrNegativeAmount)
	}
	delta := amount.Truncate(c.Scale())
	v := a.update(c.ID, func(old decimal.Decimal) decimal.Decimal {
		return clamp(old.Add(delta))
	})
	a.markDirty()
	return v, nil
}

// Subtract debits amount from c, clamping at zero, and returns the new balance.
func (a *Account) Subtract(c *currency.Currency, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("subtract %s: %w", c.ID, ErrNegativeAmount)
	}
	delta := amount.Truncate(c.Scale())
	v := a.update(c.ID, func(old decimal.Decimal) decimal.Decimal {
		return clamp(old.Sub(delta))
	})
	a.markDirty()
	return v, nil
}

// Snapshot copies every balance the account holds. Each currency is read
// atomically; currencies are not read as a group.
func (a *Account) Snapshot() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	a.balances.Range(func(k, v any) bool {
		out[k.(string)] = *v.(*atomic.Pointer[decimal.Decimal]).Load()
		return true
	})
	return out
}

func (a *Account) update(cur string, fn func(decimal.Decimal) decimal.Decimal) decimal.Decimal {
	cell := a.cell(cur)
	for {
		old := cell.Load()
		next := fn(*old)
		if cell.CompareAndSwap(old, &next) {
			return next
		}
	}
}

func (a *Account) load(cur string) decimal.Decimal {
	v, ok := a.balances.Load(cur)
	if !ok {
		return decimal.Zero
	}
	return *v.(*atomic.Pointer[decimal.Decimal]).Load()
}

func (a *Account) cell(cur string) *atomic.Pointer[decimal.Decimal] {
	if v, ok := a.balances.Load(cur); ok {
		return v.(*atomic.Pointer[decimal.Decimal])
	}
	fresh := &atomic.Pointer[decimal.Decimal]{}
	zero := decimal.Zero
	fresh.Store(&zero)
	v, _ := a.balances.LoadOrStore(cur, fresh)
	return v.(*atomic.Pointer[decimal.Decimal])
}

func (a *Account) markDirty() {
	if ref := a.tracker.Load(); ref != nil {
		ref.t.MarkDirty(a)
	}
}

func clamp(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(MaxBalance) {
		return MaxBalance
	}
	return v
}

// RankedBalance is one row of a top-balances query.
type RankedBalance struct {
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}
