package ledger_test

import (
	"Coffer/internal/currency"
	"Coffer/internal/ledger"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	gold = &currency.Currency{ID: "gold", Decimal: true}
	gems = &currency.Currency{ID: "gems"}
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type countingTracker struct {
	mu    sync.Mutex
	calls int
}

func (c *countingTracker) MarkDirty(*ledger.Account) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

// ============================================================================
// Test: Account balances
// ============================================================================

func TestAccount_InitialBalanceZero(t *testing.T) {
	a := ledger.NewAccount(uuid.New(), "alice", nil)

	if !a.Balance(gold).IsZero() {
		t.Errorf("initial balance should be 0, got %s", a.Balance(gold))
	}
	assert.Empty(t, a.Snapshot())
}

func TestAccount_LoadedBalances(t *testing.T) {
	a := ledger.NewAccount(uuid.New(), "alice", map[string]decimal.Decimal{"gold": dec("12.50")})

	assert.True(t, a.Balance(gold).Equal(dec("12.5")))
	assert.True(t, a.Has(gold, dec("12.5")))
	assert.False(t, a.Has(gold, dec("12.51")))
}

func TestAccount_AddSubtractRoundTrip(t *testing.T) {
	a := ledger.NewAccount(uuid.New(), "alice", map[string]decimal.Decimal{"gold": dec("40.25")})

	_, err := a.Add(gold, dec("9.99"))
	require.NoError(t, err)
	v, err := a.Subtract(gold, dec("9.99"))
	require.NoError(t, err)

	if !v.Equal(dec("40.25")) {
		t.Errorf("got %s, want 40.25", v)
	}
}

func TestAccount_SubtractClampsAtZero(t *testing.T) {
	a := ledger.NewAccount(uuid.New(), "alice", map[string]decimal.Decimal{"gold": dec("10")})

	v, err := a.Subtract(gold, dec("25"))
	require.NoError(t, err)
	assert.True(t, v.IsZero(), "got %s", v)
	assert.True(t, a.Balance(gold).IsZero())
}

func TestAccount_AddSaturatesAtMax(t *testing.T) {
	a := ledger.NewAccount(uuid.New(), "alice", nil)

	_, err := a.Set(gold, dec("9999999999"))
	require.NoError(t, err)
	v, err := a.Add(gold, dec("5"))
	require.NoError(t, err)
	assert.True(t, v.Equal(ledger.MaxBalance), "got %s", v)
}

func TestAccount_NegativeAmountsRejected(t *testing.T) {
	a := ledger.NewAccount(uuid.New(), "alice", map[string]decimal.Decimal{"gold": dec("5")})
	tr := &countingTracker{}
	a.Track(tr)

	_, err := a.Set(gold, dec("-1"))
	assert.ErrorIs(t, err, ledger.ErrNegativeAmount)
	_, err = a.Add(gold, dec("-1"))
	assert.ErrorIs(t, err, ledger.ErrNegativeAmount)
	_, err = a.Subtract(gold, dec("-1"))
	assert.ErrorIs(t, err, ledger.ErrNegativeAmount)

	assert.True(t, a.Balance(gold).Equal(dec("5")))
	assert.Equal(t, 0, tr.calls)
}

func TestAccount_ScaleTruncation(t *testing.T) {
	a := ledger.NewAccount(uuid.New(), "alice", nil)

	v, _ := a.Set(gold, dec("1.239"))
	assert.True(t, v.Equal(dec("1.23")), "gold: got %s", v)

	v, _ = a.Add(gems, dec("3.7"))
	assert.True(t, v.Equal(dec("3")), "gems: got %s", v)
}

func TestAccount_CurrenciesIndependent(t *testing.T) {
	a := ledger.NewAccount(uuid.New(), "alice", nil)
	a.Add(gold, dec("10"))
	a.Add(gems, dec("4"))

	snap := a.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap["gold"].Equal(dec("10")))
	assert.True(t, snap["gems"].Equal(dec("4")))
}

func TestAccount_MutationsMarkDirty(t *testing.T) {
	a := ledger.NewAccount(uuid.New(), "alice", nil)
	tr := &countingTracker{}
	a.Track(tr)

	a.Set(gold, dec("1"))
	a.Add(gold, dec("1"))
	a.Subtract(gold, dec("1"))
	assert.Equal(t, 3, tr.calls)

	assert.False(t, a.Rename("alice"))
	assert.True(t, a.Rename("Alice"))
	assert.Equal(t, "Alice", a.Name())
	assert.Equal(t, 4, tr.calls)

	a.Track(nil)
	a.Add(gold, dec("1"))
	assert.Equal(t, 4, tr.calls)
}

func TestAccount_ConcurrentAddsLoseNothing(t *testing.T) {
	a := ledger.NewAccount(uuid.New(), "alice", nil)

	const workers, perWorker = 16, 250
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				a.Add(gold, dec("0.01"))
			}
		}()
	}
	wg.Wait()

	want := dec("40")
	if got := a.Balance(gold); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestAccount_ConcurrentMixedStaysNonNegative(t *testing.T) {
	a := ledger.NewAccount(uuid.New(), "alice", map[string]decimal.Decimal{"gems": dec("50")})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Subtract(gems, dec("3"))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Add(gems, dec("1"))
			}
		}()
	}
	wg.Wait()

	assert.False(t, a.Balance(gems).IsNegative())
}
