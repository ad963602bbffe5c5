package currency_test

import (
	"Coffer/internal/currency"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCurrency(t *testing.T, d currency.Data) *currency.Currency {
	t.Helper()
	c, err := currency.Validate(d)
	require.NoError(t, err)
	return c
}

// ============================================================================
// Test: Validate / Sanitize
// ============================================================================

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"Gold":                  "gold",
		"gold coins!":           "goldcoins",
		"a_b-c":                 "a_bc",
		"abcdefghijklmnopqrstu": "abcdefghijklmnop",
		"$$$":                   "",
	}
	for in, want := range cases {
		if got := currency.Sanitize(in); got != want {
			t.Errorf("Sanitize(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeCommand_LettersOnly(t *testing.T) {
	if got := currency.SanitizeCommand("Gem_s2"); got != "gems" {
		t.Errorf("got %q, want %q", got, "gems")
	}
}

func TestValidate_Defaults(t *testing.T) {
	c := mustCurrency(t, currency.Data{ID: "Gems", CommandAliases: []string{"G3m", "", "123"}})

	assert.Equal(t, "gems", c.ID)
	assert.Equal(t, currency.DefaultFormat, c.Format)
	assert.Equal(t, "gems", c.Singular)
	assert.Equal(t, "gems", c.Plural)
	assert.Equal(t, "gems", c.CommandPrefix)
	assert.Equal(t, []string{"gm"}, c.CommandAliases)
	assert.Equal(t, int32(0), c.Scale())
}

func TestValidate_RejectsEmptyAndReserved(t *testing.T) {
	_, err := currency.Validate(currency.Data{ID: "!!"})
	assert.ErrorIs(t, err, currency.ErrInvalidCurrency)

	_, err = currency.Validate(currency.Data{ID: "Account_Name"})
	assert.ErrorIs(t, err, currency.ErrInvalidCurrency)
}

// ============================================================================
// Test: Catalog
// ============================================================================

func TestCatalog_RegisterLookupOrder(t *testing.T) {
	cat := currency.NewCatalog()
	gold := mustCurrency(t, currency.Data{ID: "gold", Decimal: true})
	gems := mustCurrency(t, currency.Data{ID: "gems"})

	require.True(t, cat.Register(gold))
	require.True(t, cat.Register(gems))

	got, ok := cat.Lookup("GOLD")
	require.True(t, ok)
	assert.Same(t, gold, got)

	_, ok = cat.Lookup("")
	assert.False(t, ok)

	all := cat.All()
	require.Len(t, all, 2)
	assert.Equal(t, "gold", all[0].ID)
	assert.Equal(t, "gems", all[1].ID)
}

func TestCatalog_DuplicateRejected(t *testing.T) {
	cat := currency.NewCatalog()
	require.True(t, cat.Register(mustCurrency(t, currency.Data{ID: "gold"})))
	assert.False(t, cat.Register(mustCurrency(t, currency.Data{ID: "Gold"})))
	assert.Equal(t, 1, cat.Len())
}

func TestCatalog_LockRejectsRegisterAndPicksFirstPrimary(t *testing.T) {
	cat := currency.NewCatalog()
	n := cat.RegisterAll([]*currency.Currency{
		mustCurrency(t, currency.Data{ID: "gems"}),
		mustCurrency(t, currency.Data{ID: "gold", Primary: true}),
		mustCurrency(t, currency.Data{ID: "tokens", Primary: true}),
	})
	require.Equal(t, 3, n)

	_, ok := cat.Primary()
	assert.False(t, ok, "primary is unknown before Lock")

	cat.Lock()
	assert.True(t, cat.Locked())

	p, ok := cat.Primary()
	require.True(t, ok)
	assert.Equal(t, "gold", p.ID)

	assert.False(t, cat.Register(mustCurrency(t, currency.Data{ID: "shards"})))
	assert.Equal(t, 3, cat.Len())
}

func TestCatalog_NoPrimary(t *testing.T) {
	cat := currency.NewCatalog()
	cat.Register(mustCurrency(t, currency.Data{ID: "gems"}))
	cat.Lock()

	_, ok := cat.Primary()
	assert.False(t, ok)
}

func TestCatalog_ConcurrentReadsAfterLock(t *testing.T) {
	cat := currency.NewCatalog()
	cat.Register(mustCurrency(t, currency.Data{ID: "gold"}))
	cat.Lock()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, ok := cat.Lookup("gold"); !ok {
					t.Error("lookup failed")
					return
				}
			}
		}()
	}
	wg.Wait()
}

// ============================================================================
// Test: Parse / Format
// ============================================================================

func TestParse(t *testing.T) {
	gold := mustCurrency(t, currency.Data{ID: "gold", Decimal: true})
	gems := mustCurrency(t, currency.Data{ID: "gems"})

	cases := []struct {
		c    *currency.Currency
		in   string
		want string
	}{
		{gold, "12.5", "12.5"},
		{gold, "1,234.567", "1234.56"},
		{gold, ".75", "0.75"},
		{gold, "+3", "3"},
		{gems, "3.7", "3"},
		{gems, "10", "10"},
	}
	for _, tc := range cases {
		got, err := currency.Parse(tc.c, tc.in)
		require.NoError(t, err, tc.in)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("Parse(%s, %q): got %s, want %s", tc.c.ID, tc.in, got, tc.want)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	gold := mustCurrency(t, currency.Data{ID: "gold", Decimal: true})
	for _, in := range []string{"", "-1", "abc", "1e5", "1.2.3", "."} {
		_, err := currency.Parse(gold, in)
		assert.ErrorIs(t, err, currency.ErrInvalidAmount, in)
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[string]string{
		"0":          "0",
		"5.00":       "5",
		"1234.5":     "1,234.5",
		"1234567.89": "1,234,567.89",
		"12.349":     "12.34",
		"999":        "999",
		"100000":     "100,000",
	}
	for in, want := range cases {
		if got := currency.FormatAmount(decimal.RequireFromString(in)); got != want {
			t.Errorf("FormatAmount(%s): got %q, want %q", in, got, want)
		}
	}
}

func TestFormat_SingularPlural(t *testing.T) {
	gold := mustCurrency(t, currency.Data{
		ID:       "gold",
		Format:   "<amount> <currency>!",
		Singular: "<yellow>Coin</yellow>",
		Plural:   "<yellow>Coins</yellow>",
		Decimal:  true,
	})

	assert.Equal(t, "1 <yellow>Coin</yellow>!", currency.Format(gold, decimal.NewFromInt(1)))
	assert.Equal(t, "0.5 Coin!", currency.FormatPlain(gold, decimal.RequireFromString("0.5")))
	assert.Equal(t, "1,500 Coins!", currency.FormatPlain(gold, decimal.NewFromInt(1500)))
}

// ============================================================================
// Test: Loader
// ============================================================================

func TestLoader_LoadsValidSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("a_gold.yml", "id: Gold\ndecimal: true\nprimary: true\n")
	write("b_gems.json", `{"id": "gems", "singular": "Gem", "plural": "Gems"}`)
	write("c_broken.yml", "id: [unclosed\n")
	write("d_empty.yaml", "id: '!!!'\n")
	write("notes.txt", "id: ignored\n")

	cat := currency.NewCatalog()
	require.NoError(t, currency.NewLoader(dir, zerolog.Nop()).LoadInto(cat))

	assert.True(t, cat.Locked())
	ids := []string{}
	for _, c := range cat.All() {
		ids = append(ids, c.ID)
	}
	// example.yml is written on first load and defines "coins".
	assert.Equal(t, []string{"gold", "gems", "coins"}, ids)

	p, ok := cat.Primary()
	require.True(t, ok)
	assert.Equal(t, "gold", p.ID)

	_, err := os.Stat(filepath.Join(dir, currency.ExampleFile))
	assert.NoError(t, err)
}

func TestLoader_CreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "currencies")

	curs, err := currency.NewLoader(dir, zerolog.Nop()).Load()
	require.NoError(t, err)
	require.Len(t, curs, 1)
	assert.Equal(t, "coins", curs[0].ID)
	assert.True(t, curs[0].Decimal)
	assert.Equal(t, []string{"money", "bal"}, curs[0].CommandAliases)
}
