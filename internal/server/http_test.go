package server_test

import (
	"Coffer/internal/currency"
	"Coffer/internal/leaderboard"
	"Coffer/internal/observability"
	"Coffer/internal/persistence"
	"Coffer/internal/registry"
	"Coffer/internal/server"
	"Coffer/internal/testutil"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	gold   *currency.Currency
	store  *persistence.SQLStore
	buffer *persistence.WriteBuffer
	reg    *registry.Registry
	health *observability.HealthChecker
	srv    *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gold := testutil.Currency(t, "gold", true)
	gems := testutil.Currency(t, "gems", false)
	cat := currency.NewCatalog()
	cat.RegisterAll([]*currency.Currency{gold, gems})
	cat.Lock()

	store := testutil.SetupSQLite(t, gold, gems)
	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)
	buf := persistence.NewWriteBuffer(store, zerolog.Nop(), metrics)
	reg := registry.New(store, buf, registry.DefaultOptions(), zerolog.Nop(), metrics)
	lb := leaderboard.New(store, time.Minute, zerolog.Nop(), metrics, leaderboard.WithFlusher(buf))
	health := observability.NewHealthChecker()

	s := server.New(":0", server.Deps{
		Catalog:     cat,
		Registry:    reg,
		Leaderboard: lb,
		Buffer:      buf,
		Health:      health,
		Metrics:     metrics,
		Gatherer:    promReg,
		Logger:      zerolog.Nop(),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &env{gold: gold, store: store, buffer: buf, reg: reg, health: health, srv: srv}
}

func (e *env) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type accountBody struct {
	ID       string `json:"account_id"`
	Name     string `json:"name"`
	Online   bool   `json:"online"`
	Balances map[string]struct {
		Amount    decimal.Decimal `json:"amount"`
		Formatted string          `json:"formatted"`
	} `json:"balances"`
}

type sessionBody struct {
	Status  string      `json:"status"`
	Account accountBody `json:"account"`
}

type opBody struct {
	Amount    decimal.Decimal `json:"amount"`
	Formatted string          `json:"formatted"`
	Currency  string          `json:"currency"`
}

// ============================================================================
// Test: sessions and balances
// ============================================================================

func TestHTTP_SessionLifecycle(t *testing.T) {
	e := newEnv(t)
	id := uuid.New()

	resp := e.do(t, http.MethodPut, "/v1/sessions/"+id.String(), `{"name":"alice"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	started := decode[sessionBody](t, resp)
	assert.Equal(t, "online", started.Status)
	assert.True(t, started.Account.Online)
	assert.Equal(t, 1, e.reg.OnlineCount())

	resp = e.do(t, http.MethodPost, "/v1/accounts/"+id.String()+"/balances/gold/add", `{"amount":"1,250.759"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	op := decode[opBody](t, resp)
	assert.True(t, op.Amount.Equal(decimal.RequireFromString("1250.75")))
	assert.Equal(t, "1,250.75 gold", op.Formatted)
	assert.Equal(t, "gold", op.Currency)

	resp = e.do(t, http.MethodPost, "/v1/accounts/"+id.String()+"/balances/GOLD/subtract", `{"amount":"2000"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	op = decode[opBody](t, resp)
	assert.True(t, op.Amount.IsZero(), "subtract clamps at zero")

	resp = e.do(t, http.MethodPost, "/v1/accounts/"+id.String()+"/balances/gems/set", `{"amount":"3.7"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodDelete, "/v1/sessions/"+id.String(), "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, e.reg.OnlineCount())

	stored, err := e.store.LoadAccount(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "alice", stored.Name())
	assert.True(t, stored.Balance(e.gold).IsZero())

	resp = e.do(t, http.MethodGet, "/v1/accounts/"+id.String(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acct := decode[accountBody](t, resp)
	assert.False(t, acct.Online)
	assert.True(t, acct.Balances["gems"].Amount.Equal(decimal.NewFromInt(3)))
}

func TestHTTP_BadRequests(t *testing.T) {
	e := newEnv(t)
	id := uuid.New()
	_, err := e.reg.Join(context.Background(), id, "bob")
	require.NoError(t, err)

	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"bad uuid", http.MethodGet, "/v1/accounts/nope", "", http.StatusBadRequest},
		{"unknown account", http.MethodGet, "/v1/accounts/" + uuid.NewString(), "", http.StatusNotFound},
		{"unknown currency", http.MethodPost, "/v1/accounts/" + id.String() + "/balances/silver/add", `{"amount":"1"}`, http.StatusNotFound},
		{"negative amount", http.MethodPost, "/v1/accounts/" + id.String() + "/balances/gold/add", `{"amount":"-1"}`, http.StatusBadRequest},
		{"garbage amount", http.MethodPost, "/v1/accounts/" + id.String() + "/balances/gold/add", `{"amount":"12abc"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/v1/accounts/" + id.String() + "/balances/gold/add", `{`, http.StatusBadRequest},
		{"unknown op", http.MethodPost, "/v1/accounts/" + id.String() + "/balances/gold/multiply", `{"amount":"1"}`, http.StatusNotFound},
		{"no route", http.MethodGet, "/v2/anything", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.do(t, tc.method, tc.path, tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("got %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestHTTP_AccountByName(t *testing.T) {
	e := newEnv(t)
	_, err := e.reg.Join(context.Background(), uuid.New(), "Carol")
	require.NoError(t, err)

	resp := e.do(t, http.MethodGet, "/v1/accounts/by-name/carol", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Carol", decode[accountBody](t, resp).Name)

	resp = e.do(t, http.MethodGet, "/v1/accounts/by-name/nobody", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ============================================================================
// Test: leaderboard and admin
// ============================================================================

func TestHTTP_Leaderboard(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i, bal := range []int64{10, 30, 20} {
		a, err := e.reg.CreateOrLoad(ctx, uuid.New(), string(rune('a'+i)))
		require.NoError(t, err)
		_, err = a.Set(e.gold, decimal.NewFromInt(bal))
		require.NoError(t, err)
	}

	resp := e.do(t, http.MethodGet, "/v1/leaderboard/gold?page=0", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Currency string `json:"currency"`
		Page     int    `json:"page"`
		Pages    int    `json:"pages"`
		Entries  []struct {
			Rank int    `json:"rank"`
			Name string `json:"name"`
		} `json:"entries"`
	}](t, resp)

	assert.Equal(t, 1, body.Page)
	assert.Equal(t, 1, body.Pages)
	require.Len(t, body.Entries, 3)
	assert.Equal(t, "b", body.Entries[0].Name)
	assert.Equal(t, "c", body.Entries[1].Name)
	assert.Equal(t, 3, body.Entries[2].Rank)

	resp = e.do(t, http.MethodGet, "/v1/leaderboard/gold?page=x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = e.do(t, http.MethodGet, "/v1/leaderboard/silver", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_AdminFlush(t *testing.T) {
	e := newEnv(t)
	a, err := e.reg.CreateOrLoad(context.Background(), uuid.New(), "dave")
	require.NoError(t, err)
	_, err = a.Add(e.gold, decimal.NewFromInt(5))
	require.NoError(t, err)

	resp := e.do(t, http.MethodPost, "/v1/admin/flush", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[struct {
		Saved  int `json:"saved"`
		Failed int `json:"failed"`
	}](t, resp)
	assert.Equal(t, 1, got.Saved)
	assert.Equal(t, 0, e.buffer.Len())
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	e.health.SetReady(true)
	resp = e.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	e.do(t, http.MethodGet, "/v1/currencies", "")
	resp = e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `coffer_http_requests_total{route="/v1/currencies",status="200"} 1`)
	assert.Contains(t, string(raw), "coffer_online_accounts")
}
