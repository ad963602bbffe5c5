package server

import (
	"Coffer/internal/currency"
	"Coffer/internal/leaderboard"
	"Coffer/internal/ledger"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type currencyView struct {
	ID       string `json:"id"`
	Format   string `json:"format"`
	Singular string `json:"singular"`
	Plural   string `json:"plural"`
	Decimal  bool   `json:"decimal"`
	Primary  bool   `json:"primary"`
}

type balanceView struct {
	Amount    decimal.Decimal `json:"amount"`
	Formatted string          `json:"formatted"`
}

type accountView struct {
	ID       uuid.UUID              `json:"account_id"`
	Name     string                 `json:"name"`
	Online   bool                   `json:"online"`
	Balances map[string]balanceView `json:"balances"`
}

type sessionRequest struct {
	Name string `json:"name"`
}

type sessionResponse struct {
	Status  string       `json:"status"`
	Account *accountView `json:"account,omitempty"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type balanceOpResponse struct {
	AccountID uuid.UUID `json:"account_id"`
	Currency  string    `json:"currency"`
	balanceView
}

type leaderboardResponse struct {
	Currency string              `json:"currency"`
	Page     int                 `json:"page"`
	Pages    int                 `json:"pages"`
	Entries  []leaderboard.Entry `json:"entries"`
}

type flushResponse struct {
	Saved  int `json:"saved"`
	Failed int `json:"failed"`
}

func (s *Server) handleCurrencies(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Catalog.All()
	out := make([]currencyView, 0, len(all))
	for _, c := range all {
		out = append(out, currencyView{
			ID:       c.ID,
			Format:   c.Format,
			Singular: c.Singular,
			Plural:   c.Plural,
			Decimal:  c.Decimal,
			Primary:  c.Primary,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSessionStart runs the login gate. When the account cannot be
// loaded in time the session is accepted without data; the load finishes
// in the background and a repeated call registers the account.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req sessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	a, loaded := s.deps.Registry.Preload(r.Context(), id, req.Name, s.deps.LoginTimeout)
	if !loaded {
		writeJSON(w, http.StatusAccepted, sessionResponse{Status: "loading"})
		return
	}

	s.deps.Registry.Register(a)
	if online, ok := s.deps.Registry.Online(id); ok {
		a = online
	}
	view := s.view(a)
	writeJSON(w, http.StatusOK, sessionResponse{Status: "online", Account: &view})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	if !s.deps.Registry.Unregister(r.Context(), id) {
		writeError(w, http.StatusInternalServerError, "save_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Registry.Account(r.Context(), id)
	if err != nil {
		s.deps.Logger.Error().Err(err).Str("account", id.String()).Msg("account lookup failed")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable")
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "account_not_found")
		return
	}
	writeJSON(w, http.StatusOK, s.view(a))
}

func (s *Server) handleAccountByName(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	a, err := s.deps.Registry.AccountByName(r.Context(), name)
	if err != nil {
		s.deps.Logger.Error().Err(err).Str("name", name).Msg("account lookup failed")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable")
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "account_not_found")
		return
	}
	writeJSON(w, http.StatusOK, s.view(a))
}

func (s *Server) handleBalanceOp(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	c, ok := s.deps.Catalog.Lookup(chi.URLParam(r, "currency"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_currency")
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	amount, err := currency.Parse(c, req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}

	a, err := s.deps.Registry.Account(r.Context(), id)
	if err != nil {
		s.deps.Logger.Error().Err(err).Str("account", id.String()).Msg("account lookup failed")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable")
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "account_not_found")
		return
	}

	var result decimal.Decimal
	switch chi.URLParam(r, "op") {
	case "set":
		result, err = a.Set(c, amount)
	case "add":
		result, err = a.Add(c, amount)
	case "subtract":
		result, err = a.Subtract(c, amount)
	default:
		writeError(w, http.StatusNotFound, "unknown_operation")
		return
	}
	if errors.Is(err, ledger.ErrNegativeAmount) {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, balanceOpResponse{
		AccountID:   id,
		Currency:    c.ID,
		balanceView: balanceView{Amount: result, Formatted: currency.FormatPlain(c, result)},
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	c, ok := s.deps.Catalog.Lookup(chi.URLParam(r, "currency"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_currency")
		return
	}

	page := 1
	if v := r.URL.Query().Get("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_page")
			return
		}
		page = p
	}
	page = leaderboard.ClampPage(page)

	res, err := s.deps.Leaderboard.Top(r.Context(), c)
	if err != nil {
		s.deps.Logger.Error().Err(err).Str("currency", c.ID).Msg("leaderboard failed")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable")
		return
	}
	entries, err := s.deps.Leaderboard.Page(r.Context(), c, page)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable")
		return
	}

	writeJSON(w, http.StatusOK, leaderboardResponse{
		Currency: c.ID,
		Page:     page,
		Pages:    res.Pages(),
		Entries:  entries,
	})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	saved, failed := s.deps.Buffer.Flush(r.Context())
	writeJSON(w, http.StatusOK, flushResponse{Saved: saved, Failed: failed})
}

func (s *Server) handleSaveAll(w http.ResponseWriter, r *http.Request) {
	saved, failed := s.deps.Registry.SaveAll(r.Context())
	writeJSON(w, http.StatusOK, flushResponse{Saved: saved, Failed: failed})
}

func (s *Server) view(a *ledger.Account) accountView {
	_, online := s.deps.Registry.Online(a.ID())
	v := accountView{
		ID:       a.ID(),
		Name:     a.Name(),
		Online:   online,
		Balances: make(map[string]balanceView),
	}
	for _, c := range s.deps.Catalog.All() {
		bal := a.Balance(c)
		v.Balances[c.ID] = balanceView{Amount: bal, Formatted: currency.FormatPlain(c, bal)}
	}
	return v
}

func accountID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_account_id")
		return uuid.Nil, false
	}
	return id, true
}
