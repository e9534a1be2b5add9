// Package api is the thin HTTP boundary over the engine. Request parsing and
// principal extraction happen here; every business decision, including
// capability checks, lives in the services.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/allocation-ledger/internal/allocation"
	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledger"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
	"github.com/sheikh-saqib/allocation-ledger/internal/reconcile"
)

type API struct {
	accounts *ledger.AccountService
	txlog    *ledger.TransactionLog
	engine   *allocation.Engine
	recon    *reconcile.Service
	log      zerolog.Logger
}

func New(accounts *ledger.AccountService, txlog *ledger.TransactionLog, engine *allocation.Engine, recon *reconcile.Service, log zerolog.Logger) *API {
	return &API{
		accounts: accounts,
		txlog:    txlog,
		engine:   engine,
		recon:    recon,
		log:      log,
	}
}

// Handler builds the route table wrapped in logging and panic recovery.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /health/summary", a.handleHealthSummary)

	mux.HandleFunc("POST /accounts", a.handleCreateAccount)
	mux.HandleFunc("GET /accounts", a.handleListAccounts)
	mux.HandleFunc("GET /accounts/balance", a.handleGetBalance)
	mux.HandleFunc("POST /accounts/{id}/disable", a.handleDisableAccount)
	mux.HandleFunc("POST /accounts/{id}/enable", a.handleEnableAccount)

	mux.HandleFunc("POST /transactions", a.handleCreateTransaction)
	mux.HandleFunc("GET /transactions", a.handleListTransactions)
	mux.HandleFunc("GET /transactions/{id}", a.handleGetTransaction)
	mux.HandleFunc("POST /transactions/{id}/complete", a.handleCompleteTransaction)
	mux.HandleFunc("POST /transactions/{id}/fail", a.handleFailTransaction)
	mux.HandleFunc("POST /transactions/{id}/reverse", a.handleReverseTransaction)
	mux.HandleFunc("POST /transactions/{id}/allocate", a.handleRetryAllocation)

	mux.HandleFunc("POST /rules", a.handleCreateRule)
	mux.HandleFunc("GET /rules", a.handleListRules)
	mux.HandleFunc("GET /rules/{id}", a.handleGetRule)
	mux.HandleFunc("PUT /rules/{id}", a.handleUpdateRule)
	mux.HandleFunc("DELETE /rules/{id}", a.handleDeleteRule)

	mux.HandleFunc("POST /reconciliations", a.handleReconcile)
	mux.HandleFunc("GET /reconciliations", a.handleListOpenReconciliations)
	mux.HandleFunc("GET /reconciliations/{id}", a.handleGetReconciliation)
	mux.HandleFunc("POST /reconciliations/{id}/resolve", a.handleResolveReconciliation)

	return Recover(a.log, RequestLogging(a.log, mux))
}

// principalFrom reads the identity established by the upstream auth layer.
func principalFrom(r *http.Request) models.Principal {
	p := models.Principal{
		ID:         r.Header.Get("X-Principal-ID"),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	if roles := r.Header.Get("X-Principal-Roles"); roles != "" {
		for _, role := range strings.Split(roles, ",") {
			p.Roles = append(p.Roles, strings.TrimSpace(role))
		}
	}
	return p
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleHealthSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.txlog.Summary(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- accounts ---

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string             `json:"name"`
		Type     models.AccountType `json:"type"`
		Currency string             `json:"currency"`
		Metadata map[string]string  `json:"metadata"`
	}
	if !decode(w, r, &req) {
		return
	}
	account, err := a.accounts.Create(r.Context(), principalFrom(r), ledger.CreateAccountRequest{
		Name:     req.Name,
		Type:     req.Type,
		Currency: req.Currency,
		Metadata: req.Metadata,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.accounts.List(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (a *API) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		a.writeError(w, ledgererr.Validation("account_id is a mandatory field"))
		return
	}
	balance, err := a.accounts.GetBalance(r.Context(), accountID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		AccountID string          `json:"account_id"`
		Balance   decimal.Decimal `json:"balance"`
	}{accountID, balance})
}

func (a *API) handleDisableAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.accounts.Disable(r.Context(), principalFrom(r), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (a *API) handleEnableAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.accounts.Enable(r.Context(), principalFrom(r), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

// --- transactions ---

func (a *API) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type        models.TransactionType `json:"type"`
		Amount      decimal.Decimal        `json:"amount"`
		Currency    string                 `json:"currency"`
		AccountID   string                 `json:"account_id"`
		Description string                 `json:"description"`
		Metadata    map[string]string      `json:"metadata"`
	}
	if !decode(w, r, &req) {
		return
	}
	tx, replayed, err := a.txlog.Create(r.Context(), principalFrom(r), ledger.CreateTransactionRequest{
		Type:           req.Type,
		Amount:         req.Amount,
		Currency:       req.Currency,
		AccountID:      req.AccountID,
		Description:    req.Description,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Metadata:       req.Metadata,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, tx)
}

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	txs, err := a.txlog.List(r.Context(), interfaces.TransactionFilter{
		AccountID: q.Get("account_id"),
		ParentID:  q.Get("parent_id"),
		Status:    models.TransactionStatus(q.Get("status")),
		Type:      models.TransactionType(q.Get("type")),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (a *API) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := a.txlog.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleCompleteTransaction(w http.ResponseWriter, r *http.Request) {
	tx, children, err := a.txlog.Complete(r.Context(), principalFrom(r), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Transaction models.Transaction   `json:"transaction"`
		Children    []models.Transaction `json:"children,omitempty"`
	}{tx, children})
}

func (a *API) handleFailTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := a.txlog.Fail(r.Context(), principalFrom(r), r.PathValue("id"), req.Reason); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (a *API) handleReverseTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	correction, err := a.txlog.Reverse(r.Context(), principalFrom(r), r.PathValue("id"), req.Reason)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, correction)
}

func (a *API) handleRetryAllocation(w http.ResponseWriter, r *http.Request) {
	children, err := a.txlog.RetryAllocation(r.Context(), principalFrom(r), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, children)
}

// --- rules ---

type ruleRequest struct {
	Name    string             `json:"name"`
	Scope   string             `json:"scope"`
	Active  bool               `json:"active"`
	Entries []models.RuleEntry `json:"entries"`
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := a.engine.CreateRule(r.Context(), principalFrom(r), allocation.RuleRequest{
		Name:    req.Name,
		Scope:   req.Scope,
		Active:  req.Active,
		Entries: req.Entries,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.engine.ListRules(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.engine.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decode(w, r, &req) {
		return
	}
	rule, err := a.engine.UpdateRule(r.Context(), principalFrom(r), r.PathValue("id"), allocation.RuleRequest{
		Name:    req.Name,
		Scope:   req.Scope,
		Active:  req.Active,
		Entries: req.Entries,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.DeleteRule(r.Context(), principalFrom(r), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- reconciliation ---

func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID       string          `json:"account_id"`
		ExternalBalance decimal.Decimal `json:"external_balance"`
	}
	if !decode(w, r, &req) {
		return
	}
	entry, err := a.recon.Reconcile(r.Context(), principalFrom(r), req.AccountID, req.ExternalBalance)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleListOpenReconciliations(w http.ResponseWriter, r *http.Request) {
	entries, err := a.recon.ListOpen(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleGetReconciliation(w http.ResponseWriter, r *http.Request) {
	entry, err := a.recon.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes        string `json:"notes"`
		CorrectionID string `json:"correction_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	entry, err := a.recon.Resolve(r.Context(), principalFrom(r), r.PathValue("id"), req.Notes, req.CorrectionID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	kind := ledgererr.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "validation", "rule_validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "state", "already_allocated", "configuration":
		status = http.StatusConflict
	case "authorization":
		status = http.StatusForbidden
	case "atomicity":
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		a.log.Error().Err(err).Msg("internal error")
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}
