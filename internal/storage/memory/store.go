// Package memory is an in-memory implementation of interfaces.Store. It is
// the storage double used by tests: transactions stage their writes on a
// cloned snapshot and swap it in on commit, so rollback and all-or-nothing
// semantics match the postgres store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

type state struct {
	accounts     map[string]models.Account
	accountOrder []string

	transactions map[string]models.Transaction
	txOrder      []string
	idempotency  map[string]string // idempotency key -> transaction id

	rules     map[string]models.AllocationRule
	ruleOrder []string

	claims map[string]bool // parent transaction id -> allocated

	audit []models.AuditEntry

	recon      map[string]models.ReconciliationEntry
	reconOrder []string
}

func newState() *state {
	return &state{
		accounts:     make(map[string]models.Account),
		transactions: make(map[string]models.Transaction),
		idempotency:  make(map[string]string),
		rules:        make(map[string]models.AllocationRule),
		claims:       make(map[string]bool),
		recon:        make(map[string]models.ReconciliationEntry),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, a := range s.accounts {
		c.accounts[id] = copyAccount(a)
	}
	c.accountOrder = append([]string(nil), s.accountOrder...)
	for id, t := range s.transactions {
		c.transactions[id] = copyTransaction(t)
	}
	c.txOrder = append([]string(nil), s.txOrder...)
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for id, r := range s.rules {
		c.rules[id] = copyRule(r)
	}
	c.ruleOrder = append([]string(nil), s.ruleOrder...)
	for id := range s.claims {
		c.claims[id] = true
	}
	for _, e := range s.audit {
		c.audit = append(c.audit, copyAuditEntry(e))
	}
	for id, e := range s.recon {
		c.recon[id] = copyReconEntry(e)
	}
	c.reconOrder = append([]string(nil), s.reconOrder...)
	return c
}

func copyAccount(a models.Account) models.Account {
	a.Metadata = copyMap(a.Metadata)
	return a
}

func copyTransaction(t models.Transaction) models.Transaction {
	t.Metadata = copyMap(t.Metadata)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		t.CompletedAt = &at
	}
	return t
}

func copyRule(r models.AllocationRule) models.AllocationRule {
	entries := make([]models.RuleEntry, len(r.Entries))
	for i, e := range r.Entries {
		if e.Condition != nil {
			cond := *e.Condition
			e.Condition = &cond
		}
		entries[i] = e
	}
	r.Entries = entries
	return r
}

func copyAuditEntry(e models.AuditEntry) models.AuditEntry {
	e.Details = copyMap(e.Details)
	return e
}

func copyReconEntry(e models.ReconciliationEntry) models.ReconciliationEntry {
	e.Findings = append([]models.Finding(nil), e.Findings...)
	if e.ResolvedAt != nil {
		at := *e.ResolvedAt
		e.ResolvedAt = &at
	}
	return e
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Store is the in-memory store. One mutex serializes transactions, which
// also stands in for the database's row-level locking in tests.
type Store struct {
	mu    sync.Mutex
	state *state
}

func NewStore() *Store {
	return &Store{state: newState()}
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	return s.run(ctx, fn)
}

// WithinSnapshot behaves identically here: the store mutex already gives
// every transaction a consistent view.
func (s *Store) WithinSnapshot(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	return s.run(ctx, fn)
}

func (s *Store) run(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &memTx{state: s.state.clone(), savepoints: make(map[string]*state)}
	if err := fn(t); err != nil {
		return err
	}
	s.state = t.state
	return nil
}

type memTx struct {
	state      *state
	savepoints map[string]*state
}

// --- savepoints ---

func (t *memTx) Savepoint(ctx context.Context, name string) error {
	t.savepoints[name] = t.state.clone()
	return nil
}

func (t *memTx) RollbackToSavepoint(ctx context.Context, name string) error {
	saved, ok := t.savepoints[name]
	if !ok {
		return ledgererr.Validation("unknown savepoint %q", name)
	}
	t.state = saved.clone()
	return nil
}

func (t *memTx) ReleaseSavepoint(ctx context.Context, name string) error {
	delete(t.savepoints, name)
	return nil
}

// --- accounts ---

func (t *memTx) InsertAccount(ctx context.Context, account models.Account) error {
	if _, exists := t.state.accounts[account.ID]; exists {
		return ledgererr.Validation("account %s already exists", account.ID)
	}
	t.state.accounts[account.ID] = copyAccount(account)
	t.state.accountOrder = append(t.state.accountOrder, account.ID)
	return nil
}

func (t *memTx) GetAccount(ctx context.Context, id string) (models.Account, error) {
	a, ok := t.state.accounts[id]
	if !ok {
		return models.Account{}, ledgererr.NotFound("account", id)
	}
	return copyAccount(a), nil
}

func (t *memTx) GetAccountForUpdate(ctx context.Context, id string) (models.Account, error) {
	// The store mutex already serializes writers.
	return t.GetAccount(ctx, id)
}

func (t *memTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	a, ok := t.state.accounts[id]
	if !ok {
		return ledgererr.NotFound("account", id)
	}
	a.Balance = balance
	a.UpdatedAt = time.Now().UTC()
	t.state.accounts[id] = a
	return nil
}

func (t *memTx) SetAccountDisabled(ctx context.Context, id string, disabled bool) error {
	a, ok := t.state.accounts[id]
	if !ok {
		return ledgererr.NotFound("account", id)
	}
	a.Disabled = disabled
	a.UpdatedAt = time.Now().UTC()
	t.state.accounts[id] = a
	return nil
}

func (t *memTx) ListAccounts(ctx context.Context) ([]models.Account, error) {
	out := make([]models.Account, 0, len(t.state.accountOrder))
	for _, id := range t.state.accountOrder {
		out = append(out, copyAccount(t.state.accounts[id]))
	}
	return out, nil
}

// --- transactions ---

func (t *memTx) InsertTransaction(ctx context.Context, tx models.Transaction) error {
	if _, exists := t.state.transactions[tx.ID]; exists {
		return ledgererr.Validation("transaction %s already exists", tx.ID)
	}
	if tx.IdempotencyKey != "" {
		if _, exists := t.state.idempotency[tx.IdempotencyKey]; exists {
			return ledgererr.ErrIdempotencyConflict
		}
		t.state.idempotency[tx.IdempotencyKey] = tx.ID
	}
	t.state.transactions[tx.ID] = copyTransaction(tx)
	t.state.txOrder = append(t.state.txOrder, tx.ID)
	return nil
}

func (t *memTx) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	tx, ok := t.state.transactions[id]
	if !ok {
		return models.Transaction{}, ledgererr.NotFound("transaction", id)
	}
	return copyTransaction(tx), nil
}

func (t *memTx) GetTransactionByIdempotencyKey(ctx context.Context, key string) (models.Transaction, error) {
	id, ok := t.state.idempotency[key]
	if !ok {
		return models.Transaction{}, ledgererr.NotFound("transaction", key)
	}
	return t.GetTransaction(ctx, id)
}

func (t *memTx) UpdateTransactionStatus(ctx context.Context, id string, from, to models.TransactionStatus, completedAt *time.Time) error {
	tx, ok := t.state.transactions[id]
	if !ok {
		return ledgererr.NotFound("transaction", id)
	}
	if tx.Status != from {
		return &ledgererr.InvalidTransitionError{From: string(tx.Status), To: string(to)}
	}
	tx.Status = to
	if completedAt != nil {
		at := *completedAt
		tx.CompletedAt = &at
	}
	t.state.transactions[id] = tx
	return nil
}

func (t *memTx) SetTransactionMetadata(ctx context.Context, id, key, value string) error {
	tx, ok := t.state.transactions[id]
	if !ok {
		return ledgererr.NotFound("transaction", id)
	}
	if tx.Metadata == nil {
		tx.Metadata = make(map[string]string)
	}
	tx.Metadata[key] = value
	t.state.transactions[id] = tx
	return nil
}

func (t *memTx) ListTransactions(ctx context.Context, filter interfaces.TransactionFilter) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, id := range t.state.txOrder {
		tx := t.state.transactions[id]
		if filter.AccountID != "" && tx.AccountID != filter.AccountID {
			continue
		}
		if filter.ParentID != "" && tx.ParentID != filter.ParentID {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		out = append(out, copyTransaction(tx))
	}
	return out, nil
}

func (t *memTx) ClaimAllocation(ctx context.Context, parentID string) error {
	if t.state.claims[parentID] {
		return ledgererr.ErrAlreadyAllocated
	}
	t.state.claims[parentID] = true
	return nil
}

// --- rules ---

func (t *memTx) InsertRule(ctx context.Context, rule models.AllocationRule) error {
	if _, exists := t.state.rules[rule.ID]; exists {
		return ledgererr.Validation("rule %s already exists", rule.ID)
	}
	t.state.rules[rule.ID] = copyRule(rule)
	t.state.ruleOrder = append(t.state.ruleOrder, rule.ID)
	return nil
}

func (t *memTx) UpdateRule(ctx context.Context, rule models.AllocationRule) error {
	if _, ok := t.state.rules[rule.ID]; !ok {
		return ledgererr.NotFound("rule", rule.ID)
	}
	t.state.rules[rule.ID] = copyRule(rule)
	return nil
}

func (t *memTx) DeleteRule(ctx context.Context, id string) error {
	if _, ok := t.state.rules[id]; !ok {
		return ledgererr.NotFound("rule", id)
	}
	delete(t.state.rules, id)
	for i, rid := range t.state.ruleOrder {
		if rid == id {
			t.state.ruleOrder = append(t.state.ruleOrder[:i], t.state.ruleOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (t *memTx) GetRule(ctx context.Context, id string) (models.AllocationRule, error) {
	r, ok := t.state.rules[id]
	if !ok {
		return models.AllocationRule{}, ledgererr.NotFound("rule", id)
	}
	return copyRule(r), nil
}

func (t *memTx) ListRules(ctx context.Context) ([]models.AllocationRule, error) {
	out := make([]models.AllocationRule, 0, len(t.state.ruleOrder))
	for _, id := range t.state.ruleOrder {
		out = append(out, copyRule(t.state.rules[id]))
	}
	return out, nil
}

func (t *memTx) FindActiveRules(ctx context.Context, scope string) ([]models.AllocationRule, error) {
	var out []models.AllocationRule
	for _, id := range t.state.ruleOrder {
		r := t.state.rules[id]
		if r.Active && r.Scope == scope {
			out = append(out, copyRule(r))
		}
	}
	return out, nil
}

// --- audit ---

func (t *memTx) InsertAuditEntry(ctx context.Context, entry models.AuditEntry) error {
	t.state.audit = append(t.state.audit, copyAuditEntry(entry))
	return nil
}

func (t *memTx) ListAuditEntries(ctx context.Context, targetType, targetID string) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	for _, e := range t.state.audit {
		if targetType != "" && e.TargetType != targetType {
			continue
		}
		if targetID != "" && e.TargetID != targetID {
			continue
		}
		out = append(out, copyAuditEntry(e))
	}
	return out, nil
}

// --- reconciliation ---

func (t *memTx) InsertReconciliationEntry(ctx context.Context, entry models.ReconciliationEntry) error {
	if _, exists := t.state.recon[entry.ID]; exists {
		return ledgererr.Validation("reconciliation entry %s already exists", entry.ID)
	}
	t.state.recon[entry.ID] = copyReconEntry(entry)
	t.state.reconOrder = append(t.state.reconOrder, entry.ID)
	return nil
}

func (t *memTx) GetReconciliationEntry(ctx context.Context, id string) (models.ReconciliationEntry, error) {
	e, ok := t.state.recon[id]
	if !ok {
		return models.ReconciliationEntry{}, ledgererr.NotFound("reconciliation entry", id)
	}
	return copyReconEntry(e), nil
}

func (t *memTx) UpdateReconciliationEntry(ctx context.Context, entry models.ReconciliationEntry) error {
	if _, ok := t.state.recon[entry.ID]; !ok {
		return ledgererr.NotFound("reconciliation entry", entry.ID)
	}
	t.state.recon[entry.ID] = copyReconEntry(entry)
	return nil
}

func (t *memTx) ListOpenReconciliationEntries(ctx context.Context) ([]models.ReconciliationEntry, error) {
	var out []models.ReconciliationEntry
	for _, id := range t.state.reconOrder {
		if e := t.state.recon[id]; !e.Resolved {
			out = append(out, copyReconEntry(e))
		}
	}
	return out, nil
}

// Compile-time check: Store implements interfaces.Store.
var _ interfaces.Store = (*Store)(nil)
var _ interfaces.Tx = (*memTx)(nil)
