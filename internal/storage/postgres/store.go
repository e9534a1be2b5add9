// Package postgres implements interfaces.Store on a relational database.
// Every mutating operation runs inside a database transaction; account rows
// are locked with SELECT ... FOR UPDATE so concurrent writers to the same
// account serialize while writers to different accounts proceed in parallel.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema applies the bootstrap DDL. Statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	return s.run(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, fn)
}

func (s *Store) WithinSnapshot(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	return s.run(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead}, fn)
}

func (s *Store) run(ctx context.Context, opts *sql.TxOptions, fn func(tx interfaces.Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return &ledgererr.AtomicityError{Err: err}
	}
	// Rollback is a no-op after a successful commit; the defer covers
	// error returns and panics inside fn alike.
	defer dbTx.Rollback()

	if err := fn(&sqlTx{tx: dbTx}); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return &ledgererr.AtomicityError{Err: err}
	}
	return nil
}

type sqlTx struct {
	tx *sql.Tx
}

// --- savepoints ---

func (t *sqlTx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT "+pq.QuoteIdentifier(name))
	return err
}

func (t *sqlTx) RollbackToSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+pq.QuoteIdentifier(name))
	return err
}

func (t *sqlTx) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+pq.QuoteIdentifier(name))
	return err
}

// --- accounts ---

func (t *sqlTx) InsertAccount(ctx context.Context, account models.Account) error {
	const query = `INSERT INTO accounts (id, name, type, currency, balance, disabled, metadata, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	meta, err := marshalMap(account.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, query,
		account.ID, account.Name, string(account.Type), account.Currency,
		account.Balance, account.Disabled, meta, account.CreatedAt, account.UpdatedAt)
	return err
}

func (t *sqlTx) GetAccount(ctx context.Context, id string) (models.Account, error) {
	const query = `SELECT id, name, type, currency, balance, disabled, metadata, created_at, updated_at
	FROM accounts WHERE id = $1`

	return t.scanAccount(t.tx.QueryRowContext(ctx, query, id), id)
}

func (t *sqlTx) GetAccountForUpdate(ctx context.Context, id string) (models.Account, error) {
	const query = `SELECT id, name, type, currency, balance, disabled, metadata, created_at, updated_at
	FROM accounts WHERE id = $1 FOR UPDATE`

	return t.scanAccount(t.tx.QueryRowContext(ctx, query, id), id)
}

func (t *sqlTx) scanAccount(row *sql.Row, id string) (models.Account, error) {
	var (
		a        models.Account
		accType  string
		metaJSON []byte
	)
	err := row.Scan(&a.ID, &a.Name, &accType, &a.Currency, &a.Balance, &a.Disabled, &metaJSON, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ledgererr.NotFound("account", id)
	}
	if err != nil {
		return models.Account{}, err
	}
	a.Type = models.AccountType(accType)
	if err := unmarshalMap(metaJSON, &a.Metadata); err != nil {
		return models.Account{}, err
	}
	return a, nil
}

func (t *sqlTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	const query = `UPDATE accounts SET balance = $2, updated_at = now() WHERE id = $1`

	res, err := t.tx.ExecContext(ctx, query, id, balance)
	if err != nil {
		return err
	}
	return requireRow(res, "account", id)
}

func (t *sqlTx) SetAccountDisabled(ctx context.Context, id string, disabled bool) error {
	const query = `UPDATE accounts SET disabled = $2, updated_at = now() WHERE id = $1`

	res, err := t.tx.ExecContext(ctx, query, id, disabled)
	if err != nil {
		return err
	}
	return requireRow(res, "account", id)
}

func (t *sqlTx) ListAccounts(ctx context.Context) ([]models.Account, error) {
	const query = `SELECT id, name, type, currency, balance, disabled, metadata, created_at, updated_at
	FROM accounts ORDER BY created_at, id`

	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var (
			a        models.Account
			accType  string
			metaJSON []byte
		)
		if err := rows.Scan(&a.ID, &a.Name, &accType, &a.Currency, &a.Balance, &a.Disabled, &metaJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Type = models.AccountType(accType)
		if err := unmarshalMap(metaJSON, &a.Metadata); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// --- transactions ---

func (t *sqlTx) InsertTransaction(ctx context.Context, tx models.Transaction) error {
	const query = `INSERT INTO transactions (id, type, status, amount, currency, account_id, parent_id, idempotency_key, description, metadata, created_at, completed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	meta, err := marshalMap(tx.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, query,
		tx.ID, string(tx.Type), string(tx.Status), tx.Amount, tx.Currency, tx.AccountID,
		nullString(tx.ParentID), nullString(tx.IdempotencyKey), tx.Description, meta,
		tx.CreatedAt, tx.CompletedAt)
	if isUniqueViolation(err, "idx_transactions_idempotency_key") {
		return ledgererr.ErrIdempotencyConflict
	}
	return err
}

const transactionColumns = `id, type, status, amount, currency, account_id, parent_id, idempotency_key, description, metadata, created_at, completed_at`

func (t *sqlTx) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	tx, err := scanTransaction(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, ledgererr.NotFound("transaction", id)
	}
	return tx, err
}

func (t *sqlTx) GetTransactionByIdempotencyKey(ctx context.Context, key string) (models.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE idempotency_key = $1`

	tx, err := scanTransaction(t.tx.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, ledgererr.NotFound("transaction", key)
	}
	return tx, err
}

func (t *sqlTx) UpdateTransactionStatus(ctx context.Context, id string, from, to models.TransactionStatus, completedAt *time.Time) error {
	const query = `UPDATE transactions SET status = $3, completed_at = COALESCE($4, completed_at)
	WHERE id = $1 AND status = $2`

	res, err := t.tx.ExecContext(ctx, query, id, string(from), string(to), completedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a concurrent transition.
		current, getErr := t.GetTransaction(ctx, id)
		if getErr != nil {
			return getErr
		}
		return &ledgererr.InvalidTransitionError{From: string(current.Status), To: string(to)}
	}
	return nil
}

func (t *sqlTx) SetTransactionMetadata(ctx context.Context, id, key, value string) error {
	const query = `UPDATE transactions SET metadata = metadata || jsonb_build_object($2::text, $3::text) WHERE id = $1`

	res, err := t.tx.ExecContext(ctx, query, id, key, value)
	if err != nil {
		return err
	}
	return requireRow(res, "transaction", id)
}

func (t *sqlTx) ListTransactions(ctx context.Context, filter interfaces.TransactionFilter) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`
	var args []any
	add := func(clause, value string) {
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if filter.AccountID != "" {
		add("account_id", filter.AccountID)
	}
	if filter.ParentID != "" {
		add("parent_id", filter.ParentID)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.Type != "" {
		add("type", string(filter.Type))
	}
	query += " ORDER BY created_at, id"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (t *sqlTx) ClaimAllocation(ctx context.Context, parentID string) error {
	const query = `INSERT INTO allocation_claims (parent_transaction_id) VALUES ($1)`

	_, err := t.tx.ExecContext(ctx, query, parentID)
	if isUniqueViolation(err, "allocation_claims_pkey") {
		return ledgererr.ErrAlreadyAllocated
	}
	return err
}

// --- rules ---

func (t *sqlTx) InsertRule(ctx context.Context, rule models.AllocationRule) error {
	const query = `INSERT INTO allocation_rules (id, name, scope, active, entries, created_by, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	entries, err := json.Marshal(rule.Entries)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, query,
		rule.ID, rule.Name, rule.Scope, rule.Active, entries, rule.CreatedBy, rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (t *sqlTx) UpdateRule(ctx context.Context, rule models.AllocationRule) error {
	const query = `UPDATE allocation_rules SET name = $2, scope = $3, active = $4, entries = $5, updated_at = $6
	WHERE id = $1`

	entries, err := json.Marshal(rule.Entries)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, query, rule.ID, rule.Name, rule.Scope, rule.Active, entries, rule.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res, "rule", rule.ID)
}

func (t *sqlTx) DeleteRule(ctx context.Context, id string) error {
	const query = `DELETE FROM allocation_rules WHERE id = $1`

	res, err := t.tx.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return requireRow(res, "rule", id)
}

const ruleColumns = `id, name, scope, active, entries, created_by, created_at, updated_at`

func (t *sqlTx) GetRule(ctx context.Context, id string) (models.AllocationRule, error) {
	const query = `SELECT ` + ruleColumns + ` FROM allocation_rules WHERE id = $1`

	rule, err := scanRule(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.AllocationRule{}, ledgererr.NotFound("rule", id)
	}
	return rule, err
}

func (t *sqlTx) ListRules(ctx context.Context) ([]models.AllocationRule, error) {
	const query = `SELECT ` + ruleColumns + ` FROM allocation_rules ORDER BY created_at, id`

	return t.queryRules(ctx, query)
}

func (t *sqlTx) FindActiveRules(ctx context.Context, scope string) ([]models.AllocationRule, error) {
	const query = `SELECT ` + ruleColumns + ` FROM allocation_rules WHERE scope = $1 AND active ORDER BY created_at, id`

	return t.queryRules(ctx, query, scope)
}

func (t *sqlTx) queryRules(ctx context.Context, query string, args ...any) ([]models.AllocationRule, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.AllocationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// --- audit ---

func (t *sqlTx) InsertAuditEntry(ctx context.Context, entry models.AuditEntry) error {
	const query = `INSERT INTO audit_log (id, action, actor, target_type, target_id, details, remote_addr, user_agent, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	details, err := marshalMap(entry.Details)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, query,
		entry.ID, entry.Action, entry.Actor, entry.TargetType, entry.TargetID,
		details, entry.RemoteAddr, entry.UserAgent, entry.CreatedAt)
	return err
}

func (t *sqlTx) ListAuditEntries(ctx context.Context, targetType, targetID string) ([]models.AuditEntry, error) {
	const query = `SELECT id, action, actor, target_type, target_id, details, remote_addr, user_agent, created_at
	FROM audit_log WHERE ($1 = '' OR target_type = $1) AND ($2 = '' OR target_id = $2) ORDER BY created_at, id`

	rows, err := t.tx.QueryContext(ctx, query, targetType, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e           models.AuditEntry
			detailsJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.TargetType, &e.TargetID, &detailsJSON, &e.RemoteAddr, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalMap(detailsJSON, &e.Details); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- reconciliation ---

const reconColumns = `id, account_id, external_balance, internal_balance, discrepancy, resolved, manual_override, resolution_notes, correction_id, findings, created_at, resolved_at`

func (t *sqlTx) InsertReconciliationEntry(ctx context.Context, entry models.ReconciliationEntry) error {
	const query = `INSERT INTO reconciliation_log (` + reconColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	findings, err := json.Marshal(entry.Findings)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, query,
		entry.ID, entry.AccountID, entry.ExternalBalance, entry.InternalBalance, entry.Discrepancy,
		entry.Resolved, entry.ManualOverride, entry.ResolutionNotes, nullString(entry.CorrectionID),
		findings, entry.CreatedAt, entry.ResolvedAt)
	return err
}

func (t *sqlTx) GetReconciliationEntry(ctx context.Context, id string) (models.ReconciliationEntry, error) {
	const query = `SELECT ` + reconColumns + ` FROM reconciliation_log WHERE id = $1`

	entry, err := scanReconEntry(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReconciliationEntry{}, ledgererr.NotFound("reconciliation entry", id)
	}
	return entry, err
}

func (t *sqlTx) UpdateReconciliationEntry(ctx context.Context, entry models.ReconciliationEntry) error {
	const query = `UPDATE reconciliation_log SET resolved = $2, manual_override = $3, resolution_notes = $4, correction_id = $5, resolved_at = $6
	WHERE id = $1`

	res, err := t.tx.ExecContext(ctx, query,
		entry.ID, entry.Resolved, entry.ManualOverride, entry.ResolutionNotes,
		nullString(entry.CorrectionID), entry.ResolvedAt)
	if err != nil {
		return err
	}
	return requireRow(res, "reconciliation entry", entry.ID)
}

func (t *sqlTx) ListOpenReconciliationEntries(ctx context.Context) ([]models.ReconciliationEntry, error) {
	const query = `SELECT ` + reconColumns + ` FROM reconciliation_log WHERE NOT resolved ORDER BY created_at, id`

	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ReconciliationEntry
	for rows.Next() {
		entry, err := scanReconEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var (
		tx              models.Transaction
		txType, status  string
		parent, idemKey sql.NullString
		metaJSON        []byte
		completedAt     sql.NullTime
	)
	err := row.Scan(&tx.ID, &txType, &status, &tx.Amount, &tx.Currency, &tx.AccountID,
		&parent, &idemKey, &tx.Description, &metaJSON, &tx.CreatedAt, &completedAt)
	if err != nil {
		return models.Transaction{}, err
	}
	tx.Type = models.TransactionType(txType)
	tx.Status = models.TransactionStatus(status)
	tx.ParentID = parent.String
	tx.IdempotencyKey = idemKey.String
	if completedAt.Valid {
		at := completedAt.Time
		tx.CompletedAt = &at
	}
	if err := unmarshalMap(metaJSON, &tx.Metadata); err != nil {
		return models.Transaction{}, err
	}
	return tx, nil
}

func scanRule(row rowScanner) (models.AllocationRule, error) {
	var (
		rule        models.AllocationRule
		entriesJSON []byte
	)
	err := row.Scan(&rule.ID, &rule.Name, &rule.Scope, &rule.Active, &entriesJSON,
		&rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return models.AllocationRule{}, err
	}
	if err := json.Unmarshal(entriesJSON, &rule.Entries); err != nil {
		return models.AllocationRule{}, err
	}
	return rule, nil
}

func scanReconEntry(row rowScanner) (models.ReconciliationEntry, error) {
	var (
		entry        models.ReconciliationEntry
		correction   sql.NullString
		findingsJSON []byte
		resolvedAt   sql.NullTime
	)
	err := row.Scan(&entry.ID, &entry.AccountID, &entry.ExternalBalance, &entry.InternalBalance,
		&entry.Discrepancy, &entry.Resolved, &entry.ManualOverride, &entry.ResolutionNotes,
		&correction, &findingsJSON, &entry.CreatedAt, &resolvedAt)
	if err != nil {
		return models.ReconciliationEntry{}, err
	}
	entry.CorrectionID = correction.String
	if resolvedAt.Valid {
		at := resolvedAt.Time
		entry.ResolvedAt = &at
	}
	if err := json.Unmarshal(findingsJSON, &entry.Findings); err != nil {
		return models.ReconciliationEntry{}, err
	}
	return entry, nil
}

func marshalMap(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func unmarshalMap(raw []byte, dst *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledgererr.NotFound(entity, id)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && pqErr.Constraint == constraint
}

// Compile-time checks.
var _ interfaces.Store = (*Store)(nil)
var _ interfaces.Tx = (*sqlTx)(nil)
