package allocation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/allocation-ledger/internal/audit"
	"github.com/sheikh-saqib/allocation-ledger/internal/auth"
	"github.com/sheikh-saqib/allocation-ledger/internal/config"
	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledger"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
	"github.com/sheikh-saqib/allocation-ledger/internal/storage/memory"
)

var guardian = models.Principal{ID: "admin", Roles: []string{auth.RoleGuardian}}

func newTestEngine(t *testing.T) (*Engine, *memory.Store, *ledger.AccountService) {
	t.Helper()
	store := memory.NewStore()
	auditor := audit.NewRecorder()
	authz := auth.NewRoleAuthorizer()
	currencies := config.DefaultCurrencies()
	accounts := ledger.NewAccountService(store, auditor, authz, currencies, zerolog.Nop())
	engine := NewEngine(store, accounts, auditor, authz, currencies, zerolog.Nop())
	return engine, store, accounts
}

func createAccount(t *testing.T, accounts *ledger.AccountService, name string) string {
	t.Helper()
	account, err := accounts.Create(context.Background(), guardian, ledger.CreateAccountRequest{
		Name:     name,
		Type:     models.Asset,
		Currency: "USD",
	})
	require.NoError(t, err)
	return account.ID
}

func insertCompletedDeposit(t *testing.T, store *memory.Store, accountID, amount string) models.Transaction {
	t.Helper()
	now := time.Now().UTC()
	tx := models.Transaction{
		ID:          uuid.NewString(),
		Type:        models.Deposit,
		Status:      models.Completed,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "USD",
		AccountID:   accountID,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	err := store.WithinTx(context.Background(), func(stx interfaces.Tx) error {
		return stx.InsertTransaction(context.Background(), tx)
	})
	require.NoError(t, err)
	return tx
}

// allocate runs MaybeAllocate and commits the surrounding transaction even
// when allocation fails, mirroring how completion treats allocation errors:
// the engine's savepoint discards its own partial work.
func allocate(t *testing.T, store *memory.Store, e *Engine, parent models.Transaction) ([]models.Transaction, error) {
	t.Helper()
	ctx := context.Background()
	var (
		children []models.Transaction
		allocErr error
	)
	err := store.WithinTx(ctx, func(tx interfaces.Tx) error {
		children, allocErr = e.MaybeAllocate(ctx, tx, parent, guardian)
		return nil
	})
	require.NoError(t, err)
	return children, allocErr
}

func childrenOf(t *testing.T, store *memory.Store, parentID string) []models.Transaction {
	t.Helper()
	var out []models.Transaction
	err := store.WithinSnapshot(context.Background(), func(tx interfaces.Tx) error {
		var err error
		out, err = tx.ListTransactions(context.Background(), interfaces.TransactionFilter{ParentID: parentID, Type: models.Allocation})
		return err
	})
	require.NoError(t, err)
	return out
}

func entry(accountID string, pct string) models.RuleEntry {
	return models.RuleEntry{AccountID: accountID, Percentage: decimal.RequireFromString(pct)}
}

func TestCreateRuleRejectsBadPercentages(t *testing.T) {
	engine, _, accounts := newTestEngine(t)
	ctx := context.Background()
	x := createAccount(t, accounts, "X")
	y := createAccount(t, accounts, "Y")

	cases := []struct {
		name    string
		entries []models.RuleEntry
	}{
		{"sums to 90", []models.RuleEntry{entry(x, "50"), entry(y, "40")}},
		{"sums above 100", []models.RuleEntry{entry(x, "60"), entry(y, "50")}},
		{"negative percentage", []models.RuleEntry{entry(x, "-10"), entry(y, "110")}},
		{"zero percentage", []models.RuleEntry{entry(x, "0"), entry(y, "100")}},
		{"no entries", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := engine.CreateRule(ctx, guardian, RuleRequest{Name: c.name, Scope: models.ScopeAll, Active: true, Entries: c.entries})
			var ruleErr *ledgererr.RuleValidationError
			assert.ErrorAs(t, err, &ruleErr)
		})
	}
}

func TestCreateRuleToleratesTinyDrift(t *testing.T) {
	engine, _, accounts := newTestEngine(t)
	ctx := context.Background()
	x := createAccount(t, accounts, "X")
	y := createAccount(t, accounts, "Y")
	z := createAccount(t, accounts, "Z")

	third := decimal.NewFromInt(100).Div(decimal.NewFromInt(3))
	_, err := engine.CreateRule(ctx, guardian, RuleRequest{
		Name:   "thirds",
		Scope:  models.ScopeAll,
		Active: true,
		Entries: []models.RuleEntry{
			{AccountID: x, Percentage: third},
			{AccountID: y, Percentage: third},
			{AccountID: z, Percentage: third},
		},
	})
	assert.NoError(t, err)
}

func TestCreateRuleRejectsUnknownOrDisabledDestination(t *testing.T) {
	engine, _, accounts := newTestEngine(t)
	ctx := context.Background()
	x := createAccount(t, accounts, "X")

	_, err := engine.CreateRule(ctx, guardian, RuleRequest{
		Name: "ghost", Scope: models.ScopeAll, Active: true,
		Entries: []models.RuleEntry{entry(x, "50"), entry("no-such-account", "50")},
	})
	var ruleErr *ledgererr.RuleValidationError
	assert.ErrorAs(t, err, &ruleErr)

	y := createAccount(t, accounts, "Y")
	require.NoError(t, accounts.Disable(ctx, guardian, y))
	_, err = engine.CreateRule(ctx, guardian, RuleRequest{
		Name: "disabled", Scope: models.ScopeAll, Active: true,
		Entries: []models.RuleEntry{entry(x, "50"), entry(y, "50")},
	})
	assert.ErrorAs(t, err, &ruleErr)
}

func TestRuleAdministrationRequiresGuardian(t *testing.T) {
	engine, _, accounts := newTestEngine(t)
	ctx := context.Background()
	x := createAccount(t, accounts, "X")
	plain := models.Principal{ID: "bob"}

	_, err := engine.CreateRule(ctx, plain, RuleRequest{
		Name: "nope", Scope: models.ScopeAll, Active: true,
		Entries: []models.RuleEntry{entry(x, "100")},
	})
	var authzErr *ledgererr.AuthorizationError
	assert.ErrorAs(t, err, &authzErr)

	err = engine.DeleteRule(ctx, plain, "some-rule")
	assert.ErrorAs(t, err, &authzErr)
}

func TestSecondActiveRulePerScopeRejected(t *testing.T) {
	engine, _, accounts := newTestEngine(t)
	ctx := context.Background()
	x := createAccount(t, accounts, "X")

	_, err := engine.CreateRule(ctx, guardian, RuleRequest{
		Name: "first", Scope: models.ScopeAll, Active: true,
		Entries: []models.RuleEntry{entry(x, "100")},
	})
	require.NoError(t, err)

	_, err = engine.CreateRule(ctx, guardian, RuleRequest{
		Name: "second", Scope: models.ScopeAll, Active: true,
		Entries: []models.RuleEntry{entry(x, "100")},
	})
	var ruleErr *ledgererr.RuleValidationError
	assert.ErrorAs(t, err, &ruleErr)
}

func TestAllocateExactSplit(t *testing.T) {
	engine, store, accounts := newTestEngine(t)
	ctx := context.Background()

	source := createAccount(t, accounts, "A")
	ops := createAccount(t, accounts, "OPS")
	dev := createAccount(t, accounts, "DEV")
	reserve := createAccount(t, accounts, "RESERVE")

	_, err := engine.CreateRule(ctx, guardian, RuleRequest{
		Name: "split", Scope: source, Active: true,
		Entries: []models.RuleEntry{entry(ops, "60"), entry(dev, "30"), entry(reserve, "10")},
	})
	require.NoError(t, err)

	parent := insertCompletedDeposit(t, store, source, "1000.00")
	children, allocErr := allocate(t, store, engine, parent)
	require.NoError(t, allocErr)
	require.Len(t, children, 3)

	assert.True(t, children[0].Amount.Equal(decimal.RequireFromString("600.00")))
	assert.True(t, children[1].Amount.Equal(decimal.RequireFromString("300.00")))
	assert.True(t, children[2].Amount.Equal(decimal.RequireFromString("100.00")))

	for balanceAccount, want := range map[string]string{ops: "600.00", dev: "300.00", reserve: "100.00"} {
		balance, err := accounts.GetBalance(ctx, balanceAccount)
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.RequireFromString(want)), "account %s balance %s", balanceAccount, balance)
	}
}

func TestAllocateRoundingResidualGoesToLastEntry(t *testing.T) {
	engine, store, accounts := newTestEngine(t)
	ctx := context.Background()

	source := createAccount(t, accounts, "A")
	x := createAccount(t, accounts, "X")
	y := createAccount(t, accounts, "Y")
	z := createAccount(t, accounts, "Z")

	third := decimal.NewFromInt(100).Div(decimal.NewFromInt(3))
	_, err := engine.CreateRule(ctx, guardian, RuleRequest{
		Name: "thirds", Scope: source, Active: true,
		Entries: []models.RuleEntry{
			{AccountID: x, Percentage: third},
			{AccountID: y, Percentage: third},
			{AccountID: z, Percentage: third},
		},
	})
	require.NoError(t, err)

	parent := insertCompletedDeposit(t, store, source, "100.00")
	children, allocErr := allocate(t, store, engine, parent)
	require.NoError(t, allocErr)
	require.Len(t, children, 3)

	assert.True(t, children[0].Amount.Equal(decimal.RequireFromString("33.33")))
	assert.True(t, children[1].Amount.Equal(decimal.RequireFromString("33.33")))
	assert.True(t, children[2].Amount.Equal(decimal.RequireFromString("33.34")))
}

func TestAllocateSumsExactlyAcrossEntryCounts(t *testing.T) {
	for n := 1; n <= 10; n++ {
		t.Run(fmt.Sprintf("%d entries", n), func(t *testing.T) {
			engine, store, accounts := newTestEngine(t)
			ctx := context.Background()

			source := createAccount(t, accounts, "A")
			pct := decimal.NewFromInt(100).Div(decimal.NewFromInt(int64(n)))
			entries := make([]models.RuleEntry, n)
			for i := range entries {
				entries[i] = models.RuleEntry{
					AccountID:  createAccount(t, accounts, fmt.Sprintf("dest-%d", i)),
					Percentage: pct,
				}
			}
			_, err := engine.CreateRule(ctx, guardian, RuleRequest{Name: "even", Scope: source, Active: true, Entries: entries})
			require.NoError(t, err)

			parent := insertCompletedDeposit(t, store, source, "1000.00")
			children, allocErr := allocate(t, store, engine, parent)
			require.NoError(t, allocErr)
			require.Len(t, children, n)

			sum := decimal.Zero
			for _, c := range children {
				assert.True(t, c.Amount.IsPositive())
				sum = sum.Add(c.Amount)
			}
			assert.True(t, sum.Equal(parent.Amount), "children sum %s, parent %s", sum, parent.Amount)
		})
	}
}

func TestAllocateTwiceIsIdempotentNoOp(t *testing.T) {
	engine, store, accounts := newTestEngine(t)
	ctx := context.Background()

	source := createAccount(t, accounts, "A")
	dest := createAccount(t, accounts, "X")
	_, err := engine.CreateRule(ctx, guardian, RuleRequest{
		Name: "all", Scope: source, Active: true,
		Entries: []models.RuleEntry{entry(dest, "100")},
	})
	require.NoError(t, err)

	parent := insertCompletedDeposit(t, store, source, "250.00")
	first, allocErr := allocate(t, store, engine, parent)
	require.NoError(t, allocErr)
	require.Len(t, first, 1)

	second, allocErr := allocate(t, store, engine, parent)
	assert.ErrorIs(t, allocErr, ledgererr.ErrAlreadyAllocated)
	assert.Empty(t, second)

	// Exactly one set of children exists and the balance was credited once.
	assert.Len(t, childrenOf(t, store, parent.ID), 1)
	balance, err := accounts.GetBalance(ctx, dest)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("250.00")))
}

func TestAllocateWithoutActiveRule(t *testing.T) {
	engine, store, accounts := newTestEngine(t)
	source := createAccount(t, accounts, "A")

	parent := insertCompletedDeposit(t, store, source, "100.00")
	_, allocErr := allocate(t, store, engine, parent)
	var configErr *ledgererr.ConfigurationError
	assert.ErrorAs(t, allocErr, &configErr)
	assert.Empty(t, childrenOf(t, store, parent.ID))
}

func TestAllocateAmbiguousActiveRules(t *testing.T) {
	engine, store, accounts := newTestEngine(t)
	ctx := context.Background()

	source := createAccount(t, accounts, "A")
	dest := createAccount(t, accounts, "X")

	// Two simultaneously active rules cannot be created through the engine;
	// plant them directly to simulate drifted configuration.
	now := time.Now().UTC()
	err := store.WithinTx(ctx, func(tx interfaces.Tx) error {
		for _, name := range []string{"r1", "r2"} {
			rule := models.AllocationRule{
				ID: uuid.NewString(), Name: name, Scope: source, Active: true,
				Entries:   []models.RuleEntry{entry(dest, "100")},
				CreatedAt: now, UpdatedAt: now,
			}
			if err := tx.InsertRule(ctx, rule); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	parent := insertCompletedDeposit(t, store, source, "100.00")
	_, allocErr := allocate(t, store, engine, parent)
	var configErr *ledgererr.ConfigurationError
	require.ErrorAs(t, allocErr, &configErr)
	assert.Equal(t, "multiple active rules", configErr.Reason)
}

func TestAllocateConditionRedirectsToQualifyingEntries(t *testing.T) {
	engine, store, accounts := newTestEngine(t)
	ctx := context.Background()

	source := createAccount(t, accounts, "A")
	large := createAccount(t, accounts, "LARGE")
	base := createAccount(t, accounts, "BASE")

	gt500 := &models.Condition{Op: models.OpGT, Threshold: decimal.NewFromInt(500)}
	_, err := engine.CreateRule(ctx, guardian, RuleRequest{
		Name: "conditional", Scope: source, Active: true,
		Entries: []models.RuleEntry{
			{AccountID: large, Percentage: decimal.NewFromInt(50), Condition: gt500},
			{AccountID: base, Percentage: decimal.NewFromInt(50)},
		},
	})
	require.NoError(t, err)

	// Above the threshold both entries qualify.
	big := insertCompletedDeposit(t, store, source, "1000.00")
	children, allocErr := allocate(t, store, engine, big)
	require.NoError(t, allocErr)
	require.Len(t, children, 2)
	assert.True(t, children[0].Amount.Equal(decimal.RequireFromString("500.00")))
	assert.True(t, children[1].Amount.Equal(decimal.RequireFromString("500.00")))

	// Below it only the unconditional entry qualifies; as the last
	// qualifying entry it absorbs the full amount so no value is lost.
	small := insertCompletedDeposit(t, store, source, "100.00")
	children, allocErr = allocate(t, store, engine, small)
	require.NoError(t, allocErr)
	require.Len(t, children, 1)
	assert.Equal(t, base, children[0].AccountID)
	assert.True(t, children[0].Amount.Equal(decimal.RequireFromString("100.00")))
}

func TestAllocateNotCompletedParent(t *testing.T) {
	engine, store, accounts := newTestEngine(t)
	source := createAccount(t, accounts, "A")

	pending := insertCompletedDeposit(t, store, source, "10.00")
	pending.Status = models.Pending
	_, allocErr := allocate(t, store, engine, pending)
	assert.ErrorIs(t, allocErr, ledgererr.ErrNotCompleted)
}

func TestAllocateRollsBackWhenDestinationDisabledMidFlight(t *testing.T) {
	engine, store, accounts := newTestEngine(t)
	ctx := context.Background()

	source := createAccount(t, accounts, "A")
	first := createAccount(t, accounts, "FIRST")
	second := createAccount(t, accounts, "SECOND")

	_, err := engine.CreateRule(ctx, guardian, RuleRequest{
		Name: "split", Scope: source, Active: true,
		Entries: []models.RuleEntry{entry(first, "50"), entry(second, "50")},
	})
	require.NoError(t, err)

	// The rule validated fine; the second destination goes away afterwards.
	require.NoError(t, accounts.Disable(ctx, guardian, second))

	parent := insertCompletedDeposit(t, store, source, "100.00")
	_, allocErr := allocate(t, store, engine, parent)
	var notFound *ledgererr.NotFoundError
	require.ErrorAs(t, allocErr, &notFound)

	// Every child was discarded, including the first one, and the first
	// destination was never credited.
	assert.Empty(t, childrenOf(t, store, parent.ID))
	balance, err := accounts.GetBalance(ctx, first)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	// The claim rolled back with the savepoint, so a retry succeeds once
	// the configuration is fixed.
	require.NoError(t, accounts.Enable(ctx, guardian, second))
	children, allocErr := allocate(t, store, engine, parent)
	require.NoError(t, allocErr)
	assert.Len(t, children, 2)
}
