package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

func testAccount(id string) models.Account {
	now := time.Now().UTC()
	return models.Account{
		ID:        id,
		Name:      "acct " + id,
		Type:      models.Asset,
		Currency:  "USD",
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCommitAndRollback(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx interfaces.Tx) error {
		return tx.InsertAccount(ctx, testAccount("a1"))
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.WithinTx(ctx, func(tx interfaces.Tx) error {
		if err := tx.InsertAccount(ctx, testAccount("a2")); err != nil {
			return err
		}
		if err := tx.UpdateAccountBalance(ctx, "a1", decimal.NewFromInt(99)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Nothing from the failed transaction is visible.
	err = store.WithinSnapshot(ctx, func(tx interfaces.Tx) error {
		a1, err := tx.GetAccount(ctx, "a1")
		require.NoError(t, err)
		assert.True(t, a1.Balance.IsZero())

		_, err = tx.GetAccount(ctx, "a2")
		var notFound *ledgererr.NotFoundError
		assert.ErrorAs(t, err, &notFound)
		return nil
	})
	require.NoError(t, err)
}

func TestSavepointRollback(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx interfaces.Tx) error {
		if err := tx.InsertAccount(ctx, testAccount("kept")); err != nil {
			return err
		}
		if err := tx.Savepoint(ctx, "sp"); err != nil {
			return err
		}
		if err := tx.InsertAccount(ctx, testAccount("discarded")); err != nil {
			return err
		}
		return tx.RollbackToSavepoint(ctx, "sp")
	})
	require.NoError(t, err)

	err = store.WithinSnapshot(ctx, func(tx interfaces.Tx) error {
		_, err := tx.GetAccount(ctx, "kept")
		assert.NoError(t, err)

		_, err = tx.GetAccount(ctx, "discarded")
		var notFound *ledgererr.NotFoundError
		assert.ErrorAs(t, err, &notFound)
		return nil
	})
	require.NoError(t, err)
}

func TestClaimAllocationIsExclusive(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx interfaces.Tx) error {
		return tx.ClaimAllocation(ctx, "parent-1")
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx interfaces.Tx) error {
		return tx.ClaimAllocation(ctx, "parent-1")
	})
	assert.ErrorIs(t, err, ledgererr.ErrAlreadyAllocated)
}

func TestIdempotencyKeyConflict(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	makeTx := func(id string) models.Transaction {
		return models.Transaction{
			ID:             id,
			Type:           models.Deposit,
			Status:         models.Pending,
			Amount:         decimal.NewFromInt(10),
			Currency:       "USD",
			AccountID:      "a1",
			IdempotencyKey: "key-1",
			CreatedAt:      time.Now().UTC(),
		}
	}

	err := store.WithinTx(ctx, func(tx interfaces.Tx) error {
		return tx.InsertTransaction(ctx, makeTx("t1"))
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx interfaces.Tx) error {
		return tx.InsertTransaction(ctx, makeTx("t2"))
	})
	assert.ErrorIs(t, err, ledgererr.ErrIdempotencyConflict)
}

func TestConditionalStatusUpdate(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx interfaces.Tx) error {
		return tx.InsertTransaction(ctx, models.Transaction{
			ID:        "t1",
			Type:      models.Deposit,
			Status:    models.Pending,
			Amount:    decimal.NewFromInt(10),
			Currency:  "USD",
			AccountID: "a1",
			CreatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	err = store.WithinTx(ctx, func(tx interfaces.Tx) error {
		return tx.UpdateTransactionStatus(ctx, "t1", models.Pending, models.Completed, &now)
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx interfaces.Tx) error {
		return tx.UpdateTransactionStatus(ctx, "t1", models.Pending, models.Completed, &now)
	})
	var transition *ledgererr.InvalidTransitionError
	assert.ErrorAs(t, err, &transition)
}
