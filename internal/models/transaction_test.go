package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to TransactionStatus
		allowed  bool
	}{
		{Pending, Completed, true},
		{Pending, Failed, true},
		{Pending, Reversed, false},
		{Completed, Reversed, true},
		{Completed, Pending, false},
		{Completed, Failed, false},
		{Failed, Completed, false},
		{Failed, Reversed, false},
		{Reversed, Completed, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.allowed, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestSignedDelta(t *testing.T) {
	amount := decimal.RequireFromString("25.50")

	deposit := Transaction{Type: Deposit, Amount: amount}
	assert.True(t, deposit.SignedDelta().Equal(amount))

	withdrawal := Transaction{Type: Withdrawal, Amount: amount}
	assert.True(t, withdrawal.SignedDelta().Equal(amount.Neg()))

	allocation := Transaction{Type: Allocation, Amount: amount}
	assert.True(t, allocation.SignedDelta().Equal(amount))

	credit := Transaction{Type: Correction, Amount: amount, Metadata: map[string]string{MetaCorrectionEffect: EffectCredit}}
	assert.True(t, credit.SignedDelta().Equal(amount))

	debit := Transaction{Type: Correction, Amount: amount, Metadata: map[string]string{MetaCorrectionEffect: EffectDebit}}
	assert.True(t, debit.SignedDelta().Equal(amount.Neg()))
}

func TestAllocable(t *testing.T) {
	assert.True(t, Deposit.Allocable())
	assert.False(t, Withdrawal.Allocable())
	assert.False(t, Transfer.Allocable())
	assert.False(t, Allocation.Allocable())
	assert.False(t, Correction.Allocable())
}
