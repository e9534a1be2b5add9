package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/allocation-ledger/internal/audit"
	"github.com/sheikh-saqib/allocation-ledger/internal/config"
	"github.com/sheikh-saqib/allocation-ledger/internal/interfaces"
	"github.com/sheikh-saqib/allocation-ledger/internal/ledgererr"
	"github.com/sheikh-saqib/allocation-ledger/internal/models"
)

// AccountService owns logical account records and balances. All balance
// mutation goes through ApplyDelta, inside the caller's storage transaction.
type AccountService struct {
	store      interfaces.Store
	auditor    *audit.Recorder
	authz      interfaces.Authorizer
	currencies config.Currencies
	log        zerolog.Logger
}

func NewAccountService(store interfaces.Store, auditor *audit.Recorder, authz interfaces.Authorizer, currencies config.Currencies, log zerolog.Logger) *AccountService {
	return &AccountService{
		store:      store,
		auditor:    auditor,
		authz:      authz,
		currencies: currencies,
		log:        log,
	}
}

// CreateAccountRequest is the administrative input for a new account.
type CreateAccountRequest struct {
	Name     string
	Type     models.AccountType
	Currency string
	Metadata map[string]string
}

// Create registers a new logical account with a zero balance.
func (s *AccountService) Create(ctx context.Context, principal models.Principal, req CreateAccountRequest) (models.Account, error) {
	if err := s.authz.Authorize(ctx, principal, interfaces.CapWrite); err != nil {
		return models.Account{}, err
	}
	if req.Name == "" {
		return models.Account{}, ledgererr.Validation("account name is required")
	}
	if !req.Type.Valid() {
		return models.Account{}, ledgererr.Validation("unknown account type %q", req.Type)
	}
	if !s.currencies.Recognized(req.Currency) {
		return models.Account{}, ledgererr.Validation("unrecognized currency %q", req.Currency)
	}

	now := time.Now().UTC()
	account := models.Account{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Type:      req.Type,
		Currency:  req.Currency,
		Balance:   decimal.Zero,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.store.WithinTx(ctx, func(tx interfaces.Tx) error {
		if err := tx.InsertAccount(ctx, account); err != nil {
			return err
		}
		return s.auditor.Record(ctx, tx, principal, "account.create", "account", account.ID, map[string]string{
			"name":     account.Name,
			"type":     string(account.Type),
			"currency": account.Currency,
		})
	})
	if err != nil {
		s.auditor.RecordFailure(ctx, s.store, principal, "account.create", "account", account.ID, err)
		return models.Account{}, err
	}

	s.log.Info().Str("account_id", account.ID).Str("name", account.Name).Msg("account created")
	return account, nil
}

// Disable soft-retires an account. Accounts are never hard-deleted.
func (s *AccountService) Disable(ctx context.Context, principal models.Principal, id string) error {
	return s.setDisabled(ctx, principal, id, true, "account.disable")
}

// Enable reactivates a previously disabled account.
func (s *AccountService) Enable(ctx context.Context, principal models.Principal, id string) error {
	return s.setDisabled(ctx, principal, id, false, "account.enable")
}

func (s *AccountService) setDisabled(ctx context.Context, principal models.Principal, id string, disabled bool, action string) error {
	if err := s.authz.Authorize(ctx, principal, interfaces.CapWrite); err != nil {
		return err
	}
	err := s.store.WithinTx(ctx, func(tx interfaces.Tx) error {
		if err := tx.SetAccountDisabled(ctx, id, disabled); err != nil {
			return err
		}
		return s.auditor.Record(ctx, tx, principal, action, "account", id, nil)
	})
	if err != nil {
		s.auditor.RecordFailure(ctx, s.store, principal, action, "account", id, err)
	}
	return err
}

// GetBalance returns the current balance. Disabled and missing accounts both
// report NotFound.
func (s *AccountService) GetBalance(ctx context.Context, id string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.store.WithinSnapshot(ctx, func(tx interfaces.Tx) error {
		account, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if account.Disabled {
			return ledgererr.NotFound("account", id)
		}
		balance = account.Balance
		return nil
	})
	return balance, err
}

// List returns every account, including disabled ones.
func (s *AccountService) List(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	err := s.store.WithinSnapshot(ctx, func(tx interfaces.Tx) error {
		var err error
		accounts, err = tx.ListAccounts(ctx)
		return err
	})
	return accounts, err
}

// ApplyDelta mutates a balance strictly inside the caller's active storage
// transaction, taking the row lock on the account so concurrent writers to
// the same account serialize. It is a primitive: auditing is the caller's
// responsibility.
func (s *AccountService) ApplyDelta(ctx context.Context, tx interfaces.Tx, accountID string, delta decimal.Decimal) (models.Account, error) {
	account, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return models.Account{}, err
	}
	if account.Disabled {
		return models.Account{}, ledgererr.NotFound("account", accountID)
	}
	account.Balance = account.Balance.Add(delta)
	if err := tx.UpdateAccountBalance(ctx, accountID, account.Balance); err != nil {
		return models.Account{}, err
	}
	return account, nil
}
