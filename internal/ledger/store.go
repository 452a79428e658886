package ledger

import (
	"context"
	"errors"

	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

var (
	// ErrDuplicateIdempotencyKey is returned by a Store when a concurrent writer committed
	// the same idempotency key first. The Ledger retries, which then observes that entry.
	ErrDuplicateIdempotencyKey = errors.New("ledger entry idempotency key already recorded")
	ErrIdempotencyConflict     = errors.New("idempotency key reused for a different ledger entry")
	ErrAccountNotLocked        = errors.New("ledger entry targets an account outside the locked set")
)

// Store persists entries and cached balances. Implementations must give WithAccounts
// exclusive access per (account, currency) for the duration of fn and apply every
// Append made through tx atomically, or none of them when fn returns an error.
type Store interface {
	WithAccounts(ctx context.Context, keys []domain.AccountKey, fn func(tx Tx) error) error
	Balance(ctx context.Context, key domain.AccountKey) (int64, error)
	History(ctx context.Context, filter domain.HistoryFilter) ([]domain.LedgerEntry, error)
}

// Tx is the view of the store inside WithAccounts.
type Tx interface {
	Balance(key domain.AccountKey) (int64, error)
	// EntryByIdempotencyKey returns nil, nil when no entry carries the key.
	EntryByIdempotencyKey(idempotencyKey string) (*domain.LedgerEntry, error)
	// Append stores the entry and sets the cached balance to entry.BalanceAfter.
	Append(entry domain.LedgerEntry) error
	SumEntries(key domain.AccountKey) (int64, error)
	// OverwriteBalance replaces the cached balance; only Rebuild uses it.
	OverwriteBalance(key domain.AccountKey, balance int64) error
}
