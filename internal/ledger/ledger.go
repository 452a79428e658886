/**
 * @description
 * The ledger is the only path through which balances change. Every change is an
 * append-only entry carrying the resulting balance, so the cached balance of an
 * account always equals the sum of its entry deltas.
 *
 * @notes
 * - Writes are serialized per (account, currency) by the Store.
 * - An entry with an idempotency key is recorded at most once; replays return the
 *   original entry without moving money again.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
	maxCommitAttempts   = 3
)

// EntryRequest describes one balance change.
type EntryRequest struct {
	AccountID      string
	Currency       domain.Currency
	Delta          int64
	Category       domain.Category
	ReferenceType  string
	ReferenceID    string
	Note           string
	IdempotencyKey string
}

func (r EntryRequest) Key() domain.AccountKey {
	return domain.AccountKey{AccountID: r.AccountID, Currency: r.Currency}
}

func (r EntryRequest) validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", domain.ErrInvalidRequest)
	}
	if !r.Currency.Valid() {
		return domain.ErrInvalidCurrency
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", domain.ErrInvalidRequest, r.Category)
	}
	if r.Delta == 0 {
		return fmt.Errorf("%w: delta must be non-zero", domain.ErrInvalidAmountOrShareCount)
	}
	return nil
}

// Ledger records entries against a Store.
type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock overrides the entry timestamp source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// RecordEntry applies a single balance change and returns the stored entry.
func (l *Ledger) RecordEntry(ctx context.Context, req EntryRequest) (domain.LedgerEntry, error) {
	var recorded domain.LedgerEntry
	err := l.Atomically(ctx, []domain.AccountKey{req.Key()}, func(b *Batch) error {
		entry, _, err := b.Record(req)
		recorded = entry
		return err
	})
	return recorded, err
}

// Atomically locks every key, runs fn, and commits all entries fn recorded as one unit.
// fn may run more than once when a concurrent writer races on an idempotency key.
func (l *Ledger) Atomically(ctx context.Context, keys []domain.AccountKey, fn func(b *Batch) error) error {
	locked := canonicalKeys(keys)
	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		err = l.store.WithAccounts(ctx, locked, func(tx Tx) error {
			return fn(&Batch{tx: tx, ledger: l, locked: locked})
		})
		if !errors.Is(err, ErrDuplicateIdempotencyKey) {
			return err
		}
		log.Printf("level=warn component=ledger msg=\"idempotency key race; retrying\" attempt=%d", attempt)
	}
	return err
}

func (l *Ledger) GetBalance(ctx context.Context, accountID string, currency domain.Currency) (int64, error) {
	if !currency.Valid() {
		return 0, domain.ErrInvalidCurrency
	}
	return l.store.Balance(ctx, domain.AccountKey{AccountID: accountID, Currency: currency})
}

// GetHistory lists entries newest first.
func (l *Ledger) GetHistory(ctx context.Context, filter domain.HistoryFilter) ([]domain.LedgerEntry, error) {
	if strings.TrimSpace(filter.AccountID) == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrInvalidRequest)
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultHistoryLimit
	}
	if filter.Limit > MaxHistoryLimit {
		filter.Limit = MaxHistoryLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return l.store.History(ctx, filter)
}

// RebuildResult reports the cached balance before a rebuild and the balance recomputed from entries.
type RebuildResult struct {
	Key      domain.AccountKey `json:"key"`
	Cached   int64             `json:"cached"`
	Computed int64             `json:"computed"`
	Repaired bool              `json:"repaired"`
}

// Rebuild recomputes an account's cached balance from its entries and repairs drift.
func (l *Ledger) Rebuild(ctx context.Context, key domain.AccountKey) (RebuildResult, error) {
	result := RebuildResult{Key: key}
	err := l.store.WithAccounts(ctx, []domain.AccountKey{key}, func(tx Tx) error {
		cached, err := tx.Balance(key)
		if err != nil {
			return err
		}
		computed, err := tx.SumEntries(key)
		if err != nil {
			return err
		}
		result.Cached, result.Computed = cached, computed
		if cached == computed {
			return nil
		}
		result.Repaired = true
		log.Printf("level=warn component=ledger msg=\"cached balance drift repaired\" account=%s cached=%d computed=%d", key, cached, computed)
		return tx.OverwriteBalance(key, computed)
	})
	return result, err
}

// Batch records entries inside Atomically.
type Batch struct {
	tx     Tx
	ledger *Ledger
	locked []domain.AccountKey
}

func (b *Batch) Balance(key domain.AccountKey) (int64, error) {
	if !b.holds(key) {
		return 0, ErrAccountNotLocked
	}
	return b.tx.Balance(key)
}

// Lookup returns the entry already recorded under idempotencyKey, or nil.
func (b *Batch) Lookup(idempotencyKey string) (*domain.LedgerEntry, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	return b.tx.EntryByIdempotencyKey(idempotencyKey)
}

// Record applies req. applied is false when the idempotency key was already recorded,
// in which case the original entry is returned.
func (b *Batch) Record(req EntryRequest) (entry domain.LedgerEntry, applied bool, err error) {
	if err := req.validate(); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	key := req.Key()
	if !b.holds(key) {
		return domain.LedgerEntry{}, false, ErrAccountNotLocked
	}

	if existing, err := b.Lookup(req.IdempotencyKey); err != nil {
		return domain.LedgerEntry{}, false, err
	} else if existing != nil {
		if existing.Key() != key || existing.Delta != req.Delta {
			return *existing, false, fmt.Errorf("%w: %s", ErrIdempotencyConflict, req.IdempotencyKey)
		}
		return *existing, false, nil
	}

	balance, err := b.tx.Balance(key)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if req.Delta < 0 && balance+req.Delta < 0 {
		return domain.LedgerEntry{}, false, fmt.Errorf("%w: %s has %d, needs %d", domain.ErrInsufficientBalance, key, balance, -req.Delta)
	}

	entry = domain.LedgerEntry{
		ID:             uuid.New(),
		AccountID:      req.AccountID,
		Currency:       req.Currency,
		Delta:          req.Delta,
		BalanceAfter:   balance + req.Delta,
		Category:       req.Category,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      b.ledger.now().UTC(),
	}
	if err := b.tx.Append(entry); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	return entry, true, nil
}

func (b *Batch) holds(key domain.AccountKey) bool {
	for _, k := range b.locked {
		if k == key {
			return true
		}
	}
	return false
}

// canonicalKeys dedupes and sorts keys so concurrent multi-account batches lock in the same order.
func canonicalKeys(keys []domain.AccountKey) []domain.AccountKey {
	seen := make(map[domain.AccountKey]struct{}, len(keys))
	out := make([]domain.AccountKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
