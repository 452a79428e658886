package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/lane"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/ledger"
)

// MemoryLedgerStore is an in-process ledger.Store. Each (account, currency) has its own
// lane; entries staged inside WithAccounts become visible only when fn succeeds.
type MemoryLedgerStore struct {
	lanes *lane.Registry[domain.AccountKey]

	mu        sync.RWMutex
	entries   []domain.LedgerEntry
	byAccount map[domain.AccountKey][]int
	byIdemKey map[string]int
	balances  map[domain.AccountKey]domain.AccountBalance
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		lanes:     lane.NewRegistry[domain.AccountKey](),
		byAccount: make(map[domain.AccountKey][]int),
		byIdemKey: make(map[string]int),
		balances:  make(map[domain.AccountKey]domain.AccountBalance),
	}
}

func (s *MemoryLedgerStore) WithAccounts(ctx context.Context, keys []domain.AccountKey, fn func(tx ledger.Tx) error) error {
	releases := make([]func(), 0, len(keys))
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()
	for _, k := range keys {
		release, err := s.lanes.Acquire(ctx, k)
		if err != nil {
			return err
		}
		releases = append(releases, release)
	}

	tx := &memoryLedgerTx{
		store:     s,
		balances:  make(map[domain.AccountKey]int64),
		overwrite: make(map[domain.AccountKey]int64),
		byIdemKey: make(map[string]int),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryLedgerStore) commit(tx *memoryLedgerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range tx.staged {
		if e.IdempotencyKey == "" {
			continue
		}
		if _, ok := s.byIdemKey[e.IdempotencyKey]; ok {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}

	now := time.Now().UTC()
	for k, bal := range tx.overwrite {
		s.balances[k] = domain.AccountBalance{AccountID: k.AccountID, Currency: k.Currency, Balance: bal, UpdatedAt: now}
	}
	for _, e := range tx.staged {
		idx := len(s.entries)
		s.entries = append(s.entries, e)
		s.byAccount[e.Key()] = append(s.byAccount[e.Key()], idx)
		if e.IdempotencyKey != "" {
			s.byIdemKey[e.IdempotencyKey] = idx
		}
		s.balances[e.Key()] = domain.AccountBalance{AccountID: e.AccountID, Currency: e.Currency, Balance: e.BalanceAfter, UpdatedAt: e.CreatedAt}
	}
	return nil
}

func (s *MemoryLedgerStore) Balance(ctx context.Context, key domain.AccountKey) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[key].Balance, nil
}

func (s *MemoryLedgerStore) History(ctx context.Context, filter domain.HistoryFilter) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var indexes []int
	for key, idx := range s.byAccount {
		if key.AccountID == filter.AccountID {
			indexes = append(indexes, idx...)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(indexes)))

	out := make([]domain.LedgerEntry, 0, filter.Limit)
	skipped := 0
	for _, idx := range indexes {
		e := s.entries[idx]
		if !filter.Matches(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Corrupt overwrites a cached balance without an entry. Tests use it to exercise Rebuild.
func (s *MemoryLedgerStore) Corrupt(key domain.AccountKey, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balances[key]
	b.AccountID, b.Currency, b.Balance = key.AccountID, key.Currency, balance
	s.balances[key] = b
}

type memoryLedgerTx struct {
	store     *MemoryLedgerStore
	staged    []domain.LedgerEntry
	balances  map[domain.AccountKey]int64
	overwrite map[domain.AccountKey]int64
	byIdemKey map[string]int
}

func (t *memoryLedgerTx) Balance(key domain.AccountKey) (int64, error) {
	if bal, ok := t.balances[key]; ok {
		return bal, nil
	}
	if bal, ok := t.overwrite[key]; ok {
		return bal, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.balances[key].Balance, nil
}

func (t *memoryLedgerTx) EntryByIdempotencyKey(idempotencyKey string) (*domain.LedgerEntry, error) {
	if idx, ok := t.byIdemKey[idempotencyKey]; ok {
		e := t.staged[idx]
		return &e, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if idx, ok := t.store.byIdemKey[idempotencyKey]; ok {
		e := t.store.entries[idx]
		return &e, nil
	}
	return nil, nil
}

func (t *memoryLedgerTx) Append(entry domain.LedgerEntry) error {
	if entry.IdempotencyKey != "" {
		t.byIdemKey[entry.IdempotencyKey] = len(t.staged)
	}
	t.staged = append(t.staged, entry)
	t.balances[entry.Key()] = entry.BalanceAfter
	return nil
}

func (t *memoryLedgerTx) SumEntries(key domain.AccountKey) (int64, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var total int64
	for _, idx := range t.store.byAccount[key] {
		total += t.store.entries[idx].Delta
	}
	for _, e := range t.staged {
		if e.Key() == key {
			total += e.Delta
		}
	}
	return total, nil
}

func (t *memoryLedgerTx) OverwriteBalance(key domain.AccountKey, balance int64) error {
	t.overwrite[key] = balance
	delete(t.balances, key)
	return nil
}
