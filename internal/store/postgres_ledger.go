package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/ledger"
)

const ledgerEntryColumns = `id, account_id, currency, delta, balance_after, category, reference_type,
	reference_id, note, idempotency_key, created_at`

// PostgresLedgerStore is the durable ledger.Store. Per-account serialization comes from
// row locks on account_balances taken in the canonical key order.
type PostgresLedgerStore struct {
	db *pgxpool.Pool
}

func NewPostgresLedgerStore(db *pgxpool.Pool) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db}
}

func (s *PostgresLedgerStore) WithAccounts(ctx context.Context, keys []domain.AccountKey, fn func(tx ledger.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, k := range keys {
		if _, err := tx.Exec(ctx, `
			INSERT INTO account_balances (account_id, currency, balance, updated_at)
			VALUES ($1, $2, 0, NOW())
			ON CONFLICT (account_id, currency) DO NOTHING
		`, k.AccountID, string(k.Currency)); err != nil {
			return fmt.Errorf("failed to ensure balance row for %s: %w", k, err)
		}
		var locked int64
		if err := tx.QueryRow(ctx, `
			SELECT balance FROM account_balances WHERE account_id = $1 AND currency = $2 FOR UPDATE
		`, k.AccountID, string(k.Currency)).Scan(&locked); err != nil {
			return fmt.Errorf("failed to lock balance row for %s: %w", k, err)
		}
	}

	if err := fn(&postgresLedgerTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return err
	}
	return nil
}

func (s *PostgresLedgerStore) Balance(ctx context.Context, key domain.AccountKey) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `SELECT balance FROM account_balances WHERE account_id = $1 AND currency = $2`,
		key.AccountID, string(key.Currency)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

func (s *PostgresLedgerStore) History(ctx context.Context, filter domain.HistoryFilter) ([]domain.LedgerEntry, error) {
	conditions := []string{"account_id = $1"}
	args := []any{filter.AccountID}
	if filter.Currency != nil {
		args = append(args, string(*filter.Currency))
		conditions = append(conditions, fmt.Sprintf("currency = $%d", len(args)))
	}
	if filter.Category != nil {
		args = append(args, string(*filter.Category))
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT %s FROM ledger_entries
		WHERE %s
		ORDER BY seq DESC
		LIMIT $%d OFFSET $%d
	`, ledgerEntryColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanLedgerEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var currency, category string
	var idemKey *string
	if err := row.Scan(&e.ID, &e.AccountID, &currency, &e.Delta, &e.BalanceAfter, &category,
		&e.ReferenceType, &e.ReferenceID, &e.Note, &idemKey, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Currency, e.Category = domain.Currency(currency), domain.Category(category)
	if idemKey != nil {
		e.IdempotencyKey = *idemKey
	}
	return &e, nil
}

type postgresLedgerTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *postgresLedgerTx) Balance(key domain.AccountKey) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(t.ctx, `SELECT balance FROM account_balances WHERE account_id = $1 AND currency = $2`,
		key.AccountID, string(key.Currency)).Scan(&balance)
	return balance, err
}

func (t *postgresLedgerTx) EntryByIdempotencyKey(idempotencyKey string) (*domain.LedgerEntry, error) {
	e, err := scanLedgerEntry(t.tx.QueryRow(t.ctx,
		`SELECT `+ledgerEntryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, idempotencyKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (t *postgresLedgerTx) Append(e domain.LedgerEntry) error {
	var idemKey *string
	if e.IdempotencyKey != "" {
		idemKey = &e.IdempotencyKey
	}
	if _, err := t.tx.Exec(t.ctx, `
		INSERT INTO ledger_entries (`+ledgerEntryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.AccountID, string(e.Currency), e.Delta, e.BalanceAfter, string(e.Category),
		e.ReferenceType, e.ReferenceID, e.Note, idemKey, e.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return t.OverwriteBalance(e.Key(), e.BalanceAfter)
}

func (t *postgresLedgerTx) SumEntries(key domain.AccountKey) (int64, error) {
	var total int64
	err := t.tx.QueryRow(t.ctx, `
		SELECT COALESCE(SUM(delta), 0)::bigint FROM ledger_entries WHERE account_id = $1 AND currency = $2
	`, key.AccountID, string(key.Currency)).Scan(&total)
	return total, err
}

func (t *postgresLedgerTx) OverwriteBalance(key domain.AccountKey, balance int64) error {
	_, err := t.tx.Exec(t.ctx, `
		UPDATE account_balances SET balance = $3, updated_at = NOW()
		WHERE account_id = $1 AND currency = $2
	`, key.AccountID, string(key.Currency), balance)
	return err
}
