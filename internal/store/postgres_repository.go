/**
 * @description
 * This file provides the PostgreSQL implementation of PacketRepository. Claim commits
 * lock the packet row with SELECT ... FOR UPDATE so the aggregate check and the claim
 * insert happen in one transaction; the (packet_id, claimant_id) unique index is the
 * last line of defence against a double claim.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: packet and claim models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

const packetColumns = `id, owner_id, currency, mode, total_amount, total_shares, claimed_amount,
	claimed_count, message, penalty_digit, status, created_at, expires_at, completed_at,
	closed_by, refund_settled_at`

const claimColumns = `id, packet_id, claimant_id, amount, penalty_triggered, penalty_amount,
	penalty_clamped, is_best_luck, seq, claimed_at, settled_at`

// PostgresRepository is the durable PacketRepository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanPacket(row pgx.Row) (*domain.Packet, error) {
	var p domain.Packet
	var currency, mode, status string
	err := row.Scan(
		&p.ID, &p.OwnerID, &currency, &mode, &p.TotalAmount, &p.TotalShares, &p.ClaimedAmount,
		&p.ClaimedCount, &p.Message, &p.PenaltyDigit, &status, &p.CreatedAt, &p.ExpiresAt, &p.CompletedAt,
		&p.ClosedBy, &p.RefundSettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPacketNotFound
		}
		return nil, err
	}
	p.Currency, p.Mode, p.Status = domain.Currency(currency), domain.Mode(mode), domain.Status(status)
	return &p, nil
}

func scanClaim(row pgx.Row) (*domain.Claim, error) {
	var c domain.Claim
	err := row.Scan(
		&c.ID, &c.PacketID, &c.ClaimantID, &c.Amount, &c.PenaltyTriggered, &c.PenaltyAmount,
		&c.PenaltyClamped, &c.IsBestLuck, &c.Seq, &c.ClaimedAt, &c.SettledAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectClaims(rows pgx.Rows) ([]domain.Claim, error) {
	defer rows.Close()
	var claims []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, *c)
	}
	return claims, rows.Err()
}

func insertClaim(ctx context.Context, tx pgx.Tx, c domain.Claim, onConflictDoNothing bool) (int64, error) {
	query := `
		INSERT INTO packet_claims (` + claimColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if onConflictDoNothing {
		query += ` ON CONFLICT DO NOTHING`
	}
	tag, err := tx.Exec(ctx, query,
		c.ID, c.PacketID, c.ClaimantID, c.Amount, c.PenaltyTriggered, c.PenaltyAmount,
		c.PenaltyClamped, c.IsBestLuck, c.Seq, c.ClaimedAt, c.SettledAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreatePacket persists a newly funded packet.
func (r *PostgresRepository) CreatePacket(ctx context.Context, p *domain.Packet) error {
	query := `INSERT INTO packets (` + packetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := r.db.Exec(ctx, query,
		p.ID, p.OwnerID, string(p.Currency), string(p.Mode), p.TotalAmount, p.TotalShares, p.ClaimedAmount,
		p.ClaimedCount, p.Message, p.PenaltyDigit, string(p.Status), p.CreatedAt, p.ExpiresAt, p.CompletedAt,
		p.ClosedBy, p.RefundSettledAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPacketExists
		}
		return fmt.Errorf("failed to insert packet: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetPacket(ctx context.Context, id uuid.UUID) (*domain.Packet, error) {
	return scanPacket(r.db.QueryRow(ctx, `SELECT `+packetColumns+` FROM packets WHERE id = $1`, id))
}

func (r *PostgresRepository) FindClaim(ctx context.Context, packetID uuid.UUID, claimantID string) (*domain.Claim, error) {
	c, err := scanClaim(r.db.QueryRow(ctx,
		`SELECT `+claimColumns+` FROM packet_claims WHERE packet_id = $1 AND claimant_id = $2`,
		packetID, claimantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (r *PostgresRepository) ListClaims(ctx context.Context, packetID uuid.UUID) ([]domain.Claim, error) {
	rows, err := r.db.Query(ctx, `SELECT `+claimColumns+` FROM packet_claims WHERE packet_id = $1 ORDER BY seq`, packetID)
	if err != nil {
		return nil, err
	}
	return collectClaims(rows)
}

// CommitClaim stores the claim and the packet's new aggregates in one transaction.
func (r *PostgresRepository) CommitClaim(ctx context.Context, next *domain.Packet, claim domain.Claim, expectedCount int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the packet row and re-check the aggregate the caller computed from.
	var status string
	var claimedCount int
	err = tx.QueryRow(ctx, `SELECT status, claimed_count FROM packets WHERE id = $1 FOR UPDATE`, next.ID).
		Scan(&status, &claimedCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrPacketNotFound
		}
		return fmt.Errorf("failed to lock packet: %w", err)
	}
	if domain.Status(status) != domain.StatusActive {
		return domain.ErrPacketNotActive
	}
	if claimedCount != expectedCount {
		return ErrConcurrentUpdate
	}

	// 2. Insert the claim; the unique index rejects a second claim by the same claimant.
	if _, err := insertClaim(ctx, tx, claim, false); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateClaim
		}
		return fmt.Errorf("failed to insert claim: %w", err)
	}

	// 3. Write the new aggregates.
	_, err = tx.Exec(ctx, `
		UPDATE packets
		SET claimed_amount = $2, claimed_count = $3, status = $4, completed_at = $5, refund_settled_at = $6
		WHERE id = $1
	`, next.ID, next.ClaimedAmount, next.ClaimedCount, string(next.Status), next.CompletedAt, next.RefundSettledAt)
	if err != nil {
		return fmt.Errorf("failed to update packet aggregates: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) SetBestLuck(ctx context.Context, packetID, claimID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE packet_claims SET is_best_luck = (id = $2) WHERE packet_id = $1`, packetID, claimID)
	return err
}

func (r *PostgresRepository) TransitionPacket(ctx context.Context, id uuid.UUID, to domain.Status, at time.Time, operatorID *string) (*domain.Packet, error) {
	p, err := scanPacket(r.db.QueryRow(ctx, `
		UPDATE packets
		SET status = $2,
		    completed_at = $3,
		    closed_by = $4,
		    refund_settled_at = CASE WHEN claimed_amount = total_amount THEN $3 ELSE refund_settled_at END
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING `+packetColumns, id, string(to), at, operatorID))
	if errors.Is(err, domain.ErrPacketNotFound) {
		if _, getErr := r.GetPacket(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, domain.ErrPacketNotActive
	}
	return p, err
}

func (r *PostgresRepository) MarkClaimSettled(ctx context.Context, claim domain.Claim) error {
	_, err := r.db.Exec(ctx, `
		UPDATE packet_claims
		SET settled_at = COALESCE(settled_at, $2), penalty_amount = $3, penalty_clamped = $4
		WHERE id = $1
	`, claim.ID, claim.SettledAt, claim.PenaltyAmount, claim.PenaltyClamped)
	return err
}

func (r *PostgresRepository) MarkRefundSettled(ctx context.Context, packetID uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE packets SET refund_settled_at = COALESCE(refund_settled_at, $2) WHERE id = $1`, packetID, at)
	return err
}

func (r *PostgresRepository) ListDuePackets(ctx context.Context, now time.Time, limit int) ([]domain.Packet, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+packetColumns+`
		FROM packets
		WHERE (status = 'ACTIVE' AND expires_at <= $1)
		   OR (status <> 'ACTIVE' AND refund_settled_at IS NULL AND claimed_amount < total_amount)
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packets []domain.Packet
	for rows.Next() {
		p, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		packets = append(packets, *p)
	}
	return packets, rows.Err()
}

// ReplayClaim inserts a claim committed by a working store. Duplicates are a no-op.
func (r *PostgresRepository) ReplayClaim(ctx context.Context, claim domain.Claim) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT true FROM packets WHERE id = $1 FOR UPDATE`, claim.PacketID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrPacketNotFound
		}
		return false, fmt.Errorf("failed to lock packet: %w", err)
	}

	inserted, err := insertClaim(ctx, tx, claim, true)
	if err != nil {
		return false, fmt.Errorf("failed to replay claim: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE packets
		SET claimed_amount = claimed_amount + $2, claimed_count = claimed_count + 1
		WHERE id = $1
	`, claim.PacketID, claim.Amount); err != nil {
		return false, fmt.Errorf("failed to replay packet aggregates: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *PostgresRepository) ApplyPacketSnapshot(ctx context.Context, p *domain.Packet) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE packets
		SET status = CASE WHEN status = 'ACTIVE' AND $2 <> 'ACTIVE' THEN $2 ELSE status END,
		    completed_at = CASE WHEN status = 'ACTIVE' AND $2 <> 'ACTIVE' THEN $3 ELSE completed_at END,
		    closed_by = CASE WHEN status = 'ACTIVE' AND $2 <> 'ACTIVE' THEN $4 ELSE closed_by END,
		    refund_settled_at = COALESCE(refund_settled_at, $5)
		WHERE id = $1
	`, p.ID, string(p.Status), p.CompletedAt, p.ClosedBy, p.RefundSettledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPacketNotFound
	}
	return nil
}

func (r *PostgresRepository) ListUnsettledClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.Claim, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+claimColumns+`
		FROM packet_claims
		WHERE settled_at IS NULL AND claimed_at <= $1
		ORDER BY claimed_at
		LIMIT $2
	`, claimedBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectClaims(rows)
}
