/**
 * @description
 * Schema for the durable store, declared as gorm models and applied with AutoMigrate.
 * Runtime queries go through pgx (see postgres_repository.go and postgres_ledger.go);
 * gorm is only used to create and evolve the tables those queries read.
 *
 * @dependencies
 * - gorm.io/gorm, gorm.io/driver/postgres: schema migration.
 */

package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type packetModel struct {
	ID              uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	OwnerID         string     `gorm:"column:owner_id;type:text;not null;index"`
	Currency        string     `gorm:"column:currency;type:varchar(16);not null"`
	Mode            string     `gorm:"column:mode;type:varchar(16);not null"`
	TotalAmount     int64      `gorm:"column:total_amount;not null;check:chk_packets_total_amount,total_amount > 0"`
	TotalShares     int        `gorm:"column:total_shares;not null;check:chk_packets_total_shares,total_shares BETWEEN 1 AND 100"`
	ClaimedAmount   int64      `gorm:"column:claimed_amount;not null;default:0;check:chk_packets_claimed_amount,claimed_amount BETWEEN 0 AND total_amount"`
	ClaimedCount    int        `gorm:"column:claimed_count;not null;default:0;check:chk_packets_claimed_count,claimed_count BETWEEN 0 AND total_shares"`
	Message         string     `gorm:"column:message;type:text;not null;default:''"`
	PenaltyDigit    *int       `gorm:"column:penalty_digit"`
	Status          string     `gorm:"column:status;type:varchar(16);not null;index:idx_packets_status_expires,priority:1"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null"`
	ExpiresAt       time.Time  `gorm:"column:expires_at;not null;index:idx_packets_status_expires,priority:2"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	ClosedBy        *string    `gorm:"column:closed_by;type:text"`
	RefundSettledAt *time.Time `gorm:"column:refund_settled_at"`
}

func (packetModel) TableName() string { return "packets" }

type claimModel struct {
	ID               uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	PacketID         uuid.UUID  `gorm:"column:packet_id;type:uuid;not null;uniqueIndex:uq_claims_packet_claimant,priority:1"`
	ClaimantID       string     `gorm:"column:claimant_id;type:text;not null;uniqueIndex:uq_claims_packet_claimant,priority:2"`
	Amount           int64      `gorm:"column:amount;not null"`
	PenaltyTriggered bool       `gorm:"column:penalty_triggered;not null;default:false"`
	PenaltyAmount    *int64     `gorm:"column:penalty_amount"`
	PenaltyClamped   bool       `gorm:"column:penalty_clamped;not null;default:false"`
	IsBestLuck       bool       `gorm:"column:is_best_luck;not null;default:false"`
	Seq              int        `gorm:"column:seq;not null"`
	ClaimedAt        time.Time  `gorm:"column:claimed_at;not null"`
	SettledAt        *time.Time `gorm:"column:settled_at;index"`
}

func (claimModel) TableName() string { return "packet_claims" }

type ledgerEntryModel struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Seq            int64     `gorm:"column:seq;type:bigserial;not null;uniqueIndex"`
	AccountID      string    `gorm:"column:account_id;type:text;not null;index:idx_ledger_entries_account,priority:1"`
	Currency       string    `gorm:"column:currency;type:varchar(16);not null;index:idx_ledger_entries_account,priority:2"`
	Delta          int64     `gorm:"column:delta;not null"`
	BalanceAfter   int64     `gorm:"column:balance_after;not null"`
	Category       string    `gorm:"column:category;type:varchar(32);not null"`
	ReferenceType  string    `gorm:"column:reference_type;type:varchar(32);not null;default:''"`
	ReferenceID    string    `gorm:"column:reference_id;type:text;not null;default:''"`
	Note           string    `gorm:"column:note;type:text;not null;default:''"`
	IdempotencyKey *string   `gorm:"column:idempotency_key;type:text;uniqueIndex"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

func (ledgerEntryModel) TableName() string { return "ledger_entries" }

type accountBalanceModel struct {
	AccountID string    `gorm:"column:account_id;type:text;primaryKey"`
	Currency  string    `gorm:"column:currency;type:varchar(16);primaryKey"`
	Balance   int64     `gorm:"column:balance;not null;default:0;check:chk_account_balances_non_negative,balance >= 0"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (accountBalanceModel) TableName() string { return "account_balances" }

// AutoMigrate creates or updates every table the service reads and writes.
func AutoMigrate(ctx context.Context, databaseURL string) error {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open gorm connection: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("unwrap gorm connection: %w", err)
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(
		&packetModel{},
		&claimModel{},
		&ledgerEntryModel{},
		&accountBalanceModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	log.Println("level=info component=store msg=\"schema migrated\"")
	return nil
}
