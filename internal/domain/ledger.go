package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category classifies a ledger entry.
type Category string

const (
	CategoryDeposit       Category = "DEPOSIT"
	CategoryWithdraw      Category = "WITHDRAW"
	CategorySendPacket    Category = "SEND_PACKET"
	CategoryClaimPacket   Category = "CLAIM_PACKET"
	CategoryPenalty       Category = "PENALTY"
	CategoryReferralBonus Category = "REFERRAL_BONUS"
	CategoryAdminAdjust   Category = "ADMIN_ADJUST"
	CategoryPacketRefund  Category = "PACKET_REFUND"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryDeposit, CategoryWithdraw, CategorySendPacket, CategoryClaimPacket,
		CategoryPenalty, CategoryReferralBonus, CategoryAdminAdjust, CategoryPacketRefund:
		return true
	}
	return false
}

// AccountKey addresses one balance: an account in one currency.
type AccountKey struct {
	AccountID string   `json:"account_id"`
	Currency  Currency `json:"currency"`
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%s/%s", k.AccountID, k.Currency)
}

// Less orders keys canonically so multi-account operations lock in a stable order.
func (k AccountKey) Less(other AccountKey) bool {
	if k.AccountID != other.AccountID {
		return k.AccountID < other.AccountID
	}
	return k.Currency < other.Currency
}

// LedgerEntry is one immutable, signed balance-affecting record.
type LedgerEntry struct {
	ID             uuid.UUID `json:"id"`
	AccountID      string    `json:"account_id"`
	Currency       Currency  `json:"currency"`
	Delta          int64     `json:"delta"`
	BalanceAfter   int64     `json:"balance_after"`
	Category       Category  `json:"category"`
	ReferenceType  string    `json:"reference_type,omitempty"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	Note           string    `json:"note,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (e LedgerEntry) Key() AccountKey {
	return AccountKey{AccountID: e.AccountID, Currency: e.Currency}
}

// AccountBalance is the cached balance of one account+currency.
type AccountBalance struct {
	AccountID string    `json:"account_id"`
	Currency  Currency  `json:"currency"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryFilter selects ledger entries for an account. Currency and Category are optional.
type HistoryFilter struct {
	AccountID string
	Currency  *Currency
	Category  *Category
	Limit     int
	Offset    int
}

// Matches reports whether the entry satisfies the filter's account, currency and category.
func (f HistoryFilter) Matches(e LedgerEntry) bool {
	if e.AccountID != f.AccountID {
		return false
	}
	if f.Currency != nil && e.Currency != *f.Currency {
		return false
	}
	if f.Category != nil && e.Category != *f.Category {
		return false
	}
	return true
}

// Reference types carried on ledger entries.
const (
	ReferencePacket  = "packet"
	ReferenceClaim   = "claim"
	ReferenceFunding = "funding"
	ReferenceManual  = "manual"
)
