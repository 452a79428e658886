/**
 * @description
 * Core packet and claim models. A packet is a funded pool split into a fixed number
 * of shares; a claim is one claimant's allocation against it.
 *
 * @notes
 * - Amounts are int64 minor units of the packet's currency (see currency.go).
 * - Only the claim coordinator mutates ClaimedAmount/ClaimedCount/Status.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects how a packet's pool is split between claimants.
type Mode string

const (
	ModeEven    Mode = "EVEN"
	ModeRandom  Mode = "RANDOM"
	ModePenalty Mode = "PENALTY"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeEven, ModeRandom, ModePenalty:
		return true
	}
	return false
}

// Status is the packet state machine. Every state other than ACTIVE is terminal.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusExpired   Status = "EXPIRED"
	StatusRefunded  Status = "REFUNDED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusRefunded
}

// Packet is one allocation pool and its live aggregate state.
type Packet struct {
	ID            uuid.UUID  `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Currency      Currency   `json:"currency"`
	Mode          Mode       `json:"mode"`
	TotalAmount   int64      `json:"total_amount"`
	TotalShares   int        `json:"total_shares"`
	ClaimedAmount int64      `json:"claimed_amount"`
	ClaimedCount  int        `json:"claimed_count"`
	Message       string     `json:"message"`
	PenaltyDigit  *int       `json:"penalty_digit,omitempty"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	// ClosedBy is the operator that refunded or force-completed the packet.
	ClosedBy *string `json:"closed_by,omitempty"`
	// RefundSettledAt is set once the unclaimed remainder of a terminal packet
	// has been returned to the owner.
	RefundSettledAt *time.Time `json:"refund_settled_at,omitempty"`
}

func (p *Packet) RemainingAmount() int64 {
	return p.TotalAmount - p.ClaimedAmount
}

func (p *Packet) RemainingShares() int {
	return p.TotalShares - p.ClaimedCount
}

// Exhausted reports whether every share has been claimed.
func (p *Packet) Exhausted() bool {
	return p.ClaimedCount >= p.TotalShares
}

// ExpiredAt reports whether the packet's expiry has passed at now.
func (p *Packet) ExpiredAt(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// NeedsRefund reports whether a terminal packet still owes its owner the unclaimed remainder.
func (p *Packet) NeedsRefund() bool {
	return p.Status.Terminal() && p.RemainingAmount() > 0 && p.RefundSettledAt == nil
}

// Claim is one claimant's successful allocation against a packet.
type Claim struct {
	ID               uuid.UUID `json:"id"`
	PacketID         uuid.UUID `json:"packet_id"`
	ClaimantID       string    `json:"claimant_id"`
	Amount           int64     `json:"amount"`
	PenaltyTriggered bool      `json:"penalty_triggered"`
	// PenaltyAmount is the amount actually collected from the claimant once settled,
	// or the amount due while the claim is unsettled.
	PenaltyAmount  *int64 `json:"penalty_amount,omitempty"`
	PenaltyClamped bool   `json:"penalty_clamped"`
	IsBestLuck     bool   `json:"is_best_luck"`
	// Seq is the 1-based admission order of the claim within its packet.
	Seq       int        `json:"seq"`
	ClaimedAt time.Time  `json:"claimed_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// CreatePacketRequest is the input of packet creation. Amounts are minor units.
type CreatePacketRequest struct {
	OwnerID      string
	Currency     Currency
	Mode         Mode
	TotalAmount  int64
	TotalShares  int
	PenaltyDigit *int
	Message      string
	// ExpiresAt defaults to the configured TTL when zero.
	ExpiresAt time.Time
}

// ClaimResult is returned to the caller of a successful claim.
type ClaimResult struct {
	Claim            Claim    `json:"claim"`
	Currency         Currency `json:"currency"`
	Amount           int64    `json:"amount"`
	PenaltyTriggered bool     `json:"penalty_triggered"`
	PenaltyAmount    *int64   `json:"penalty_amount,omitempty"`
	IsBestLuck       bool     `json:"is_best_luck"`
	NewBalance       int64    `json:"new_balance"`
	// Settled is false when the ledger posting is pending reconciliation.
	Settled         bool `json:"settled"`
	PacketCompleted bool `json:"packet_completed"`
}

// PacketStatus is the read model returned by status queries.
type PacketStatus struct {
	Packet Packet  `json:"packet"`
	Claims []Claim `json:"claims"`
}
