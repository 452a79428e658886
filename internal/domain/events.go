package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys of outbound notification events.
const (
	EventClaimSucceeded  = "packet.claim.succeeded"
	EventPacketCompleted = "packet.completed"
	EventPacketClosed    = "packet.closed"
)

// Event is a fire-and-forget notification produced after a packet mutation commits.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	PacketID   uuid.UUID `json:"packet_id"`
	OwnerID    string    `json:"owner_id"`
	Currency   Currency  `json:"currency"`
	Status     Status    `json:"status"`
	ClaimantID string    `json:"claimant_id,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	// BestLuckClaimantID is set on completion of a RANDOM packet.
	BestLuckClaimantID string    `json:"best_luck_claimant_id,omitempty"`
	OperatorID         string    `json:"operator_id,omitempty"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// Routing keys of inbound funding events published by payment-gateway adapters.
const (
	FundingDepositConfirmed    = "funding.deposit.confirmed"
	FundingWithdrawalConfirmed = "funding.withdrawal.confirmed"
)

// FundingEvent is a confirmed deposit or withdrawal. Amount is a decimal string in major units.
type FundingEvent struct {
	EventID    string    `json:"event_id"`
	AccountID  string    `json:"account_id"`
	Currency   string    `json:"currency"`
	Amount     string    `json:"amount"`
	Gateway    string    `json:"gateway"`
	Reference  string    `json:"reference"`
	OccurredAt time.Time `json:"occurred_at"`
}
