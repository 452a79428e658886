package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

// Response bodies render amounts as decimal strings in the currency's major unit.

type packetView struct {
	ID              uuid.UUID       `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Currency        domain.Currency `json:"currency"`
	Mode            domain.Mode     `json:"mode"`
	Status          domain.Status   `json:"status"`
	TotalAmount     string          `json:"total_amount"`
	ClaimedAmount   string          `json:"claimed_amount"`
	RemainingAmount string          `json:"remaining_amount"`
	TotalShares     int             `json:"total_shares"`
	ClaimedCount    int             `json:"claimed_count"`
	RemainingShares int             `json:"remaining_shares"`
	PenaltyDigit    *int            `json:"penalty_digit,omitempty"`
	Message         string          `json:"message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ClosedBy        *string         `json:"closed_by,omitempty"`
}

func newPacketView(p *domain.Packet) packetView {
	return packetView{
		ID:              p.ID,
		OwnerID:         p.OwnerID,
		Currency:        p.Currency,
		Mode:            p.Mode,
		Status:          p.Status,
		TotalAmount:     p.Currency.FormatAmount(p.TotalAmount),
		ClaimedAmount:   p.Currency.FormatAmount(p.ClaimedAmount),
		RemainingAmount: p.Currency.FormatAmount(p.RemainingAmount()),
		TotalShares:     p.TotalShares,
		ClaimedCount:    p.ClaimedCount,
		RemainingShares: p.RemainingShares(),
		PenaltyDigit:    p.PenaltyDigit,
		Message:         p.Message,
		CreatedAt:       p.CreatedAt,
		ExpiresAt:       p.ExpiresAt,
		CompletedAt:     p.CompletedAt,
		ClosedBy:        p.ClosedBy,
	}
}

type claimView struct {
	ID               uuid.UUID `json:"id"`
	ClaimantID       string    `json:"claimant_id"`
	Amount           string    `json:"amount"`
	PenaltyTriggered bool      `json:"penalty_triggered"`
	PenaltyAmount    *string   `json:"penalty_amount,omitempty"`
	PenaltyClamped   bool      `json:"penalty_clamped,omitempty"`
	IsBestLuck       bool      `json:"is_best_luck"`
	Seq              int       `json:"seq"`
	ClaimedAt        time.Time `json:"claimed_at"`
}

func newClaimView(currency domain.Currency, c domain.Claim) claimView {
	return claimView{
		ID:               c.ID,
		ClaimantID:       c.ClaimantID,
		Amount:           currency.FormatAmount(c.Amount),
		PenaltyTriggered: c.PenaltyTriggered,
		PenaltyAmount:    formatOptional(currency, c.PenaltyAmount),
		PenaltyClamped:   c.PenaltyClamped,
		IsBestLuck:       c.IsBestLuck,
		Seq:              c.Seq,
		ClaimedAt:        c.ClaimedAt,
	}
}

type packetStatusView struct {
	Packet packetView  `json:"packet"`
	Claims []claimView `json:"claims"`
}

func newPacketStatusView(s *domain.PacketStatus) packetStatusView {
	claims := make([]claimView, 0, len(s.Claims))
	for _, c := range s.Claims {
		claims = append(claims, newClaimView(s.Packet.Currency, c))
	}
	return packetStatusView{Packet: newPacketView(&s.Packet), Claims: claims}
}

type claimResultView struct {
	PacketID         uuid.UUID       `json:"packet_id"`
	ClaimID          uuid.UUID       `json:"claim_id"`
	Currency         domain.Currency `json:"currency"`
	Amount           string          `json:"amount"`
	PenaltyTriggered bool            `json:"penalty_triggered"`
	PenaltyAmount    *string         `json:"penalty_amount,omitempty"`
	IsBestLuck       bool            `json:"is_best_luck"`
	NewBalance       string          `json:"new_balance"`
	Settled          bool            `json:"settled"`
	PacketCompleted  bool            `json:"packet_completed"`
}

func newClaimResultView(packetID uuid.UUID, res *domain.ClaimResult) claimResultView {
	return claimResultView{
		PacketID:         packetID,
		ClaimID:          res.Claim.ID,
		Currency:         res.Currency,
		Amount:           res.Currency.FormatAmount(res.Amount),
		PenaltyTriggered: res.PenaltyTriggered,
		PenaltyAmount:    formatOptional(res.Currency, res.PenaltyAmount),
		IsBestLuck:       res.IsBestLuck,
		NewBalance:       res.Currency.FormatAmount(res.NewBalance),
		Settled:          res.Settled,
		PacketCompleted:  res.PacketCompleted,
	}
}

type balanceView struct {
	AccountID    string          `json:"account_id"`
	Currency     domain.Currency `json:"currency"`
	Balance      string          `json:"balance"`
	BalanceMinor int64           `json:"balance_minor"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type entryView struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     string          `json:"account_id"`
	Currency      domain.Currency `json:"currency"`
	Amount        string          `json:"amount"`
	BalanceAfter  string          `json:"balance_after"`
	Category      domain.Category `json:"category"`
	ReferenceType string          `json:"reference_type,omitempty"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	Note          string          `json:"note,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func newEntryView(e domain.LedgerEntry) entryView {
	return entryView{
		ID:            e.ID,
		AccountID:     e.AccountID,
		Currency:      e.Currency,
		Amount:        e.Currency.FormatAmount(e.Delta),
		BalanceAfter:  e.Currency.FormatAmount(e.BalanceAfter),
		Category:      e.Category,
		ReferenceType: e.ReferenceType,
		ReferenceID:   e.ReferenceID,
		Note:          e.Note,
		CreatedAt:     e.CreatedAt,
	}
}

func formatOptional(currency domain.Currency, minor *int64) *string {
	if minor == nil {
		return nil
	}
	s := currency.FormatAmount(*minor)
	return &s
}
