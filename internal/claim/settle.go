package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/ledger"
)

// Idempotency keys for the ledger entries a packet produces.
func claimCreditKey(c domain.Claim) string    { return fmt.Sprintf("claim:%s:credit", c.ID) }
func claimPenaltyKey(c domain.Claim) string   { return fmt.Sprintf("claim:%s:penalty", c.ID) }
func claimPayoutKey(c domain.Claim) string    { return fmt.Sprintf("claim:%s:penalty-payout", c.ID) }
func packetFundKey(p *domain.Packet) string   { return fmt.Sprintf("packet:%s:fund", p.ID) }
func packetRefundKey(p *domain.Packet) string { return fmt.Sprintf("packet:%s:refund", p.ID) }

// Settlement is the ledger outcome of a claim.
type Settlement struct {
	Claim           domain.Claim
	ClaimantBalance int64
}

// Settler posts packet money movements to the ledger. Every posting carries an
// idempotency key, so settling the same claim or refund twice moves money once.
type Settler struct {
	ledger *ledger.Ledger
	now    func() time.Time
}

func NewSettler(l *ledger.Ledger) *Settler {
	return &Settler{ledger: l, now: time.Now}
}

// Fund debits the owner for a new packet.
func (s *Settler) Fund(ctx context.Context, p *domain.Packet) (domain.LedgerEntry, error) {
	return s.ledger.RecordEntry(ctx, ledger.EntryRequest{
		AccountID:      p.OwnerID,
		Currency:       p.Currency,
		Delta:          -p.TotalAmount,
		Category:       domain.CategorySendPacket,
		ReferenceType:  domain.ReferencePacket,
		ReferenceID:    p.ID.String(),
		Note:           fmt.Sprintf("%s packet, %d shares", p.Mode, p.TotalShares),
		IdempotencyKey: packetFundKey(p),
	})
}

// ReverseFunding returns a packet's funding when the packet could not be persisted.
func (s *Settler) ReverseFunding(ctx context.Context, p *domain.Packet) error {
	_, err := s.ledger.RecordEntry(ctx, ledger.EntryRequest{
		AccountID:      p.OwnerID,
		Currency:       p.Currency,
		Delta:          p.TotalAmount,
		Category:       domain.CategoryPacketRefund,
		ReferenceType:  domain.ReferencePacket,
		ReferenceID:    p.ID.String(),
		Note:           "packet creation failed; funding reversed",
		IdempotencyKey: fmt.Sprintf("packet:%s:fund-reversal", p.ID),
	})
	return err
}

// SettleClaim credits the claimant and, for a triggered penalty, moves the penalty from
// the claimant to the packet owner. The penalty debit is clamped to the claimant's balance
// after the credit; the shortfall is absorbed and recorded on the claim and in the entry note.
func (s *Settler) SettleClaim(ctx context.Context, ownerID string, currency domain.Currency, c domain.Claim) (Settlement, error) {
	claimant := domain.AccountKey{AccountID: c.ClaimantID, Currency: currency}
	owner := domain.AccountKey{AccountID: ownerID, Currency: currency}
	keys := []domain.AccountKey{claimant}
	if c.PenaltyTriggered {
		keys = append(keys, owner)
	}

	settled := c
	var balance int64
	err := s.ledger.Atomically(ctx, keys, func(b *ledger.Batch) error {
		settled = c
		if _, _, err := b.Record(ledger.EntryRequest{
			AccountID:      c.ClaimantID,
			Currency:       currency,
			Delta:          c.Amount,
			Category:       domain.CategoryClaimPacket,
			ReferenceType:  domain.ReferenceClaim,
			ReferenceID:    c.ID.String(),
			Note:           fmt.Sprintf("claim #%d of packet %s", c.Seq, c.PacketID),
			IdempotencyKey: claimCreditKey(c),
		}); err != nil {
			return err
		}

		if c.PenaltyTriggered && c.PenaltyAmount != nil {
			collected, clamped, err := s.collectPenalty(b, claimant, ownerID, c)
			if err != nil {
				return err
			}
			settled.PenaltyAmount = &collected
			settled.PenaltyClamped = clamped
		}

		var err error
		balance, err = b.Balance(claimant)
		return err
	})
	if err != nil {
		return Settlement{}, err
	}

	at := s.now().UTC()
	settled.SettledAt = &at
	return Settlement{Claim: settled, ClaimantBalance: balance}, nil
}

func (s *Settler) collectPenalty(b *ledger.Batch, claimant domain.AccountKey, ownerID string, c domain.Claim) (int64, bool, error) {
	due := *c.PenaltyAmount

	existing, err := b.Lookup(claimPenaltyKey(c))
	if err != nil {
		return 0, false, err
	}
	if existing != nil {
		collected := -existing.Delta
		return collected, collected < due, nil
	}

	available, err := b.Balance(claimant)
	if err != nil {
		return 0, false, err
	}
	collected := min(due, available)
	clamped := collected < due
	if collected <= 0 {
		return 0, clamped, nil
	}

	note := fmt.Sprintf("penalty on claim #%d of packet %s", c.Seq, c.PacketID)
	if clamped {
		note = fmt.Sprintf("%s; clamped from %d to available balance %d", note, due, collected)
	}
	if _, _, err := b.Record(ledger.EntryRequest{
		AccountID:      c.ClaimantID,
		Currency:       claimant.Currency,
		Delta:          -collected,
		Category:       domain.CategoryPenalty,
		ReferenceType:  domain.ReferenceClaim,
		ReferenceID:    c.ID.String(),
		Note:           note,
		IdempotencyKey: claimPenaltyKey(c),
	}); err != nil {
		return 0, false, err
	}
	if _, _, err := b.Record(ledger.EntryRequest{
		AccountID:      ownerID,
		Currency:       claimant.Currency,
		Delta:          collected,
		Category:       domain.CategoryPenalty,
		ReferenceType:  domain.ReferenceClaim,
		ReferenceID:    c.ID.String(),
		Note:           fmt.Sprintf("penalty collected from %s", c.ClaimantID),
		IdempotencyKey: claimPayoutKey(c),
	}); err != nil {
		return 0, false, err
	}
	return collected, clamped, nil
}

// RefundRemainder returns a terminal packet's unclaimed amount to its owner.
func (s *Settler) RefundRemainder(ctx context.Context, p *domain.Packet) error {
	remaining := p.RemainingAmount()
	if remaining <= 0 {
		return nil
	}
	note := fmt.Sprintf("packet %s, %d of %d shares unclaimed", p.Status, p.RemainingShares(), p.TotalShares)
	if p.ClosedBy != nil {
		note = fmt.Sprintf("%s, closed by %s", note, *p.ClosedBy)
	}
	_, err := s.ledger.RecordEntry(ctx, ledger.EntryRequest{
		AccountID:      p.OwnerID,
		Currency:       p.Currency,
		Delta:          remaining,
		Category:       domain.CategoryPacketRefund,
		ReferenceType:  domain.ReferencePacket,
		ReferenceID:    p.ID.String(),
		Note:           note,
		IdempotencyKey: packetRefundKey(p),
	})
	return err
}
