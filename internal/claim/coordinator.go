/**
 * @description
 * The claim coordinator funnels every mutation of a packet through that packet's lane,
 * so check-then-act on the packet aggregate is indivisible however many callers race.
 * Claims against different packets run in parallel. Ledger settlement runs after the
 * lane is released and is serialized per account by the ledger itself.
 *
 * @notes
 * - The working store commit is the point a claim becomes real. Settlement failures
 *   after that leave the claim standing; reconciliation settles it later.
 * - Notification events are emitted after commit and never affect the outcome.
 */

package claim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/distribution"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/lane"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/store"
)

const (
	maxCommitAttempts   = 8
	maxBestLuckAttempts = 3
)

// EventSink receives notification events. Implementations must not block for long.
type EventSink interface {
	Publish(ctx context.Context, event domain.Event) error
}

type discardSink struct{}

func (discardSink) Publish(context.Context, domain.Event) error { return nil }

// Coordinator serializes claims and lifecycle transitions per packet.
type Coordinator struct {
	working   store.WorkingStore
	settler   *Settler
	allocator *distribution.Allocator
	lanes     *lane.Registry[uuid.UUID]
	events    EventSink
	now       func() time.Time
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithEventSink(sink EventSink) Option {
	return func(c *Coordinator) {
		if sink != nil {
			c.events = sink
		}
	}
}

func NewCoordinator(working store.WorkingStore, settler *Settler, allocator *distribution.Allocator, opts ...Option) *Coordinator {
	c := &Coordinator{
		working:   working,
		settler:   settler,
		allocator: allocator,
		lanes:     lane.NewRegistry[uuid.UUID](),
		events:    discardSink{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Claim admits one claim by claimantID against packetID.
func (c *Coordinator) Claim(ctx context.Context, packetID uuid.UUID, claimantID string) (*domain.ClaimResult, error) {
	claimantID = strings.TrimSpace(claimantID)
	if claimantID == "" {
		return nil, fmt.Errorf("%w: claimant id is required", domain.ErrInvalidRequest)
	}

	release, err := c.lanes.Acquire(ctx, packetID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrClaimNotAttempted, err)
	}
	claim, packet, err := c.admit(ctx, packetID, claimantID)
	if err != nil {
		release()
		return nil, err
	}
	var bestLuck *domain.Claim
	if packet.Status == domain.StatusCompleted && packet.Mode == domain.ModeRandom {
		bestLuck = c.assignBestLuck(ctx, packet.ID)
		claim.IsBestLuck = bestLuck != nil && bestLuck.ID == claim.ID
	}
	release()

	result := &domain.ClaimResult{
		Claim:            claim,
		Currency:         packet.Currency,
		Amount:           claim.Amount,
		PenaltyTriggered: claim.PenaltyTriggered,
		PenaltyAmount:    claim.PenaltyAmount,
		IsBestLuck:       claim.IsBestLuck,
		PacketCompleted:  packet.Status == domain.StatusCompleted,
	}
	c.settle(ctx, packet, result)

	c.emit(ctx, domain.Event{
		Type:       domain.EventClaimSucceeded,
		PacketID:   packet.ID,
		OwnerID:    packet.OwnerID,
		Currency:   packet.Currency,
		Status:     packet.Status,
		ClaimantID: claimantID,
		Amount:     claim.Amount,
	})
	if result.PacketCompleted {
		c.emit(ctx, completionEvent(packet, bestLuck))
	}
	return result, nil
}

// admit runs the precondition checks, the allocation and the commit. It must be called
// while holding the packet's lane.
func (c *Coordinator) admit(ctx context.Context, packetID uuid.UUID, claimantID string) (domain.Claim, *domain.Packet, error) {
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		p, err := c.working.GetPacket(ctx, packetID)
		if err != nil {
			return domain.Claim{}, nil, err
		}
		prior, err := c.working.FindClaim(ctx, packetID, claimantID)
		if err != nil {
			return domain.Claim{}, nil, err
		}
		if prior != nil {
			return domain.Claim{}, nil, domain.ErrAlreadyClaimed
		}
		now := c.now().UTC()
		if err := Claimable(p, now); err != nil {
			return domain.Claim{}, nil, err
		}

		alloc, err := c.allocator.Allocate(distribution.Input{
			Mode:            p.Mode,
			RemainingAmount: p.RemainingAmount(),
			RemainingShares: p.RemainingShares(),
			TotalShares:     p.TotalShares,
			PenaltyDigit:    p.PenaltyDigit,
		})
		if err != nil {
			return domain.Claim{}, nil, err
		}

		claim := domain.Claim{
			ID:               uuid.New(),
			PacketID:         p.ID,
			ClaimantID:       claimantID,
			Amount:           alloc.Amount,
			PenaltyTriggered: alloc.PenaltyTriggered,
			Seq:              p.ClaimedCount + 1,
			ClaimedAt:        now,
		}
		if alloc.PenaltyTriggered {
			due := alloc.PenaltyAmount
			claim.PenaltyAmount = &due
		}

		next := *p
		next.ClaimedAmount += alloc.Amount
		next.ClaimedCount++
		if next.Exhausted() {
			next.Status = domain.StatusCompleted
			next.CompletedAt = &now
			next.RefundSettledAt = &now
		}

		err = c.working.CommitClaim(ctx, &next, claim, p.ClaimedCount)
		switch {
		case err == nil:
			return claim, &next, nil
		case errors.Is(err, store.ErrConcurrentUpdate):
			// Another instance sharing the working store committed first; re-read and retry.
			continue
		case errors.Is(err, store.ErrDuplicateClaim):
			return domain.Claim{}, nil, domain.ErrAlreadyClaimed
		default:
			return domain.Claim{}, nil, err
		}
	}
	return domain.Claim{}, nil, fmt.Errorf("claim commit gave up after %d attempts: %w", maxCommitAttempts, store.ErrConcurrentUpdate)
}

// Claimable checks packet state in the order callers observe errors: a packet whose
// shares ran out reports NoSharesRemaining, any other terminal packet PacketNotActive.
func Claimable(p *domain.Packet, now time.Time) error {
	if p.Status != domain.StatusActive {
		if p.Status == domain.StatusCompleted && p.Exhausted() {
			return domain.ErrNoSharesRemaining
		}
		return domain.ErrPacketNotActive
	}
	if p.ExpiredAt(now) {
		return domain.ErrPacketExpired
	}
	if p.RemainingShares() <= 0 {
		return domain.ErrNoSharesRemaining
	}
	return nil
}

func (c *Coordinator) settle(ctx context.Context, packet *domain.Packet, result *domain.ClaimResult) {
	settlement, err := c.settler.SettleClaim(ctx, packet.OwnerID, packet.Currency, result.Claim)
	if err != nil {
		log.Printf("level=warn component=claim_coordinator msg=\"settlement deferred to reconciliation\" packet_id=%s claim_id=%s err=%v", packet.ID, result.Claim.ID, err)
		if balance, balErr := c.settler.ledger.GetBalance(ctx, result.Claim.ClaimantID, packet.Currency); balErr == nil {
			result.NewBalance = balance
		}
		return
	}

	settled := settlement.Claim
	settled.IsBestLuck = result.Claim.IsBestLuck
	result.Claim = settled
	result.PenaltyAmount = settled.PenaltyAmount
	result.NewBalance = settlement.ClaimantBalance
	result.Settled = true

	if err := c.working.MarkClaimSettled(ctx, settled); err != nil {
		log.Printf("level=warn component=claim_coordinator msg=\"failed to mark claim settled\" claim_id=%s err=%v", settled.ID, err)
	}
}

// assignBestLuck recomputes best luck over every claim of a completed packet.
func (c *Coordinator) assignBestLuck(ctx context.Context, packetID uuid.UUID) *domain.Claim {
	var lastErr error
	for attempt := 1; attempt <= maxBestLuckAttempts; attempt++ {
		claims, err := c.working.ListClaims(ctx, packetID)
		if err != nil {
			lastErr = err
			continue
		}
		bestID, ok := distribution.BestLuck(claims)
		if !ok {
			return nil
		}
		if err := c.working.SetBestLuck(ctx, packetID, bestID); err != nil {
			lastErr = err
			continue
		}
		for i := range claims {
			if claims[i].ID == bestID {
				best := claims[i]
				best.IsBestLuck = true
				return &best
			}
		}
		return nil
	}
	log.Printf("level=error component=claim_coordinator msg=\"best luck assignment failed\" packet_id=%s err=%v", packetID, lastErr)
	return nil
}

func completionEvent(p *domain.Packet, bestLuck *domain.Claim) domain.Event {
	event := domain.Event{
		Type:     domain.EventPacketCompleted,
		PacketID: p.ID,
		OwnerID:  p.OwnerID,
		Currency: p.Currency,
		Status:   p.Status,
		Amount:   p.ClaimedAmount,
	}
	if bestLuck != nil {
		event.BestLuckClaimantID = bestLuck.ClaimantID
	}
	if p.ClosedBy != nil {
		event.OperatorID = *p.ClosedBy
	}
	return event
}

func (c *Coordinator) emit(ctx context.Context, event domain.Event) {
	event.ID = uuid.New()
	event.OccurredAt = c.now().UTC()
	if err := c.events.Publish(ctx, event); err != nil {
		log.Printf("level=warn component=claim_coordinator msg=\"notification dropped\" event=%s packet_id=%s err=%v", event.Type, event.PacketID, err)
	}
}
