package claim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

// Expire closes an ACTIVE packet whose expiry has passed and refunds its remainder.
// A packet that is not yet due is left untouched.
func (c *Coordinator) Expire(ctx context.Context, packetID uuid.UUID) (*domain.Packet, error) {
	return c.close(ctx, packetID, domain.StatusExpired, nil, true)
}

// Refund closes an ACTIVE packet on an operator's request, returning the remainder to the owner.
func (c *Coordinator) Refund(ctx context.Context, packetID uuid.UUID, operatorID string) (*domain.Packet, error) {
	return c.close(ctx, packetID, domain.StatusRefunded, &operatorID, false)
}

// ForceComplete marks an ACTIVE packet COMPLETED before all shares are claimed. Unclaimed
// funds go back to the owner and best luck is computed over the claims made so far.
func (c *Coordinator) ForceComplete(ctx context.Context, packetID uuid.UUID, operatorID string) (*domain.Packet, error) {
	return c.close(ctx, packetID, domain.StatusCompleted, &operatorID, false)
}

func (c *Coordinator) close(ctx context.Context, packetID uuid.UUID, to domain.Status, operatorID *string, requireDue bool) (*domain.Packet, error) {
	if operatorID != nil {
		trimmed := strings.TrimSpace(*operatorID)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: operator id is required", domain.ErrInvalidRequest)
		}
		operatorID = &trimmed
	}

	release, err := c.lanes.Acquire(ctx, packetID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrClaimNotAttempted, err)
	}
	now := c.now().UTC()
	if requireDue {
		current, err := c.working.GetPacket(ctx, packetID)
		if err != nil {
			release()
			return nil, err
		}
		if current.Status == domain.StatusActive && !current.ExpiredAt(now) {
			release()
			return nil, fmt.Errorf("%w: packet expires at %s", domain.ErrInvalidRequest, current.ExpiresAt.Format(time.RFC3339))
		}
	}
	p, err := c.working.TransitionPacket(ctx, packetID, to, now, operatorID)
	if err != nil {
		release()
		return nil, err
	}
	var bestLuck *domain.Claim
	if to == domain.StatusCompleted && p.Mode == domain.ModeRandom && p.ClaimedCount > 0 {
		bestLuck = c.assignBestLuck(ctx, p.ID)
	}
	release()

	log.Printf("level=info component=claim_coordinator msg=\"packet closed\" packet_id=%s status=%s remaining=%d", p.ID, p.Status, p.RemainingAmount())

	if err := c.SettleRefund(ctx, p); err != nil {
		log.Printf("level=warn component=claim_coordinator msg=\"refund deferred\" packet_id=%s err=%v", p.ID, err)
	}

	if to == domain.StatusCompleted {
		c.emit(ctx, completionEvent(p, bestLuck))
	} else {
		c.emit(ctx, domain.Event{
			Type:       domain.EventPacketClosed,
			PacketID:   p.ID,
			OwnerID:    p.OwnerID,
			Currency:   p.Currency,
			Status:     p.Status,
			Amount:     p.RemainingAmount(),
			OperatorID: stringValue(p.ClosedBy),
		})
	}
	return p, nil
}

// SettleRefund returns a terminal packet's remainder to its owner and records that the
// refund happened. Calling it again after success changes nothing.
func (c *Coordinator) SettleRefund(ctx context.Context, p *domain.Packet) error {
	if !p.NeedsRefund() {
		return nil
	}
	if err := c.settler.RefundRemainder(ctx, p); err != nil {
		return err
	}
	at := c.now().UTC()
	if err := c.working.MarkRefundSettled(ctx, p.ID, at); err != nil {
		return err
	}
	p.RefundSettledAt = &at
	return nil
}

// SweepDue expires due packets and retries refunds that have not settled yet. It returns
// the number of packets it changed.
func (c *Coordinator) SweepDue(ctx context.Context, limit int) (int, error) {
	due, err := c.working.ListDuePackets(ctx, c.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due packets: %w", err)
	}
	changed := 0
	for i := range due {
		p := due[i]
		if p.Status == domain.StatusActive {
			if _, err := c.Expire(ctx, p.ID); err != nil {
				if errors.Is(err, domain.ErrPacketNotActive) || errors.Is(err, domain.ErrInvalidRequest) {
					continue
				}
				log.Printf("level=warn component=claim_coordinator msg=\"failed to expire packet\" packet_id=%s err=%v", p.ID, err)
				continue
			}
			changed++
			continue
		}
		if err := c.SettleRefund(ctx, &p); err != nil {
			log.Printf("level=warn component=claim_coordinator msg=\"refund retry failed\" packet_id=%s err=%v", p.ID, err)
			continue
		}
		changed++
	}
	return changed, nil
}

// Status returns a packet together with its claims in admission order.
func (c *Coordinator) Status(ctx context.Context, packetID uuid.UUID) (*domain.PacketStatus, error) {
	p, err := c.working.GetPacket(ctx, packetID)
	if err != nil {
		return nil, err
	}
	claims, err := c.working.ListClaims(ctx, packetID)
	if err != nil {
		return nil, err
	}
	if claims == nil {
		claims = []domain.Claim{}
	}
	return &domain.PacketStatus{Packet: *p, Claims: claims}, nil
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
