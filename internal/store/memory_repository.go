package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

type claimantKey struct {
	packetID   uuid.UUID
	claimantID string
}

// MemoryRepository is an in-process PacketRepository for local runs and tests.
type MemoryRepository struct {
	mu         sync.RWMutex
	packets    map[uuid.UUID]*domain.Packet
	claims     map[uuid.UUID][]*domain.Claim
	claimByID  map[uuid.UUID]*domain.Claim
	byClaimant map[claimantKey]*domain.Claim
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		packets:    make(map[uuid.UUID]*domain.Packet),
		claims:     make(map[uuid.UUID][]*domain.Claim),
		claimByID:  make(map[uuid.UUID]*domain.Claim),
		byClaimant: make(map[claimantKey]*domain.Claim),
	}
}

func (r *MemoryRepository) CreatePacket(ctx context.Context, p *domain.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.packets[p.ID]; ok {
		return ErrPacketExists
	}
	cp := *p
	r.packets[p.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetPacket(ctx context.Context, id uuid.UUID) (*domain.Packet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packets[id]
	if !ok {
		return nil, domain.ErrPacketNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) FindClaim(ctx context.Context, packetID uuid.UUID, claimantID string) (*domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byClaimant[claimantKey{packetID, claimantID}]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) ListClaims(ctx context.Context, packetID uuid.UUID) ([]domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Claim, 0, len(r.claims[packetID]))
	for _, c := range r.claims[packetID] {
		out = append(out, *c)
	}
	return out, nil
}

func (r *MemoryRepository) CommitClaim(ctx context.Context, next *domain.Packet, claim domain.Claim, expectedCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packets[next.ID]
	if !ok {
		return domain.ErrPacketNotFound
	}
	if p.Status != domain.StatusActive {
		return domain.ErrPacketNotActive
	}
	if p.ClaimedCount != expectedCount {
		return ErrConcurrentUpdate
	}
	key := claimantKey{claim.PacketID, claim.ClaimantID}
	if _, exists := r.byClaimant[key]; exists {
		return ErrDuplicateClaim
	}

	cp := *next
	r.packets[next.ID] = &cp
	r.insertClaimLocked(claim)
	return nil
}

func (r *MemoryRepository) insertClaimLocked(claim domain.Claim) {
	c := claim
	r.claims[c.PacketID] = append(r.claims[c.PacketID], &c)
	sort.SliceStable(r.claims[c.PacketID], func(i, j int) bool {
		return r.claims[c.PacketID][i].Seq < r.claims[c.PacketID][j].Seq
	})
	r.claimByID[c.ID] = &c
	r.byClaimant[claimantKey{c.PacketID, c.ClaimantID}] = &c
}

func (r *MemoryRepository) SetBestLuck(ctx context.Context, packetID, claimID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.claims[packetID] {
		c.IsBestLuck = c.ID == claimID
	}
	return nil
}

func (r *MemoryRepository) TransitionPacket(ctx context.Context, id uuid.UUID, to domain.Status, at time.Time, operatorID *string) (*domain.Packet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packets[id]
	if !ok {
		return nil, domain.ErrPacketNotFound
	}
	if p.Status != domain.StatusActive {
		return nil, domain.ErrPacketNotActive
	}
	p.Status = to
	p.CompletedAt = &at
	p.ClosedBy = operatorID
	if p.RemainingAmount() == 0 {
		p.RefundSettledAt = &at
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) MarkClaimSettled(ctx context.Context, claim domain.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.claimByID[claim.ID]
	if !ok {
		return domain.ErrPacketNotFound
	}
	c.SettledAt = claim.SettledAt
	c.PenaltyAmount = claim.PenaltyAmount
	c.PenaltyClamped = claim.PenaltyClamped
	return nil
}

func (r *MemoryRepository) MarkRefundSettled(ctx context.Context, packetID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packets[packetID]
	if !ok {
		return domain.ErrPacketNotFound
	}
	if p.RefundSettledAt == nil {
		p.RefundSettledAt = &at
	}
	return nil
}

func (r *MemoryRepository) ListDuePackets(ctx context.Context, now time.Time, limit int) ([]domain.Packet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Packet
	for _, p := range r.packets {
		if (p.Status == domain.StatusActive && p.ExpiredAt(now)) || p.NeedsRefund() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ReplayClaim(ctx context.Context, claim domain.Claim) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claimByID[claim.ID]; ok {
		return false, nil
	}
	if _, ok := r.byClaimant[claimantKey{claim.PacketID, claim.ClaimantID}]; ok {
		return false, nil
	}
	p, ok := r.packets[claim.PacketID]
	if !ok {
		return false, domain.ErrPacketNotFound
	}
	if p.ClaimedCount >= p.TotalShares || p.ClaimedAmount+claim.Amount > p.TotalAmount {
		return false, ErrConcurrentUpdate
	}
	p.ClaimedCount++
	p.ClaimedAmount += claim.Amount
	r.insertClaimLocked(claim)
	return true, nil
}

func (r *MemoryRepository) ApplyPacketSnapshot(ctx context.Context, snapshot *domain.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packets[snapshot.ID]
	if !ok {
		return domain.ErrPacketNotFound
	}
	if p.Status == domain.StatusActive && snapshot.Status.Terminal() {
		p.Status = snapshot.Status
		p.CompletedAt = snapshot.CompletedAt
		p.ClosedBy = snapshot.ClosedBy
	}
	if p.RefundSettledAt == nil && snapshot.RefundSettledAt != nil {
		p.RefundSettledAt = snapshot.RefundSettledAt
	}
	return nil
}

func (r *MemoryRepository) ListUnsettledClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Claim
	for _, c := range r.claimByID {
		if c.SettledAt == nil && !c.ClaimedAt.After(claimedBefore) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
