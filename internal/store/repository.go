/**
 * @description
 * Storage contracts for packets and claims. The claim coordinator serializes against a
 * WorkingStore; the durable PacketRepository additionally accepts idempotent replays
 * from the reconciliation worker. When the coordinator runs directly on the durable
 * store the same value satisfies both.
 *
 * @dependencies
 * - github.com/google/uuid: packet and claim identifiers.
 * - internal/domain: packet, claim and error kinds.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

var (
	// ErrConcurrentUpdate means the packet's aggregates changed since the caller read them.
	ErrConcurrentUpdate = errors.New("packet was modified concurrently")
	ErrDuplicateClaim   = errors.New("claim already recorded for this claimant")
	ErrPacketExists     = errors.New("packet already exists")
)

// WorkingStore holds live packet state for the claim coordinator.
type WorkingStore interface {
	CreatePacket(ctx context.Context, p *domain.Packet) error
	// GetPacket returns domain.ErrPacketNotFound for an unknown id.
	GetPacket(ctx context.Context, id uuid.UUID) (*domain.Packet, error)
	// FindClaim returns nil, nil when the claimant has not claimed the packet.
	FindClaim(ctx context.Context, packetID uuid.UUID, claimantID string) (*domain.Claim, error)
	// ListClaims returns the packet's claims in admission order.
	ListClaims(ctx context.Context, packetID uuid.UUID) ([]domain.Claim, error)
	// CommitClaim stores claim together with next, the packet's updated aggregates, only if
	// the stored packet is ACTIVE and its claimed count still equals expectedCount.
	// It returns ErrConcurrentUpdate, ErrDuplicateClaim or domain.ErrPacketNotActive otherwise.
	CommitClaim(ctx context.Context, next *domain.Packet, claim domain.Claim, expectedCount int) error
	SetBestLuck(ctx context.Context, packetID, claimID uuid.UUID) error
	// TransitionPacket moves an ACTIVE packet to a terminal status and returns the result.
	// A packet that is already terminal yields domain.ErrPacketNotActive.
	TransitionPacket(ctx context.Context, id uuid.UUID, to domain.Status, at time.Time, operatorID *string) (*domain.Packet, error)
	// MarkClaimSettled records the settlement time and the penalty actually collected.
	MarkClaimSettled(ctx context.Context, claim domain.Claim) error
	MarkRefundSettled(ctx context.Context, packetID uuid.UUID, at time.Time) error
	// ListDuePackets returns ACTIVE packets whose expiry has passed and terminal packets
	// whose remainder has not been refunded yet.
	ListDuePackets(ctx context.Context, now time.Time, limit int) ([]domain.Packet, error)
}

// PacketRepository is the durable packet store.
type PacketRepository interface {
	WorkingStore
	// ReplayClaim inserts a claim produced by a working store. A claim that already exists
	// for the (packet, claimant) pair is a no-op and reports inserted=false.
	ReplayClaim(ctx context.Context, claim domain.Claim) (inserted bool, err error)
	// ApplyPacketSnapshot copies lifecycle fields (status, completion, refund) from a
	// working-store snapshot. Terminal state is never reverted.
	ApplyPacketSnapshot(ctx context.Context, p *domain.Packet) error
	ListUnsettledClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.Claim, error)
}

// Kinds of records a working store queues for reconciliation.
const (
	RecordClaim    = "claim"
	RecordPacket   = "packet"
	RecordBestLuck = "best_luck"
)

// ReplayRecord is one unit of work for the reconciliation worker.
type ReplayRecord struct {
	Kind     string         `json:"kind"`
	Packet   *domain.Packet `json:"packet,omitempty"`
	Claim    *domain.Claim  `json:"claim,omitempty"`
	PacketID uuid.UUID      `json:"packet_id"`
	// Raw is the encoded form a queue needs to acknowledge the record.
	Raw string `json:"-"`
}
