/**
 * @description
 * This file contains the packet lifecycle service. The `Service` struct exposes the engine's
 * external operations (create, claim, status, expiry, administrative close and ledger access)
 * and coordinates the durable packet repository, the working store used by the claim
 * coordinator, and the ledger.
 *
 * Key features:
 * - Packet creation validates the request, debits the owner through the ledger and persists
 *   the ACTIVE packet; funding is reversed if the packet cannot be stored.
 * - Claims run under a bounded deadline; a deadline that expires while queued on the packet
 *   is reported as `claim_not_attempted` and is safe to retry.
 * - Status reads prefer the working store and fall back to the durable repository.
 *
 * @dependencies
 * - github.com/google/uuid: packet identifiers.
 * - github.com/shopspring/decimal: configured maximum packet amount.
 * - internal/claim, internal/ledger, internal/store: coordinator, ledger and persistence.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/claim"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/distribution"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/ledger"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/store"
)

const (
	DefaultPacketTTL       = 24 * time.Hour
	DefaultClaimTimeout    = 3 * time.Second
	DefaultExpiryBatchSize = 200
	maxMessageLength       = 140
	systemOperator         = "system"
)

// IdentityResolver maps an authenticated subject to the account id used by the ledger.
type IdentityResolver interface {
	ResolveAccountID(ctx context.Context, subject string) (string, error)
}

// Options tune packet limits and background batch sizes.
type Options struct {
	MaxShares  int
	DefaultTTL time.Duration
	// MaxAmount is in major units; zero means unlimited.
	MaxAmount       decimal.Decimal
	ClaimTimeout    time.Duration
	ExpiryBatchSize int
}

func (o Options) withDefaults() Options {
	if o.MaxShares <= 0 {
		o.MaxShares = distribution.DefaultMaxShares
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultPacketTTL
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = DefaultClaimTimeout
	}
	if o.ExpiryBatchSize <= 0 {
		o.ExpiryBatchSize = DefaultExpiryBatchSize
	}
	return o
}

// Service provides the packet lifecycle operations.
type Service struct {
	packets     store.PacketRepository
	working     store.WorkingStore
	ledger      *ledger.Ledger
	settler     *claim.Settler
	coordinator *claim.Coordinator
	identity    IdentityResolver
	opts        Options
	now         func() time.Time
}

// NewService creates a new packet service. working may be the same value as packets when
// claims commit directly to the durable store.
func NewService(packets store.PacketRepository, working store.WorkingStore, l *ledger.Ledger, settler *claim.Settler, coordinator *claim.Coordinator, identity IdentityResolver, opts Options) *Service {
	if working == nil {
		working = packets
	}
	return &Service{
		packets:     packets,
		working:     working,
		ledger:      l,
		settler:     settler,
		coordinator: coordinator,
		identity:    identity,
		opts:        opts.withDefaults(),
		now:         time.Now,
	}
}

func (s *Service) splitMode() bool {
	return any(s.working) != any(s.packets)
}

// ResolveAccountID converts an authenticated subject into the internal account id. Without
// a resolver the subject is the account id.
func (s *Service) ResolveAccountID(ctx context.Context, subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", fmt.Errorf("%w: subject is required", domain.ErrInvalidRequest)
	}
	if s.identity == nil {
		return subject, nil
	}
	return s.identity.ResolveAccountID(ctx, subject)
}

// CreatePacket validates, funds and stores a new ACTIVE packet.
func (s *Service) CreatePacket(ctx context.Context, req domain.CreatePacketRequest) (*domain.Packet, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", domain.ErrInvalidRequest)
	}
	if !req.Currency.Valid() {
		return nil, domain.ErrInvalidCurrency
	}
	if err := distribution.ValidatePacket(req.Mode, req.TotalAmount, req.TotalShares, req.PenaltyDigit, s.opts.MaxShares); err != nil {
		return nil, err
	}
	if !s.opts.MaxAmount.IsZero() && req.Currency.Decimal(req.TotalAmount).GreaterThan(s.opts.MaxAmount) {
		return nil, fmt.Errorf("%w: amount exceeds the maximum of %s", domain.ErrInvalidAmountOrShareCount, s.opts.MaxAmount)
	}
	if len([]rune(req.Message)) > maxMessageLength {
		return nil, fmt.Errorf("%w: message longer than %d characters", domain.ErrInvalidRequest, maxMessageLength)
	}

	now := s.now().UTC()
	expiresAt := req.ExpiresAt.UTC()
	if req.ExpiresAt.IsZero() {
		expiresAt = now.Add(s.opts.DefaultTTL)
	}
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", domain.ErrInvalidRequest)
	}

	p := &domain.Packet{
		ID:           uuid.New(),
		OwnerID:      req.OwnerID,
		Currency:     req.Currency,
		Mode:         req.Mode,
		TotalAmount:  req.TotalAmount,
		TotalShares:  req.TotalShares,
		Message:      strings.TrimSpace(req.Message),
		PenaltyDigit: req.PenaltyDigit,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	}

	// 1. Debit the owner; an overdraft surfaces as insufficient_balance.
	if _, err := s.settler.Fund(ctx, p); err != nil {
		return nil, err
	}

	// 2. Persist the durable record; reverse the funding if that fails.
	if err := s.packets.CreatePacket(ctx, p); err != nil {
		if refundErr := s.settler.ReverseFunding(ctx, p); refundErr != nil {
			log.Printf("level=error component=packet_service msg=\"funding reversal failed\" packet_id=%s owner_id=%s err=%v", p.ID, p.OwnerID, refundErr)
		}
		return nil, fmt.Errorf("failed to store packet: %w", err)
	}

	// 3. Seed the working store the coordinator claims against.
	if s.splitMode() {
		if err := s.working.CreatePacket(ctx, p); err != nil {
			s.abandon(ctx, p)
			return nil, fmt.Errorf("failed to publish packet to working store: %w", err)
		}
	}

	log.Printf("level=info component=packet_service msg=\"packet created\" packet_id=%s owner_id=%s mode=%s currency=%s amount=%s shares=%d",
		p.ID, p.OwnerID, p.Mode, p.Currency, p.Currency.FormatAmount(p.TotalAmount), p.TotalShares)
	return p, nil
}

// abandon closes a durable packet that never reached the working store and refunds it.
func (s *Service) abandon(ctx context.Context, p *domain.Packet) {
	operator := systemOperator
	closed, err := s.packets.TransitionPacket(ctx, p.ID, domain.StatusRefunded, s.now().UTC(), &operator)
	if err != nil {
		log.Printf("level=error component=packet_service msg=\"failed to close abandoned packet\" packet_id=%s err=%v", p.ID, err)
		return
	}
	if err := s.settler.RefundRemainder(ctx, closed); err != nil {
		log.Printf("level=error component=packet_service msg=\"abandoned packet refund failed\" packet_id=%s err=%v", p.ID, err)
		return
	}
	if err := s.packets.MarkRefundSettled(ctx, p.ID, s.now().UTC()); err != nil {
		log.Printf("level=warn component=packet_service msg=\"failed to mark refund settled\" packet_id=%s err=%v", p.ID, err)
	}
}

// Claim admits one claim, waiting at most the configured claim timeout.
func (s *Service) Claim(ctx context.Context, packetID uuid.UUID, claimantID string) (*domain.ClaimResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ClaimTimeout)
	defer cancel()
	res, err := s.coordinator.Claim(ctx, packetID, claimantID)
	if err == nil || !s.splitMode() || !errors.Is(err, domain.ErrPacketNotFound) {
		return res, err
	}

	// Terminal packets are evicted from the working store after a retention period.
	p, getErr := s.packets.GetPacket(ctx, packetID)
	if getErr != nil {
		return nil, err
	}
	if prior, findErr := s.packets.FindClaim(ctx, packetID, claimantID); findErr == nil && prior != nil {
		return nil, domain.ErrAlreadyClaimed
	}
	if p.Status.Terminal() {
		return nil, claim.Claimable(p, s.now().UTC())
	}
	return nil, err
}

// GetPacketStatus returns the packet and its claims.
func (s *Service) GetPacketStatus(ctx context.Context, packetID uuid.UUID) (*domain.PacketStatus, error) {
	status, err := s.coordinator.Status(ctx, packetID)
	if err == nil || !s.splitMode() || !errors.Is(err, domain.ErrPacketNotFound) {
		return status, err
	}

	p, err := s.packets.GetPacket(ctx, packetID)
	if err != nil {
		return nil, err
	}
	claims, err := s.packets.ListClaims(ctx, packetID)
	if err != nil {
		return nil, err
	}
	if claims == nil {
		claims = []domain.Claim{}
	}
	return &domain.PacketStatus{Packet: *p, Claims: claims}, nil
}

// ExpireDuePackets expires every due packet and retries pending refunds.
func (s *Service) ExpireDuePackets(ctx context.Context) (int, error) {
	total := 0
	for {
		changed, err := s.coordinator.SweepDue(ctx, s.opts.ExpiryBatchSize)
		total += changed
		if err != nil {
			return total, err
		}
		if changed < s.opts.ExpiryBatchSize {
			return total, nil
		}
	}
}

func (s *Service) RefundPacket(ctx context.Context, packetID uuid.UUID, operatorID string) (*domain.Packet, error) {
	return s.coordinator.Refund(ctx, packetID, operatorID)
}

func (s *Service) ForceComplete(ctx context.Context, packetID uuid.UUID, operatorID string) (*domain.Packet, error) {
	return s.coordinator.ForceComplete(ctx, packetID, operatorID)
}

// RecordEntry applies a manual or collaborator-originated balance change.
func (s *Service) RecordEntry(ctx context.Context, req ledger.EntryRequest) (domain.LedgerEntry, error) {
	return s.ledger.RecordEntry(ctx, req)
}

// GetBalance returns the balance of an account in one currency.
func (s *Service) GetBalance(ctx context.Context, accountID string, currency domain.Currency) (domain.AccountBalance, error) {
	balance, err := s.ledger.GetBalance(ctx, accountID, currency)
	if err != nil {
		return domain.AccountBalance{}, err
	}
	return domain.AccountBalance{AccountID: accountID, Currency: currency, Balance: balance, UpdatedAt: s.now().UTC()}, nil
}

func (s *Service) GetHistory(ctx context.Context, filter domain.HistoryFilter) ([]domain.LedgerEntry, error) {
	return s.ledger.GetHistory(ctx, filter)
}

func (s *Service) RebuildBalance(ctx context.Context, accountID string, currency domain.Currency) (ledger.RebuildResult, error) {
	if !currency.Valid() {
		return ledger.RebuildResult{}, domain.ErrInvalidCurrency
	}
	return s.ledger.Rebuild(ctx, domain.AccountKey{AccountID: accountID, Currency: currency})
}
