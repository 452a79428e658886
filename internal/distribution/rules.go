package distribution

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

// DefaultMaxShares bounds the share count of a single packet.
const DefaultMaxShares = 100

// ValidatePacket checks the creation-time bounds of a packet definition.
func ValidatePacket(mode domain.Mode, totalAmount int64, totalShares int, penaltyDigit *int, maxShares int) error {
	if maxShares <= 0 {
		maxShares = DefaultMaxShares
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidRequest, mode)
	}
	if totalShares < 1 || totalShares > maxShares {
		return fmt.Errorf("%w: share count must be between 1 and %d", domain.ErrInvalidAmountOrShareCount, maxShares)
	}
	if totalAmount <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmountOrShareCount)
	}
	if totalAmount < minUnit*int64(totalShares) {
		return fmt.Errorf("%w: amount cannot cover the minimum unit for every share", domain.ErrInvalidAmountOrShareCount)
	}

	if mode == domain.ModePenalty {
		if totalShares != SingleMineShares && totalShares != DoubleMineShares {
			return fmt.Errorf("%w: got %d shares", domain.ErrInvalidPenaltyConfiguration, totalShares)
		}
		if penaltyDigit == nil || *penaltyDigit < 0 || *penaltyDigit > 9 {
			return domain.ErrInvalidPenaltyConfiguration
		}
		return nil
	}
	if penaltyDigit != nil {
		return fmt.Errorf("%w: penalty digit is only valid for %s packets", domain.ErrInvalidPenaltyConfiguration, domain.ModePenalty)
	}
	return nil
}

// BestLuck picks the claim with the strictly largest amount. Ties go to the earliest
// claim timestamp, then to the earliest admission.
func BestLuck(claims []domain.Claim) (uuid.UUID, bool) {
	if len(claims) == 0 {
		return uuid.Nil, false
	}
	best := claims[0]
	for _, c := range claims[1:] {
		switch {
		case c.Amount > best.Amount:
			best = c
		case c.Amount < best.Amount:
		case c.ClaimedAt.Before(best.ClaimedAt):
			best = c
		case c.ClaimedAt.Equal(best.ClaimedAt) && c.Seq < best.Seq:
			best = c
		}
	}
	return best.ID, true
}
