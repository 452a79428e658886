/**
 * @description
 * Allocation rules for splitting a packet's remaining pool. Everything here is pure:
 * the only input besides the packet state is the random Source, which callers inject.
 *
 * @notes
 * - Amounts are minor units, so the minimum share is 1 and every amount is already
 *   rounded to the currency precision before it leaves the pool.
 * - The random ceiling is floor(remaining * AverageMultiplier * CeilingRatio / shares),
 *   further capped so every later share can still receive the minimum unit.
 */

package distribution

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

const minUnit int64 = 1

// Penalty packets are restricted to these share counts.
const (
	SingleMineShares = 10
	DoubleMineShares = 5
)

// Source yields uniformly distributed integers in [0, n).
type Source interface {
	Int64N(n int64) int64
}

type globalSource struct{}

func (globalSource) Int64N(n int64) int64 { return rand.Int64N(n) }

// Config carries the tunable bounds of the random draw.
type Config struct {
	AverageMultiplier decimal.Decimal
	CeilingRatio      decimal.Decimal
}

// DefaultConfig caps a random share at 90% of twice the remaining average.
func DefaultConfig() Config {
	return Config{
		AverageMultiplier: decimal.NewFromInt(2),
		CeilingRatio:      decimal.RequireFromString("0.9"),
	}
}

// Input is the packet state a single allocation is computed from.
type Input struct {
	Mode            domain.Mode
	RemainingAmount int64
	RemainingShares int
	TotalShares     int
	PenaltyDigit    *int
}

// Allocation is the outcome of one draw.
type Allocation struct {
	Amount           int64
	PenaltyTriggered bool
	// PenaltyAmount is the full amount due; settlement may collect less.
	PenaltyAmount int64
}

// Allocator serializes access to its Source so one allocator can serve every packet lane.
type Allocator struct {
	cfg Config
	mu  sync.Mutex
	src Source
}

// NewAllocator builds an allocator. A nil src uses the process-wide generator.
func NewAllocator(cfg Config, src Source) *Allocator {
	if src == nil {
		src = globalSource{}
	}
	if !cfg.AverageMultiplier.IsPositive() || !cfg.CeilingRatio.IsPositive() {
		cfg = DefaultConfig()
	}
	return &Allocator{cfg: cfg, src: src}
}

func (a *Allocator) Allocate(in Input) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Allocate(a.cfg, a.src, in)
}

// Allocate computes the amount for the next claim against a pool.
func Allocate(cfg Config, src Source, in Input) (Allocation, error) {
	if in.RemainingShares <= 0 {
		return Allocation{}, domain.ErrNoSharesRemaining
	}
	if in.RemainingAmount < minUnit*int64(in.RemainingShares) {
		return Allocation{}, fmt.Errorf("%w: %d minor units cannot cover %d shares", domain.ErrInvalidAmountOrShareCount, in.RemainingAmount, in.RemainingShares)
	}

	switch in.Mode {
	case domain.ModeEven:
		return Allocation{Amount: evenAmount(in.RemainingAmount, in.RemainingShares)}, nil
	case domain.ModeRandom:
		return Allocation{Amount: randomAmount(cfg, src, in.RemainingAmount, in.RemainingShares)}, nil
	case domain.ModePenalty:
		if in.PenaltyDigit == nil {
			return Allocation{}, domain.ErrInvalidPenaltyConfiguration
		}
		multiplier, err := PenaltyMultiplier(in.TotalShares)
		if err != nil {
			return Allocation{}, err
		}
		amount := randomAmount(cfg, src, in.RemainingAmount, in.RemainingShares)
		alloc := Allocation{Amount: amount}
		if LastDigit(amount) == *in.PenaltyDigit {
			alloc.PenaltyTriggered = true
			alloc.PenaltyAmount = amount * multiplier
		}
		return alloc, nil
	default:
		return Allocation{}, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidRequest, in.Mode)
	}
}

// The last share always takes the exact remainder.
func evenAmount(remaining int64, shares int) int64 {
	if shares == 1 {
		return remaining
	}
	return remaining / int64(shares)
}

func randomAmount(cfg Config, src Source, remaining int64, shares int) int64 {
	if shares == 1 {
		return remaining
	}
	reserveCap := remaining - minUnit*int64(shares-1)
	ceiling := decimal.NewFromInt(remaining).
		Mul(cfg.AverageMultiplier).
		Mul(cfg.CeilingRatio).
		Div(decimal.NewFromInt(int64(shares))).
		Floor().
		IntPart()

	upper := min(reserveCap, ceiling)
	if upper < minUnit {
		upper = minUnit
	}
	return minUnit + src.Int64N(upper-minUnit+1)
}

// LastDigit is the least significant digit of an amount at its currency precision,
// i.e. the hundredths digit of 3.17 for a two-decimal currency.
func LastDigit(amount int64) int {
	if amount < 0 {
		amount = -amount
	}
	return int(amount % 10)
}

// PenaltyMultiplier is 1 for a ten-share ("single mine") packet and 2 for a five-share one.
func PenaltyMultiplier(totalShares int) (int64, error) {
	switch totalShares {
	case SingleMineShares:
		return 1, nil
	case DoubleMineShares:
		return 2, nil
	default:
		return 0, domain.ErrInvalidPenaltyConfiguration
	}
}
