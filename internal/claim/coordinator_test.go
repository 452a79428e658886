package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/distribution"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/ledger"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixedSource struct{ v int64 }

func (s fixedSource) Int64N(n int64) int64 { return s.v % n }

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) ofType(t string) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	repo   *store.MemoryRepository
	ledger *ledger.Ledger
	coord  *Coordinator
	clock  *testClock
	sink   *recordingSink
}

func newHarness(t *testing.T, src distribution.Source) *harness {
	t.Helper()
	h := &harness{
		repo:   store.NewMemoryRepository(),
		ledger: ledger.New(store.NewMemoryLedgerStore()),
		clock:  &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		sink:   &recordingSink{},
	}
	settler := NewSettler(h.ledger)
	settler.now = h.clock.Now
	h.coord = NewCoordinator(h.repo, settler, distribution.NewAllocator(distribution.DefaultConfig(), src),
		WithClock(h.clock.Now), WithEventSink(h.sink))
	return h
}

func (h *harness) deposit(t *testing.T, accountID string, amount int64) {
	t.Helper()
	_, err := h.ledger.RecordEntry(context.Background(), ledger.EntryRequest{
		AccountID:     accountID,
		Currency:      domain.CurrencyUSDT,
		Delta:         amount,
		Category:      domain.CategoryDeposit,
		ReferenceType: domain.ReferenceManual,
	})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), accountID, domain.CurrencyUSDT)
	require.NoError(t, err)
	return b
}

// newPacket funds and stores an ACTIVE packet owned by "owner".
func (h *harness) newPacket(t *testing.T, mode domain.Mode, total int64, shares int, digit *int) *domain.Packet {
	t.Helper()
	h.deposit(t, "owner", total)
	now := h.clock.Now()
	p := &domain.Packet{
		ID:           uuid.New(),
		OwnerID:      "owner",
		Currency:     domain.CurrencyUSDT,
		Mode:         mode,
		TotalAmount:  total,
		TotalShares:  shares,
		PenaltyDigit: digit,
		Status:       domain.StatusActive,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}
	_, err := h.coord.settler.Fund(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, h.repo.CreatePacket(context.Background(), p))
	return p
}

func claimant(i int) string { return fmt.Sprintf("user-%03d", i) }

func TestClaim_EvenPacketCompletesOnLastShare(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.newPacket(t, domain.ModeEven, 10000, 5, nil)

	for i := 0; i < 5; i++ {
		res, err := h.coord.Claim(ctx, p.ID, claimant(i))
		require.NoError(t, err)
		assert.Equal(t, int64(2000), res.Amount)
		assert.True(t, res.Settled)
		assert.Equal(t, int64(2000), res.NewBalance)
		assert.Equal(t, i == 4, res.PacketCompleted)
		assert.Equal(t, i+1, res.Claim.Seq)
	}

	_, err := h.coord.Claim(ctx, p.ID, "late")
	assert.ErrorIs(t, err, domain.ErrNoSharesRemaining)

	status, err := h.coord.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, status.Packet.Status)
	assert.Equal(t, p.TotalAmount, status.Packet.ClaimedAmount)
	assert.NotNil(t, status.Packet.RefundSettledAt)
	assert.Len(t, status.Claims, 5)
	for _, c := range status.Claims {
		assert.NotNil(t, c.SettledAt)
		assert.False(t, c.IsBestLuck)
	}

	assert.Zero(t, h.balance(t, "owner"))
	assert.Len(t, h.sink.ofType(domain.EventClaimSucceeded), 5)
	assert.Len(t, h.sink.ofType(domain.EventPacketCompleted), 1)
}

func TestClaim_AlreadyClaimedBeforeNoShares(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.newPacket(t, domain.ModeEven, 200, 2, nil)

	_, err := h.coord.Claim(ctx, p.ID, "a")
	require.NoError(t, err)
	_, err = h.coord.Claim(ctx, p.ID, "b")
	require.NoError(t, err)

	_, err = h.coord.Claim(ctx, p.ID, "a")
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	_, err = h.coord.Claim(ctx, p.ID, "c")
	assert.ErrorIs(t, err, domain.ErrNoSharesRemaining)
}

func TestClaim_SameClaimantConcurrently(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPacket(t, domain.ModeRandom, 100000, 10, nil)

	const attempts = 1000
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, dup int
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.Claim(context.Background(), p.ID, "racer")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrAlreadyClaimed):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, dup)

	status, err := h.coord.Status(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Packet.ClaimedCount)
	assert.Len(t, status.Claims, 1)
}

func TestClaim_MoreClaimantsThanShares(t *testing.T) {
	h := newHarness(t, nil)
	const shares, extra = 20, 15
	p := h.newPacket(t, domain.ModeRandom, 50000, shares, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, exhausted int
	var total int64
	for i := 0; i < shares+extra; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.coord.Claim(context.Background(), p.ID, claimant(i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
				total += res.Amount
			case errors.Is(err, domain.ErrNoSharesRemaining):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, shares, ok)
	assert.Equal(t, extra, exhausted)
	assert.Equal(t, p.TotalAmount, total)

	status, err := h.coord.Status(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, status.Packet.Status)

	best := 0
	var bestClaim domain.Claim
	for _, c := range status.Claims {
		assert.GreaterOrEqual(t, c.Amount, int64(1))
		if c.IsBestLuck {
			best++
			bestClaim = c
		}
	}
	require.Equal(t, 1, best)
	for _, c := range status.Claims {
		assert.LessOrEqual(t, c.Amount, bestClaim.Amount)
	}

	completed := h.sink.ofType(domain.EventPacketCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, bestClaim.ClaimantID, completed[0].BestLuckClaimantID)
}

func TestClaim_DifferentPacketsProceedIndependently(t *testing.T) {
	h := newHarness(t, nil)
	a := h.newPacket(t, domain.ModeEven, 1000, 10, nil)
	b := h.newPacket(t, domain.ModeEven, 1000, 10, nil)

	// Holding a's lane must not stall claims on b.
	release, err := h.coord.lanes.Acquire(context.Background(), a.ID)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = h.coord.Claim(ctx, b.ID, "someone")
	require.NoError(t, err)
}

func TestClaim_TimeoutBeforeAttemptLeavesNoTrace(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPacket(t, domain.ModeEven, 1000, 10, nil)

	release, err := h.coord.lanes.Acquire(context.Background(), p.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.coord.Claim(ctx, p.ID, "waiter")
	require.ErrorIs(t, err, domain.ErrClaimNotAttempted)
	release()

	status, err := h.coord.Status(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Zero(t, status.Packet.ClaimedCount)
	assert.Zero(t, h.balance(t, "waiter"))

	// A retry after the timeout is safe.
	_, err = h.coord.Claim(context.Background(), p.ID, "waiter")
	require.NoError(t, err)
}

func TestClaim_PenaltyCollectedFromClaimant(t *testing.T) {
	tests := []struct {
		name          string
		shares        int
		preBalance    int64
		wantCollected int64
		wantClamped   bool
	}{
		{name: "single mine fully collected", shares: 10, preBalance: 1000, wantCollected: 317},
		{name: "double mine fully collected", shares: 5, preBalance: 1000, wantCollected: 634},
		{name: "double mine clamped to balance", shares: 5, preBalance: 100, wantCollected: 417, wantClamped: true},
		{name: "clamped with empty wallet", shares: 5, preBalance: 0, wantCollected: 317, wantClamped: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// Every draw is 1 + 316 = 317 minor units, whose last digit is 7.
			h := newHarness(t, fixedSource{v: 316})
			ctx := context.Background()
			seven := 7
			p := h.newPacket(t, domain.ModePenalty, 5000, tc.shares, &seven)
			if tc.preBalance > 0 {
				h.deposit(t, "victim", tc.preBalance)
			}

			res, err := h.coord.Claim(ctx, p.ID, "victim")
			require.NoError(t, err)
			require.True(t, res.Settled)
			assert.Equal(t, int64(317), res.Amount)
			assert.True(t, res.PenaltyTriggered)
			require.NotNil(t, res.PenaltyAmount)
			assert.Equal(t, tc.wantCollected, *res.PenaltyAmount)
			assert.Equal(t, tc.wantClamped, res.Claim.PenaltyClamped)

			assert.Equal(t, tc.preBalance+317-tc.wantCollected, res.NewBalance)
			assert.Equal(t, res.NewBalance, h.balance(t, "victim"))
			assert.GreaterOrEqual(t, res.NewBalance, int64(0))
			assert.Equal(t, tc.wantCollected, h.balance(t, "owner"))

			stored, err := h.repo.FindClaim(ctx, p.ID, "victim")
			require.NoError(t, err)
			require.NotNil(t, stored.PenaltyAmount)
			assert.Equal(t, tc.wantCollected, *stored.PenaltyAmount)
			assert.NotNil(t, stored.SettledAt)

			// Settling the same claim again moves nothing.
			again, err := h.coord.settler.SettleClaim(ctx, p.OwnerID, p.Currency, res.Claim)
			require.NoError(t, err)
			assert.Equal(t, tc.wantCollected, *again.Claim.PenaltyAmount)
			assert.Equal(t, res.NewBalance, h.balance(t, "victim"))
			assert.Equal(t, tc.wantCollected, h.balance(t, "owner"))
		})
	}
}

func TestClaim_PenaltyNotTriggeredOnOtherDigit(t *testing.T) {
	h := newHarness(t, fixedSource{v: 316})
	three := 3
	p := h.newPacket(t, domain.ModePenalty, 5000, 10, &three)

	res, err := h.coord.Claim(context.Background(), p.ID, "lucky")
	require.NoError(t, err)
	assert.False(t, res.PenaltyTriggered)
	assert.Nil(t, res.PenaltyAmount)
	assert.Equal(t, int64(317), h.balance(t, "lucky"))
}

func TestClaim_UnknownPacket(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.coord.Claim(context.Background(), uuid.New(), "nobody")
	assert.ErrorIs(t, err, domain.ErrPacketNotFound)

	_, err = h.coord.Claim(context.Background(), uuid.New(), "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestClaim_NotificationFailureDoesNotFailClaim(t *testing.T) {
	h := newHarness(t, nil)
	h.sink.err = errors.New("broker down")
	p := h.newPacket(t, domain.ModeEven, 1000, 1, nil)

	res, err := h.coord.Claim(context.Background(), p.ID, "solo")
	require.NoError(t, err)
	assert.True(t, res.PacketCompleted)
	assert.Equal(t, int64(1000), h.balance(t, "solo"))
}
