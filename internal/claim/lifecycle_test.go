package claim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

func TestExpiry_RefundsRemainderExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.newPacket(t, domain.ModeEven, 10000, 10, nil)

	for i := 0; i < 3; i++ {
		_, err := h.coord.Claim(ctx, p.ID, claimant(i))
		require.NoError(t, err)
	}

	h.clock.Advance(time.Hour)
	_, err := h.coord.Claim(ctx, p.ID, "too-late")
	assert.ErrorIs(t, err, domain.ErrPacketExpired)

	changed, err := h.coord.SweepDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, int64(7000), h.balance(t, "owner"))

	status, err := h.coord.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, status.Packet.Status)
	assert.NotNil(t, status.Packet.RefundSettledAt)

	changed, err = h.coord.SweepDue(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Equal(t, int64(7000), h.balance(t, "owner"))

	_, err = h.coord.Claim(ctx, p.ID, "too-late")
	assert.ErrorIs(t, err, domain.ErrPacketNotActive)

	closed := h.sink.ofType(domain.EventPacketClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, int64(7000), closed[0].Amount)
}

func TestExpire_NotYetDue(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPacket(t, domain.ModeEven, 1000, 10, nil)

	_, err := h.coord.Expire(context.Background(), p.ID)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	changed, err := h.coord.SweepDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, changed)

	res, err := h.coord.Claim(context.Background(), p.ID, "still-open")
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Amount)
}

func TestRefund_IsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.newPacket(t, domain.ModeEven, 1000, 4, nil)

	_, err := h.coord.Claim(ctx, p.ID, "first")
	require.NoError(t, err)

	refunded, err := h.coord.Refund(ctx, p.ID, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, refunded.Status)
	require.NotNil(t, refunded.ClosedBy)
	assert.Equal(t, "ops-1", *refunded.ClosedBy)
	assert.NotNil(t, refunded.RefundSettledAt)
	assert.Equal(t, int64(750), h.balance(t, "owner"))

	_, err = h.coord.Refund(ctx, p.ID, "ops-1")
	assert.ErrorIs(t, err, domain.ErrPacketNotActive)
	_, err = h.coord.ForceComplete(ctx, p.ID, "ops-1")
	assert.ErrorIs(t, err, domain.ErrPacketNotActive)
	assert.Equal(t, int64(750), h.balance(t, "owner"))

	_, err = h.coord.Claim(ctx, p.ID, "second")
	assert.ErrorIs(t, err, domain.ErrPacketNotActive)
}

func TestRefund_RequiresOperator(t *testing.T) {
	h := newHarness(t, nil)
	p := h.newPacket(t, domain.ModeEven, 1000, 4, nil)

	_, err := h.coord.Refund(context.Background(), p.ID, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestForceComplete_RandomAssignsBestLuckAndRefunds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.newPacket(t, domain.ModeRandom, 10000, 10, nil)

	var claimed int64
	for i := 0; i < 3; i++ {
		res, err := h.coord.Claim(ctx, p.ID, claimant(i))
		require.NoError(t, err)
		claimed += res.Amount
	}

	done, err := h.coord.ForceComplete(ctx, p.ID, "ops-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, 10000-claimed, h.balance(t, "owner"))

	status, err := h.coord.Status(ctx, p.ID)
	require.NoError(t, err)
	best := 0
	for _, c := range status.Claims {
		if c.IsBestLuck {
			best++
		}
	}
	assert.Equal(t, 1, best)

	// A completed packet that still had shares reports not-active, not exhausted.
	_, err = h.coord.Claim(ctx, p.ID, "after")
	assert.ErrorIs(t, err, domain.ErrPacketNotActive)

	completed := h.sink.ofType(domain.EventPacketCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "ops-2", completed[0].OperatorID)
	assert.NotEmpty(t, completed[0].BestLuckClaimantID)
}

func TestSweepDue_RetriesPendingRefund(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.newPacket(t, domain.ModeEven, 1000, 10, nil)

	// Close the packet without going through the coordinator so the refund is left pending.
	closed, err := h.repo.TransitionPacket(ctx, p.ID, domain.StatusExpired, h.clock.Now(), nil)
	require.NoError(t, err)
	require.True(t, closed.NeedsRefund())
	assert.Zero(t, h.balance(t, "owner"))

	changed, err := h.coord.SweepDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, int64(1000), h.balance(t, "owner"))

	// The refund is keyed on the packet, so replaying it never pays twice.
	require.NoError(t, h.coord.settler.RefundRemainder(ctx, closed))
	assert.Equal(t, int64(1000), h.balance(t, "owner"))
}
