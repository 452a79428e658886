package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

func newRedisStore(t *testing.T, opts ...RedisOption) (*RedisWorkingStore, *miniredis.Miniredis) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWorkingStore(client, "test", opts...), m
}

func drain(t *testing.T, s *RedisWorkingStore) []ReplayRecord {
	t.Helper()
	records, err := s.Pending(context.Background(), 100)
	require.NoError(t, err)
	for _, rec := range records {
		require.NoError(t, s.Ack(context.Background(), rec))
	}
	return records
}

func TestRedisWorkingStore_CommitClaimChecksExpectedCount(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	p := newActivePacket(1000, 3)
	require.NoError(t, s.CreatePacket(ctx, p))
	assert.ErrorIs(t, s.CreatePacket(ctx, p), ErrPacketExists)

	first := claimFor(p, "a", 300, 1)
	require.NoError(t, s.CommitClaim(ctx, advance(p, 300), first, 0))

	stale := claimFor(p, "b", 300, 1)
	assert.ErrorIs(t, s.CommitClaim(ctx, advance(p, 300), stale, 0), ErrConcurrentUpdate)

	current, err := s.GetPacket(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.ClaimedCount)
	assert.Equal(t, int64(300), current.ClaimedAmount)

	dup := claimFor(p, "a", 300, 2)
	assert.ErrorIs(t, s.CommitClaim(ctx, advance(current, 300), dup, 1), ErrDuplicateClaim)

	found, err := s.FindClaim(ctx, p.ID, "a")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	missing, err := s.FindClaim(ctx, p.ID, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	unknown := newActivePacket(100, 1)
	assert.ErrorIs(t, s.CommitClaim(ctx, advance(unknown, 100), claimFor(unknown, "a", 100, 1), 0), domain.ErrPacketNotFound)
}

func TestRedisWorkingStore_CommitClaimRejectsTerminalPacket(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	p := newActivePacket(1000, 3)
	require.NoError(t, s.CreatePacket(ctx, p))

	_, err := s.TransitionPacket(ctx, p.ID, domain.StatusExpired, time.Now().UTC(), nil)
	require.NoError(t, err)

	err = s.CommitClaim(ctx, advance(p, 100), claimFor(p, "late", 100, 1), 0)
	assert.ErrorIs(t, err, domain.ErrPacketNotActive)

	_, err = s.TransitionPacket(ctx, p.ID, domain.StatusRefunded, time.Now().UTC(), nil)
	assert.ErrorIs(t, err, domain.ErrPacketNotActive)
}

func TestRedisWorkingStore_TerminalCommitQueuesSnapshot(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	p := newActivePacket(200, 2)
	require.NoError(t, s.CreatePacket(ctx, p))

	require.NoError(t, s.CommitClaim(ctx, advance(p, 100), claimFor(p, "a", 100, 1), 0))
	current, err := s.GetPacket(ctx, p.ID)
	require.NoError(t, err)

	now := time.Now().UTC()
	last := advance(current, 100)
	last.Status = domain.StatusCompleted
	last.CompletedAt = &now
	last.RefundSettledAt = &now
	require.NoError(t, s.CommitClaim(ctx, last, claimFor(p, "b", 100, 2), 1))

	records := drain(t, s)
	require.Len(t, records, 3)
	assert.Equal(t, RecordClaim, records[0].Kind)
	assert.Equal(t, "a", records[0].Claim.ClaimantID)
	assert.Equal(t, RecordClaim, records[1].Kind)
	assert.Equal(t, "b", records[1].Claim.ClaimantID)
	assert.Equal(t, RecordPacket, records[2].Kind)
	require.NotNil(t, records[2].Packet)
	assert.Equal(t, domain.StatusCompleted, records[2].Packet.Status)

	// A completed packet is no longer a candidate for expiry.
	due, err := s.ListDuePackets(ctx, now.Add(2*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRedisWorkingStore_SettlementKeepsBestLuck(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	p := newActivePacket(500, 2)
	require.NoError(t, s.CreatePacket(ctx, p))

	a := claimFor(p, "a", 400, 1)
	require.NoError(t, s.CommitClaim(ctx, advance(p, 400), a, 0))
	afterA, err := s.GetPacket(ctx, p.ID)
	require.NoError(t, err)

	b := claimFor(p, "b", 100, 2)
	last := advance(afterA, 100)
	last.Status = domain.StatusCompleted
	require.NoError(t, s.CommitClaim(ctx, last, b, 1))
	require.NoError(t, s.SetBestLuck(ctx, p.ID, a.ID))

	// a's settlement lands after best luck was assigned, carrying its admission-time copy.
	settledAt := time.Now().UTC()
	settled := a
	settled.SettledAt = &settledAt
	require.NoError(t, s.MarkClaimSettled(ctx, settled))

	// b settles before its best-luck flag changes and must not lose the settlement either.
	bSettled := b
	bSettled.SettledAt = &settledAt
	require.NoError(t, s.MarkClaimSettled(ctx, bSettled))
	require.NoError(t, s.SetBestLuck(ctx, p.ID, a.ID))

	claims, err := s.ListClaims(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	best := 0
	for _, c := range claims {
		assert.NotNil(t, c.SettledAt, c.ClaimantID)
		if c.IsBestLuck {
			best++
			assert.Equal(t, a.ID, c.ID)
		}
	}
	assert.Equal(t, 1, best)
}

func TestRedisWorkingStore_SetBestLuckMovesTheMark(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	p := newActivePacket(600, 3)
	require.NoError(t, s.CreatePacket(ctx, p))

	var ids []uuid.UUID
	current := p
	for i, who := range []string{"a", "b", "c"} {
		c := claimFor(p, who, 200, i+1)
		ids = append(ids, c.ID)
		next := advance(current, 200)
		require.NoError(t, s.CommitClaim(ctx, next, c, i))
		current = next
	}

	require.NoError(t, s.SetBestLuck(ctx, p.ID, ids[0]))
	require.NoError(t, s.SetBestLuck(ctx, p.ID, ids[2]))

	claims, err := s.ListClaims(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, claims, 3)
	for _, c := range claims {
		assert.Equal(t, c.ID == ids[2], c.IsBestLuck, c.ClaimantID)
	}
}

func TestRedisWorkingStore_MarkClaimSettledUnknownClaim(t *testing.T) {
	s, _ := newRedisStore(t)
	p := newActivePacket(100, 1)
	require.NoError(t, s.CreatePacket(context.Background(), p))
	err := s.MarkClaimSettled(context.Background(), claimFor(p, "ghost", 100, 1))
	assert.ErrorIs(t, err, domain.ErrPacketNotFound)
}

func TestRedisWorkingStore_ListDuePacketsAndRefunds(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := newActivePacket(100, 1)
	expired := newActivePacket(100, 1)
	expired.ExpiresAt = now.Add(-time.Minute)
	unrefunded := newActivePacket(100, 2)
	for _, p := range []*domain.Packet{live, expired, unrefunded} {
		require.NoError(t, s.CreatePacket(ctx, p))
	}
	closed, err := s.TransitionPacket(ctx, unrefunded.ID, domain.StatusRefunded, now, nil)
	require.NoError(t, err)
	assert.Nil(t, closed.RefundSettledAt)

	due, err := s.ListDuePackets(ctx, now, 0)
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, p := range due {
		ids[p.ID] = true
	}
	assert.Equal(t, map[uuid.UUID]bool{expired.ID: true, unrefunded.ID: true}, ids)

	require.NoError(t, s.MarkRefundSettled(ctx, unrefunded.ID, now))
	due, err = s.ListDuePackets(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, expired.ID, due[0].ID)

	got, err := s.GetPacket(ctx, unrefunded.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.RefundSettledAt)
}

func TestRedisWorkingStore_RequeuePreservesOrder(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	p := newActivePacket(900, 3)
	require.NoError(t, s.CreatePacket(ctx, p))

	current := p
	for i, who := range []string{"first", "second", "third"} {
		next := advance(current, 100)
		require.NoError(t, s.CommitClaim(ctx, next, claimFor(p, who, 100, i+1), i))
		current = next
	}

	// A worker takes two records and dies before acknowledging them.
	inflight, err := s.Pending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, inflight, 2)

	moved, err := s.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	records := drain(t, s)
	require.Len(t, records, 3)
	for i, who := range []string{"first", "second", "third"} {
		assert.Equal(t, who, records[i].Claim.ClaimantID)
	}

	moved, err = s.Requeue(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestRedisWorkingStore_PendingDropsUndecodableRecords(t *testing.T) {
	s, m := newRedisStore(t)
	ctx := context.Background()
	_, err := m.Push(s.queueKey(), "{not json")
	require.NoError(t, err)

	records, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.False(t, m.Exists(s.processingKey()))
}

func TestRedisWorkingStore_TerminalPacketExpiresAfterReplay(t *testing.T) {
	s, m := newRedisStore(t, WithRetention(time.Hour))
	ctx := context.Background()
	p := newActivePacket(100, 1)
	require.NoError(t, s.CreatePacket(ctx, p))

	now := time.Now().UTC()
	last := advance(p, 100)
	last.Status = domain.StatusCompleted
	last.CompletedAt = &now
	last.RefundSettledAt = &now
	require.NoError(t, s.CommitClaim(ctx, last, claimFor(p, "a", 100, 1), 0))

	assert.Zero(t, m.TTL(s.packetKey(p.ID)))
	drain(t, s)
	assert.Equal(t, time.Hour, m.TTL(s.packetKey(p.ID)))
	assert.Equal(t, time.Hour, m.TTL(s.claimsKey(p.ID)))

	m.FastForward(time.Hour + time.Second)
	_, err := s.GetPacket(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrPacketNotFound)
}

func TestRedisWorkingStore_PendingRefundKeepsPacket(t *testing.T) {
	s, m := newRedisStore(t, WithRetention(time.Hour))
	ctx := context.Background()
	p := newActivePacket(100, 2)
	require.NoError(t, s.CreatePacket(ctx, p))

	_, err := s.TransitionPacket(ctx, p.ID, domain.StatusExpired, time.Now().UTC(), nil)
	require.NoError(t, err)
	drain(t, s)
	assert.Zero(t, m.TTL(s.packetKey(p.ID)), "remainder not refunded yet")

	require.NoError(t, s.MarkRefundSettled(ctx, p.ID, time.Now().UTC()))
	drain(t, s)
	assert.Equal(t, time.Hour, m.TTL(s.packetKey(p.ID)))
}
