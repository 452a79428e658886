package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/claim"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/distribution"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/ledger"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/store"
)

// memQueue mirrors the reliable-list semantics of the Redis replay queue.
type memQueue struct {
	mu         sync.Mutex
	queued     []store.ReplayRecord
	processing []store.ReplayRecord
}

func (q *memQueue) push(rec store.ReplayRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec.Raw = uuid.NewString()
	q.queued = append(q.queued, rec)
}

func (q *memQueue) Pending(ctx context.Context, limit int) ([]store.ReplayRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(limit, len(q.queued))
	out := append([]store.ReplayRecord(nil), q.queued[:n]...)
	q.queued = q.queued[n:]
	q.processing = append(q.processing, out...)
	return out, nil
}

func (q *memQueue) Ack(ctx context.Context, rec store.ReplayRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.processing {
		if r.Raw == rec.Raw {
			q.processing = append(q.processing[:i], q.processing[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *memQueue) Requeue(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := len(q.processing)
	q.queued = append(append([]store.ReplayRecord(nil), q.processing...), q.queued...)
	q.processing = nil
	return moved, nil
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) + len(q.processing)
}

// queueingWorking wraps an in-memory working store and emits replay records the way the
// Redis working store does.
type queueingWorking struct {
	store.WorkingStore
	q *memQueue
}

func (w *queueingWorking) CommitClaim(ctx context.Context, next *domain.Packet, c domain.Claim, expectedCount int) error {
	if err := w.WorkingStore.CommitClaim(ctx, next, c, expectedCount); err != nil {
		return err
	}
	w.q.push(store.ReplayRecord{Kind: store.RecordClaim, Claim: &c, PacketID: c.PacketID})
	if next.Status.Terminal() {
		snapshot := *next
		w.q.push(store.ReplayRecord{Kind: store.RecordPacket, Packet: &snapshot, PacketID: next.ID})
	}
	return nil
}

func (w *queueingWorking) SetBestLuck(ctx context.Context, packetID, claimID uuid.UUID) error {
	if err := w.WorkingStore.SetBestLuck(ctx, packetID, claimID); err != nil {
		return err
	}
	w.q.push(store.ReplayRecord{Kind: store.RecordBestLuck, PacketID: packetID, Claim: &domain.Claim{ID: claimID, PacketID: packetID}})
	return nil
}

type flakyRepo struct {
	store.PacketRepository
	failures int
}

func (r *flakyRepo) ReplayClaim(ctx context.Context, c domain.Claim) (bool, error) {
	if r.failures > 0 {
		r.failures--
		return false, errors.New("connection refused")
	}
	return r.PacketRepository.ReplayClaim(ctx, c)
}

type fixture struct {
	durable *store.MemoryRepository
	working *queueingWorking
	queue   *memQueue
	ledger  *ledger.Ledger
	settler *claim.Settler
	coord   *claim.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		durable: store.NewMemoryRepository(),
		queue:   &memQueue{},
		ledger:  ledger.New(store.NewMemoryLedgerStore()),
	}
	f.working = &queueingWorking{WorkingStore: store.NewMemoryRepository(), q: f.queue}
	f.settler = claim.NewSettler(f.ledger)
	f.coord = claim.NewCoordinator(f.working, f.settler, distribution.NewAllocator(distribution.DefaultConfig(), nil))
	return f
}

func (f *fixture) packet(t *testing.T, mode domain.Mode, total int64, shares int) *domain.Packet {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.RecordEntry(ctx, ledger.EntryRequest{
		AccountID: "owner", Currency: domain.CurrencyTRX, Delta: total, Category: domain.CategoryDeposit,
	})
	require.NoError(t, err)
	p := &domain.Packet{
		ID: uuid.New(), OwnerID: "owner", Currency: domain.CurrencyTRX, Mode: mode,
		TotalAmount: total, TotalShares: shares, Status: domain.StatusActive,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	_, err = f.settler.Fund(ctx, p)
	require.NoError(t, err)
	require.NoError(t, f.durable.CreatePacket(ctx, p))
	require.NoError(t, f.working.CreatePacket(ctx, p))
	return p
}

func (f *fixture) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), accountID, domain.CurrencyTRX)
	require.NoError(t, err)
	return b
}

func TestRunOnce_ReplaysQueueIntoDurableStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.packet(t, domain.ModeRandom, 5000, 4)

	for _, who := range []string{"a", "b", "c", "d"} {
		_, err := f.coord.Claim(ctx, p.ID, who)
		require.NoError(t, err)
	}
	balances := map[string]int64{}
	for _, who := range []string{"a", "b", "c", "d", "owner"} {
		balances[who] = f.balance(t, who)
	}

	w := NewWorker(f.durable, f.queue, f.settler, WithBatchSize(100))
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Replayed)
	assert.Equal(t, 1, res.Snapshots)
	assert.Zero(t, f.queue.len())

	durable, err := f.durable.GetPacket(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, durable.Status)
	assert.Equal(t, p.TotalAmount, durable.ClaimedAmount)
	assert.Equal(t, 4, durable.ClaimedCount)

	claims, err := f.durable.ListClaims(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, claims, 4)
	best := 0
	for _, c := range claims {
		assert.NotNil(t, c.SettledAt)
		if c.IsBestLuck {
			best++
		}
	}
	assert.Equal(t, 1, best)

	// Replay moved no money: the coordinator had already settled every claim.
	for who, want := range balances {
		assert.Equal(t, want, f.balance(t, who), who)
	}
}

func TestRunOnce_RedeliveryIsANoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.packet(t, domain.ModeEven, 300, 3)

	res, err := f.coord.Claim(ctx, p.ID, "x")
	require.NoError(t, err)
	c := res.Claim
	c.SettledAt = nil

	w := NewWorker(f.durable, f.queue, f.settler)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	// The same record delivered twice more.
	f.queue.push(store.ReplayRecord{Kind: store.RecordClaim, Claim: &c, PacketID: p.ID})
	f.queue.push(store.ReplayRecord{Kind: store.RecordClaim, Claim: &c, PacketID: p.ID})
	again, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Duplicates)
	assert.Zero(t, again.Replayed)

	durable, err := f.durable.GetPacket(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, durable.ClaimedCount)
	assert.Equal(t, int64(100), durable.ClaimedAmount)
	assert.Equal(t, int64(100), f.balance(t, "x"))
}

func TestRunOnce_FailureRequeuesInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.packet(t, domain.ModeEven, 200, 2)

	for _, who := range []string{"first", "second"} {
		_, err := f.coord.Claim(ctx, p.ID, who)
		require.NoError(t, err)
	}
	require.Equal(t, 3, f.queue.len())

	repo := &flakyRepo{PacketRepository: f.durable, failures: 1}
	w := NewWorker(repo, f.queue, f.settler)
	_, err := w.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 3, f.queue.len())

	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)

	claims, err := f.durable.ListClaims(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, "first", claims[0].ClaimantID)
	assert.Equal(t, "second", claims[1].ClaimantID)
}

func TestRunOnce_DropsRecordsForUnknownPacket(t *testing.T) {
	f := newFixture(t)
	orphan := domain.Claim{ID: uuid.New(), PacketID: uuid.New(), ClaimantID: "ghost", Amount: 5, Seq: 1}
	f.queue.push(store.ReplayRecord{Kind: store.RecordClaim, Claim: &orphan, PacketID: orphan.PacketID})

	w := NewWorker(f.durable, f.queue, f.settler)
	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Zero(t, f.queue.len())
}

func TestRunOnce_SweepSettlesStrandedClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.packet(t, domain.ModeEven, 1000, 2)

	// A claim that reached the durable store but never reached the ledger.
	stranded := domain.Claim{
		ID: uuid.New(), PacketID: p.ID, ClaimantID: "stranded", Amount: 500, Seq: 1,
		ClaimedAt: time.Now().Add(-time.Minute),
	}
	inserted, err := f.durable.ReplayClaim(ctx, stranded)
	require.NoError(t, err)
	require.True(t, inserted)

	fresh := domain.Claim{ID: uuid.New(), PacketID: p.ID, ClaimantID: "fresh", Amount: 500, Seq: 2, ClaimedAt: time.Now()}
	_, err = f.durable.ReplayClaim(ctx, fresh)
	require.NoError(t, err)

	w := NewWorker(f.durable, nil, f.settler, WithSettleAfter(30*time.Second))
	res, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, int64(500), f.balance(t, "stranded"))
	assert.Zero(t, f.balance(t, "fresh"))

	res, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Settled)
	assert.Equal(t, int64(500), f.balance(t, "stranded"))
}
