/**
 * @description
 * The reconciliation worker makes the durable store and the ledger catch up with claims
 * committed elsewhere. With a Redis working store it drains the replay queue in order:
 * claims, best-luck marks and lifecycle snapshots. In every mode it sweeps durable claims
 * whose ledger settlement never completed and settles them.
 *
 * @notes
 * - Every step is idempotent. A duplicate claim is a no-op at the durable store and
 *   settlement postings carry idempotency keys, so at-least-once delivery is safe.
 * - A failed record stops the batch and the in-flight records are requeued, which keeps
 *   per-packet ordering intact.
 */

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/victor2025PH/hoongbao1127-sub000/internal/claim"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/store"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = 2 * time.Second
	defaultSettleAfter  = 30 * time.Second
)

// Queue is the replay queue a working store feeds.
type Queue interface {
	Pending(ctx context.Context, limit int) ([]store.ReplayRecord, error)
	Ack(ctx context.Context, rec store.ReplayRecord) error
	// Requeue returns in-flight records to the head of the queue.
	Requeue(ctx context.Context) (int, error)
}

// Result counts what one pass did.
type Result struct {
	Replayed   int `json:"replayed"`
	Duplicates int `json:"duplicates"`
	Snapshots  int `json:"snapshots"`
	Settled    int `json:"settled"`
	Dropped    int `json:"dropped"`
}

type Worker struct {
	repo         store.PacketRepository
	queue        Queue
	settler      *claim.Settler
	batchSize    int
	pollInterval time.Duration
	settleAfter  time.Duration
	now          func() time.Time
}

type Option func(*Worker)

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithSettleAfter sets how old an unsettled claim must be before the sweep settles it.
func WithSettleAfter(d time.Duration) Option {
	return func(w *Worker) {
		if d >= 0 {
			w.settleAfter = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// NewWorker builds a worker. queue is nil when claims commit directly to repo.
func NewWorker(repo store.PacketRepository, queue Queue, settler *claim.Settler, opts ...Option) *Worker {
	w := &Worker{
		repo:         repo,
		queue:        queue,
		settler:      settler,
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		settleAfter:  defaultSettleAfter,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w.queue != nil {
		if moved, err := w.queue.Requeue(ctx); err != nil {
			log.Printf("level=warn component=reconcile msg=\"failed to requeue in-flight records\" err=%v", err)
		} else if moved > 0 {
			log.Printf("level=info component=reconcile msg=\"requeued in-flight records\" count=%d", moved)
		}
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := w.RunOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("level=warn component=reconcile msg=\"pass failed\" err=%v", err)
			}
			if res.Replayed+res.Settled+res.Snapshots+res.Dropped > 0 {
				log.Printf("level=info component=reconcile msg=\"pass complete\" replayed=%d duplicates=%d snapshots=%d settled=%d dropped=%d",
					res.Replayed, res.Duplicates, res.Snapshots, res.Settled, res.Dropped)
			}
		}
	}
}

// RunOnce drains one batch of the replay queue and then sweeps unsettled claims.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	if w.queue != nil {
		if err := w.drain(ctx, &res); err != nil {
			return res, err
		}
	}
	return res, w.sweep(ctx, &res)
}

func (w *Worker) drain(ctx context.Context, res *Result) error {
	records, err := w.queue.Pending(ctx, w.batchSize)
	if err != nil && len(records) == 0 {
		return fmt.Errorf("failed to read replay queue: %w", err)
	}

	for i, rec := range records {
		if err := w.apply(ctx, rec, res); err != nil {
			if errors.Is(err, domain.ErrPacketNotFound) {
				// The durable store will never learn this packet; the record cannot make progress.
				log.Printf("level=error component=reconcile msg=\"dropping record for unknown packet\" kind=%s packet_id=%s", rec.Kind, rec.PacketID)
				res.Dropped++
			} else {
				if _, reqErr := w.queue.Requeue(ctx); reqErr != nil {
					log.Printf("level=warn component=reconcile msg=\"requeue failed\" err=%v", reqErr)
				}
				return fmt.Errorf("replay %s record %d for packet %s: %w", rec.Kind, i, rec.PacketID, err)
			}
		}
		if err := w.queue.Ack(ctx, rec); err != nil {
			log.Printf("level=warn component=reconcile msg=\"ack failed; record will be replayed\" kind=%s packet_id=%s err=%v", rec.Kind, rec.PacketID, err)
		}
	}
	return err
}

func (w *Worker) apply(ctx context.Context, rec store.ReplayRecord, res *Result) error {
	switch rec.Kind {
	case store.RecordClaim:
		if rec.Claim == nil {
			return nil
		}
		inserted, err := w.repo.ReplayClaim(ctx, *rec.Claim)
		if err != nil {
			return err
		}
		if inserted {
			res.Replayed++
		} else {
			res.Duplicates++
		}
		return w.settle(ctx, *rec.Claim, res)
	case store.RecordBestLuck:
		if rec.Claim == nil {
			return nil
		}
		return w.repo.SetBestLuck(ctx, rec.PacketID, rec.Claim.ID)
	case store.RecordPacket:
		if rec.Packet == nil {
			return nil
		}
		if err := w.repo.ApplyPacketSnapshot(ctx, rec.Packet); err != nil {
			return err
		}
		res.Snapshots++
		return nil
	default:
		log.Printf("level=warn component=reconcile msg=\"unknown record kind\" kind=%q", rec.Kind)
		return nil
	}
}

// settle posts a claim's ledger entries and records the settlement on the durable claim.
func (w *Worker) settle(ctx context.Context, c domain.Claim, res *Result) error {
	p, err := w.repo.GetPacket(ctx, c.PacketID)
	if err != nil {
		return err
	}
	settlement, err := w.settler.SettleClaim(ctx, p.OwnerID, p.Currency, c)
	if err != nil {
		return fmt.Errorf("settle claim %s: %w", c.ID, err)
	}
	if err := w.repo.MarkClaimSettled(ctx, settlement.Claim); err != nil {
		return fmt.Errorf("mark claim %s settled: %w", c.ID, err)
	}
	if c.SettledAt == nil {
		res.Settled++
	}
	return nil
}

func (w *Worker) sweep(ctx context.Context, res *Result) error {
	claims, err := w.repo.ListUnsettledClaims(ctx, w.now().UTC().Add(-w.settleAfter), w.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unsettled claims: %w", err)
	}
	var firstErr error
	for _, c := range claims {
		if err := w.settle(ctx, c, res); err != nil {
			log.Printf("level=warn component=reconcile msg=\"settlement retry failed\" claim_id=%s packet_id=%s err=%v", c.ID, c.PacketID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
