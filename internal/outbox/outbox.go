/**
 * @description
 * Outbound notification spool. Events produced after a claim or lifecycle change commits
 * are appended to a local bbolt file and relayed to RabbitMQ by a dispatcher loop, so a
 * broker outage never blocks or fails a claim.
 *
 * @dependencies
 * - go.etcd.io/bbolt: embedded durable spool.
 * - pkg/rabbitmq: publisher the relay delivers to.
 */

package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
	"github.com/victor2025PH/hoongbao1127-sub000/pkg/rabbitmq"
	"go.etcd.io/bbolt"
)

const (
	defaultBatchSize    = 50
	defaultPollInterval = 1200 * time.Millisecond
	maxRetryDelay       = 300
)

var bucketMessages = []byte("messages")

type message struct {
	Event         domain.Event `json:"event"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	LastError     string       `json:"last_error,omitempty"`
}

// BoltOutbox spools events in bbolt and relays them to an exchange.
type BoltOutbox struct {
	db           *bbolt.DB
	publisher    rabbitmq.Publisher
	exchange     string
	batchSize    int
	pollInterval time.Duration
	now          func() time.Time
}

// Open opens or creates the spool at path. The parent directory is created if needed.
func Open(path string, publisher rabbitmq.Publisher, exchange string) (*BoltOutbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("outbox: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("outbox: open bolt db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMessages)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("outbox: create bucket: %w", err)
	}
	return &BoltOutbox{
		db:           db,
		publisher:    publisher,
		exchange:     exchange,
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}, nil
}

func (o *BoltOutbox) Close() error { return o.db.Close() }

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Publish appends the event to the spool. Delivery happens in Run.
func (o *BoltOutbox) Publish(ctx context.Context, event domain.Event) error {
	raw, err := json.Marshal(message{Event: event, NextAttemptAt: o.now().UTC()})
	if err != nil {
		return err
	}
	return o.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), raw)
	})
}

// Pending reports how many events are waiting for delivery.
func (o *BoltOutbox) Pending() (int, error) {
	var n int
	err := o.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketMessages).Stats().KeyN
		return nil
	})
	return n, err
}

// Run relays spooled events until ctx is cancelled.
func (o *BoltOutbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.FlushOnce(ctx); err != nil {
				log.Printf("level=warn component=outbox msg=\"flush failed\" err=%v", err)
			}
		}
	}
}

type dueMessage struct {
	key []byte
	msg message
}

// FlushOnce delivers up to one batch of due events in spool order and returns how many
// were published.
func (o *BoltOutbox) FlushOnce(ctx context.Context) (int, error) {
	now := o.now().UTC()
	var due []dueMessage
	err := o.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		for k, v := c.First(); k != nil && len(due) < o.batchSize; k, v = c.Next() {
			var m message
			if err := json.Unmarshal(v, &m); err != nil {
				log.Printf("level=error component=outbox msg=\"undecodable message skipped\" key=%x err=%v", k, err)
				continue
			}
			if m.NextAttemptAt.After(now) {
				continue
			}
			due = append(due, dueMessage{key: append([]byte(nil), k...), msg: m})
		}
		return nil
	})
	if err != nil || len(due) == 0 {
		return 0, err
	}

	published := 0
	for _, d := range due {
		if err := o.publisher.Publish(ctx, o.exchange, d.msg.Event.Type, d.msg.Event); err != nil {
			d.msg.Attempts++
			d.msg.LastError = err.Error()
			d.msg.NextAttemptAt = now.Add(time.Duration(retryDelaySeconds(d.msg.Attempts)) * time.Second)
			if markErr := o.put(d.key, d.msg); markErr != nil {
				log.Printf("level=error component=outbox msg=\"failed to record delivery failure\" key=%x err=%v", d.key, markErr)
			}
			continue
		}
		if err := o.delete(d.key); err != nil {
			log.Printf("level=warn component=outbox msg=\"failed to remove delivered message\" key=%x err=%v", d.key, err)
			continue
		}
		published++
	}
	return published, nil
}

func (o *BoltOutbox) put(key []byte, m message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).Put(key, raw)
	})
}

func (o *BoltOutbox) delete(key []byte) error {
	return o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).Delete(key)
	})
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// DirectSink publishes events straight to the broker without spooling.
type DirectSink struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewDirectSink(publisher rabbitmq.Publisher, exchange string) *DirectSink {
	return &DirectSink{publisher: publisher, exchange: exchange}
}

func (s *DirectSink) Publish(ctx context.Context, event domain.Event) error {
	return s.publisher.Publish(ctx, s.exchange, event.Type, event)
}
