/**
 * @description
 * Redis-backed WorkingStore. Claim commits run as one Lua script that re-checks the
 * packet's status, claimed count and the claimant's prior claim before writing, so the
 * commit is atomic even when several service instances share one Redis. Every committed
 * claim and lifecycle change is queued for the reconciliation worker, which replays it
 * into the durable store.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client and Lua scripting.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/victor2025PH/hoongbao1127-sub000/internal/domain"
)

const (
	maxTransitionAttempts = 5
	maxPatchAttempts      = 5
	// DefaultRetention is how long a terminal packet stays readable in Redis after its final
	// snapshot has been replayed into the durable store.
	DefaultRetention = 24 * time.Hour
)

var commitClaimScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return "missing"
end
local current = cjson.decode(raw)
if current["status"] ~= "ACTIVE" then
  return "inactive"
end
if tonumber(current["claimed_count"]) ~= tonumber(ARGV[1]) then
  return "conflict"
end
if redis.call("HEXISTS", KEYS[2], ARGV[3]) == 1 then
  return "duplicate"
end
redis.call("SET", KEYS[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[3], ARGV[4])
redis.call("RPUSH", KEYS[3], ARGV[5])
if ARGV[6] == "1" then
  redis.call("ZREM", KEYS[4], ARGV[7])
  redis.call("RPUSH", KEYS[3], ARGV[8])
end
return "ok"
`)

var transitionScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return "missing"
end
local current = cjson.decode(raw)
if current["status"] ~= "ACTIVE" then
  return "inactive"
end
if tonumber(current["claimed_count"]) ~= tonumber(ARGV[1]) then
  return "conflict"
end
redis.call("SET", KEYS[1], ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[3])
if ARGV[4] == "1" then
  redis.call("SADD", KEYS[3], ARGV[3])
end
redis.call("RPUSH", KEYS[4], ARGV[5])
return "ok"
`)

// patchClaimsScript replaces claim fields only if each one still holds the value the caller
// read. ARGV: count, then (claimant, expected, replacement) per claim, then an optional
// replay record.
var patchClaimsScript = redis.NewScript(`
local n = tonumber(ARGV[1])
for i = 0, n - 1 do
  if redis.call("HGET", KEYS[1], ARGV[2 + i * 3]) ~= ARGV[3 + i * 3] then
    return "conflict"
  end
end
for i = 0, n - 1 do
  redis.call("HSET", KEYS[1], ARGV[2 + i * 3], ARGV[4 + i * 3])
end
local rec = ARGV[2 + n * 3]
if rec and rec ~= "" then
  redis.call("RPUSH", KEYS[2], rec)
end
return "ok"
`)

// RedisWorkingStore keeps live packet state in Redis.
type RedisWorkingStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

type RedisOption func(*RedisWorkingStore)

// WithRetention sets how long terminal packets stay in Redis once fully replayed.
// Zero keeps them forever.
func WithRetention(d time.Duration) RedisOption {
	return func(s *RedisWorkingStore) {
		if d >= 0 {
			s.retention = d
		}
	}
}

func NewRedisWorkingStore(client redis.UniversalClient, prefix string, opts ...RedisOption) *RedisWorkingStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "hongbao"
	}
	s := &RedisWorkingStore{client: client, prefix: prefix, retention: DefaultRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisWorkingStore) packetKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:packet:%s", s.prefix, id)
}

func (s *RedisWorkingStore) claimsKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:claims:%s", s.prefix, id)
}

func (s *RedisWorkingStore) dueKey() string        { return s.prefix + ":due" }
func (s *RedisWorkingStore) refundsKey() string    { return s.prefix + ":refunds" }
func (s *RedisWorkingStore) queueKey() string      { return s.prefix + ":reconcile" }
func (s *RedisWorkingStore) processingKey() string { return s.prefix + ":reconcile:processing" }

func encodeRecord(rec ReplayRecord) (string, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func packetRecord(p *domain.Packet) (string, error) {
	return encodeRecord(ReplayRecord{Kind: RecordPacket, Packet: p, PacketID: p.ID})
}

func (s *RedisWorkingStore) CreatePacket(ctx context.Context, p *domain.Packet) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	created, err := s.client.SetNX(ctx, s.packetKey(p.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("redis set packet: %w", err)
	}
	if !created {
		return ErrPacketExists
	}
	return s.client.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(p.ExpiresAt.UnixMilli()), Member: p.ID.String()}).Err()
}

func (s *RedisWorkingStore) GetPacket(ctx context.Context, id uuid.UUID) (*domain.Packet, error) {
	raw, err := s.client.Get(ctx, s.packetKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrPacketNotFound
		}
		return nil, fmt.Errorf("redis get packet: %w", err)
	}
	var p domain.Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode packet %s: %w", id, err)
	}
	return &p, nil
}

func (s *RedisWorkingStore) FindClaim(ctx context.Context, packetID uuid.UUID, claimantID string) (*domain.Claim, error) {
	raw, err := s.client.HGet(ctx, s.claimsKey(packetID), claimantID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get claim: %w", err)
	}
	var c domain.Claim
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisWorkingStore) ListClaims(ctx context.Context, packetID uuid.UUID) ([]domain.Claim, error) {
	values, err := s.client.HVals(ctx, s.claimsKey(packetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list claims: %w", err)
	}
	claims := make([]domain.Claim, 0, len(values))
	for _, v := range values {
		var c domain.Claim
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].Seq < claims[j].Seq })
	return claims, nil
}

func (s *RedisWorkingStore) CommitClaim(ctx context.Context, next *domain.Packet, claim domain.Claim, expectedCount int) error {
	packetJSON, err := json.Marshal(next)
	if err != nil {
		return err
	}
	claimJSON, err := json.Marshal(claim)
	if err != nil {
		return err
	}
	claimRec, err := encodeRecord(ReplayRecord{Kind: RecordClaim, Claim: &claim, PacketID: claim.PacketID})
	if err != nil {
		return err
	}
	terminal, snapshotRec := "0", ""
	if next.Status.Terminal() {
		terminal = "1"
		if snapshotRec, err = packetRecord(next); err != nil {
			return err
		}
	}

	res, err := commitClaimScript.Run(ctx, s.client,
		[]string{s.packetKey(next.ID), s.claimsKey(next.ID), s.queueKey(), s.dueKey()},
		expectedCount, string(packetJSON), claim.ClaimantID, string(claimJSON), claimRec,
		terminal, next.ID.String(), snapshotRec,
	).Text()
	if err != nil {
		return fmt.Errorf("redis commit claim: %w", err)
	}
	return scriptResult(res)
}

func scriptResult(res string) error {
	switch res {
	case "ok":
		return nil
	case "missing":
		return domain.ErrPacketNotFound
	case "inactive":
		return domain.ErrPacketNotActive
	case "conflict":
		return ErrConcurrentUpdate
	case "duplicate":
		return ErrDuplicateClaim
	default:
		return fmt.Errorf("unexpected script result %q", res)
	}
}

type claimPatch struct {
	claimantID string
	expected   string
	next       string
}

// patchClaims applies patches atomically. It reports false when another writer changed one
// of the claims since it was read.
func (s *RedisWorkingStore) patchClaims(ctx context.Context, packetID uuid.UUID, patches []claimPatch, rec string) (bool, error) {
	args := make([]any, 0, 2+len(patches)*3)
	args = append(args, len(patches))
	for _, p := range patches {
		args = append(args, p.claimantID, p.expected, p.next)
	}
	args = append(args, rec)
	res, err := patchClaimsScript.Run(ctx, s.client, []string{s.claimsKey(packetID), s.queueKey()}, args...).Text()
	if err != nil {
		return false, fmt.Errorf("redis patch claims: %w", err)
	}
	switch res {
	case "ok":
		return true, nil
	case "conflict":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected script result %q", res)
	}
}

// SetBestLuck flips only the best-luck flag on the packet's claims.
func (s *RedisWorkingStore) SetBestLuck(ctx context.Context, packetID, claimID uuid.UUID) error {
	rec, err := encodeRecord(ReplayRecord{Kind: RecordBestLuck, PacketID: packetID, Claim: &domain.Claim{ID: claimID, PacketID: packetID}})
	if err != nil {
		return err
	}
	for attempt := 0; attempt < maxPatchAttempts; attempt++ {
		stored, err := s.client.HGetAll(ctx, s.claimsKey(packetID)).Result()
		if err != nil {
			return fmt.Errorf("redis list claims: %w", err)
		}
		var patches []claimPatch
		for claimantID, raw := range stored {
			var c domain.Claim
			if err := json.Unmarshal([]byte(raw), &c); err != nil {
				return err
			}
			want := c.ID == claimID
			if c.IsBestLuck == want {
				continue
			}
			c.IsBestLuck = want
			next, err := json.Marshal(c)
			if err != nil {
				return err
			}
			patches = append(patches, claimPatch{claimantID: claimantID, expected: raw, next: string(next)})
		}
		ok, err := s.patchClaims(ctx, packetID, patches, rec)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrConcurrentUpdate
}

func (s *RedisWorkingStore) TransitionPacket(ctx context.Context, id uuid.UUID, to domain.Status, at time.Time, operatorID *string) (*domain.Packet, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		current, err := s.GetPacket(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status != domain.StatusActive {
			return nil, domain.ErrPacketNotActive
		}
		next := *current
		next.Status = to
		next.CompletedAt = &at
		next.ClosedBy = operatorID
		needsRefund := "1"
		if next.RemainingAmount() == 0 {
			next.RefundSettledAt = &at
			needsRefund = "0"
		}

		packetJSON, err := json.Marshal(&next)
		if err != nil {
			return nil, err
		}
		rec, err := packetRecord(&next)
		if err != nil {
			return nil, err
		}
		res, err := transitionScript.Run(ctx, s.client,
			[]string{s.packetKey(id), s.dueKey(), s.refundsKey(), s.queueKey()},
			current.ClaimedCount, string(packetJSON), id.String(), needsRefund, rec,
		).Text()
		if err != nil {
			return nil, fmt.Errorf("redis transition packet: %w", err)
		}
		if err := scriptResult(res); err != nil {
			if errors.Is(err, ErrConcurrentUpdate) {
				continue
			}
			return nil, err
		}
		return &next, nil
	}
	return nil, ErrConcurrentUpdate
}

// MarkClaimSettled records the settlement fields on the stored claim and leaves every other
// field as it is in Redis.
func (s *RedisWorkingStore) MarkClaimSettled(ctx context.Context, claim domain.Claim) error {
	for attempt := 0; attempt < maxPatchAttempts; attempt++ {
		raw, err := s.client.HGet(ctx, s.claimsKey(claim.PacketID), claim.ClaimantID).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return domain.ErrPacketNotFound
			}
			return fmt.Errorf("redis get claim: %w", err)
		}
		var stored domain.Claim
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return err
		}
		stored.SettledAt = claim.SettledAt
		stored.PenaltyAmount = claim.PenaltyAmount
		stored.PenaltyClamped = claim.PenaltyClamped
		next, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		ok, err := s.patchClaims(ctx, claim.PacketID, []claimPatch{{claimantID: claim.ClaimantID, expected: raw, next: string(next)}}, "")
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrConcurrentUpdate
}

func (s *RedisWorkingStore) MarkRefundSettled(ctx context.Context, packetID uuid.UUID, at time.Time) error {
	p, err := s.GetPacket(ctx, packetID)
	if err != nil {
		return err
	}
	if p.RefundSettledAt == nil {
		p.RefundSettledAt = &at
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	rec, err := packetRecord(p)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.packetKey(packetID), raw, 0)
		pipe.SRem(ctx, s.refundsKey(), packetID.String())
		pipe.RPush(ctx, s.queueKey(), rec)
		return nil
	})
	return err
}

func (s *RedisWorkingStore) ListDuePackets(ctx context.Context, now time.Time, limit int) ([]domain.Packet, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list due packets: %w", err)
	}
	refunds, err := s.client.SMembers(ctx, s.refundsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list pending refunds: %w", err)
	}
	ids = append(ids, refunds...)

	packets := make([]domain.Packet, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		p, err := s.GetPacket(ctx, id)
		if errors.Is(err, domain.ErrPacketNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		packets = append(packets, *p)
		if limit > 0 && len(packets) == limit {
			break
		}
	}
	return packets, nil
}

// Pending moves up to limit records from the reconciliation queue to the processing list
// and returns them. Records stay in processing until Ack.
func (s *RedisWorkingStore) Pending(ctx context.Context, limit int) ([]ReplayRecord, error) {
	var records []ReplayRecord
	for len(records) < limit {
		raw, err := s.client.LMove(ctx, s.queueKey(), s.processingKey(), "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return records, fmt.Errorf("redis dequeue: %w", err)
		}
		var rec ReplayRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Printf("level=error component=redis_working_store msg=\"dropping undecodable replay record\" err=%v", err)
			if remErr := s.client.LRem(ctx, s.processingKey(), 1, raw).Err(); remErr != nil {
				log.Printf("level=warn component=redis_working_store msg=\"failed to drop undecodable record; it will be requeued\" err=%v", remErr)
			}
			continue
		}
		rec.Raw = raw
		records = append(records, rec)
	}
	return records, nil
}

// Ack removes rec from processing. Once the final snapshot of a terminal packet is acked the
// packet and its claims are left to expire after the retention period.
func (s *RedisWorkingStore) Ack(ctx context.Context, rec ReplayRecord) error {
	if err := s.client.LRem(ctx, s.processingKey(), 1, rec.Raw).Err(); err != nil {
		return err
	}
	if s.retention <= 0 || rec.Kind != RecordPacket || rec.Packet == nil {
		return nil
	}
	if !rec.Packet.Status.Terminal() || rec.Packet.RefundSettledAt == nil {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, s.packetKey(rec.PacketID), s.retention)
		pipe.Expire(ctx, s.claimsKey(rec.PacketID), s.retention)
		return nil
	})
	if err != nil {
		log.Printf("level=warn component=redis_working_store msg=\"failed to set retention on terminal packet\" packet_id=%s err=%v", rec.PacketID, err)
	}
	return nil
}

// Requeue returns records left in processing by a crashed worker to the head of the queue.
func (s *RedisWorkingStore) Requeue(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := s.client.LMove(ctx, s.processingKey(), s.queueKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}
