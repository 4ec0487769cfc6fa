// Package mailbox is the relay's source of truth for message persistence,
// per-recipient queue ordering and nonce deduplication. All state lives in
// Redis under TTLs; nothing outlives its message's requested lifetime.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gitlab.com/secp/services/relay/internal/models"
)

// Redis key prefixes. A message is three entries sharing one TTL boundary:
// the record, its id in the recipient's sorted-set queue, and the nonce
// marker that blocks replays.
const (
	msgPrefix   = "relay:msg:"
	queuePrefix = "relay:queue:"
	noncePrefix = "relay:nonce:"
)

// ErrDuplicateNonce signals that an envelope's nonce already backs a stored
// message whose TTL has not elapsed.
var ErrDuplicateNonce = errors.New("duplicate nonce - message already submitted")

type Service struct {
	redis *redis.Client
	log   *slog.Logger
}

func NewService(rdb *redis.Client, log *slog.Logger) *Service {
	return &Service{redis: rdb, log: log}
}

// Store persists an envelope and returns the server-assigned id and the unix
// ms expiry. The nonce marker is reserved first with SETNX, so two racing
// uploads of one nonce can never both succeed; if a later write fails the
// nonce stays consumed for its TTL, which is the accepted degradation since
// the uploader is told the upload failed.
func (s *Service) Store(ctx context.Context, envelope models.Envelope) (string, int64, error) {
	ttl := time.Duration(envelope.TTLHours) * time.Hour

	nonceKey := noncePrefix + envelope.Nonce
	reserved, err := s.redis.SetNX(ctx, nonceKey, "1", ttl).Result()
	if err != nil {
		return "", 0, fmt.Errorf("failed to reserve nonce: %w", err)
	}
	if !reserved {
		return "", 0, ErrDuplicateNonce
	}

	id := uuid.New().String()
	storedAt := time.Now().UnixMilli()
	expiresAt := storedAt + ttl.Milliseconds()

	stored := models.StoredEnvelope{
		ID:       id,
		Envelope: envelope,
		StoredAt: storedAt,
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode envelope: %w", err)
	}

	msgKey := msgPrefix + id
	if err := s.redis.Set(ctx, msgKey, payload, ttl).Err(); err != nil {
		return "", 0, fmt.Errorf("failed to store message: %w", err)
	}

	queueKey := queuePrefix + envelope.RecipientKeyHash
	if err := s.redis.ZAdd(ctx, queueKey, redis.Z{
		Score:  float64(storedAt),
		Member: id,
	}).Err(); err != nil {
		return "", 0, fmt.Errorf("failed to enqueue message: %w", err)
	}

	// Refresh (not extend) the queue's own deadline to the newest insert's
	// TTL, so the queue never expires before its newest member.
	if err := s.redis.Expire(ctx, queueKey, ttl).Err(); err != nil {
		return "", 0, fmt.Errorf("failed to set queue expiry: %w", err)
	}

	s.log.Debug("stored relay message",
		"msg_id", id,
		"recipient", envelope.RecipientKeyHash,
		"ttl_hours", envelope.TTLHours)

	return id, expiresAt, nil
}

// Poll reads up to limit messages from a recipient's queue, oldest first,
// strictly after the cursor's position. A cursor that no longer exists
// (already acked or expired) restarts from the queue head. Queue entries
// whose record has expired are pruned as a side effect and skipped.
func (s *Service) Poll(ctx context.Context, keyHash string, limit int, after string) ([]models.StoredEnvelope, bool, error) {
	queueKey := queuePrefix + keyHash

	min := "-inf"
	if after != "" {
		score, err := s.redis.ZScore(ctx, queueKey, after).Result()
		switch {
		case err == redis.Nil:
			// Vanished cursor: read from the start.
		case err != nil:
			return nil, false, fmt.Errorf("failed to resolve cursor: %w", err)
		default:
			// Exclusive of the cursor itself.
			min = "(" + strconv.FormatFloat(score, 'f', -1, 64)
		}
	}

	// limit+1 candidates to detect has_more without a second round trip.
	ids, err := s.redis.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:    min,
		Max:    "+inf",
		Offset: 0,
		Count:  int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read queue: %w", err)
	}

	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}

	messages := make([]models.StoredEnvelope, 0, len(ids))
	for _, id := range ids {
		raw, err := s.redis.Get(ctx, msgPrefix+id).Result()
		if err == redis.Nil {
			// Record expired; lazily repair the queue.
			if err := s.redis.ZRem(ctx, queueKey, id).Err(); err != nil {
				return nil, false, fmt.Errorf("failed to prune expired entry: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to fetch message: %w", err)
		}

		var stored models.StoredEnvelope
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			s.log.Warn("dropping corrupt stored envelope", "msg_id", id, "error", err)
			if err := s.redis.ZRem(ctx, queueKey, id).Err(); err != nil {
				return nil, false, fmt.Errorf("failed to prune corrupt entry: %w", err)
			}
			continue
		}
		messages = append(messages, stored)
	}

	return messages, hasMore, nil
}

// Delete removes acknowledged messages. Each id is deleted only if it was
// still a member of the recipient's queue, making re-acks no-ops; unknown or
// foreign ids are silently skipped. Returns how many were actually removed.
func (s *Service) Delete(ctx context.Context, keyHash string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	queueKey := queuePrefix + keyHash
	deleted := 0
	for _, id := range messageIDs {
		removed, err := s.redis.ZRem(ctx, queueKey, id).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to dequeue message: %w", err)
		}
		if removed == 0 {
			continue
		}
		deleted++
		if err := s.redis.Del(ctx, msgPrefix+id).Err(); err != nil {
			return deleted, fmt.Errorf("failed to delete message: %w", err)
		}
	}

	s.log.Debug("deleted relay messages",
		"recipient", keyHash,
		"deleted", deleted,
		"requested", len(messageIDs))

	return deleted, nil
}

// PendingCount returns the cardinality of the recipient's queue. It may
// overcount by entries whose record expired but which no poll has pruned yet.
func (s *Service) PendingCount(ctx context.Context, keyHash string) (int64, error) {
	count, err := s.redis.ZCard(ctx, queuePrefix+keyHash).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return count, nil
}

// Ping probes the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
