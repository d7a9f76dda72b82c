package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/communicationx/realtime/internal/metrics"
	"github.com/communicationx/realtime/internal/models"
)

const (
	messageTTL = 24 * time.Hour
	dmTTL      = 7 * 24 * time.Hour
)

// RedisStore is the Redis-backed message store and last-seen store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying Redis client for middleware that keeps
// its own keys (rate limiting).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// channelMessagesKey returns the key for a channel's message sorted set.
func channelMessagesKey(channelID string) string {
	return fmt.Sprintf("channel:%s:messages", channelID)
}

// dmInboxKey returns the key for a user's direct-message sorted set.
func dmInboxKey(userID string) string {
	return fmt.Sprintf("dm:%s:inbox", userID)
}

const lastSeenKey = "presence:lastseen"

// PersistChannelMessage stores a channel message and mints its ULID.
func (s *RedisStore) PersistChannelMessage(ctx context.Context, channelID, senderID, body string) (*models.Message, error) {
	msg := &models.Message{
		ID:        ulid.Make().String(),
		ChannelID: channelID,
		SenderID:  senderID,
		Body:      body,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	key := channelMessagesKey(channelID)
	start := time.Now()
	err = s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(msg.Timestamp),
		Member: string(data),
	}).Err()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	s.client.Expire(ctx, key, messageTTL)
	return msg, nil
}

// PersistDirectMessage stores a direct message in the recipient's inbox.
func (s *RedisStore) PersistDirectMessage(ctx context.Context, senderID, recipientID, body string) (*models.DirectMessage, error) {
	dm := &models.DirectMessage{
		ID:          ulid.Make().String(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		Timestamp:   time.Now().UnixMilli(),
	}

	data, err := json.Marshal(dm)
	if err != nil {
		return nil, err
	}

	key := dmInboxKey(recipientID)
	start := time.Now()
	err = s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(dm.Timestamp),
		Member: string(data),
	}).Err()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	s.client.Expire(ctx, key, dmTTL)
	return dm, nil
}

// GetChannelMessages retrieves recent messages from a channel, newest
// first, optionally before a timestamp for pagination.
func (s *RedisStore) GetChannelMessages(ctx context.Context, channelID string, limit int, before int64) ([]models.Message, error) {
	key := channelMessagesKey(channelID)

	maxScore := "+inf"
	if before > 0 {
		maxScore = fmt.Sprintf("(%d", before) // exclusive
	}

	start := time.Now()
	raw, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(limit),
	}).Result()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue // skip corrupt entries
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SetLastSeen stamps a user's durable last-seen time.
func (s *RedisStore) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	start := time.Now()
	err := s.client.HSet(ctx, lastSeenKey, userID, at.UnixMilli()).Err()
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	return err
}

// GetLastSeen reads a user's durable last-seen time. Zero time if the
// user was never seen.
func (s *RedisStore) GetLastSeen(ctx context.Context, userID string) (time.Time, error) {
	ms, err := s.client.HGet(ctx, lastSeenKey, userID).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
