package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"fieldsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes notifications on a channel and keeps a capped history
// list for consumers that were not subscribed at the time.
type RedisSink struct {
	client     *redis.Client
	channel    string
	historyKey string
	historyLen int64
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{
		client:     client,
		channel:    channel,
		historyKey: channel + ":history",
		historyLen: models.NotificationHistorySize,
	}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, n Notification) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, s.channel, data)
		pipe.LPush(ctx, s.historyKey, data)
		pipe.LTrim(ctx, s.historyKey, 0, s.historyLen-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// History returns up to limit recent notifications, newest first.
func (s *RedisSink) History(ctx context.Context, limit int64) ([]Notification, error) {
	if limit <= 0 || limit > s.historyLen {
		limit = s.historyLen
	}
	raw, err := s.client.LRange(ctx, s.historyKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notification history: %w", err)
	}
	out := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
