package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/config"

	"github.com/redis/go-redis/v9"
)

const lockPrefix = "fieldsync:lock:"

// unlockScript deletes the key only while it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the ttl only while the key holds the caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type RedisSyncLock struct {
	client *redis.Client
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisSyncLock(client *redis.Client) *RedisSyncLock {
	return &RedisSyncLock{client: client}
}

func (l *RedisSyncLock) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if l.client == nil {
		return false, errors.New("redis client is nil")
	}
	ok, err := l.client.SetNX(ctx, lockPrefix+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire sync lock %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisSyncLock) Unlock(ctx context.Context, key, owner string) error {
	if l.client == nil {
		return errors.New("redis client is nil")
	}
	if err := unlockScript.Run(ctx, l.client, []string{lockPrefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release sync lock %s: %w", key, err)
	}
	return nil
}

func (l *RedisSyncLock) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if l.client == nil {
		return false, errors.New("redis client is nil")
	}
	n, err := extendScript.Run(ctx, l.client, []string{lockPrefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to extend sync lock %s: %w", key, err)
	}
	return n == 1, nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
