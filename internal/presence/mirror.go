package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// OnlineMirror publishes connected-or-not per user for other processes
type OnlineMirror interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// RedisMirror keeps presence:<user> keys with a TTL. Live connections
// refresh the key on every heartbeat, so a crashed process ages out.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisMirror(client *redis.Client, prefix string, ttl time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "converse"
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient connects and pings
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (m *RedisMirror) key(userID string) string {
	return fmt.Sprintf("%s:presence:%s", m.prefix, userID)
}

func (m *RedisMirror) SetOnline(ctx context.Context, userID string) error {
	return m.client.Set(ctx, m.key(userID), strconv.FormatInt(time.Now().Unix(), 10), m.ttl).Err()
}

func (m *RedisMirror) SetOffline(ctx context.Context, userID string) error {
	return m.client.Del(ctx, m.key(userID)).Err()
}

func (m *RedisMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.client.Exists(ctx, m.key(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// NopMirror is used when no Redis is configured
type NopMirror struct{}

func (NopMirror) SetOnline(context.Context, string) error { return nil }

func (NopMirror) SetOffline(context.Context, string) error { return nil }

func (NopMirror) IsOnline(context.Context, string) (bool, error) { return false, nil }
