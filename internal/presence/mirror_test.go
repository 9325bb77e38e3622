package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisMirror(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	m := NewRedisMirror(client, "converse-test", time.Minute)
	user := uuid.NewString()

	online, err := m.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, m.SetOnline(ctx, user))
	online, err = m.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.True(t, online)

	ttl, err := client.TTL(ctx, m.key(user)).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	require.NoError(t, m.SetOffline(ctx, user))
	online, err = m.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestNopMirror(t *testing.T) {
	var m OnlineMirror = NopMirror{}
	ctx := context.Background()

	assert.NoError(t, m.SetOnline(ctx, "u"))
	online, err := m.IsOnline(ctx, "u")
	assert.NoError(t, err)
	assert.False(t, online)
}
