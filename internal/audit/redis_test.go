package audit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doublewordai/waycast/internal/config"
)

func TestRedisSink_AppendsToStream(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	sink := NewRedisSink(client, config.AuditRedisConfig{
		Stream: "waycast:audit",
		MaxLen: 1000,
	})

	rec := &Record{
		Time:        time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		RequestID:   "req-1",
		Subject:     "user:abc",
		Op:          "chat",
		Model:       "gpt-test",
		Outcome:     "completed",
		HTTPStatus:  200,
		TotalTokens: 42,
		LatencyMs:   120,
	}
	require.NoError(t, sink.Write(context.Background(), rec))

	msgs, err := client.XRange(context.Background(), "waycast:audit", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	payload, ok := msgs[0].Values["payload"].(string)
	require.True(t, ok)

	var got Record
	require.NoError(t, json.Unmarshal([]byte(payload), &got))
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, 42, got.TotalTokens)
	assert.Equal(t, "completed", got.Outcome)

	require.NoError(t, sink.Close(context.Background()))
}

func TestRedisSink_DefaultStreamName(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	sink := NewRedisSink(client, config.AuditRedisConfig{})
	require.NoError(t, sink.Write(context.Background(), &Record{RequestID: "r"}))

	n, err := client.XLen(context.Background(), "waycast:audit").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, sink.Close(context.Background()))
}

func TestRedisSink_ThroughRecorder(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	sink := NewRedisSink(client, config.AuditRedisConfig{Stream: "waycast:audit"})

	r := NewRecorder(config.AuditConfig{BufferSize: 8}, discardLogger(), sink)
	r.Record(&Record{RequestID: "one"})
	r.Record(&Record{RequestID: "two"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	// The recorder closed the sink's client; verify with a fresh one.
	check := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer check.Close()
	n, err := check.XLen(context.Background(), "waycast:audit").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
