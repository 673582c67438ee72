package audit

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/doublewordai/waycast/internal/config"
)

// RedisSink appends records to a Redis stream so external consumers can
// tail them. MAXLEN is approximate; the stream is a buffer, not the
// system of record.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink takes ownership of the client; Close closes it.
func NewRedisSink(client *redis.Client, cfg config.AuditRedisConfig) *RedisSink {
	stream := cfg.Stream
	if stream == "" {
		stream = "waycast:audit"
	}
	return &RedisSink{
		client: client,
		stream: stream,
		maxLen: cfg.MaxLen,
	}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"payload": payload},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

func (s *RedisSink) Close(context.Context) error {
	return s.client.Close()
}
