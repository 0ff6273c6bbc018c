package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamAdder is the part of a redis client RedisSink needs. *redis.Client
// and redis.Cmdable satisfy it.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends events to a redis stream with XADD, trimming the stream
// to roughly MaxLen entries.
type RedisSink struct {
	client  StreamAdder
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  *slog.Logger
}

const (
	DefaultStream       = "analyst:progress"
	DefaultStreamMaxLen = 10_000
)

func NewRedisSink(client StreamAdder, stream string, maxLen int64, logger *slog.Logger) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: 2 * time.Second,
		logger:  logger.With("component", "events", "stream", stream),
	}
}

func (s *RedisSink) Send(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("encode progress event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"run_id": ev.RunID,
			"stage":  ev.Stage,
			"event":  string(payload),
		},
	}).Err()
	if err != nil {
		s.logger.Warn("publish progress event", "run_id", ev.RunID, "error", err)
	}
}

// NewRedisClient parses a redis URL and returns a client. It does not dial.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
