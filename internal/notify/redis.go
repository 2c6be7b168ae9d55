// Package notify publishes cycle summaries for external monitoring.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"feature-materializer/internal/domain"
)

// Default stream configuration
const (
	DefaultStream       = "features:cycles"
	DefaultStreamMaxLen = 10000
)

// Publisher receives finished cycle summaries.
type Publisher interface {
	PublishCycle(ctx context.Context, s *domain.CycleSummary)
}

// Nop discards summaries.
type Nop struct{}

// PublishCycle does nothing.
func (Nop) PublishCycle(context.Context, *domain.CycleSummary) {}

// RedisOptions configures the Redis stream publisher.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64 // max entries per stream (0 = unlimited)
}

// RedisPublisher appends cycle summaries to a Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     4,
		MinIdleConns: 1,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	p := NewRedisPublisherFromClient(rdb, opts.Stream, opts.MaxLen, logger)
	p.logger.Info("Connected to Redis",
		zap.String("addr", opts.Addr),
		zap.String("stream", p.stream),
		zap.Int64("streamMaxLen", p.maxLen))
	return p, nil
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

// PublishCycle appends a summary to the stream. Best-effort: errors are
// logged and never reach the cycle.
func (p *RedisPublisher) PublishCycle(ctx context.Context, s *domain.CycleSummary) {
	if s == nil {
		return
	}
	payload, err := json.Marshal(s)
	if err != nil {
		p.logger.Warn("Failed to encode cycle summary", zap.String("cycle_id", s.CycleID), zap.Error(err))
		return
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"cycle_id": s.CycleID,
			"mode":     string(s.Mode),
			"summary":  string(payload),
		},
	}
	// Apply MAXLEN if configured (approximate for performance)
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		p.logger.Warn("Failed to add to Redis stream",
			zap.String("stream", p.stream),
			zap.String("cycle_id", s.CycleID),
			zap.Error(err))
	}
}

// Health checks if Redis is reachable.
func (p *RedisPublisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
