// Package eventsink forwards rollup events to external subscribers.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/logger"
	"github.com/nicktill/rollupd/pkg/rollup"
)

const defaultPublishTimeout = 2 * time.Second

// Publisher is the minimal surface needed from a Redis client.
type Publisher interface {
	// PublishBatch publishes messages to channel in order, in one round trip.
	PublishBatch(ctx context.Context, channel string, messages [][]byte) error
}

// GoRedisPublisher implements Publisher on github.com/redis/go-redis/v9.
type GoRedisPublisher struct{ c *redis.Client }

// NewGoRedisPublisher connects lazily to the Redis server at addr.
func NewGoRedisPublisher(addr, password string, db int) *GoRedisPublisher {
	return &GoRedisPublisher{c: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// PublishBatch implements Publisher with a pipeline. It returns the first
// failed command's error.
func (g *GoRedisPublisher) PublishBatch(ctx context.Context, channel string, messages [][]byte) error {
	if len(messages) == 0 {
		return nil
	}
	_, err := g.c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range messages {
			pipe.Publish(ctx, channel, msg)
		}
		return nil
	})
	return err
}

// Ping checks that the server is reachable.
func (g *GoRedisPublisher) Ping(ctx context.Context) error {
	return g.c.Ping(ctx).Err()
}

// Close releases the connection pool.
func (g *GoRedisPublisher) Close() error {
	return g.c.Close()
}

// RedisSink is an emitter listener that publishes rollup events as JSON.
// All events of one Call share a single pipeline and timeout, so a slow
// server delays a rollup pass by at most one timeout.
type RedisSink struct {
	pub     Publisher
	channel string
	timeout time.Duration
	log     *zap.Logger
}

// NewRedisSink creates a sink publishing to channel.
func NewRedisSink(pub Publisher, channel string) *RedisSink {
	return &RedisSink{
		pub:     pub,
		channel: channel,
		timeout: defaultPublishTimeout,
		log:     logger.L().Named("eventsink"),
	}
}

// Call implements emitter.Listener. Events that cannot be encoded are
// skipped and reported together with the publish error.
func (s *RedisSink) Call(events ...rollup.RollupEvent) error {
	var errs error
	messages := make([][]byte, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("encode rollup event %s: %w", ev.Locator, err))
			continue
		}
		messages = append(messages, payload)
	}
	if len(messages) == 0 {
		return errs
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.pub.PublishBatch(ctx, s.channel, messages); err != nil {
		s.log.Warn("publish failed",
			zap.String("channel", s.channel),
			zap.Int("events", len(messages)),
			zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("publish %d events to %s: %w", len(messages), s.channel, err))
	}
	return errs
}
