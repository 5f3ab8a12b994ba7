// Package relay republishes state deltas on a Redis channel so other
// dashboard instances can follow one sync session.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/smart-traffic/trafficsync/internal/store"
)

// Publisher sends one payload to a channel
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes through a go-redis client
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisPublisher connects to addr and checks the server is reachable
func NewRedisPublisher(ctx context.Context, addr string) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Protocol: 2,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return &RedisPublisher{rdb: rdb}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.rdb.Publish(ctx, channel, payload).Err()
}

// Close releases the client
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

// Relay forwards store updates to a Publisher
type Relay struct {
	pub     Publisher
	channel string
	log     *slog.Logger
}

// New creates a relay for channel
func New(pub Publisher, channel string, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{pub: pub, channel: channel, log: log.With("component", "relay")}
}

// Run publishes every update of sub until ctx is done or sub is closed.
// A failed publish is logged and the next update is tried.
func (r *Relay) Run(ctx context.Context, sub *store.Subscription) error {
	defer sub.Close()
	published := 0
	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay: stopped", "published", published)
			return nil
		case u, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			payload, err := json.Marshal(u.Delta())
			if err != nil {
				r.log.Error("relay: encode failed", "version", u.State.Version, "error", err)
				continue
			}
			if err := r.pub.Publish(ctx, r.channel, payload); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.Warn("relay: publish failed", "channel", r.channel, "error", err)
				continue
			}
			published++
		}
	}
}
