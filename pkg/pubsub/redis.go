package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

// RedisPubSub fans relay events out across instances with Redis PUBLISH and
// PSUBSCRIBE. Redis keeps per-connection ordering, so one broadcast's frames
// arrive in publish order.
type RedisPubSub struct {
	client *redis.Client
	buffer int
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisPubSub connects to Redis and verifies the connection.
func NewRedisPubSub(cfg RedisConfig) (*RedisPubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPubSub{
		client: client,
		buffer: bufferSize(cfg.Buffer),
		logger: pkglog.Component("pubsub.redis"),
		subs:   make(map[string]*redis.PubSub),
	}, nil
}

// Publish sends event on channel.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := encode(event)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on one channel.
func (r *RedisPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	return r.listen(ctx, channel, r.client.Subscribe(ctx, channel))
}

// SubscribePattern listens on every channel matching pattern.
func (r *RedisPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	return r.listen(ctx, pattern, r.client.PSubscribe(ctx, pattern))
}

// listen waits for the subscription to be confirmed so no event published
// after it returns is missed.
func (r *RedisPubSub) listen(ctx context.Context, key string, sub *redis.PubSub) (<-chan *Event, error) {
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}

	r.mu.Lock()
	if existing, ok := r.subs[key]; ok {
		existing.Close()
	}
	r.subs[key] = sub
	r.mu.Unlock()

	out := make(chan *Event, r.buffer)
	go r.forward(ctx, key, sub, out)
	return out, nil
}

func (r *RedisPubSub) forward(ctx context.Context, key string, sub *redis.PubSub, out chan<- *Event) {
	defer close(out)

	in := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			if cur, ok := r.subs[key]; ok && cur == sub {
				delete(r.subs, key)
			}
			r.mu.Unlock()
			sub.Close()
			return

		case msg, ok := <-in:
			if !ok {
				return
			}
			event, err := decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
				continue
			}
			if !deliver(ctx, out, event, "redis") {
				return
			}
		}
	}
}

// Unsubscribe closes the subscription registered under channel.
func (r *RedisPubSub) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	sub, ok := r.subs[channel]
	delete(r.subs, channel)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Close()
}

// Close closes every subscription and the client.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	for key, sub := range r.subs {
		sub.Close()
		delete(r.subs, key)
	}
	r.mu.Unlock()

	return r.client.Close()
}
