// Package distributed provides PubSub implementations relaying pusudb
// mutations between processes sharing one store.
package distributed

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/yamigr/pusudb"
)

// Error is the error class of the Redis PubSub.
var Error = errs.Class("redis pubsub")

var _ pusudb.PubSub = (*RedisPubSub)(nil)

// RedisPubSub implements the pusudb PubSub interface using Redis pattern
// subscriptions.
type RedisPubSub struct {
	client *redis.Client
	pubsub *redis.PubSub
	log    *zap.Logger

	mu            sync.RWMutex
	subscriptions map[string][]func(topic string, data []byte)
	patterns      map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

// NewRedisPubSub creates a Redis-based PubSub. The client must be reachable.
func NewRedisPubSub(ctx context.Context, log *zap.Logger, client *redis.Client) (*RedisPubSub, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, Error.New("failed to connect to Redis: %v", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	pubsubCtx, cancel := context.WithCancel(ctx)

	r := &RedisPubSub{
		client:        client,
		log:           log.Named("redis_pubsub"),
		subscriptions: make(map[string][]func(topic string, data []byte)),
		patterns:      make(map[string]struct{}),
		ctx:           pubsubCtx,
		cancel:        cancel,
	}

	r.pubsub = client.Subscribe(pubsubCtx)

	r.wg.Add(1)
	go r.handleMessages()

	return r, nil
}

// Subscribe registers a handler for messages matching pattern. A pattern
// ending in ".*" matches every topic with that prefix.
func (r *RedisPubSub) Subscribe(pattern string, handler func(topic string, data []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return pusudb.ErrPubSubClosed
	}

	redisPattern := convertToRedisPattern(pattern)

	if _, exists := r.patterns[redisPattern]; !exists {
		if err := r.pubsub.PSubscribe(r.ctx, redisPattern); err != nil {
			return Error.New("failed to subscribe to pattern %s: %v", pattern, err)
		}
		r.patterns[redisPattern] = struct{}{}
	}

	r.subscriptions[pattern] = append(r.subscriptions[pattern], handler)

	return nil
}

// Unsubscribe removes all handlers for pattern.
func (r *RedisPubSub) Unsubscribe(pattern string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return pusudb.ErrPubSubClosed
	}

	delete(r.subscriptions, pattern)

	redisPattern := convertToRedisPattern(pattern)
	for p := range r.subscriptions {
		if convertToRedisPattern(p) == redisPattern {
			return nil
		}
	}

	if err := r.pubsub.PUnsubscribe(r.ctx, redisPattern); err != nil {
		return Error.New("failed to unsubscribe from pattern %s: %v", pattern, err)
	}
	delete(r.patterns, redisPattern)

	return nil
}

// Publish sends data on topic.
func (r *RedisPubSub) Publish(topic string, data []byte) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()

	if closed {
		return pusudb.ErrPubSubClosed
	}

	if err := r.client.Publish(r.ctx, topic, data).Err(); err != nil {
		return Error.Wrap(err)
	}

	return nil
}

// Close shuts down the subscription connection and waits for the message
// loop to stop.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	err := r.pubsub.Close()

	r.wg.Wait()

	return Error.Wrap(err)
}

func (r *RedisPubSub) handleMessages() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()

	for {
		select {
		case <-r.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload != "" {
				r.deliverMessage(msg.Channel, []byte(msg.Payload))
			}
		}
	}
}

// deliverMessage runs the matching handlers in the message loop so that
// messages of one topic are handled in publish order.
func (r *RedisPubSub) deliverMessage(topic string, data []byte) {
	r.mu.RLock()
	var matched []func(topic string, data []byte)
	for pattern, handlers := range r.subscriptions {
		if matchPattern(pattern, topic) {
			matched = append(matched, handlers...)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		r.invoke(handler, topic, data)
	}
}

func (r *RedisPubSub) invoke(handler func(topic string, data []byte), topic string, data []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Error("handler panic recovered", zap.String("topic", topic), zap.Any("panic", recovered))
		}
	}()

	handler(topic, data)
}

// convertToRedisPattern turns a ".*" suffix into the Redis "*" glob.
func convertToRedisPattern(pattern string) string {
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		return pattern[:len(pattern)-2] + "*"
	}
	return pattern
}

func matchPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}
