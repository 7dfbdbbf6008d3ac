package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis fans events out across server instances over a Redis Pub/Sub
// channel per room. Subscribe is idempotent per (instance, room): calling
// it twice for the same room replaces the handler and re-uses the existing
// subscription goroutine.
type Redis struct {
	client *redis.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*redisSub // roomID -> active subscription
}

type redisSub struct {
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	handler Handler
	mu      sync.Mutex
}

func channelName(roomID string) string {
	return "memecaption:room:" + roomID
}

// NewRedis wraps an existing client. The caller owns the client's lifecycle.
func NewRedis(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, logger: logger, subs: make(map[string]*redisSub)}
}

func (r *Redis) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, channelName(event.RoomID), body).Err(); err != nil {
		r.logger.Warn("bus publish failed", zap.String("room", event.RoomID), zap.String("kind", string(event.Kind)), zap.Error(err))
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, roomID string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.subs[roomID]; ok {
		existing.mu.Lock()
		existing.handler = handler
		existing.mu.Unlock()
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(subCtx, channelName(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		return fmt.Errorf("bus: subscribe: %w", err)
	}

	sub := &redisSub{pubsub: pubsub, cancel: cancel, handler: handler}
	r.subs[roomID] = sub

	go func() {
		ch := pubsub.Channel()
		for msg := range ch {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("bus: invalid event payload", zap.String("room", roomID), zap.Error(err))
				continue
			}
			sub.mu.Lock()
			h := sub.handler
			sub.mu.Unlock()
			if h != nil {
				h(event)
			}
		}
	}()

	return nil
}

func (r *Redis) Unsubscribe(roomID string) error {
	r.mu.Lock()
	sub, ok := r.subs[roomID]
	if ok {
		delete(r.subs, roomID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	sub.cancel()
	return sub.pubsub.Close()
}

var _ Bus = (*Redis)(nil)
