package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis publishes through Redis PUBLISH and holds one PSUBSCRIBE per process.
// Inbound messages are routed to local subscribers by exact channel name.
type Redis struct {
	*Dispatcher
	client redis.UniversalClient
	ps     *redis.PubSub
	log    *zap.SugaredLogger
	done   chan struct{}
}

// NewRedis subscribes to pattern and starts the receive loop. The caller owns
// client; Close does not close it.
func NewRedis(ctx context.Context, client redis.UniversalClient, pattern string, log *zap.SugaredLogger) (*Redis, error) {
	ps := client.PSubscribe(ctx, pattern)
	// Wait for the subscription confirmation so nothing published after
	// NewRedis returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}

	b := &Redis{
		Dispatcher: NewDispatcher(),
		client:     client,
		ps:         ps,
		log:        log,
		done:       make(chan struct{}),
	}
	go b.loop()
	log.Infow("redis_bus_subscribed", "pattern", pattern)
	return b, nil
}

func (b *Redis) loop() {
	defer close(b.done)
	for msg := range b.ps.Channel() {
		n := b.Dispatch(msg.Channel, []byte(msg.Payload))
		if n == 0 {
			b.log.Debugw("bus_message_unclaimed", "topic", msg.Channel)
		}
	}
}

func (b *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *Redis) Close() error {
	err := b.ps.Close()
	<-b.done
	return err
}

var _ Bus = (*Redis)(nil)
