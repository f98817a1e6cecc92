package rediscache

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// PubSub moves live payloads between processes over redis channels.
type PubSub struct {
	c *redis.Client
}

func NewPubSub(addr string) *PubSub {
	return &PubSub{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (p *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.c.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

// PSubscribe blocks delivering every message on channels matching pattern
// until ctx is done. ready, if set, is closed once the subscription is live.
func (p *PubSub) PSubscribe(ctx context.Context, pattern string, ready chan<- struct{}, handler func(channel string, payload []byte)) error {
	sub := p.c.PSubscribe(ctx, pattern)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "redis psubscribe")
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (p *PubSub) Close() error {
	return p.c.Close()
}
