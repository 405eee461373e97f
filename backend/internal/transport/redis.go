package transport

import (
	"context"
	"fmt"
	"log"

	redis "github.com/redis/go-redis/v9"

	"codeCollab/backend/internal/collab"
)

// RedisTransport 基于 redis Pub/Sub，多个 collab-service 节点共享频道。
// 连接断开后 go-redis 会自动重新订阅。
type RedisTransport struct {
	rdb redis.UniversalClient
}

func NewRedisTransport(rdb redis.UniversalClient) *RedisTransport {
	return &RedisTransport{rdb: rdb}
}

func (t *RedisTransport) Send(ctx context.Context, channel string, payload []byte) error {
	if err := t.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", collab.ErrTransportFailure, channel, err)
	}
	return nil
}

func (t *RedisTransport) OnReceive(channel string, h Handler) (func(), error) {
	ctx := context.Background()
	sub := t.rdb.Subscribe(ctx, channel)
	// 等订阅确认，之后发布的消息不会漏
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", collab.ErrTransportFailure, channel, err)
	}
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			h([]byte(msg.Payload))
		}
	}()
	return func() {
		if err := sub.Close(); err != nil {
			log.Printf("redis unsubscribe %s error: %v", channel, err)
		}
	}, nil
}
