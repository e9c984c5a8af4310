package events

import (
	"context"
	"fmt"

	"AgentTaskEscrow/internal/config"
)

// Open 按配置创建事件队列。driver 为 none 时返回 nil。
func Open(ctx context.Context, cfg config.EventsConfig) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer), nil
	case "none":
		return nil, nil
	case "redis":
		return NewRedisQueue(ctx, RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
	case "rabbitmq":
		return NewRabbitMQQueue(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("不支持的事件队列驱动: %s", cfg.Driver)
	}
}
