// Package queue carries dispatch messages (a claimed record id plus its claim
// token) from the poller to the worker pool. Delivery is at most once: a lost
// message leaves its record dispatched, and the next leader returns it to
// pending on startup. A message whose token was voided meanwhile is dropped
// by the worker, so redelivery never runs a task twice.
package queue

import (
	"context"
	"fmt"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// Handler 处理来自消息队列的分发消息。
type Handler func(ctx context.Context, msg string) error

// Producer 负责向队列投递事件。
type Producer interface {
	Publish(ctx context.Context, msg string) error
	Close() error
}

// Consumer 负责从队列中消费事件。Consume 阻塞到 ctx 取消，
// 返回前等待所有正在执行的 handler 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Config 描述队列驱动及其参数。
type Config struct {
	Driver   string
	Size     int
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// New 根据驱动创建队列。
func New(ctx context.Context, cfg Config) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.Size), nil
	case "redis":
		return NewRedisQueue(ctx, cfg.Redis)
	case "rabbitmq":
		return NewRabbitMQQueue(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的队列驱动 %q", cfg.Driver))
	}
}

// PublishTimeout bounds a Publish so a full queue never stalls the poller.
func PublishTimeout(ctx context.Context, p Producer, msg string, timeout time.Duration) error {
	if timeout <= 0 {
		return p.Publish(ctx, msg)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Publish(ctx, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递消息失败",
			xerrors.WithMetadata("message", msg))
	}
	return nil
}
