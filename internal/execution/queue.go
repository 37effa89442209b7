package execution

import (
	"context"
)

// Handler 处理来自消息队列的执行 ID。返回错误表示基础设施故障，队列实现可以重新投递。
type Handler func(ctx context.Context, executionID string) error

// Producer 负责向队列投递执行。
type Producer interface {
	Publish(ctx context.Context, executionID string) error
	Close() error
}

// Consumer 负责从队列中消费执行。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
