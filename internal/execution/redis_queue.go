package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"AutoTip/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的参数。
type RedisQueueConfig struct {
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现执行队列。
type RedisQueue struct {
	client redis.UniversalClient
	queue  string
	wait   time.Duration
	owned  bool
}

// NewRedisQueue 基于已有客户端创建 Redis 队列，Close 不会关闭共享客户端。
func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("Redis 客户端不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "autotip:executions"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}, nil
}

// DialRedisQueue 创建独占连接的 Redis 队列。
func DialRedisQueue(ctx context.Context, opts *redis.Options, cfg RedisQueueConfig) (*RedisQueue, error) {
	if opts == nil || opts.Addr == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	q, _ := NewRedisQueue(client, cfg)
	q.owned = true
	return q, nil
}

// Publish 将执行投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, executionID string) error {
	if err := q.client.LPush(ctx, q.queue, executionID).Err(); err != nil {
		return fmt.Errorf("Redis 发布执行失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取执行。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 取执行失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				id := values[1]
				if handlerErr := handler(ctx, id); handlerErr != nil {
					// 基础设施故障时重新投递，Claim 的条件更新保证不会重复提交。
					if pushErr := q.client.RPush(ctx, q.queue, id).Err(); pushErr != nil {
						logger.L().Error("执行重新入队失败", slog.Any("error", pushErr), slog.String("execution_id", id))
					}
				}
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭独占的 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.owned {
		return nil
	}
	return q.client.Close()
}
