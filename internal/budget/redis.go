package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// 仅当值仍为本次加锁令牌时才删除，避免误删他人持有的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig 描述分布式预算锁的参数。
type RedisConfig struct {
	Prefix   string
	LockTTL  time.Duration
	Retry    time.Duration
	HoldsTTL time.Duration
}

func (c *RedisConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "autotip:budget"
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Second
	}
	if c.Retry <= 0 {
		c.Retry = 25 * time.Millisecond
	}
	if c.HoldsTTL <= 0 {
		c.HoldsTTL = 24 * time.Hour
	}
}

// RedisLocker 基于 SET NX PX 实现跨进程的代理级互斥。
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedisLocker 创建分布式锁。
func NewRedisLocker(client redis.UniversalClient, cfg RedisConfig) *RedisLocker {
	cfg.applyDefaults()
	return &RedisLocker{client: client, cfg: cfg}
}

// Lock 轮询获取锁直至成功或 context 结束。
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := fmt.Sprintf("%s:lock:%s", l.cfg.Prefix, key)
	token := uuid.NewString()
	ticker := time.NewTicker(l.cfg.Retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.cfg.LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("Redis 加锁失败: %w", err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RedisHolds 使用 Redis hash 保存预留，字段为预留 ID。
type RedisHolds struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedisHolds 创建 Redis 预留表。
func NewRedisHolds(client redis.UniversalClient, cfg RedisConfig) *RedisHolds {
	cfg.applyDefaults()
	return &RedisHolds{client: client, cfg: cfg}
}

func (h *RedisHolds) key(agentID string) string {
	return fmt.Sprintf("%s:holds:%s", h.cfg.Prefix, agentID)
}

// Held 汇总代理的全部预留。
func (h *RedisHolds) Held(ctx context.Context, agentID string) (decimal.Decimal, error) {
	values, err := h.client.HGetAll(ctx, h.key(agentID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("读取预留失败: %w", err)
	}
	total := decimal.Zero
	for holdID, raw := range values {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("预留 %s 金额非法: %w", holdID, err)
		}
		total = total.Add(amount)
	}
	return total, nil
}

// Add 登记预留并刷新过期时间。
func (h *RedisHolds) Add(ctx context.Context, agentID, holdID string, amount decimal.Decimal) error {
	key := h.key(agentID)
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, holdID, amount.String())
		pipe.Expire(ctx, key, h.cfg.HoldsTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("写入预留失败: %w", err)
	}
	return nil
}

// Release 删除预留。
func (h *RedisHolds) Release(ctx context.Context, agentID, holdID string) error {
	if err := h.client.HDel(ctx, h.key(agentID), holdID).Err(); err != nil {
		return fmt.Errorf("释放预留失败: %w", err)
	}
	return nil
}

// NewRedisGuard 构造跨进程共享的 Guard。
func NewRedisGuard(client redis.UniversalClient, cfg RedisConfig, opts ...GuardOption) *Guard {
	return NewGuard(NewRedisLocker(client, cfg), NewRedisHolds(client, cfg), opts...)
}
