package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"AutoTip/pkg/logger"
)

// 负缓存标记，表示上游确认不存在。
const missMarker = "-"

// CacheConfig 控制查询缓存。
type CacheConfig struct {
	Prefix      string
	TTL         time.Duration
	MissTTL     time.Duration
	// LoadTimeout 限制一次合并后的上游查询，与发起查询的调用方无关。
	LoadTimeout time.Duration
}

// CachedDirectory 为上游目录增加 Redis 缓存，并合并并发的相同查询。client 为空时只做合并。
type CachedDirectory struct {
	next   Directory
	client redis.UniversalClient
	cfg    CacheConfig
	group  singleflight.Group
}

// NewCachedDirectory 包装上游目录。
func NewCachedDirectory(next Directory, client redis.UniversalClient, cfg CacheConfig) *CachedDirectory {
	if cfg.Prefix == "" {
		cfg.Prefix = "autotip:identity"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MissTTL <= 0 {
		cfg.MissTTL = time.Minute
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 10 * time.Second
	}
	return &CachedDirectory{next: next, client: client, cfg: cfg}
}

// ResolveUsername 实现 Directory。
func (c *CachedDirectory) ResolveUsername(ctx context.Context, platform Platform, handle string) (string, error) {
	key := fmt.Sprintf("%s:user:%s:%s", c.cfg.Prefix, platform, NormalizeHandle(handle))
	return c.resolve(ctx, key, func(ctx context.Context) (string, error) {
		return c.next.ResolveUsername(ctx, platform, handle)
	})
}

// ResolveName 实现 Directory。
func (c *CachedDirectory) ResolveName(ctx context.Context, name string) (string, error) {
	key := fmt.Sprintf("%s:name:%s", c.cfg.Prefix, NormalizeHandle(name))
	return c.resolve(ctx, key, func(ctx context.Context) (string, error) {
		return c.next.ResolveName(ctx, name)
	})
}

func (c *CachedDirectory) resolve(ctx context.Context, key string, load func(context.Context) (string, error)) (string, error) {
	if cached, ok := c.lookup(ctx, key); ok {
		if cached == missMarker {
			return "", ErrNotFound
		}
		return cached, nil
	}

	// 合并的查询由多个调用方共享，不能随首个调用方取消。
	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LoadTimeout)
		defer cancel()
		addr, err := load(loadCtx)
		switch {
		case err == nil:
			c.store(loadCtx, key, addr, c.cfg.TTL)
		case errors.Is(err, ErrNotFound):
			c.store(loadCtx, key, missMarker, c.cfg.MissTTL)
		}
		return addr, err
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *CachedDirectory) lookup(ctx context.Context, key string) (string, bool) {
	if c.client == nil {
		return "", false
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Named("identity").Warn("读取身份缓存失败", "key", key, "error", err)
		}
		return "", false
	}
	return val, true
}

func (c *CachedDirectory) store(ctx context.Context, key, value string, ttl time.Duration) {
	if c.client == nil {
		return
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		logger.Named("identity").Warn("写入身份缓存失败", "key", key, "error", err)
	}
}
