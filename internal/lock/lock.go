package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/lvdashuaibi/battlevote/config"
	"go.uber.org/zap"
)

// Lock 分布式锁接口
type Lock interface {
	// AcquireLock 获取分布式锁
	// 返回值：锁被其他持有者占用时返回false且error为nil
	AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	// RefreshLock 刷新已持有锁的过期时间
	// 返回值：false表示锁已丢失，需要重新获取
	RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error)

	ReleaseLock(ctx context.Context, lockName string) error

	ReleaseAllLocks(ctx context.Context)

	Close() error
}

// New 按 sweeper.lock_backend 创建锁实现，"none" 时返回nil，调用方不加锁运行
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Lock, error) {
	switch cfg.Sweeper.LockBackend {
	case "", "none":
		return nil, nil
	case "etcd":
		return NewETCDLock(cfg.ETCD, logger)
	case "redis":
		return NewRedLock(ctx, cfg.Redis, cfg.Sweeper.LockRetryCount, logger)
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.Sweeper.LockBackend)
	}
}
