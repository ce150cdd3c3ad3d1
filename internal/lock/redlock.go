package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lvdashuaibi/battlevote/config"
	"go.uber.org/zap"
)

const retryDelay = 100 * time.Millisecond

var (
	refreshScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	unlockScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
)

// RedLock 基于多个独立Redis节点实现的Redlock算法
type RedLock struct {
	clients []*redis.Client
	addrs   []string
	retries int
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[string]string // 锁名 -> token
}

func NewRedLock(ctx context.Context, cfg config.RedisConfig, retries int, logger *zap.Logger) (*RedLock, error) {
	var clients []*redis.Client
	for _, addr := range cfg.LockAddresses {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("ping redis lock node %s: %w", addr, err)
		}
		clients = append(clients, client)
	}
	return newRedLock(clients, cfg.LockAddresses, retries, logger), nil
}

func newRedLock(clients []*redis.Client, addrs []string, retries int, logger *zap.Logger) *RedLock {
	if retries <= 0 {
		retries = 1
	}
	return &RedLock{
		clients: clients,
		addrs:   addrs,
		retries: retries,
		logger:  logger.With(zap.String("module", "lock"), zap.String("backend", "redis")),
		locks:   make(map[string]string),
	}
}

func (r *RedLock) quorum() int {
	return len(r.clients)/2 + 1
}

func (r *RedLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()

	for attempt := 0; attempt < r.retries; attempt++ {
		start := time.Now()
		success := 0
		for i, client := range r.clients {
			ok, err := client.SetNX(ctx, lockName, token, ttl).Result()
			if err != nil {
				r.logger.Warn("acquire on lock node failed",
					zap.String("node", r.addrs[i]), zap.String("lock", lockName), zap.Error(err))
				continue
			}
			if ok {
				success++
			}
		}

		if success >= r.quorum() && ttl-time.Since(start) > 0 {
			r.mu.Lock()
			r.locks[lockName] = token
			r.mu.Unlock()
			return true, nil
		}

		r.unlockAll(ctx, lockName, token)

		if attempt == r.retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return false, nil
}

func (r *RedLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	token, ok := r.locks[lockName]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	success := 0
	for i, client := range r.clients {
		n, err := refreshScript.Run(ctx, client, []string{lockName}, token, ttl.Milliseconds()).Int64()
		if err != nil {
			r.logger.Warn("refresh on lock node failed",
				zap.String("node", r.addrs[i]), zap.String("lock", lockName), zap.Error(err))
			continue
		}
		if n == 1 {
			success++
		}
	}
	if success >= r.quorum() {
		return true, nil
	}

	r.mu.Lock()
	delete(r.locks, lockName)
	r.mu.Unlock()
	r.unlockAll(ctx, lockName, token)
	return false, nil
}

func (r *RedLock) ReleaseLock(ctx context.Context, lockName string) error {
	r.mu.Lock()
	token, ok := r.locks[lockName]
	delete(r.locks, lockName)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.unlockAll(ctx, lockName, token)
	return nil
}

func (r *RedLock) unlockAll(ctx context.Context, lockName, token string) {
	for i, client := range r.clients {
		if err := unlockScript.Run(ctx, client, []string{lockName}, token).Err(); err != nil {
			r.logger.Warn("release on lock node failed",
				zap.String("node", r.addrs[i]), zap.String("lock", lockName), zap.Error(err))
		}
	}
}

func (r *RedLock) ReleaseAllLocks(ctx context.Context) {
	r.mu.Lock()
	held := r.locks
	r.locks = make(map[string]string)
	r.mu.Unlock()

	for name, token := range held {
		r.unlockAll(ctx, name, token)
	}
}

func (r *RedLock) Close() error {
	r.ReleaseAllLocks(context.Background())
	for i, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("close lock node failed", zap.String("node", r.addrs[i]), zap.Error(err))
		}
	}
	return nil
}
