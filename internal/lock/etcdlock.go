package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvdashuaibi/battlevote/config"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	defaultLeaseTTL = 10 * time.Second
	etcdLockPrefix  = "/battlevote/locks/"
)

// EtcdLock 基于etcd租约的分布式锁，释放前租约一直续期
type EtcdLock struct {
	client   *clientv3.Client
	leaseTTL time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc
}

func NewETCDLock(cfg config.ETCDConfig, logger *zap.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	ttl := cfg.SessionTTL
	if ttl < time.Second {
		ttl = defaultLeaseTTL
	}
	return &EtcdLock{
		client:   cli,
		leaseTTL: ttl,
		logger:   logger.With(zap.String("module", "lock"), zap.String("backend", "etcd")),
		locks:    make(map[string]*lockEntry),
	}, nil
}

// AcquireLock 获取锁，ttl仅作为获取超时，锁的过期由配置中的租约TTL决定
func (el *EtcdLock) AcquireLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if _, ok := el.locks[lockName]; ok {
		return false, fmt.Errorf("lock %s already held by this instance", lockName)
	}

	key := etcdLockPrefix + lockName
	ctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	lease := clientv3.NewLease(el.client)
	grantResp, err := lease.Grant(ctx, int64(el.leaseTTL/time.Second))
	if err != nil {
		return false, fmt.Errorf("grant lease: %w", err)
	}

	txnResp, err := el.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(grantResp.ID))).
		Commit()
	if err != nil {
		el.revoke(grantResp.ID)
		return false, fmt.Errorf("lock txn: %w", err)
	}
	if !txnResp.Succeeded {
		el.revoke(grantResp.ID)
		return false, nil
	}

	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	go el.keepAlive(keepAliveCtx, lockName, grantResp.ID)

	el.locks[lockName] = &lockEntry{
		leaseID: grantResp.ID,
		key:     key,
		cancel:  keepAliveCancel,
	}
	return true, nil
}

func (el *EtcdLock) RefreshLock(ctx context.Context, lockName string, ttl time.Duration) (bool, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	entry, ok := el.locks[lockName]
	if !ok {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	if _, err := clientv3.NewLease(el.client).KeepAliveOnce(ctx, entry.leaseID); err != nil {
		// 续期未确认时租约随时可能过期，丢弃本地记录，下次AcquireLock重新竞争
		entry.cancel()
		delete(el.locks, lockName)
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("refresh lease: %w", err)
	}
	return true, nil
}

func (el *EtcdLock) ReleaseLock(ctx context.Context, lockName string) error {
	el.mu.Lock()
	defer el.mu.Unlock()

	return el.releaseLock(ctx, lockName)
}

func (el *EtcdLock) ReleaseAllLocks(ctx context.Context) {
	el.mu.Lock()
	defer el.mu.Unlock()

	for lockName := range el.locks {
		if err := el.releaseLock(ctx, lockName); err != nil {
			el.logger.Warn("release lock failed", zap.String("lock", lockName), zap.Error(err))
		}
	}
}

func (el *EtcdLock) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), el.leaseTTL)
	defer cancel()
	el.ReleaseAllLocks(ctx)
	return el.client.Close()
}

func (el *EtcdLock) keepAlive(ctx context.Context, lockName string, leaseID clientv3.LeaseID) {
	lease := clientv3.NewLease(el.client)
	ticker := time.NewTicker(el.leaseTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, el.leaseTTL/2)
			_, err := lease.KeepAliveOnce(callCtx, leaseID)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					el.logger.Warn("lease keepalive failed", zap.String("lock", lockName), zap.Error(err))
					el.forget(lockName, leaseID)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// forget 仅当本地记录仍属于leaseID时删除
func (el *EtcdLock) forget(lockName string, leaseID clientv3.LeaseID) {
	el.mu.Lock()
	defer el.mu.Unlock()

	if entry, ok := el.locks[lockName]; ok && entry.leaseID == leaseID {
		entry.cancel()
		delete(el.locks, lockName)
	}
}

func (el *EtcdLock) revoke(leaseID clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), el.leaseTTL)
	defer cancel()
	if _, err := clientv3.NewLease(el.client).Revoke(ctx, leaseID); err != nil {
		el.logger.Warn("revoke lease failed", zap.Error(err))
	}
}

// releaseLock 调用方需持有el.mu
func (el *EtcdLock) releaseLock(ctx context.Context, lockName string) error {
	entry, ok := el.locks[lockName]
	if !ok {
		return nil
	}
	entry.cancel()
	delete(el.locks, lockName)

	if _, err := el.client.Delete(ctx, entry.key); err != nil {
		return fmt.Errorf("delete lock key: %w", err)
	}
	if _, err := clientv3.NewLease(el.client).Revoke(ctx, entry.leaseID); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}
