package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/battlevote/config"
	"go.uber.org/zap"
)

func newTestCluster(t *testing.T, size int) ([]*miniredis.Miniredis, []*redis.Client, []string) {
	t.Helper()
	var (
		nodes   []*miniredis.Miniredis
		clients []*redis.Client
		addrs   []string
	)
	for i := 0; i < size; i++ {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { client.Close() })
		nodes = append(nodes, mr)
		clients = append(clients, client)
		addrs = append(addrs, mr.Addr())
	}
	return nodes, clients, addrs
}

func TestRedLockMutualExclusion(t *testing.T) {
	_, clients, addrs := newTestCluster(t, 3)
	ctx := context.Background()
	first := newRedLock(clients, addrs, 1, zap.NewNop())
	second := newRedLock(clients, addrs, 1, zap.NewNop())

	ok, err := first.AcquireLock(ctx, "sweeper", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = second.AcquireLock(ctx, "sweeper", time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}

	if ok, err := second.RefreshLock(ctx, "sweeper", time.Minute); err != nil || ok {
		t.Fatalf("non-holder refresh: ok=%v err=%v", ok, err)
	}
	if ok, err := first.RefreshLock(ctx, "sweeper", time.Minute); err != nil || !ok {
		t.Fatalf("holder refresh: ok=%v err=%v", ok, err)
	}

	if err := first.ReleaseLock(ctx, "sweeper"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = second.AcquireLock(ctx, "sweeper", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedLockExpiry(t *testing.T) {
	nodes, clients, addrs := newTestCluster(t, 3)
	ctx := context.Background()
	holder := newRedLock(clients, addrs, 1, zap.NewNop())
	other := newRedLock(clients, addrs, 1, zap.NewNop())

	if ok, _ := holder.AcquireLock(ctx, "sweeper", time.Second); !ok {
		t.Fatalf("acquire failed")
	}
	for _, mr := range nodes {
		mr.FastForward(2 * time.Second)
	}

	if ok, err := holder.RefreshLock(ctx, "sweeper", time.Second); err != nil || ok {
		t.Fatalf("refresh of expired lock: ok=%v err=%v", ok, err)
	}
	if ok, _ := other.AcquireLock(ctx, "sweeper", time.Second); !ok {
		t.Fatalf("expired lock should be acquirable")
	}
}

func TestRedLockNeedsQuorum(t *testing.T) {
	nodes, clients, addrs := newTestCluster(t, 3)
	ctx := context.Background()
	nodes[0].Close()
	nodes[1].Close()

	l := newRedLock(clients, addrs, 2, zap.NewNop())
	ok, err := l.AcquireLock(ctx, "sweeper", time.Minute)
	if err != nil || ok {
		t.Fatalf("acquire without quorum: ok=%v err=%v", ok, err)
	}
	if nodes[2].Exists("sweeper") {
		t.Fatalf("minority lock must be rolled back")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	_, _, addrs := newTestCluster(t, 1)

	none, err := New(context.Background(), &config.Config{}, zap.NewNop())
	if err != nil || none != nil {
		t.Fatalf("none backend: lock=%v err=%v", none, err)
	}

	cfg := &config.Config{
		Redis:   config.RedisConfig{LockAddresses: addrs},
		Sweeper: config.SweeperConfig{LockBackend: "redis", LockRetryCount: 1},
	}
	l, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("redis backend: %v", err)
	}
	defer l.Close()
	if _, ok := l.(*RedLock); !ok {
		t.Fatalf("expected *RedLock, got %T", l)
	}

	if _, err := New(context.Background(), &config.Config{Sweeper: config.SweeperConfig{LockBackend: "zookeeper"}}, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
