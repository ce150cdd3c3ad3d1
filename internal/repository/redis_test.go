package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/battlevote/internal/model"
)

func newTestRedis(t *testing.T) (*RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return newRedisRepository(client, 5*time.Second), mr
}

func TestRedisVoteStateRoundTrip(t *testing.T) {
	repo, _ := newTestRedis(t)
	ctx := context.Background()

	_, found, err := repo.GetVoteState(ctx, "battle-1")
	if err != nil || found {
		t.Fatalf("expected miss, found=%v err=%v", found, err)
	}

	state := model.NewVoteState("evt-1", "battle-1", "c", "o", time.Now())
	state.ApplyVote("c", model.VoteClean, time.Now())
	if err := repo.SetVoteState(ctx, state); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, found, err := repo.GetVoteState(ctx, "battle-1")
	if err != nil || !found {
		t.Fatalf("expected hit, found=%v err=%v", found, err)
	}
	if got.Votes["c"].Value != model.VoteClean || !got.VoteDeadlineAt.Equal(state.VoteDeadlineAt) {
		t.Fatalf("cached state mismatch: %+v", got)
	}

	if err := repo.DeleteVoteState(ctx, "battle-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := repo.GetVoteState(ctx, "battle-1"); found {
		t.Fatalf("expected miss after delete")
	}
}

func TestRedisCompletedStatesLiveLonger(t *testing.T) {
	repo, mr := newTestRedis(t)
	ctx := context.Background()

	voting := model.NewVoteState("evt-1", "battle-voting", "c", "o", time.Now())
	completed := model.NewVoteState("evt-2", "battle-done", "c", "o", time.Now())
	completed.Complete("c", model.ResolutionBothTimeout, time.Now())

	if err := repo.SetVoteState(ctx, voting); err != nil {
		t.Fatalf("set voting: %v", err)
	}
	if err := repo.SetVoteState(ctx, completed); err != nil {
		t.Fatalf("set completed: %v", err)
	}

	if ttl := mr.TTL(VoteStateKey + "battle-voting"); ttl != 5*time.Second {
		t.Fatalf("voting ttl: want 5s got %s", ttl)
	}
	if ttl := mr.TTL(VoteStateKey + "battle-done"); ttl != completedStateTTL {
		t.Fatalf("completed ttl: want %s got %s", completedStateTTL, ttl)
	}

	mr.FastForward(10 * time.Second)
	if _, found, _ := repo.GetVoteState(ctx, "battle-voting"); found {
		t.Fatalf("voting state should have expired")
	}
	if _, found, _ := repo.GetVoteState(ctx, "battle-done"); !found {
		t.Fatalf("completed state should still be cached")
	}
}
