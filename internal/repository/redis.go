package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/battlevote/config"
	"github.com/lvdashuaibi/battlevote/internal/model"
)

const (
	VoteStateKey = "battlevote:vote_state:"

	// Completed states never change again.
	completedStateTTL = time.Hour
	defaultStateTTL   = 5 * time.Second
)

// RedisRepository caches VoteState read projections.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRepository(ctx context.Context, cfg config.RedisConfig) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
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
		return nil, fmt.Errorf("ping redis data node: %w", err)
	}
	return newRedisRepository(client, cfg.CacheTTL), nil
}

func newRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &RedisRepository{client: client, ttl: ttl}
}

// GetVoteState returns the cached state; found is false on a cache miss.
func (r *RedisRepository) GetVoteState(ctx context.Context, battleID string) (*model.VoteState, bool, error) {
	data, err := r.client.Get(ctx, VoteStateKey+battleID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cached vote state: %w", err)
	}

	var state model.VoteState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false, fmt.Errorf("decode cached vote state: %w", err)
	}
	return &state, true, nil
}

func (r *RedisRepository) SetVoteState(ctx context.Context, state *model.VoteState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode vote state: %w", err)
	}
	ttl := r.ttl
	if state.Status == model.VoteStatusCompleted {
		ttl = completedStateTTL
	}
	if err := r.client.Set(ctx, VoteStateKey+state.BattleID, data, ttl).Err(); err != nil {
		return fmt.Errorf("set cached vote state: %w", err)
	}
	return nil
}

func (r *RedisRepository) DeleteVoteState(ctx context.Context, battleID string) error {
	if err := r.client.Del(ctx, VoteStateKey+battleID).Err(); err != nil {
		return fmt.Errorf("delete cached vote state: %w", err)
	}
	return nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}
