// Package sweeper resolves battles whose voting window lapsed without both
// participants voting.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lvdashuaibi/battlevote/config"
	"github.com/lvdashuaibi/battlevote/internal/lock"
	"github.com/lvdashuaibi/battlevote/internal/model"
	"github.com/lvdashuaibi/battlevote/internal/repository"
	"github.com/lvdashuaibi/battlevote/internal/service"
	"github.com/lvdashuaibi/battlevote/internal/winner"
	"go.uber.org/zap"
)

const (
	LockName = "battlevote:sweeper:lock"

	defaultLockTTL = 10 * time.Second
)

// TimeoutEventID is the idempotency key for resolving one expired window.
// It is stable for a given battle and deadline across sweeps.
func TimeoutEventID(battleID string, deadline time.Time) string {
	return fmt.Sprintf("timeout:%s:%d", battleID, deadline.UnixMilli())
}

type Sweeper struct {
	store     repository.VoteStateStore
	cache     service.StateCache
	analytics service.Analytics
	clock     service.Clock
	lock      lock.Lock
	interval  time.Duration
	lockTTL   time.Duration
	logger    *zap.Logger

	leaderMu  sync.Mutex
	holdsLock bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a sweeper. distLock may be nil for single-instance deployments.
func New(
	store repository.VoteStateStore,
	cache service.StateCache,
	analytics service.Analytics,
	clock service.Clock,
	distLock lock.Lock,
	cfg config.SweeperConfig,
	logger *zap.Logger,
) *Sweeper {
	if analytics == nil {
		analytics = service.NopAnalytics{}
	}
	if clock == nil {
		clock = service.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lockTTL := cfg.LockTimeout
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Sweeper{
		store:     store,
		cache:     cache,
		analytics: analytics,
		clock:     clock,
		lock:      distLock,
		interval:  cfg.Interval,
		lockTTL:   lockTTL,
		logger: logger.With(
			zap.String("module", "sweeper"),
			zap.String("layer", "worker"),
			zap.String("instance_id", uuid.NewString()),
		),
	}
}

// ProcessVoteTimeouts runs one sweep and returns how many battles it
// resolved. Failures on individual battles are logged and skipped.
func (s *Sweeper) ProcessVoteTimeouts(ctx context.Context) (int, error) {
	now := s.clock.Now()
	candidates, err := s.store.ListExpiredVoting(ctx, now)
	if err != nil {
		s.logger.Error("list expired vote states failed",
			zap.String("event", "sweep_list_failed"), zap.Error(err))
		return 0, fmt.Errorf("list expired vote states: %w", err)
	}

	resolved, failed := 0, 0
	for _, candidate := range candidates {
		ok, err := s.resolve(ctx, candidate.BattleID)
		if err != nil {
			failed++
			s.logger.Error("resolve vote timeout failed",
				zap.String("event", "sweep_battle_failed"),
				zap.String("battle_id", candidate.BattleID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			resolved++
		}
	}

	if len(candidates) > 0 {
		s.logger.Info("vote timeout sweep finished",
			zap.String("event", "sweep_done"),
			zap.Int("candidates", len(candidates)),
			zap.Int("resolved", resolved),
			zap.Int("failed", failed),
		)
	}
	return resolved, nil
}

func (s *Sweeper) resolve(ctx context.Context, battleID string) (bool, error) {
	var (
		winnerID string
		reason   model.Resolution
		resolved bool
	)
	err := s.store.WithBattleLock(ctx, battleID, func(tx repository.LockedTx) error {
		resolved = false
		state, err := tx.VoteState()
		if err != nil || state == nil {
			return err
		}
		if state.Status != model.VoteStatusVoting {
			return nil
		}
		key := TimeoutEventID(state.BattleID, state.VoteDeadlineAt)
		if state.HasProcessed(key) {
			return nil
		}
		now := s.clock.Now()
		if !state.VoteDeadlineAt.Before(now) {
			return nil
		}

		var ok bool
		winnerID, reason, ok = winner.ForTimeout(state)
		if !ok {
			s.logger.Warn("expired battle already has both votes",
				zap.String("event", "sweep_both_voted"),
				zap.String("battle_id", battleID),
			)
			return nil
		}

		state.RecordEvent(key)
		state.Complete(winnerID, reason, now)
		if err := tx.SaveVoteState(state); err != nil {
			return err
		}
		if err := tx.CompleteBattle(winnerID, now); err != nil {
			return err
		}
		resolved = true
		return nil
	})
	if err != nil || !resolved {
		return false, err
	}

	if s.cache != nil {
		if err := s.cache.DeleteVoteState(ctx, battleID); err != nil {
			s.logger.Warn("vote state cache invalidation failed",
				zap.String("battle_id", battleID), zap.Error(err))
		}
	}
	service.Track(s.analytics, s.logger, winnerID, service.EventBattleCompleted,
		service.CompletedEventProperties(battleID, winnerID, reason))
	s.logger.Info("battle resolved by timeout",
		zap.String("event", "battle_timeout_resolved"),
		zap.String("battle_id", battleID),
		zap.String("winner_id", winnerID),
		zap.String("reason", string(reason)),
	)
	return true, nil
}

// Start runs ProcessVoteTimeouts every interval until Stop. Ticks are
// serialized by the single loop goroutine. With a distributed lock a second
// goroutine refreshes it every lockTTL/2 so leadership survives intervals
// longer than the lock TTL.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.lock != nil {
		s.ensureLeadership(ctx)
		s.wg.Add(1)
		go s.maintainLeadership(ctx)
	}

	ticker := time.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("vote timeout sweeper started",
		zap.Duration("interval", s.interval),
		zap.Bool("distributed_lock", s.lock != nil),
	)
}

func (s *Sweeper) maintainLeadership(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.refreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ensureLeadership(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) refreshInterval() time.Duration {
	if d := s.lockTTL / 2; d > 0 {
		return d
	}
	return defaultLockTTL / 2
}

func (s *Sweeper) tick(ctx context.Context) {
	if !s.ensureLeadership(ctx) {
		return
	}
	if _, err := s.ProcessVoteTimeouts(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("vote timeout sweep failed", zap.Error(err))
	}
}

// ensureLeadership keeps the sweeper lock across ticks, re-acquiring it
// when a refresh reports it lost or fails.
func (s *Sweeper) ensureLeadership(ctx context.Context) bool {
	if s.lock == nil {
		return true
	}
	s.leaderMu.Lock()
	defer s.leaderMu.Unlock()

	if s.holdsLock {
		ok, err := s.lock.RefreshLock(ctx, LockName, s.lockTTL)
		if err == nil && ok {
			return true
		}
		if err != nil {
			s.logger.Warn("refresh sweeper lock failed", zap.String("event", "sweep_lock_refresh_failed"), zap.Error(err))
		}
		s.holdsLock = false
	}

	acquired, err := s.lock.AcquireLock(ctx, LockName, s.lockTTL)
	if err != nil {
		s.logger.Warn("acquire sweeper lock failed", zap.String("event", "sweep_lock_failed"), zap.Error(err))
		return false
	}
	if !acquired {
		s.logger.Debug("sweeper lock held elsewhere, skipping tick", zap.String("event", "sweep_skipped"))
		return false
	}
	s.holdsLock = true
	return true
}

// Stop ends the loop, waits for an in-flight sweep and releases the lock.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		s.wg.Wait()
		s.leaderMu.Lock()
		defer s.leaderMu.Unlock()
		if s.lock != nil && s.holdsLock {
			if err := s.lock.ReleaseLock(context.Background(), LockName); err != nil {
				s.logger.Warn("release sweeper lock failed", zap.Error(err))
			}
			s.holdsLock = false
		}
		s.logger.Info("vote timeout sweeper stopped")
	})
}
