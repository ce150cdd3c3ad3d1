package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lvdashuaibi/battlevote/internal/model"
	"github.com/lvdashuaibi/battlevote/internal/repository"
	"github.com/lvdashuaibi/battlevote/internal/winner"
	"go.uber.org/zap"
)

const (
	EventVoteCast        = "vote_cast"
	EventBattleCompleted = "battle_completed"

	backfillBatchSize = 100
)

// Analytics receives fire-and-forget product events. Implementations must
// not block.
type Analytics interface {
	Track(participantID, eventName string, properties map[string]any)
}

type Clock interface {
	Now() time.Time
}

// StateCache is the read-through cache in front of GetVoteState.
type StateCache interface {
	GetVoteState(ctx context.Context, battleID string) (*model.VoteState, bool, error)
	SetVoteState(ctx context.Context, state *model.VoteState) error
	DeleteVoteState(ctx context.Context, battleID string) error
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type NopAnalytics struct{}

func (NopAnalytics) Track(string, string, map[string]any) {}

// CastVoteCommand is one participant response. EventID is the caller's
// idempotency key.
type CastVoteCommand struct {
	EventID       string
	BattleID      string
	ParticipantID string
	Value         model.VoteValue
}

type analyticsEvent struct {
	participantID string
	name          string
	properties    map[string]any
}

type VoteService struct {
	store     repository.VoteStateStore
	cache     StateCache
	analytics Analytics
	clock     Clock
	logger    *zap.Logger
}

// NewVoteService wires the engine. cache may be nil; nil analytics and
// clock fall back to a no-op sink and the system clock.
func NewVoteService(
	store repository.VoteStateStore,
	cache StateCache,
	analytics Analytics,
	clock Clock,
	logger *zap.Logger,
) *VoteService {
	if analytics == nil {
		analytics = NopAnalytics{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoteService{
		store:     store,
		cache:     cache,
		analytics: analytics,
		clock:     clock,
		logger:    logger.With(zap.String("module", "voting"), zap.String("layer", "service")),
	}
}

// InitializeVoting creates the VoteState when a battle enters voting. An
// existing state is never reset.
func (s *VoteService) InitializeVoting(ctx context.Context, eventID, battleID, creatorID, opponentID string) (*model.InitializeResult, error) {
	if eventID == "" || battleID == "" || creatorID == "" || opponentID == "" || creatorID == opponentID {
		return &model.InitializeResult{Err: model.ErrInvalidInput}, nil
	}

	var result *model.InitializeResult
	err := s.store.WithBattleLock(ctx, battleID, func(tx repository.LockedTx) error {
		result = nil
		state, err := tx.VoteState()
		if err != nil {
			return err
		}

		if state != nil {
			result = &model.InitializeResult{Success: true, AlreadyInitialized: true}
			if state.HasProcessed(eventID) {
				return nil
			}
			s.logger.Warn("voting already initialized by another event",
				zap.String("event", "vote_state_reinitialize_ignored"),
				zap.String("battle_id", battleID),
				zap.String("event_id", eventID),
			)
			state.RecordEvent(eventID)
			state.UpdatedAt = model.NormalizeTime(s.clock.Now())
			return tx.SaveVoteState(state)
		}

		state = model.NewVoteState(eventID, battleID, creatorID, opponentID, s.clock.Now())
		if err := tx.InsertVoteState(state); err != nil {
			if errors.Is(err, model.ErrAlreadyExists) {
				result = &model.InitializeResult{Success: true, AlreadyInitialized: true}
				return nil
			}
			return err
		}
		result = &model.InitializeResult{Success: true}
		return nil
	})
	if err != nil {
		return nil, s.logError("initialize_voting_failed", err, battleID)
	}

	s.invalidate(ctx, battleID)
	s.logger.Info("voting initialized",
		zap.String("event", "voting_initialized"),
		zap.String("battle_id", battleID),
		zap.Bool("already_initialized", result.AlreadyInitialized),
	)
	return result, nil
}

// CastVote applies one vote under the battle's row lock. Replays of an
// already processed EventID return the current outcome without mutating.
func (s *VoteService) CastVote(ctx context.Context, cmd CastVoteCommand) (*model.CastVoteResult, error) {
	if cmd.EventID == "" || cmd.BattleID == "" || cmd.ParticipantID == "" {
		return rejected(model.ErrInvalidInput), nil
	}
	if !cmd.Value.Valid() {
		return rejected(model.ErrInvalidVoteValue), nil
	}

	var (
		result *model.CastVoteResult
		events []analyticsEvent
	)
	err := s.store.WithBattleLock(ctx, cmd.BattleID, func(tx repository.LockedTx) error {
		result, events = nil, nil
		state, err := tx.VoteState()
		if err != nil {
			return err
		}
		if state == nil {
			result, events, err = s.castLegacyVote(tx, cmd)
			return err
		}

		if state.HasProcessed(cmd.EventID) {
			result = replayResult(state)
			return nil
		}

		now := s.clock.Now()
		switch {
		case state.Status != model.VoteStatusVoting:
			result = rejected(model.ErrVotingNotActive)
			return nil
		case now.After(state.VoteDeadlineAt):
			result = rejected(model.ErrDeadlinePassed)
			return nil
		case !state.IsParticipant(cmd.ParticipantID):
			result = rejected(model.ErrNotParticipant)
			return nil
		}

		state.ApplyVote(cmd.ParticipantID, cmd.Value, now)
		state.RecordEvent(cmd.EventID)
		state.UpdatedAt = model.NormalizeTime(now)
		result = &model.CastVoteResult{Success: true}
		events = append(events, analyticsEvent{
			participantID: cmd.ParticipantID,
			name:          EventVoteCast,
			properties:    map[string]any{"battleId": cmd.BattleID, "vote": string(cmd.Value)},
		})

		if !state.BothVoted() {
			return tx.SaveVoteState(state)
		}

		outcome := winner.Calculate(state.Votes, state.CreatorID, state.OpponentID)
		state.Complete(outcome.WinnerID, model.ResolutionVotes, now)
		if err := tx.SaveVoteState(state); err != nil {
			return err
		}
		if err := tx.CompleteBattle(outcome.WinnerID, now); err != nil {
			return err
		}
		result.BattleComplete = true
		result.WinnerID = outcome.WinnerID
		result.FinalScore = &outcome.Scores
		events = append(events, completedEvent(cmd.BattleID, outcome.WinnerID, model.ResolutionVotes, &outcome.Scores))
		return nil
	})
	if err != nil {
		return nil, s.logError("cast_vote_failed", err, cmd.BattleID)
	}

	if len(events) > 0 {
		s.invalidate(ctx, cmd.BattleID)
		s.emit(events)
	}
	return result, nil
}

// castLegacyVote serves battles that predate vote_states. It has no event
// history, so retries are last-write-wins only.
func (s *VoteService) castLegacyVote(tx repository.LockedTx, cmd CastVoteCommand) (*model.CastVoteResult, []analyticsEvent, error) {
	battle, err := tx.Battle()
	if err != nil {
		if errors.Is(err, model.ErrBattleNotFound) {
			return rejected(model.ErrBattleNotFound), nil, nil
		}
		return nil, nil, err
	}
	if battle.Status != model.BattleStatusVoting {
		return rejected(model.ErrVotingNotActive), nil, nil
	}
	if !battle.IsParticipant(cmd.ParticipantID) {
		return rejected(model.ErrNotParticipant), nil, nil
	}

	s.logger.Warn("vote state missing, using legacy vote path",
		zap.String("event", "legacy_vote_fallback"),
		zap.String("battle_id", cmd.BattleID),
		zap.String("event_id", cmd.EventID),
	)

	now := s.clock.Now()
	err = tx.SaveLegacyVote(model.Vote{
		ParticipantID: cmd.ParticipantID,
		Value:         cmd.Value,
		VotedAt:       model.NormalizeTime(now),
	})
	if err != nil {
		return nil, nil, err
	}
	votes, err := tx.LegacyVotes()
	if err != nil {
		return nil, nil, err
	}

	result := &model.CastVoteResult{Success: true}
	events := []analyticsEvent{{
		participantID: cmd.ParticipantID,
		name:          EventVoteCast,
		properties:    map[string]any{"battleId": cmd.BattleID, "vote": string(cmd.Value), "legacy": true},
	}}

	_, creatorVoted := votes[battle.CreatorID]
	_, opponentVoted := votes[battle.OpponentID]
	if battle.OpponentID == "" || !creatorVoted || !opponentVoted {
		return result, events, nil
	}

	outcome := winner.Calculate(votes, battle.CreatorID, battle.OpponentID)
	if err := tx.CompleteBattle(outcome.WinnerID, now); err != nil {
		return nil, nil, err
	}
	result.BattleComplete = true
	result.WinnerID = outcome.WinnerID
	result.FinalScore = &outcome.Scores
	events = append(events, completedEvent(cmd.BattleID, outcome.WinnerID, model.ResolutionVotes, &outcome.Scores))
	return result, events, nil
}

// GetVoteState returns the read projection, or nil when voting was never
// initialized for the battle.
func (s *VoteService) GetVoteState(ctx context.Context, battleID string) (*model.VoteState, error) {
	if s.cache != nil {
		state, found, err := s.cache.GetVoteState(ctx, battleID)
		if err != nil {
			s.logger.Warn("vote state cache read failed",
				zap.String("event", "vote_state_cache_miss"),
				zap.String("battle_id", battleID),
				zap.Error(err),
			)
		} else if found {
			return state, nil
		}
	}

	state, err := s.store.GetVoteState(ctx, battleID)
	if err != nil {
		return nil, s.logError("get_vote_state_failed", err, battleID)
	}
	if state != nil && s.cache != nil {
		if err := s.cache.SetVoteState(ctx, state); err != nil {
			s.logger.Warn("vote state cache write failed",
				zap.String("event", "vote_state_cache_write_failed"),
				zap.String("battle_id", battleID),
				zap.Error(err),
			)
		}
	}
	return state, nil
}

// BackfillVoteStates creates VoteState rows for battles already in voting
// that predate the vote_states table, carrying over their legacy votes.
// It returns the number of states created.
func (s *VoteService) BackfillVoteStates(ctx context.Context) (int, error) {
	total := 0
	for {
		ids, err := s.store.ListUnbackfilledBattles(ctx, backfillBatchSize)
		if err != nil {
			return total, s.logError("list_unbackfilled_failed", err, "")
		}
		if len(ids) == 0 {
			break
		}

		created := 0
		for _, id := range ids {
			ok, err := s.backfillOne(ctx, id)
			if err != nil {
				s.logError("backfill_vote_state_failed", err, id)
				continue
			}
			if ok {
				created++
			}
		}
		total += created
		if created == 0 {
			break
		}
	}

	s.logger.Info("vote state backfill finished",
		zap.String("event", "vote_state_backfill_done"),
		zap.Int("created", total),
	)
	return total, nil
}

func (s *VoteService) backfillOne(ctx context.Context, battleID string) (bool, error) {
	created := false
	err := s.store.WithBattleLock(ctx, battleID, func(tx repository.LockedTx) error {
		created = false
		existing, err := tx.VoteState()
		if err != nil || existing != nil {
			return err
		}
		battle, err := tx.Battle()
		if err != nil {
			return err
		}
		if battle.Status != model.BattleStatusVoting || battle.OpponentID == "" {
			return nil
		}
		votes, err := tx.LegacyVotes()
		if err != nil {
			return err
		}

		now := s.clock.Now()
		state := model.NewVoteState("backfill:"+battleID, battleID, battle.CreatorID, battle.OpponentID, now)
		for participantID, vote := range votes {
			if state.IsParticipant(participantID) {
				state.ApplyVote(participantID, vote.Value, vote.VotedAt)
			}
		}
		if state.BothVoted() {
			outcome := winner.Calculate(state.Votes, state.CreatorID, state.OpponentID)
			state.Complete(outcome.WinnerID, model.ResolutionVotes, now)
			if err := tx.CompleteBattle(outcome.WinnerID, now); err != nil {
				return err
			}
		}

		if err := tx.InsertVoteState(state); err != nil {
			if errors.Is(err, model.ErrAlreadyExists) {
				return nil
			}
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if created {
		s.invalidate(ctx, battleID)
	}
	return created, nil
}

func (s *VoteService) invalidate(ctx context.Context, battleID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteVoteState(ctx, battleID); err != nil {
		s.logger.Warn("vote state cache invalidation failed",
			zap.String("event", "vote_state_cache_invalidate_failed"),
			zap.String("battle_id", battleID),
			zap.Error(err),
		)
	}
}

func (s *VoteService) emit(events []analyticsEvent) {
	for _, e := range events {
		Track(s.analytics, s.logger, e.participantID, e.name, e.properties)
	}
}

func (s *VoteService) logError(event string, err error, battleID string) error {
	s.logger.Error("voting operation failed",
		zap.String("event", event),
		zap.String("battle_id", battleID),
		zap.Error(err),
	)
	if battleID == "" {
		return err
	}
	return fmt.Errorf("battle %s: %w", battleID, err)
}

// Track forwards one event to the sink and swallows any panic so a broken
// sink cannot fail the operation that produced the event.
func Track(analytics Analytics, logger *zap.Logger, participantID, name string, properties map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("analytics sink panicked",
				zap.String("event", "analytics_track_failed"),
				zap.String("analytics_event", name),
				zap.Any("panic", r),
			)
		}
	}()
	analytics.Track(participantID, name, properties)
}

func completedEvent(battleID, winnerID string, reason model.Resolution, scores *model.Scores) analyticsEvent {
	props := map[string]any{"battleId": battleID, "winnerId": winnerID, "reason": string(reason)}
	if scores != nil {
		props["creatorScore"] = scores.Creator
		props["opponentScore"] = scores.Opponent
	}
	return analyticsEvent{participantID: winnerID, name: EventBattleCompleted, properties: props}
}

// CompletedEventProperties builds the battle_completed payload for callers
// outside the vote path.
func CompletedEventProperties(battleID, winnerID string, reason model.Resolution) map[string]any {
	return completedEvent(battleID, winnerID, reason, nil).properties
}

func rejected(err error) *model.CastVoteResult {
	return &model.CastVoteResult{Err: err}
}

func replayResult(state *model.VoteState) *model.CastVoteResult {
	result := &model.CastVoteResult{Success: true, AlreadyProcessed: true}
	if state.Status != model.VoteStatusCompleted {
		return result
	}
	result.BattleComplete = true
	result.WinnerID = state.WinnerID
	if state.Resolution == model.ResolutionVotes {
		scores := winner.Calculate(state.Votes, state.CreatorID, state.OpponentID).Scores
		result.FinalScore = &scores
	}
	return result
}
