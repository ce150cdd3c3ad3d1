package graph

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/lvdashuaibi/battlevote/internal/model"
	"github.com/lvdashuaibi/battlevote/internal/service"
	"go.uber.org/zap"
)

const internalErrorMessage = "internal error"

// VoteAPI is the engine surface exposed over GraphQL.
type VoteAPI interface {
	InitializeVoting(ctx context.Context, eventID, battleID, creatorID, opponentID string) (*model.InitializeResult, error)
	CastVote(ctx context.Context, cmd service.CastVoteCommand) (*model.CastVoteResult, error)
	GetVoteState(ctx context.Context, battleID string) (*model.VoteState, error)
}

type Resolver struct {
	votes  VoteAPI
	logger *zap.Logger
}

func NewResolver(votes VoteAPI, logger *zap.Logger) *Resolver {
	return &Resolver{votes: votes, logger: logger}
}

func (r *Resolver) VoteState(ctx context.Context, args struct{ BattleID string }) (*VoteStateResolver, error) {
	state, err := r.votes.GetVoteState(ctx, args.BattleID)
	if err != nil {
		r.logger.Error("voteState query failed", zap.String("battle_id", args.BattleID), zap.Error(err))
		return nil, errInternal
	}
	if state == nil {
		return nil, nil
	}
	return newVoteStateResolver(state), nil
}

func (r *Resolver) InitializeVoting(ctx context.Context, args struct {
	EventID    string
	BattleID   string
	CreatorID  string
	OpponentID string
}) (*InitializeVotingResult, error) {
	res, err := r.votes.InitializeVoting(ctx, args.EventID, args.BattleID, args.CreatorID, args.OpponentID)
	if err != nil {
		r.logger.Error("initializeVoting mutation failed", zap.String("battle_id", args.BattleID), zap.Error(err))
		return &InitializeVotingResult{Error: strPtr(internalErrorMessage)}, nil
	}
	return &InitializeVotingResult{
		Success:            res.Success,
		Error:              errorMessage(res.Err),
		AlreadyInitialized: res.AlreadyInitialized,
	}, nil
}

type CastVoteInput struct {
	EventID       string
	BattleID      string
	ParticipantID string
	Value         string
}

func (r *Resolver) CastVote(ctx context.Context, args struct{ Input CastVoteInput }) (*CastVoteResult, error) {
	res, err := r.votes.CastVote(ctx, service.CastVoteCommand{
		EventID:       args.Input.EventID,
		BattleID:      args.Input.BattleID,
		ParticipantID: args.Input.ParticipantID,
		Value:         model.VoteValue(args.Input.Value),
	})
	if err != nil {
		r.logger.Error("castVote mutation failed", zap.String("battle_id", args.Input.BattleID), zap.Error(err))
		return &CastVoteResult{Error: strPtr(internalErrorMessage)}, nil
	}

	out := &CastVoteResult{
		Success:          res.Success,
		Error:            errorMessage(res.Err),
		AlreadyProcessed: res.AlreadyProcessed,
		BattleComplete:   res.BattleComplete,
		WinnerID:         optional(res.WinnerID),
	}
	if res.FinalScore != nil {
		out.FinalScore = &ScoresResult{
			Creator:  int32(res.FinalScore.Creator),
			Opponent: int32(res.FinalScore.Opponent),
		}
	}
	return out, nil
}

type InitializeVotingResult struct {
	Success            bool
	Error              *string
	AlreadyInitialized bool
}

type CastVoteResult struct {
	Success          bool
	Error            *string
	AlreadyProcessed bool
	BattleComplete   bool
	WinnerID         *string
	FinalScore       *ScoresResult
}

type ScoresResult struct {
	Creator  int32
	Opponent int32
}

type VoteResult struct {
	ParticipantID string
	Value         string
	VotedAt       string
}

type VoteStateResolver struct {
	BattleID        string
	CreatorID       string
	OpponentID      *string
	Status          string
	Votes           []VoteResult
	VotingStartedAt string
	VoteDeadlineAt  string
	WinnerID        *string
	Resolution      *string
	CompletedAt     *string
	UpdatedAt       string
}

func newVoteStateResolver(state *model.VoteState) *VoteStateResolver {
	votes := make([]VoteResult, 0, len(state.Votes))
	for _, v := range state.Votes {
		votes = append(votes, VoteResult{
			ParticipantID: v.ParticipantID,
			Value:         string(v.Value),
			VotedAt:       formatTime(v.VotedAt),
		})
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].ParticipantID < votes[j].ParticipantID })

	out := &VoteStateResolver{
		BattleID:        state.BattleID,
		CreatorID:       state.CreatorID,
		OpponentID:      optional(state.OpponentID),
		Status:          string(state.Status),
		Votes:           votes,
		VotingStartedAt: formatTime(state.VotingStartedAt),
		VoteDeadlineAt:  formatTime(state.VoteDeadlineAt),
		WinnerID:        optional(state.WinnerID),
		Resolution:      optional(string(state.Resolution)),
		UpdatedAt:       formatTime(state.UpdatedAt),
	}
	if state.CompletedAt != nil {
		out.CompletedAt = strPtr(formatTime(*state.CompletedAt))
	}
	return out
}

var errInternal = errors.New(internalErrorMessage)

func errorMessage(err error) *string {
	if err == nil {
		return nil
	}
	return strPtr(err.Error())
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strPtr(s string) *string { return &s }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
