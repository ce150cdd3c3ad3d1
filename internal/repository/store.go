package repository

import (
	"context"
	"time"

	"github.com/lvdashuaibi/battlevote/internal/model"
)

// VoteStateStore owns the persisted per-battle voting records.
type VoteStateStore interface {
	// WithBattleLock runs fn in a single transaction scoped to battleID.
	// LockedTx.VoteState takes the exclusive row lock; every write made
	// through tx commits when fn returns nil and rolls back otherwise.
	// Implementations may run fn more than once.
	WithBattleLock(ctx context.Context, battleID string, fn func(tx LockedTx) error) error

	// GetVoteState is an unlocked read for display. It returns nil, nil when
	// the battle has no vote state.
	GetVoteState(ctx context.Context, battleID string) (*model.VoteState, error)

	// ListExpiredVoting returns states still voting whose deadline is before now.
	ListExpiredVoting(ctx context.Context, now time.Time) ([]*model.VoteState, error)

	// ListUnbackfilledBattles returns ids of voting battles that predate the
	// vote state table.
	ListUnbackfilledBattles(ctx context.Context, limit int) ([]string, error)
}

// LockedTx is the write surface available inside WithBattleLock. All methods
// act on the battle the transaction was opened for.
type LockedTx interface {
	// VoteState reads the row with SELECT ... FOR UPDATE; nil when absent.
	VoteState() (*model.VoteState, error)
	// InsertVoteState returns model.ErrAlreadyExists on a duplicate key.
	InsertVoteState(state *model.VoteState) error
	SaveVoteState(state *model.VoteState) error

	// Battle reads the battle row under lock; model.ErrBattleNotFound when absent.
	Battle() (*model.Battle, error)
	CompleteBattle(winnerID string, completedAt time.Time) error

	// LegacyVotes and SaveLegacyVote serve battles without a vote state.
	LegacyVotes() (map[string]model.Vote, error)
	SaveLegacyVote(vote model.Vote) error
}
