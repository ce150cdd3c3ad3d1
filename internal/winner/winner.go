// Package winner decides the outcome of a two-participant battle from the
// participants' votes.
package winner

import "github.com/lvdashuaibi/battlevote/internal/model"

type Result struct {
	WinnerID string
	Scores   model.Scores
}

// Calculate tallies clean votes and picks the winner.
//
// A clean vote awards the point to the voter's opponent. The participant
// with the strictly higher score wins; equal scores, including 0-0, go to
// the creator. Votes from anyone other than the two participants are ignored.
func Calculate(votes map[string]model.Vote, creatorID, opponentID string) Result {
	var scores model.Scores
	if v, ok := votes[creatorID]; ok && v.Value == model.VoteClean {
		scores.Opponent++
	}
	if opponentID != "" {
		if v, ok := votes[opponentID]; ok && v.Value == model.VoteClean {
			scores.Creator++
		}
	}

	winnerID := creatorID
	if scores.Opponent > scores.Creator {
		winnerID = opponentID
	}
	return Result{WinnerID: winnerID, Scores: scores}
}

// ForTimeout resolves a battle whose deadline lapsed without both votes.
// The boolean is false when both participants voted, which only CastVote
// should resolve.
func ForTimeout(state *model.VoteState) (string, model.Resolution, bool) {
	_, creatorVoted := state.Votes[state.CreatorID]
	opponentVoted := false
	if state.OpponentID != "" {
		_, opponentVoted = state.Votes[state.OpponentID]
	}

	switch {
	case creatorVoted && opponentVoted:
		return "", "", false
	case creatorVoted:
		return state.CreatorID, model.ResolutionOpponentTimeout, true
	case opponentVoted:
		return state.OpponentID, model.ResolutionCreatorTimeout, true
	default:
		return state.CreatorID, model.ResolutionBothTimeout, true
	}
}
