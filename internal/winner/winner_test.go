package winner

import (
	"testing"
	"time"

	"github.com/lvdashuaibi/battlevote/internal/model"
)

const (
	creator  = "creator-1"
	opponent = "opponent-1"
)

func votesOf(creatorValue, opponentValue model.VoteValue) map[string]model.Vote {
	votes := map[string]model.Vote{}
	if creatorValue != "" {
		votes[creator] = model.Vote{ParticipantID: creator, Value: creatorValue}
	}
	if opponentValue != "" {
		votes[opponent] = model.Vote{ParticipantID: opponent, Value: opponentValue}
	}
	return votes
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name       string
		creator    model.VoteValue
		opponent   model.VoteValue
		wantWinner string
		wantScores model.Scores
	}{
		{"both sketch ties to creator", model.VoteSketch, model.VoteSketch, creator, model.Scores{}},
		{"both clean ties to creator", model.VoteClean, model.VoteClean, creator, model.Scores{Creator: 1, Opponent: 1}},
		{"creator clean awards opponent", model.VoteClean, model.VoteSketch, opponent, model.Scores{Opponent: 1}},
		{"opponent clean awards creator", model.VoteRedo, model.VoteClean, creator, model.Scores{Creator: 1}},
		{"redo and sketch tie", model.VoteRedo, model.VoteSketch, creator, model.Scores{}},
		{"only creator voted clean", model.VoteClean, "", opponent, model.Scores{Opponent: 1}},
		{"no votes", "", "", creator, model.Scores{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Calculate(votesOf(tt.creator, tt.opponent), creator, opponent)
			if got.WinnerID != tt.wantWinner {
				t.Fatalf("winner: want %s got %s", tt.wantWinner, got.WinnerID)
			}
			if got.Scores != tt.wantScores {
				t.Fatalf("scores: want %+v got %+v", tt.wantScores, got.Scores)
			}
		})
	}
}

func TestCalculateIgnoresInsertionOrder(t *testing.T) {
	a := map[string]model.Vote{}
	a[creator] = model.Vote{ParticipantID: creator, Value: model.VoteClean}
	a[opponent] = model.Vote{ParticipantID: opponent, Value: model.VoteSketch}

	b := map[string]model.Vote{}
	b[opponent] = model.Vote{ParticipantID: opponent, Value: model.VoteSketch}
	b[creator] = model.Vote{ParticipantID: creator, Value: model.VoteClean}

	for i := 0; i < 20; i++ {
		if Calculate(a, creator, opponent) != Calculate(b, creator, opponent) {
			t.Fatalf("result depends on insertion order")
		}
	}
}

func TestCalculateIgnoresOutsiders(t *testing.T) {
	votes := votesOf(model.VoteSketch, model.VoteSketch)
	votes["spectator"] = model.Vote{ParticipantID: "spectator", Value: model.VoteClean}

	got := Calculate(votes, creator, opponent)
	if got.WinnerID != creator || got.Scores != (model.Scores{}) {
		t.Fatalf("outsider vote changed the result: %+v", got)
	}
}

func TestForTimeout(t *testing.T) {
	tests := []struct {
		name       string
		creator    model.VoteValue
		opponent   model.VoteValue
		wantWinner string
		wantReason model.Resolution
		wantOK     bool
	}{
		{"only creator voted", model.VoteSketch, "", creator, model.ResolutionOpponentTimeout, true},
		{"only opponent voted", "", model.VoteClean, opponent, model.ResolutionCreatorTimeout, true},
		{"nobody voted", "", "", creator, model.ResolutionBothTimeout, true},
		{"both voted", model.VoteClean, model.VoteClean, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := model.NewVoteState("init", "battle-1", creator, opponent, time.Now())
			state.Votes = votesOf(tt.creator, tt.opponent)

			winnerID, reason, ok := ForTimeout(state)
			if ok != tt.wantOK || winnerID != tt.wantWinner || reason != tt.wantReason {
				t.Fatalf("want (%s, %s, %v) got (%s, %s, %v)",
					tt.wantWinner, tt.wantReason, tt.wantOK, winnerID, reason, ok)
			}
		})
	}
}
