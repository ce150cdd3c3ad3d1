package model

import (
	"fmt"
	"testing"
	"time"
)

func TestRecordEventKeepsMostRecentWindow(t *testing.T) {
	state := NewVoteState("evt-0", "battle-1", "c", "o", time.Now())
	for i := 1; i < MaxProcessedEvents+10; i++ {
		state.RecordEvent(fmt.Sprintf("evt-%d", i))
	}

	if len(state.ProcessedEventIDs) != MaxProcessedEvents {
		t.Fatalf("window size: want %d got %d", MaxProcessedEvents, len(state.ProcessedEventIDs))
	}
	if state.HasProcessed("evt-0") || state.HasProcessed("evt-9") {
		t.Fatalf("oldest events should have been evicted")
	}
	if !state.HasProcessed("evt-10") || !state.HasProcessed(fmt.Sprintf("evt-%d", MaxProcessedEvents+9)) {
		t.Fatalf("recent events missing from window")
	}
	if state.ProcessedEventIDs[0] != "evt-10" {
		t.Fatalf("window must stay in FIFO order, first=%s", state.ProcessedEventIDs[0])
	}
}

func TestApplyVoteLastWriteWins(t *testing.T) {
	state := NewVoteState("evt-0", "battle-1", "c", "o", time.Now())
	state.ApplyVote("c", VoteSketch, time.Now())
	state.ApplyVote("c", VoteClean, time.Now())

	if len(state.Votes) != 1 {
		t.Fatalf("expected one entry, got %d", len(state.Votes))
	}
	if state.Votes["c"].Value != VoteClean {
		t.Fatalf("expected latest vote to win, got %s", state.Votes["c"].Value)
	}
	if state.BothVoted() {
		t.Fatalf("only creator voted")
	}
}

func TestCompleteIsMonotonic(t *testing.T) {
	state := NewVoteState("evt-0", "battle-1", "c", "o", time.Now())
	state.Complete("c", ResolutionBothTimeout, time.Now())
	state.Complete("o", ResolutionVotes, time.Now())

	if state.WinnerID != "c" || state.Resolution != ResolutionBothTimeout {
		t.Fatalf("completed state was overwritten: %+v", state)
	}
}

func TestNewVoteStateDeadline(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 123456789, time.FixedZone("x", 3600))
	state := NewVoteState("evt-0", "battle-1", "c", "o", now)

	if state.VotingStartedAt.Location() != time.UTC {
		t.Fatalf("timestamps must be UTC")
	}
	if got := state.VoteDeadlineAt.Sub(state.VotingStartedAt); got != VotingWindow {
		t.Fatalf("deadline offset: want %s got %s", VotingWindow, got)
	}
	if state.VotingStartedAt.Nanosecond()%int(time.Millisecond) != 0 {
		t.Fatalf("timestamps must be truncated to milliseconds")
	}
	if state.Status != VoteStatusVoting || !state.HasProcessed("evt-0") {
		t.Fatalf("unexpected initial state: %+v", state)
	}
}

func TestCloneIsDeep(t *testing.T) {
	state := NewVoteState("evt-0", "battle-1", "c", "o", time.Now())
	clone := state.Clone()
	clone.ApplyVote("c", VoteClean, time.Now())
	clone.RecordEvent("evt-1")

	if len(state.Votes) != 0 || len(state.ProcessedEventIDs) != 1 {
		t.Fatalf("clone shares storage with original")
	}
}
