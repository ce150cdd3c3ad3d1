package model

import (
	"time"
)

const (
	// VotingWindow is the time participants have to vote once voting starts.
	VotingWindow = 60 * time.Second
	// MaxProcessedEvents bounds the idempotency window kept on a VoteState.
	MaxProcessedEvents = 50
)

// VoteValue is a participant's verdict on the other participant's trick.
type VoteValue string

const (
	// VoteClean asserts the other participant landed the trick.
	VoteClean  VoteValue = "clean"
	VoteSketch VoteValue = "sketch"
	VoteRedo   VoteValue = "redo"
)

func (v VoteValue) Valid() bool {
	switch v {
	case VoteClean, VoteSketch, VoteRedo:
		return true
	}
	return false
}

type VoteStatus string

const (
	VoteStatusWaiting   VoteStatus = "waiting"
	VoteStatusActive    VoteStatus = "active"
	VoteStatusVoting    VoteStatus = "voting"
	VoteStatusCompleted VoteStatus = "completed"
)

type BattleStatus string

const (
	BattleStatusPending   BattleStatus = "pending"
	BattleStatusVoting    BattleStatus = "voting"
	BattleStatusCompleted BattleStatus = "completed"
)

// Resolution records how a battle reached completion.
type Resolution string

const (
	ResolutionVotes           Resolution = "votes"
	ResolutionOpponentTimeout Resolution = "opponent_timeout"
	ResolutionCreatorTimeout  Resolution = "creator_timeout"
	ResolutionBothTimeout     Resolution = "both_timeout"
)

// Vote is one participant's entry in a VoteState.
type Vote struct {
	ParticipantID string    `json:"participantId"`
	Value         VoteValue `json:"value"`
	VotedAt       time.Time `json:"votedAt"`
}

// Battle is the externally owned contest record. Only the fields the voting
// engine reads or writes are mapped.
type Battle struct {
	ID          string       `json:"id"`
	CreatorID   string       `json:"creatorId"`
	OpponentID  string       `json:"opponentId,omitempty"`
	Status      BattleStatus `json:"status"`
	WinnerID    string       `json:"winnerId,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// IsParticipant reports whether participantID is the creator or opponent.
func (b *Battle) IsParticipant(participantID string) bool {
	return participantID != "" && (participantID == b.CreatorID || participantID == b.OpponentID)
}

// VoteState is the per-battle voting record owned by the engine.
type VoteState struct {
	BattleID          string          `json:"battleId"`
	CreatorID         string          `json:"creatorId"`
	OpponentID        string          `json:"opponentId,omitempty"`
	Status            VoteStatus      `json:"status"`
	Votes             map[string]Vote `json:"votes"`
	VotingStartedAt   time.Time       `json:"votingStartedAt"`
	VoteDeadlineAt    time.Time       `json:"voteDeadlineAt"`
	WinnerID          string          `json:"winnerId,omitempty"`
	Resolution        Resolution      `json:"resolution,omitempty"`
	ProcessedEventIDs []string        `json:"processedEventIds"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// NewVoteState builds the record created when a battle enters voting.
func NewVoteState(eventID, battleID, creatorID, opponentID string, now time.Time) *VoteState {
	startedAt := NormalizeTime(now)
	return &VoteState{
		BattleID:          battleID,
		CreatorID:         creatorID,
		OpponentID:        opponentID,
		Status:            VoteStatusVoting,
		Votes:             map[string]Vote{},
		VotingStartedAt:   startedAt,
		VoteDeadlineAt:    startedAt.Add(VotingWindow),
		ProcessedEventIDs: []string{eventID},
		UpdatedAt:         startedAt,
	}
}

// NormalizeTime converts t to the UTC millisecond precision used for
// persisted timestamps.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func (s *VoteState) IsParticipant(participantID string) bool {
	return participantID != "" && (participantID == s.CreatorID || participantID == s.OpponentID)
}

// HasProcessed reports whether eventID is inside the idempotency window.
func (s *VoteState) HasProcessed(eventID string) bool {
	for _, id := range s.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// RecordEvent appends eventID to the window, evicting the oldest entries
// beyond MaxProcessedEvents.
func (s *VoteState) RecordEvent(eventID string) {
	s.ProcessedEventIDs = append(s.ProcessedEventIDs, eventID)
	if overflow := len(s.ProcessedEventIDs) - MaxProcessedEvents; overflow > 0 {
		s.ProcessedEventIDs = append([]string(nil), s.ProcessedEventIDs[overflow:]...)
	}
}

// ApplyVote upserts the participant's vote. A later vote replaces the earlier one.
func (s *VoteState) ApplyVote(participantID string, value VoteValue, at time.Time) {
	if s.Votes == nil {
		s.Votes = map[string]Vote{}
	}
	s.Votes[participantID] = Vote{
		ParticipantID: participantID,
		Value:         value,
		VotedAt:       NormalizeTime(at),
	}
}

// BothVoted reports whether creator and opponent each have a vote entry.
func (s *VoteState) BothVoted() bool {
	if s.OpponentID == "" {
		return false
	}
	_, creator := s.Votes[s.CreatorID]
	_, opponent := s.Votes[s.OpponentID]
	return creator && opponent
}

// Complete moves the state to completed. It is a no-op once completed.
func (s *VoteState) Complete(winnerID string, resolution Resolution, at time.Time) {
	if s.Status == VoteStatusCompleted {
		return
	}
	completedAt := NormalizeTime(at)
	s.Status = VoteStatusCompleted
	s.WinnerID = winnerID
	s.Resolution = resolution
	s.CompletedAt = &completedAt
	s.UpdatedAt = completedAt
}

// Clone returns a deep copy.
func (s *VoteState) Clone() *VoteState {
	if s == nil {
		return nil
	}
	out := *s
	out.Votes = make(map[string]Vote, len(s.Votes))
	for k, v := range s.Votes {
		out.Votes[k] = v
	}
	out.ProcessedEventIDs = append([]string(nil), s.ProcessedEventIDs...)
	if s.CompletedAt != nil {
		completedAt := *s.CompletedAt
		out.CompletedAt = &completedAt
	}
	return &out
}

// Scores is the per-participant clean-vote tally.
type Scores struct {
	Creator  int `json:"creator"`
	Opponent int `json:"opponent"`
}

// InitializeResult is returned by InitializeVoting.
type InitializeResult struct {
	Success            bool
	Err                error
	AlreadyInitialized bool
}

// CastVoteResult is returned by CastVote. Err carries the business reason
// when Success is false.
type CastVoteResult struct {
	Success          bool
	Err              error
	AlreadyProcessed bool
	BattleComplete   bool
	WinnerID         string
	FinalScore       *Scores
}
