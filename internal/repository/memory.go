package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lvdashuaibi/battlevote/internal/model"
)

// MemoryStore is a VoteStateStore for a single process. A per-battle mutex
// stands in for the row lock and writes are staged until fn succeeds. Lock
// entries live only while a transaction holds or waits on them; states and
// battles are kept for the life of the process.
type MemoryStore struct {
	mu      sync.Mutex
	locks   map[string]*battleMutex
	states  map[string]*model.VoteState
	battles map[string]*model.Battle
	legacy  map[string]map[string]model.Vote
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:   make(map[string]*battleMutex),
		states:  make(map[string]*model.VoteState),
		battles: make(map[string]*model.Battle),
		legacy:  make(map[string]map[string]model.Vote),
	}
}

// PutBattle seeds or replaces a battle record.
func (s *MemoryStore) PutBattle(battle model.Battle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := battle
	s.battles[battle.ID] = &b
}

// GetBattle returns a copy of the battle record.
func (s *MemoryStore) GetBattle(battleID string) (model.Battle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[battleID]
	if !ok {
		return model.Battle{}, false
	}
	return *b, true
}

// PutLegacyVote seeds a vote in the pre-vote-state table.
func (s *MemoryStore) PutLegacyVote(battleID string, vote model.Vote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.legacy[battleID] == nil {
		s.legacy[battleID] = map[string]model.Vote{}
	}
	s.legacy[battleID][vote.ParticipantID] = vote
}

type battleMutex struct {
	sync.Mutex
	refs int
}

func (s *MemoryStore) acquireBattleLock(battleID string) *battleMutex {
	s.mu.Lock()
	l, ok := s.locks[battleID]
	if !ok {
		l = &battleMutex{}
		s.locks[battleID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return l
}

func (s *MemoryStore) releaseBattleLock(battleID string, l *battleMutex) {
	l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, battleID)
	}
}

func (s *MemoryStore) WithBattleLock(ctx context.Context, battleID string, fn func(tx LockedTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.acquireBattleLock(battleID)
	defer s.releaseBattleLock(battleID, l)

	tx := &memoryTx{store: s, battleID: battleID}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetVoteState(ctx context.Context, battleID string) (*model.VoteState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[battleID].Clone(), nil
}

func (s *MemoryStore) ListExpiredVoting(ctx context.Context, now time.Time) ([]*model.VoteState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.VoteState
	for _, state := range s.states {
		if state.Status == model.VoteStatusVoting && state.VoteDeadlineAt.Before(now) {
			out = append(out, state.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].VoteDeadlineAt.Before(out[j].VoteDeadlineAt)
	})
	return out, nil
}

func (s *MemoryStore) ListUnbackfilledBattles(ctx context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, battle := range s.battles {
		if battle.Status != model.BattleStatusVoting || battle.OpponentID == "" {
			continue
		}
		if _, ok := s.states[id]; ok {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

type memoryTx struct {
	store    *MemoryStore
	battleID string

	state       *model.VoteState
	stateDirty  bool
	battle      *model.Battle
	battleDirty bool
	legacy      map[string]model.Vote
}

func (tx *memoryTx) VoteState() (*model.VoteState, error) {
	if tx.stateDirty {
		return tx.state.Clone(), nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	return tx.store.states[tx.battleID].Clone(), nil
}

func (tx *memoryTx) InsertVoteState(state *model.VoteState) error {
	existing, _ := tx.VoteState()
	if existing != nil {
		return model.ErrAlreadyExists
	}
	return tx.SaveVoteState(state)
}

func (tx *memoryTx) SaveVoteState(state *model.VoteState) error {
	tx.state = state.Clone()
	tx.stateDirty = true
	return nil
}

func (tx *memoryTx) Battle() (*model.Battle, error) {
	if tx.battle != nil {
		b := *tx.battle
		return &b, nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	b, ok := tx.store.battles[tx.battleID]
	if !ok {
		return nil, model.ErrBattleNotFound
	}
	out := *b
	return &out, nil
}

func (tx *memoryTx) CompleteBattle(winnerID string, completedAt time.Time) error {
	battle, err := tx.Battle()
	if err != nil {
		// Battle rows are owned elsewhere; a missing row is not fatal here.
		if errors.Is(err, model.ErrBattleNotFound) {
			return nil
		}
		return err
	}
	if battle.Status == model.BattleStatusCompleted {
		return nil
	}
	at := model.NormalizeTime(completedAt)
	battle.Status = model.BattleStatusCompleted
	battle.WinnerID = winnerID
	battle.CompletedAt = &at
	tx.battle = battle
	tx.battleDirty = true
	return nil
}

func (tx *memoryTx) LegacyVotes() (map[string]model.Vote, error) {
	out := map[string]model.Vote{}
	if tx.legacy != nil {
		for k, v := range tx.legacy {
			out[k] = v
		}
		return out, nil
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for k, v := range tx.store.legacy[tx.battleID] {
		out[k] = v
	}
	return out, nil
}

func (tx *memoryTx) SaveLegacyVote(vote model.Vote) error {
	votes, err := tx.LegacyVotes()
	if err != nil {
		return err
	}
	votes[vote.ParticipantID] = vote
	tx.legacy = votes
	return nil
}

func (tx *memoryTx) commit() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	if tx.stateDirty {
		tx.store.states[tx.battleID] = tx.state
	}
	if tx.battleDirty {
		tx.store.battles[tx.battleID] = tx.battle
	}
	if tx.legacy != nil {
		tx.store.legacy[tx.battleID] = tx.legacy
	}
}

var _ VoteStateStore = (*MemoryStore)(nil)
