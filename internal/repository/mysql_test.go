package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/battlevote/internal/model"
	"go.uber.org/zap"
)

func newMockRepository(t *testing.T) (*MySQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newMySQLRepository(db, db, zap.NewNop()), mock
}

func voteStateRow(state *model.VoteState) *sqlmock.Rows {
	args, _ := voteStateArgs(state)
	rows := sqlmock.NewRows([]string{
		"battle_id", "creator_id", "opponent_id", "status", "votes", "voting_started_at",
		"vote_deadline_at", "winner_id", "resolution", "processed_event_ids", "completed_at", "updated_at",
	})
	values := make([]driver.Value, len(args))
	for i, a := range args {
		values[i] = a
	}
	return rows.AddRow(values...)
}

func TestMySQLGetVoteStateMissing(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM vote_states WHERE battle_id = ?")).
		WithArgs("battle-1").
		WillReturnRows(sqlmock.NewRows([]string{"battle_id"}))

	state, err := repo.GetVoteState(context.Background(), "battle-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state, got %+v", state)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLLockedReadDecodesState(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stored := model.NewVoteState("evt-1", "battle-1", "creator", "opponent", now)
	stored.ApplyVote("creator", model.VoteSketch, now.Add(time.Second))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM vote_states WHERE battle_id = ? FOR UPDATE")).
		WithArgs("battle-1").
		WillReturnRows(voteStateRow(stored))
	mock.ExpectCommit()

	var got *model.VoteState
	err := repo.WithBattleLock(context.Background(), "battle-1", func(tx LockedTx) error {
		var err error
		got, err = tx.VoteState()
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Status != model.VoteStatusVoting {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.Votes["creator"].Value != model.VoteSketch {
		t.Fatalf("votes not decoded: %+v", got.Votes)
	}
	if !got.VoteDeadlineAt.Equal(now.Add(model.VotingWindow)) {
		t.Fatalf("deadline: got %s", got.VoteDeadlineAt)
	}
	if len(got.ProcessedEventIDs) != 1 || got.ProcessedEventIDs[0] != "evt-1" {
		t.Fatalf("processed ids: %v", got.ProcessedEventIDs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLInsertDuplicateMapsToAlreadyExists(t *testing.T) {
	repo, mock := newMockRepository(t)
	state := model.NewVoteState("evt-1", "battle-1", "creator", "opponent", time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO vote_states")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	err := repo.WithBattleLock(context.Background(), "battle-1", func(tx LockedTx) error {
		return tx.InsertVoteState(state)
	})
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLCompletionCommitsBothWrites(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	state := model.NewVoteState("evt-1", "battle-1", "creator", "opponent", now)
	state.Complete("creator", model.ResolutionBothTimeout, now.Add(2*time.Minute))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE vote_states SET")).
		WithArgs(
			"creator", "opponent", "completed", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "creator", "both_timeout", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "battle-1",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE battles SET status = ?, winner_id = ?, completed_at = ? WHERE id = ? AND status <> ?")).
		WithArgs("completed", "creator", sqlmock.AnyArg(), "battle-1", "completed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.WithBattleLock(context.Background(), "battle-1", func(tx LockedTx) error {
		if err := tx.SaveVoteState(state); err != nil {
			return err
		}
		return tx.CompleteBattle(state.WinnerID, *state.CompletedAt)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLBattleNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM battles WHERE id = ? FOR UPDATE")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := repo.WithBattleLock(context.Background(), "ghost", func(tx LockedTx) error {
		_, err := tx.Battle()
		return err
	})
	if !errors.Is(err, model.ErrBattleNotFound) {
		t.Fatalf("expected ErrBattleNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLListExpiredVoting(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	expired := model.NewVoteState("evt-1", "battle-1", "creator", "opponent", now.Add(-2*time.Minute))

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = ? AND vote_deadline_at < ? ORDER BY vote_deadline_at")).
		WithArgs("voting", now).
		WillReturnRows(voteStateRow(expired))

	states, err := repo.ListExpiredVoting(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(states) != 1 || states[0].BattleID != "battle-1" {
		t.Fatalf("unexpected states: %+v", states)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLRetriesDeadlockVictim(t *testing.T) {
	repo, mock := newMockRepository(t)
	state := model.NewVoteState("evt-1", "battle-1", "creator", "opponent", time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO vote_states")).
		WillReturnError(&mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO vote_states")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	calls := 0
	err := repo.WithBattleLock(context.Background(), "battle-1", func(tx LockedTx) error {
		calls++
		return tx.InsertVoteState(state)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLDeadlockRetriesAreBounded(t *testing.T) {
	repo, mock := newMockRepository(t)
	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}

	for i := 0; i < maxDeadlockAttempts; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	calls := 0
	err := repo.WithBattleLock(context.Background(), "battle-1", func(tx LockedTx) error {
		calls++
		return deadlock
	})
	if !errors.Is(err, deadlock) {
		t.Fatalf("expected deadlock error, got %v", err)
	}
	if calls != maxDeadlockAttempts {
		t.Fatalf("expected %d attempts, got %d", maxDeadlockAttempts, calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLMigrateAppliesSchema(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS vote_states")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
