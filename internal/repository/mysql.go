package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/battlevote/config"
	"github.com/lvdashuaibi/battlevote/internal/model"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

const (
	mysqlDuplicateEntry = 1062
	mysqlDeadlock       = 1213

	// Two first-time initializers on the same battle both hold the gap lock
	// and one of them is chosen as the deadlock victim.
	maxDeadlockAttempts = 3

	voteStateColumns = `battle_id, creator_id, opponent_id, status, votes, voting_started_at,
		vote_deadline_at, winner_id, resolution, processed_event_ids, completed_at, updated_at`
)

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
	logger   *zap.Logger
}

func NewMySQLRepository(cfg config.MySQLConfig, logger *zap.Logger) (*MySQLRepository, error) {
	masterDB, err := openMySQL(cfg.Master, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect master database: %w", err)
	}
	if err = masterDB.Ping(); err != nil {
		masterDB.Close()
		return nil, fmt.Errorf("ping master database: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" {
		replica, err := openMySQL(cfg.Slave, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect slave database: %w", err)
		}
		if err = replica.Ping(); err != nil {
			logger.Warn("slave database unreachable, reading from master", zap.Error(err))
			replica.Close()
		} else {
			slaveDB = replica
		}
	}

	return newMySQLRepository(masterDB, slaveDB, logger), nil
}

func newMySQLRepository(masterDB, slaveDB *sql.DB, logger *zap.Logger) *MySQLRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
		logger:   logger.With(zap.String("module", "repository"), zap.String("layer", "adapter")),
	}
}

func openMySQL(dsn string, cfg config.MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Migrate creates the vote_states table. Battles and legacy battle_votes
// belong to the battle service and are expected to exist already.
func (r *MySQLRepository) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// WithBattleLock runs fn in one master transaction. fn is run again when
// InnoDB picks the transaction as a deadlock victim, so it must not keep
// state across calls.
func (r *MySQLRepository) WithBattleLock(ctx context.Context, battleID string, fn func(tx LockedTx) error) error {
	for attempt := 1; ; attempt++ {
		err := r.runTx(ctx, battleID, fn)
		if err == nil || !isDeadlock(err) || attempt == maxDeadlockAttempts {
			return err
		}
		r.logger.Warn("deadlock on vote state transaction, retrying",
			zap.String("event", "vote_state_repo_deadlock"),
			zap.String("battle_id", battleID),
			zap.Int("attempt", attempt),
		)
	}
}

func (r *MySQLRepository) runTx(ctx context.Context, battleID string, fn func(tx LockedTx) error) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return r.logError("begin_tx_failed", err, battleID)
	}

	if err := fn(&mysqlTx{ctx: ctx, tx: tx, battleID: battleID}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Warn("rollback failed", zap.String("battle_id", battleID), zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return r.logError("commit_failed", err, battleID)
	}
	return nil
}

func (r *MySQLRepository) GetVoteState(ctx context.Context, battleID string) (*model.VoteState, error) {
	row := r.slaveDB.QueryRowContext(ctx,
		"SELECT "+voteStateColumns+" FROM vote_states WHERE battle_id = ?", battleID)
	state, err := scanVoteState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, r.logError("get_vote_state_failed", err, battleID)
	}
	return state, nil
}

// ListExpiredVoting reads from master so the sweep never misses a row that
// replication has not caught up with.
func (r *MySQLRepository) ListExpiredVoting(ctx context.Context, now time.Time) ([]*model.VoteState, error) {
	rows, err := r.masterDB.QueryContext(ctx,
		"SELECT "+voteStateColumns+" FROM vote_states WHERE status = ? AND vote_deadline_at < ? ORDER BY vote_deadline_at",
		string(model.VoteStatusVoting), now.UTC())
	if err != nil {
		return nil, r.logError("list_expired_failed", err, "")
	}
	defer rows.Close()

	var states []*model.VoteState
	for rows.Next() {
		state, err := scanVoteState(rows)
		if err != nil {
			return nil, r.logError("scan_expired_failed", err, "")
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, r.logError("iterate_expired_failed", err, "")
	}
	return states, nil
}

func (r *MySQLRepository) ListUnbackfilledBattles(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.masterDB.QueryContext(ctx,
		`SELECT b.id FROM battles b
		 LEFT JOIN vote_states v ON v.battle_id = b.id
		 WHERE b.status = ? AND b.opponent_id IS NOT NULL AND v.battle_id IS NULL
		 ORDER BY b.id LIMIT ?`,
		string(model.BattleStatusVoting), limit)
	if err != nil {
		return nil, r.logError("list_unbackfilled_failed", err, "")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, r.logError("scan_unbackfilled_failed", err, "")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, r.logError("iterate_unbackfilled_failed", err, "")
	}
	return ids, nil
}

func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}

func (r *MySQLRepository) logError(event string, err error, battleID string) error {
	r.logger.Error("vote state repository operation failed",
		zap.String("event", "vote_state_repo_"+event),
		zap.String("battle_id", battleID),
		zap.Error(err),
	)
	return err
}

type mysqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	battleID string
}

func (t *mysqlTx) VoteState() (*model.VoteState, error) {
	row := t.tx.QueryRowContext(t.ctx,
		"SELECT "+voteStateColumns+" FROM vote_states WHERE battle_id = ? FOR UPDATE", t.battleID)
	state, err := scanVoteState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock vote state %s: %w", t.battleID, err)
	}
	return state, nil
}

func (t *mysqlTx) InsertVoteState(state *model.VoteState) error {
	args, err := voteStateArgs(state)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		"INSERT INTO vote_states ("+voteStateColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		args...)
	if err != nil {
		if isDuplicateEntry(err) {
			return model.ErrAlreadyExists
		}
		return fmt.Errorf("insert vote state %s: %w", state.BattleID, err)
	}
	return nil
}

func (t *mysqlTx) SaveVoteState(state *model.VoteState) error {
	args, err := voteStateArgs(state)
	if err != nil {
		return err
	}
	// battle_id leads the column list; move it to the WHERE clause.
	updateArgs := append(append([]any{}, args[1:]...), args[0])
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE vote_states SET creator_id = ?, opponent_id = ?, status = ?, votes = ?,
		 voting_started_at = ?, vote_deadline_at = ?, winner_id = ?, resolution = ?,
		 processed_event_ids = ?, completed_at = ?, updated_at = ?
		 WHERE battle_id = ?`,
		updateArgs...)
	if err != nil {
		return fmt.Errorf("update vote state %s: %w", state.BattleID, err)
	}
	return nil
}

func (t *mysqlTx) Battle() (*model.Battle, error) {
	var (
		battle      model.Battle
		status      string
		opponentID  sql.NullString
		winnerID    sql.NullString
		completedAt sql.NullTime
	)
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT id, creator_id, opponent_id, status, winner_id, completed_at FROM battles WHERE id = ? FOR UPDATE",
		t.battleID,
	).Scan(&battle.ID, &battle.CreatorID, &opponentID, &status, &winnerID, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrBattleNotFound
		}
		return nil, fmt.Errorf("lock battle %s: %w", t.battleID, err)
	}
	battle.Status = model.BattleStatus(status)
	battle.OpponentID = opponentID.String
	battle.WinnerID = winnerID.String
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		battle.CompletedAt = &at
	}
	return &battle, nil
}

// CompleteBattle leaves already completed battles untouched.
func (t *mysqlTx) CompleteBattle(winnerID string, completedAt time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		"UPDATE battles SET status = ?, winner_id = ?, completed_at = ? WHERE id = ? AND status <> ?",
		string(model.BattleStatusCompleted), winnerID, model.NormalizeTime(completedAt),
		t.battleID, string(model.BattleStatusCompleted))
	if err != nil {
		return fmt.Errorf("complete battle %s: %w", t.battleID, err)
	}
	return nil
}

func (t *mysqlTx) LegacyVotes() (map[string]model.Vote, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT participant_id, vote, voted_at FROM battle_votes WHERE battle_id = ?", t.battleID)
	if err != nil {
		return nil, fmt.Errorf("query legacy votes %s: %w", t.battleID, err)
	}
	defer rows.Close()

	votes := map[string]model.Vote{}
	for rows.Next() {
		var (
			vote  model.Vote
			value string
		)
		if err := rows.Scan(&vote.ParticipantID, &value, &vote.VotedAt); err != nil {
			return nil, fmt.Errorf("scan legacy vote %s: %w", t.battleID, err)
		}
		vote.Value = model.VoteValue(value)
		vote.VotedAt = vote.VotedAt.UTC()
		votes[vote.ParticipantID] = vote
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legacy votes %s: %w", t.battleID, err)
	}
	return votes, nil
}

func (t *mysqlTx) SaveLegacyVote(vote model.Vote) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO battle_votes (battle_id, participant_id, vote, voted_at)
		 VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE vote = VALUES(vote), voted_at = VALUES(voted_at)`,
		t.battleID, vote.ParticipantID, string(vote.Value), model.NormalizeTime(vote.VotedAt))
	if err != nil {
		return fmt.Errorf("save legacy vote %s: %w", t.battleID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVoteState(row rowScanner) (*model.VoteState, error) {
	var (
		state       model.VoteState
		status      string
		opponentID  sql.NullString
		votes       []byte
		winnerID    sql.NullString
		resolution  sql.NullString
		processed   []byte
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&state.BattleID,
		&state.CreatorID,
		&opponentID,
		&status,
		&votes,
		&state.VotingStartedAt,
		&state.VoteDeadlineAt,
		&winnerID,
		&resolution,
		&processed,
		&completedAt,
		&state.UpdatedAt,
	); err != nil {
		return nil, err
	}

	state.Status = model.VoteStatus(status)
	state.OpponentID = opponentID.String
	state.WinnerID = winnerID.String
	state.Resolution = model.Resolution(resolution.String)
	state.VotingStartedAt = state.VotingStartedAt.UTC()
	state.VoteDeadlineAt = state.VoteDeadlineAt.UTC()
	state.UpdatedAt = state.UpdatedAt.UTC()
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		state.CompletedAt = &at
	}

	state.Votes = map[string]model.Vote{}
	if len(votes) > 0 {
		if err := json.Unmarshal(votes, &state.Votes); err != nil {
			return nil, fmt.Errorf("decode votes: %w", err)
		}
	}
	if len(processed) > 0 {
		if err := json.Unmarshal(processed, &state.ProcessedEventIDs); err != nil {
			return nil, fmt.Errorf("decode processed event ids: %w", err)
		}
	}
	return &state, nil
}

// voteStateArgs returns values in voteStateColumns order.
func voteStateArgs(state *model.VoteState) ([]any, error) {
	votes := state.Votes
	if votes == nil {
		votes = map[string]model.Vote{}
	}
	votesJSON, err := json.Marshal(votes)
	if err != nil {
		return nil, fmt.Errorf("encode votes: %w", err)
	}
	processed := state.ProcessedEventIDs
	if processed == nil {
		processed = []string{}
	}
	processedJSON, err := json.Marshal(processed)
	if err != nil {
		return nil, fmt.Errorf("encode processed event ids: %w", err)
	}

	var completedAt any
	if state.CompletedAt != nil {
		completedAt = model.NormalizeTime(*state.CompletedAt)
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return []any{
		state.BattleID,
		state.CreatorID,
		nullableString(state.OpponentID),
		string(state.Status),
		votesJSON,
		model.NormalizeTime(state.VotingStartedAt),
		model.NormalizeTime(state.VoteDeadlineAt),
		nullableString(state.WinnerID),
		nullableString(string(state.Resolution)),
		processedJSON,
		completedAt,
		model.NormalizeTime(updatedAt),
	}, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isDuplicateEntry(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

func isDeadlock(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDeadlock
}

var _ VoteStateStore = (*MySQLRepository)(nil)
