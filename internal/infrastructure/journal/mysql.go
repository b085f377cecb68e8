package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// MySQLConfig는 공유 저널 데이터베이스 연결 설정입니다
type MySQLConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// OpenMySQL opens and pings the journal database
func OpenMySQL(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, cfg.Port)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.UTC

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, errors.NewSystemError("데이터베이스 연결 실패", err)
	}

	// 연결 풀 설정
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.NewSystemError("데이터베이스 핑 실패", err)
	}
	return db, nil
}

const schemaQuery = `
	CREATE TABLE IF NOT EXISTS checkpoint_journal (
		host          VARCHAR(253) NOT NULL PRIMARY KEY,
		token         VARCHAR(64)  NOT NULL,
		checkpoint_id VARCHAR(255) NOT NULL DEFAULT '',
		backend       VARCHAR(32)  NOT NULL DEFAULT '',
		created_at    DATETIME(6)  NULL,
		deadline      DATETIME(6)  NULL,
		self_expiring TINYINT(1)   NOT NULL DEFAULT 0,
		state         VARCHAR(32)  NOT NULL,
		result        MEDIUMTEXT   NULL,
		updated_at    DATETIME(6)  NOT NULL,
		KEY idx_state_deadline (state, deadline)
	)`

const selectColumns = `
	SELECT host, token, checkpoint_id, backend, created_at, deadline, self_expiring, state, result, updated_at
	FROM checkpoint_journal`

const upsertQuery = `
	INSERT INTO checkpoint_journal
		(host, token, checkpoint_id, backend, created_at, deadline, self_expiring, state, result, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		token = VALUES(token), checkpoint_id = VALUES(checkpoint_id), backend = VALUES(backend),
		created_at = VALUES(created_at), deadline = VALUES(deadline), self_expiring = VALUES(self_expiring),
		state = VALUES(state), result = VALUES(result), updated_at = VALUES(updated_at)`

// MySQLJournal은 여러 엔진 프로세스가 공유하는 MySQL 기반 CheckpointJournal 구현체입니다.
// 호스트당 한 행이며 갱신은 행 잠금(SELECT ... FOR UPDATE) 아래에서 이루어집니다.
type MySQLJournal struct {
	db     *sql.DB
	clock  interfaces.Clock
	logger *logrus.Logger
}

// NewMySQLJournal은 새로운 MySQLJournal을 생성합니다
func NewMySQLJournal(db *sql.DB, clock interfaces.Clock, logger *logrus.Logger) *MySQLJournal {
	return &MySQLJournal{db: db, clock: clock, logger: logger}
}

// EnsureSchema는 저널 테이블이 없으면 생성합니다
func (j *MySQLJournal) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schemaQuery); err != nil {
		return errors.NewSystemError("저널 테이블 생성 실패", err)
	}
	return nil
}

func (j *MySQLJournal) Open(ctx context.Context, entry interfaces.JournalEntry) error {
	defer observe("open", time.Now())
	return j.inTx(ctx, entry.Host, func(tx *sql.Tx, existing *interfaces.JournalEntry) error {
		if existing != nil && existing.Live() {
			return errors.NewCheckpointConflictError(
				fmt.Sprintf("host %s already has a live journal entry (token %s)", entry.Host, existing.Token))
		}
		if existing != nil && existing.State == interfaces.JournalStateRestoreFailed {
			return errors.NewCheckpointConflictError(
				fmt.Sprintf("host %s is in restore-failed state (token %s)", entry.Host, existing.Token))
		}
		return j.upsert(ctx, tx, entry)
	})
}

func (j *MySQLJournal) Resolve(ctx context.Context, host string, state interfaces.JournalState, result entities.ApplyResult) error {
	defer observe("resolve", time.Now())
	return j.inTx(ctx, host, func(tx *sql.Tx, existing *interfaces.JournalEntry) error {
		if existing != nil && existing.Live() && existing.Token != result.Token {
			return errors.NewCheckpointConflictError(
				fmt.Sprintf("host %s has a live entry of token %s; not overwriting with %s", host, existing.Token, result.Token))
		}
		return j.upsert(ctx, tx, resolved(existing, host, state, result, j.clock.Now()))
	})
}

func (j *MySQLJournal) Get(ctx context.Context, host string) (interfaces.JournalEntry, error) {
	defer observe("get", time.Now())
	entry, err := scanEntry(j.db.QueryRowContext(ctx, selectColumns+` WHERE host = ?`, host))
	if err == sql.ErrNoRows {
		return interfaces.JournalEntry{}, errors.NewNotFoundError(fmt.Sprintf("no journal entry for host %s", host))
	}
	if err != nil {
		return interfaces.JournalEntry{}, errors.NewSystemError("저널 조회 실패", err)
	}
	return entry, nil
}

func (j *MySQLJournal) FindByToken(ctx context.Context, host, token string) (interfaces.JournalEntry, error) {
	defer observe("find_by_token", time.Now())
	entry, err := scanEntry(j.db.QueryRowContext(ctx, selectColumns+` WHERE host = ? AND token = ?`, host, token))
	if err == sql.ErrNoRows {
		return interfaces.JournalEntry{}, errors.NewNotFoundError(fmt.Sprintf("no journal entry for token %s on host %s", token, host))
	}
	if err != nil {
		return interfaces.JournalEntry{}, errors.NewSystemError("저널 조회 실패", err)
	}
	return entry, nil
}

func (j *MySQLJournal) ListExpired(ctx context.Context, now time.Time) ([]interfaces.JournalEntry, error) {
	defer observe("list_expired", time.Now())
	rows, err := j.db.QueryContext(ctx, selectColumns+` WHERE state = ? AND deadline <= ? ORDER BY deadline`,
		string(interfaces.JournalStateOpen), now.UTC())
	if err != nil {
		return nil, errors.NewSystemError("만료 항목 조회 실패", err)
	}
	defer rows.Close()

	var entries []interfaces.JournalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			j.logger.WithError(err).Error("행 스캔 실패")
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewSystemError("결과 처리 중 오류", err)
	}
	return entries, nil
}

func (j *MySQLJournal) Prune(ctx context.Context, before time.Time) (int, error) {
	defer observe("prune", time.Now())
	result, err := j.db.ExecContext(ctx, `DELETE FROM checkpoint_journal WHERE state = ? AND updated_at < ?`,
		string(interfaces.JournalStateResolved), before.UTC())
	if err != nil {
		return 0, errors.NewSystemError("저널 정리 실패", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewSystemError("영향받은 행 확인 실패", err)
	}
	if n > 0 {
		j.logger.WithField("pruned", n).Debug("확정 결과 정리 완료")
	}
	return int(n), nil
}

// inTx runs fn in a transaction holding the host's row lock
func (j *MySQLJournal) inTx(ctx context.Context, host string, fn func(tx *sql.Tx, existing *interfaces.JournalEntry) error) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewSystemError("트랜잭션 시작 실패", err)
	}
	defer tx.Rollback()

	var existing *interfaces.JournalEntry
	entry, err := scanEntry(tx.QueryRowContext(ctx, selectColumns+` WHERE host = ? FOR UPDATE`, host))
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return errors.NewSystemError("저널 조회 실패", err)
	default:
		existing = &entry
	}

	if err := fn(tx, existing); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.NewSystemError("트랜잭션 커밋 실패", err)
	}
	return nil
}

func (j *MySQLJournal) upsert(ctx context.Context, tx *sql.Tx, e interfaces.JournalEntry) error {
	var result sql.NullString
	if e.Result != nil {
		raw, err := json.Marshal(e.Result)
		if err != nil {
			return errors.NewSystemError("결과 직렬화 실패", err)
		}
		result = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := tx.ExecContext(ctx, upsertQuery,
		e.Host, e.Token, e.Checkpoint.ID, e.Checkpoint.Backend,
		nullTime(e.Checkpoint.CreatedAt), nullTime(e.Checkpoint.Deadline), e.Checkpoint.SelfExpiring,
		string(e.State), result, e.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.NewSystemError("저널 기록 실패", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (interfaces.JournalEntry, error) {
	var (
		e                   interfaces.JournalEntry
		state               string
		createdAt, deadline sql.NullTime
		result              sql.NullString
	)
	err := row.Scan(
		&e.Host,
		&e.Token,
		&e.Checkpoint.ID,
		&e.Checkpoint.Backend,
		&createdAt,
		&deadline,
		&e.Checkpoint.SelfExpiring,
		&state,
		&result,
		&e.UpdatedAt,
	)
	if err != nil {
		return interfaces.JournalEntry{}, err
	}

	e.State = interfaces.JournalState(state)
	e.Checkpoint.Host = e.Host
	if createdAt.Valid {
		e.Checkpoint.CreatedAt = createdAt.Time
	}
	if deadline.Valid {
		e.Checkpoint.Deadline = deadline.Time
	}
	if result.Valid && result.String != "" {
		var r entities.ApplyResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return interfaces.JournalEntry{}, fmt.Errorf("decode result of %s: %w", e.Host, err)
		}
		e.Result = &r
	}
	return e, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
