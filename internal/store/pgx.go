package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"GoLiveInterview/internal/session"
)

// Config 数据库配置
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	// DSN 非空时优先使用
	DSN string

	MaxConns int32
	MinConns int32
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		DBName:   "interviews",
		SSLMode:  "disable",
		MaxConns: 25,
		MinConns: 5,
	}
}

// ConnString 生成连接串
func (c *Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

const schema = `
CREATE TABLE IF NOT EXISTS interviews (
	id                 TEXT PRIMARY KEY,
	resume_id          TEXT NOT NULL,
	experience_level   TEXT NOT NULL,
	status             TEXT NOT NULL,
	strikes            INTEGER NOT NULL DEFAULT 0,
	max_strikes        INTEGER NOT NULL,
	start_time         TIMESTAMPTZ,
	end_time           TIMESTAMPTZ,
	termination_reason TEXT NOT NULL DEFAULT '',
	questions_asked    INTEGER NOT NULL DEFAULT 0,
	evaluation         JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS interview_status_idx ON interviews (status, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS unique_active_interview_per_resume
	ON interviews (resume_id) WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS cheating_events (
	id                 TEXT PRIMARY KEY,
	interview_id       TEXT NOT NULL REFERENCES interviews(id) ON DELETE CASCADE,
	event_type         TEXT NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL,
	details            JSONB NOT NULL DEFAULT '{}'::jsonb,
	resulted_in_strike BOOLEAN NOT NULL DEFAULT false,
	strike_number      INTEGER NOT NULL DEFAULT 0,
	timestamp          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS cheating_events_interview_idx ON cheating_events (interview_id, timestamp);
`

const interviewColumns = `id, resume_id, experience_level, status, strikes, max_strikes, start_time, end_time,
	termination_reason, questions_asked, evaluation, created_at, updated_at`

// PgxStore PostgreSQL 实现
type PgxStore struct {
	pool *pgxpool.Pool
}

// ConnectPgx 创建连接池并确认数据库可用
func ConnectPgx(ctx context.Context, config *Config) (*PgxStore, error) {
	poolConfig, err := pgxpool.ParseConfig(config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// 设置连接池参数
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("PostgreSQL connection pool ready")
	return &PgxStore{pool: pool}, nil
}

// Migrate 创建表和索引
func (s *PgxStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// PoolStats 连接池统计
func (s *PgxStore) PoolStats() *pgxpool.Stat {
	return s.pool.Stat()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanInterview(row pgx.Row) (*Interview, error) {
	var iv Interview
	var level, status string
	err := row.Scan(&iv.ID, &iv.ResumeID, &level, &status, &iv.Strikes, &iv.MaxStrikes,
		&iv.StartTime, &iv.EndTime, &iv.TerminationReason, &iv.QuestionsAsked, &iv.Evaluation,
		&iv.CreatedAt, &iv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	iv.ExperienceLevel = session.ExperienceLevel(level)
	iv.Status = session.Status(status)
	return &iv, nil
}

func (s *PgxStore) CreateInterview(ctx context.Context, iv *Interview) error {
	now := time.Now()
	evaluation := iv.Evaluation
	if evaluation == nil {
		evaluation = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO interviews (id, resume_id, experience_level, status, strikes, max_strikes,
			start_time, evaluation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $6, $6)`,
		iv.ID, iv.ResumeID, string(iv.ExperienceLevel), string(session.StatusInProgress), iv.MaxStrikes, now, evaluation)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert interview: %w", err)
	}
	iv.Status = session.StatusInProgress
	iv.StartTime = &now
	iv.CreatedAt = now
	iv.UpdatedAt = now
	return nil
}

func (s *PgxStore) GetInterview(ctx context.Context, id string) (*Interview, error) {
	return scanInterview(s.pool.QueryRow(ctx, `SELECT `+interviewColumns+` FROM interviews WHERE id = $1`, id))
}

func (s *PgxStore) EndInterview(ctx context.Context, id string, req EndRequest) (*Interview, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM interviews WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock interview: %w", err)
	}
	if session.Status(status) != session.StatusInProgress {
		return nil, ErrInvalidStatus
	}

	end := req.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	evaluation := req.Evaluation
	if evaluation == nil {
		evaluation = map[string]any{}
	}
	iv, err := scanInterview(tx.QueryRow(ctx, `
		UPDATE interviews
		SET status = $2, end_time = $3,
			termination_reason = CASE WHEN $4 = '' THEN termination_reason ELSE $4 END,
			questions_asked = $5, evaluation = $6, updated_at = now()
		WHERE id = $1
		RETURNING `+interviewColumns,
		id, string(req.Status), end, req.TerminationReason, req.QuestionsAsked, evaluation))
	if err != nil {
		return nil, fmt.Errorf("update interview: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return iv, nil
}

func (s *PgxStore) UpdateStrikes(ctx context.Context, id string, strikes int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE interviews SET strikes = GREATEST(strikes, $2), updated_at = now() WHERE id = $1`, id, strikes)
	if err != nil {
		return fmt.Errorf("update strikes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgxStore) RecordEvent(ctx context.Context, ev *CheatingEvent) error {
	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cheating_events (id, interview_id, event_type, confidence, details,
			resulted_in_strike, strike_number, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.InterviewID, ev.EventType, ev.Confidence, details, ev.ResultedInStrike, ev.StrikeNumber, ev.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("insert cheating event: %w", err)
	}
	return nil
}

func (s *PgxStore) ListEvents(ctx context.Context, interviewID string) ([]*CheatingEvent, error) {
	if _, err := s.GetInterview(ctx, interviewID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, interview_id, event_type, confidence, details, resulted_in_strike, strike_number, timestamp
		FROM cheating_events WHERE interview_id = $1 ORDER BY timestamp`, interviewID)
	if err != nil {
		return nil, fmt.Errorf("query cheating events: %w", err)
	}
	defer rows.Close()

	var events []*CheatingEvent
	for rows.Next() {
		var ev CheatingEvent
		if err := rows.Scan(&ev.ID, &ev.InterviewID, &ev.EventType, &ev.Confidence, &ev.Details,
			&ev.ResultedInStrike, &ev.StrikeNumber, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan cheating event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *PgxStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgxStore) Close() {
	s.pool.Close()
	log.Println("PostgreSQL connection pool closed")
}
