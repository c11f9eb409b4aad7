// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fetch-engine/internal/fetch"
)

const defaultTable = "fetch_results"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ResultStoreConfig controls the Postgres connection pool used for job results.
type ResultStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ResultStore upserts one row per job into Postgres.
type ResultStore struct {
	pool  queryCloser
	table string
}

// NewResultStore creates a Postgres-backed ResultStore using the provided config.
func NewResultStore(ctx context.Context, cfg ResultStoreConfig) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ResultStore{pool: pool, table: table}, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(pool queryCloser, table string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ResultStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the results table when it does not exist.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id         TEXT PRIMARY KEY,
	url            TEXT NOT NULL,
	mode           TEXT NOT NULL,
	success        BOOLEAN NOT NULL,
	body           TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT '',
	status_code    INTEGER NOT NULL DEFAULT 0,
	final_url      TEXT NOT NULL DEFAULT '',
	attempts_used  INTEGER NOT NULL DEFAULT 0,
	retry_reasons  JSONB NOT NULL DEFAULT '[]',
	content_hash   TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	body_uri       TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create results table: %w", err)
	}
	return nil
}

// SaveResult upserts the result. Redelivered jobs overwrite the earlier row.
func (s *ResultStore) SaveResult(ctx context.Context, result fetch.Result) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if result.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	reasons := result.RetryReasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return fmt.Errorf("marshal retry reasons: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	url,
	mode,
	success,
	body,
	error,
	classification,
	status_code,
	final_url,
	attempts_used,
	retry_reasons,
	content_hash,
	title,
	body_uri,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (job_id) DO UPDATE SET
	url = EXCLUDED.url,
	mode = EXCLUDED.mode,
	success = EXCLUDED.success,
	body = EXCLUDED.body,
	error = EXCLUDED.error,
	classification = EXCLUDED.classification,
	status_code = EXCLUDED.status_code,
	final_url = EXCLUDED.final_url,
	attempts_used = EXCLUDED.attempts_used,
	retry_reasons = EXCLUDED.retry_reasons,
	content_hash = EXCLUDED.content_hash,
	title = EXCLUDED.title,
	body_uri = EXCLUDED.body_uri,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at,
	updated_at = now()`, s.table)

	args := []any{
		result.JobID,
		result.URL,
		string(result.Mode),
		result.Success,
		result.Body,
		result.Error,
		string(result.Classification),
		result.StatusCode,
		result.FinalURL,
		result.AttemptsUsed,
		reasonsJSON,
		result.ContentHash,
		result.Title,
		result.BodyURI,
		result.StartedAt,
		result.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult loads the stored result for jobID.
func (s *ResultStore) GetResult(ctx context.Context, jobID string) (fetch.Result, error) {
	if s == nil || s.pool == nil {
		return fetch.Result{}, fmt.Errorf("result store is not configured")
	}
	query := fmt.Sprintf(`
SELECT job_id, url, mode, success, body, error, classification, status_code,
	final_url, attempts_used, retry_reasons, content_hash, title, body_uri,
	started_at, finished_at
FROM %s WHERE job_id = $1`, s.table)

	var (
		result      fetch.Result
		mode        string
		class       string
		reasonsJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&result.JobID,
		&result.URL,
		&mode,
		&result.Success,
		&result.Body,
		&result.Error,
		&class,
		&result.StatusCode,
		&result.FinalURL,
		&result.AttemptsUsed,
		&reasonsJSON,
		&result.ContentHash,
		&result.Title,
		&result.BodyURI,
		&result.StartedAt,
		&result.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return fetch.Result{}, fmt.Errorf("job %q: %w", jobID, fetch.ErrResultNotFound)
	}
	if err != nil {
		return fetch.Result{}, fmt.Errorf("select result: %w", err)
	}
	result.Mode = fetch.Mode(mode)
	result.Classification = fetch.Classification(class)
	if len(reasonsJSON) > 0 {
		if err := json.Unmarshal(reasonsJSON, &result.RetryReasons); err != nil {
			return fetch.Result{}, fmt.Errorf("decode retry reasons: %w", err)
		}
	}
	return result, nil
}
