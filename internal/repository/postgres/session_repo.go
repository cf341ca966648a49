package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/agenttrace/internal/domain"
	"github.com/xela07ax/agenttrace/internal/persist"
)

// querier — то подмножество pgxpool.Pool, которое нужно репозиторию.
type querier interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const upsertSessionSQL = `INSERT INTO agent_sessions (session_id, user_id, project_path, git_repo, git_branch, started_at, ended_at, active_duration_ms, prompt_count, api_call_count, tool_call_count, total_cost_usd, total_input_tokens, total_output_tokens, cache_read_tokens, cache_write_tokens, lines_added, lines_removed, files_touched, models_used, tools_used, event_count, trace, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
ON CONFLICT (session_id) DO UPDATE SET
    user_id = EXCLUDED.user_id,
    project_path = EXCLUDED.project_path,
    git_repo = EXCLUDED.git_repo,
    git_branch = EXCLUDED.git_branch,
    started_at = EXCLUDED.started_at,
    ended_at = EXCLUDED.ended_at,
    active_duration_ms = EXCLUDED.active_duration_ms,
    prompt_count = EXCLUDED.prompt_count,
    api_call_count = EXCLUDED.api_call_count,
    tool_call_count = EXCLUDED.tool_call_count,
    total_cost_usd = EXCLUDED.total_cost_usd,
    total_input_tokens = EXCLUDED.total_input_tokens,
    total_output_tokens = EXCLUDED.total_output_tokens,
    cache_read_tokens = EXCLUDED.cache_read_tokens,
    cache_write_tokens = EXCLUDED.cache_write_tokens,
    lines_added = EXCLUDED.lines_added,
    lines_removed = EXCLUDED.lines_removed,
    files_touched = EXCLUDED.files_touched,
    models_used = EXCLUDED.models_used,
    tools_used = EXCLUDED.tools_used,
    event_count = EXCLUDED.event_count,
    trace = EXCLUDED.trace,
    updated_at = EXCLUDED.updated_at`

const upsertCommitSQL = `INSERT INTO agent_commits (sha, session_id, message, branch, committed_at, prompt_id, lines_added, lines_removed, files_changed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (sha) DO NOTHING`

const selectTraceSQL = `SELECT trace FROM agent_sessions WHERE session_id = $1`

// SessionRepo хранит снимки сессий и коммиты через pgxpool.
type SessionRepo struct {
	pool querier
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

// UpsertSessions отправляет все строки одним pgx.Batch. Строки с одинаковым
// sessionId схлопываются заранее: побеждает последняя.
func (r *SessionRepo) UpsertSessions(ctx context.Context, rows []persist.SessionRow) error {
	rows = persist.DedupSessions(rows)
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range rows {
		batch.Queue(upsertSessionSQL,
			s.SessionID, s.UserID, s.ProjectPath, s.GitRepo, s.GitBranch,
			s.StartedAt, s.EndedAt, s.ActiveDurationMs,
			s.PromptCount, s.APICallCount, s.ToolCallCount, s.TotalCostUSD,
			s.TotalInputTokens, s.TotalOutputTokens, s.CacheReadTokens, s.CacheWriteTokens,
			s.LinesAdded, s.LinesRemoved, s.FilesTouched, s.ModelsUsed, s.ToolsUsed,
			s.EventCount, []byte(s.Trace), s.UpdatedAt,
		)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("postgres: upsert sessions: %w", err)
	}
	return nil
}

// UpsertCommits — коммит по sha пишется один раз.
func (r *SessionRepo) UpsertCommits(ctx context.Context, rows []persist.CommitRow) error {
	rows = persist.DedupCommits(rows)
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range rows {
		batch.Queue(upsertCommitSQL,
			c.SHA, c.SessionID, c.Message, c.Branch, c.Timestamp, c.PromptID,
			c.LinesAdded, c.LinesRemoved, c.FilesChanged,
		)
	}
	if err := r.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("postgres: upsert commits: %w", err)
	}
	return nil
}

func (r *SessionRepo) sendBatch(ctx context.Context, batch *pgx.Batch) (err error) {
	results := r.pool.SendBatch(ctx, batch)
	defer func() {
		if cerr := results.Close(); err == nil {
			err = cerr
		}
	}()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// LoadTrace восстанавливает трейс из последнего снимка. ok=false, если сессии нет.
func (r *SessionRepo) LoadTrace(ctx context.Context, sessionID string) (*domain.AgentSessionTrace, bool, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, selectTraceSQL, sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: load trace %s: %w", sessionID, err)
	}
	var trace domain.AgentSessionTrace
	if err := json.Unmarshal(raw, &trace); err != nil {
		return nil, false, fmt.Errorf("postgres: decode trace %s: %w", sessionID, err)
	}
	return &trace, true, nil
}

// NewPool открывает pgxpool с лимитами соединений из конфига.
func NewPool(ctx context.Context, connString string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse pool config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	return pool, nil
}
