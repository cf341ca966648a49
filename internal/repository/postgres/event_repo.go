package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/agenttrace/internal/persist"
)

//go:embed schema.sql
var schemaSQL string

// Количество колонок в таблице agent_events
const eventColumns = 30

// Postgres ограничивает число параметров запроса 65535
const maxEventsPerInsert = 65535 / eventColumns

const insertEventsPrefix = `INSERT INTO agent_events (event_id, schema_version, source, source_version, session_id, prompt_id, event_type, event_timestamp, ingested_at, privacy_tier, user_id, tool_name, model, cost_usd, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, lines_added, lines_removed, files_changed, commit_sha, prompt, tool_input, tool_response, old_string, new_string, content, attributes, extra) VALUES `

// EventRepo — хранилище строк событий поверх database/sql.
// Вставка идемпотентна: повтор event_id молча пропускается.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

// OpenEventRepo открывает пул через драйвер pgx.
func OpenEventRepo(connString string) (*EventRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &EventRepo{db: db}, nil
}

// Migrate создает таблицы, если их нет.
func (r *EventRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping проверяет доступность базы при старте
func (r *EventRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *EventRepo) Close() error {
	return r.db.Close()
}

func (r *EventRepo) InsertEvents(ctx context.Context, rows []persist.EventRow) error {
	for start := 0; start < len(rows); start += maxEventsPerInsert {
		end := min(start+maxEventsPerInsert, len(rows))
		if err := r.insertChunk(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *EventRepo) insertChunk(ctx context.Context, rows []persist.EventRow) error {
	var sb strings.Builder
	sb.WriteString(insertEventsPrefix)
	vals := make([]interface{}, 0, len(rows)*eventColumns)

	// Динамически строим запрос для пакетной вставки
	for i, e := range rows {
		if i > 0 {
			sb.WriteByte(',')
		}
		p := i * eventColumns
		sb.WriteByte('(')
		for c := 1; c <= eventColumns; c++ {
			if c > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", p+c)
		}
		sb.WriteByte(')')

		files, err := jsonOrNil(e.FilesChanged)
		if err != nil {
			return fmt.Errorf("postgres: encode files_changed for %s: %w", e.EventID, err)
		}
		attrs, err := jsonOrNil(e.Attributes)
		if err != nil {
			return fmt.Errorf("postgres: encode attributes for %s: %w", e.EventID, err)
		}
		extra, err := jsonOrNil(e.Extra)
		if err != nil {
			return fmt.Errorf("postgres: encode extra for %s: %w", e.EventID, err)
		}

		vals = append(vals,
			e.EventID, e.SchemaVersion, e.Source, nullString(e.SourceVersion), e.SessionID,
			nullString(e.PromptID), e.EventType, e.EventTimestamp, e.IngestedAt, int64(e.PrivacyTier),
			nullString(e.UserID), nullString(e.ToolName), nullString(e.Model), e.CostUSD,
			e.InputTokens, e.OutputTokens, e.CacheReadTokens, e.CacheWriteTokens,
			e.LinesAdded, e.LinesRemoved, files, nullString(e.CommitSHA),
			nullString(e.Prompt), nullString(e.ToolInput), nullString(e.ToolResponse),
			nullString(e.OldString), nullString(e.NewString), nullString(e.Content),
			attrs, extra,
		)
	}
	sb.WriteString(" ON CONFLICT (event_id) DO NOTHING")

	if _, err := r.db.ExecContext(ctx, sb.String(), vals...); err != nil {
		return fmt.Errorf("postgres: insert events: %w", err)
	}
	return nil
}

// jsonOrNil: пустые коллекции пишутся как NULL.
func jsonOrNil[T any](v T) (interface{}, error) {
	switch t := any(v).(type) {
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
