package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/commitment-vault/internal/domain"
)

// Schema: таблица журнала событий. id: uuid события, повторная вставка игнорируется.
const Schema = `
CREATE TABLE IF NOT EXISTS vault_events (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	source        TEXT NOT NULL,
	commitment_id TEXT,
	token_id      BIGINT,
	pool_id       BIGINT,
	actor         TEXT,
	amount        BIGINT NOT NULL DEFAULT 0,
	penalty       BIGINT NOT NULL DEFAULT 0,
	score         INTEGER,
	attrs         JSONB,
	timestamp     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS vault_events_commitment_idx ON vault_events (commitment_id, timestamp);
`

// Количество колонок в таблице vault_events
const numFields = 12

type PoolConfig struct {
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

// Open открывает пул соединений. Доступность проверяется отдельно через Ping.
func Open(connString string, cfg PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 25
	}
	if cfg.MinConns <= 0 || cfg.MinConns > cfg.MaxConns {
		cfg.MinConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

// Migrate создаёт таблицу журнала, если её нет
func (r *EventRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (r *EventRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// WriteBatch реализует journal.Store: пакетная вставка одним запросом
func (r *EventRepo) WriteBatch(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	query, vals, err := buildInsert(events)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write %d events: %w", len(events), err)
	}
	return nil
}

// ListByCommitment: события обязательства в хронологическом порядке
func (r *EventRepo) ListByCommitment(ctx context.Context, commitmentID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, type, source, commitment_id, token_id, pool_id, actor, amount, penalty, score, attrs, timestamp
		   FROM vault_events WHERE commitment_id = $1 ORDER BY timestamp, id LIMIT $2`,
		commitmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	out := []domain.Event{}
	for rows.Next() {
		var (
			e               domain.Event
			cid, actor      sql.NullString
			tokenID, poolID sql.NullInt64
			score           sql.NullInt32
			attrs           []byte
			evtType         string
		)
		if err := rows.Scan(&e.ID, &evtType, &e.Source, &cid, &tokenID, &poolID, &actor,
			&e.Amount, &e.Penalty, &score, &attrs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.Type = domain.EventType(evtType)
		e.CommitmentID = cid.String
		e.Actor = actor.String
		if tokenID.Valid {
			e.TokenID = domain.U32(uint32(tokenID.Int64))
		}
		if poolID.Valid {
			e.PoolID = domain.U32(uint32(poolID.Int64))
		}
		if score.Valid {
			e.Score = domain.U32(uint32(score.Int32))
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &e.Attrs); err != nil {
				return nil, fmt.Errorf("postgres: decode attrs: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// buildInsert динамически строит запрос для пакетной вставки
func buildInsert(events []domain.Event) (string, []any, error) {
	var sb strings.Builder
	vals := make([]any, 0, len(events)*numFields)

	for i, e := range events {
		if i > 0 {
			sb.WriteString(",")
		}
		p := i * numFields
		sb.WriteString("(")
		for k := 1; k <= numFields; k++ {
			if k > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", p+k)
		}
		sb.WriteString(")")

		var attrs []byte
		if len(e.Attrs) > 0 {
			b, err := json.Marshal(e.Attrs)
			if err != nil {
				return "", nil, fmt.Errorf("postgres: encode attrs of %s: %w", e.ID, err)
			}
			attrs = b
		}

		vals = append(vals,
			e.ID, string(e.Type), e.Source, nullString(e.CommitmentID),
			nullU32(e.TokenID), nullU32(e.PoolID), nullString(e.Actor),
			e.Amount, e.Penalty, nullU32(e.Score), attrs, e.Timestamp,
		)
	}

	query := "INSERT INTO vault_events (id, type, source, commitment_id, token_id, pool_id, actor, amount, penalty, score, attrs, timestamp) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"
	return query, vals, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullU32(v *uint32) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
