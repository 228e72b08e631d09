// Package relstore implements the relational-projection batch upsert (§3.4 "Relational
// projection", §4.6, §6.4): hash-probe, then execute-many INSERT...ON CONFLICT writes
// of (hash, data_id, data) rows. Wired to github.com/jackc/pgx/v5's pgxpool — the
// idiomatic Go Postgres driver.
package relstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/discogsography/ingestion/internal/batchproc"
	"github.com/discogsography/ingestion/internal/record"
)

// TableName maps a data type to its table name (§3.4, §6.4).
func TableName(dt record.DataType) string {
	return string(dt)
}

// Store wraps a pgx connection pool and applies batches for one data type at a time.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool against dsn and ensures each data type's table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("relstore: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("relstore: ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema creates each data type's table if it doesn't already exist — the only
// DDL this system performs (§1 Non-goals: "no schema migration beyond idempotent DDL
// creation on startup").
func (s *Store) ensureSchema(ctx context.Context) error {
	for _, dt := range []record.DataType{record.Artists, record.Labels, record.Masters, record.Releases} {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			hash TEXT NOT NULL,
			data_id TEXT PRIMARY KEY,
			data JSONB NOT NULL
		)`, TableName(dt))
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("relstore: create table %s: %w", TableName(dt), err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

type recordPayload struct {
	ID     string
	SHA256 string
	Body   []byte
}

func decode(body []byte) (recordPayload, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return recordPayload{}, fmt.Errorf("relstore: decode: %w", err)
	}
	sha, _ := raw["sha256"].(string)
	id := idString(raw["id"])
	return recordPayload{ID: id, SHA256: sha, Body: body}, nil
}

func idString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Apply implements batchproc.ApplyFunc: bulk hash lookup, filter to changed records,
// execute-many upsert, commit (§4.6 steps 1-4).
func (s *Store) Apply(ctx context.Context, dataType record.DataType, batch []batchproc.Delivery) batchproc.Outcome {
	table := TableName(dataType)
	payloads := make([]recordPayload, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for _, d := range batch {
		p, err := decode(d.Body)
		if err != nil {
			continue
		}
		payloads = append(payloads, p)
		ids = append(ids, p.ID)
	}
	if len(payloads) == 0 {
		return batchproc.OutcomeAck
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT data_id, hash FROM %s WHERE data_id = ANY($1)`, table), ids)
	if err != nil {
		if isTransientPgError(err) {
			return batchproc.OutcomeRequeueFront
		}
		return batchproc.OutcomeNack
	}
	current := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			rows.Close()
			return batchproc.OutcomeNack
		}
		current[id] = hash
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		if isTransientPgError(err) {
			return batchproc.OutcomeRequeueFront
		}
		return batchproc.OutcomeNack
	}

	var changed []recordPayload
	for _, p := range payloads {
		if current[p.ID] != p.SHA256 {
			changed = append(changed, p)
		}
	}
	if len(changed) == 0 {
		return batchproc.OutcomeAck
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		if isTransientPgError(err) {
			return batchproc.OutcomeRequeueFront
		}
		return batchproc.OutcomeNack
	}
	defer tx.Rollback(ctx)

	batchQuery := &pgx.Batch{}
	upsert := fmt.Sprintf(`INSERT INTO %s (hash, data_id, data) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (data_id) DO UPDATE SET hash = EXCLUDED.hash, data = EXCLUDED.data`, table)
	for _, p := range changed {
		batchQuery.Queue(upsert, p.SHA256, p.ID, p.Body)
	}
	br := tx.SendBatch(ctx, batchQuery)
	for range changed {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if isTransientPgError(err) {
				return batchproc.OutcomeRequeueFront
			}
			return batchproc.OutcomeNack
		}
	}
	if err := br.Close(); err != nil {
		if isTransientPgError(err) {
			return batchproc.OutcomeRequeueFront
		}
		return batchproc.OutcomeNack
	}
	if err := tx.Commit(ctx); err != nil {
		if isTransientPgError(err) {
			return batchproc.OutcomeRequeueFront
		}
		return batchproc.OutcomeNack
	}
	return batchproc.OutcomeAck
}

// isTransientPgError reports whether err looks like a connection-level failure rather
// than a data/constraint error (§7 "Consumer transient" — InterfaceError/OperationalError
// analogues).
func isTransientPgError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection") || strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "timeout")
}
