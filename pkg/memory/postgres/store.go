package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/rememberme/pkg/memory"
)

var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [memory.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveConversation implements [memory.Store].
func (s *Store) SaveConversation(ctx context.Context, conv memory.Conversation, sum memory.Summary) error {
	if sum.ConversationID != conv.ID {
		return fmt.Errorf("postgres store: summary references conversation %q, want %q", sum.ConversationID, conv.ID)
	}
	clinical, err := json.Marshal(sum.Clinical)
	if err != nil {
		return fmt.Errorf("postgres store: encode clinical fields: %w", err)
	}

	var vec *pgvector.Vector
	if len(sum.Embedding) > 0 {
		v := pgvector.NewVector(sum.Embedding)
		vec = &v
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insertConv = `
			INSERT INTO conversations
			    (id, patient_id, track_id, speaker, start_time, end_time, transcript, audio_path)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		if _, err := tx.Exec(ctx, insertConv,
			conv.ID, conv.PatientID, conv.TrackID, conv.Speaker,
			conv.StartTime, conv.EndTime, conv.Transcript, conv.AudioPath,
		); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}

		const insertSum = `
			INSERT INTO summaries
			    (id, conversation_id, generated_at, simple_summary, clinical, embedding)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6)`
		if _, err := tx.Exec(ctx, insertSum,
			sum.ID, sum.ConversationID, sum.GeneratedAt, sum.SimpleSummary, string(clinical), vec,
		); err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: save conversation: %w", err)
	}
	return nil
}

const selectRecord = `
	SELECT c.id, c.patient_id, c.track_id, c.speaker, c.start_time, c.end_time,
	       c.transcript, c.audio_path,
	       s.id, s.generated_at, s.simple_summary, s.clinical, s.embedding`

// RecentRecords implements [memory.Store].
func (s *Store) RecentRecords(ctx context.Context, since time.Time, limit int) ([]memory.Record, error) {
	q := selectRecord + `
	FROM   conversations c
	JOIN   summaries s ON s.conversation_id = c.id
	WHERE  c.start_time >= $1
	ORDER  BY c.start_time DESC`
	args := []any{since}
	if limit > 0 {
		q += "\n\tLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent records: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan records: %w", err)
	}
	if records == nil {
		records = []memory.Record{}
	}
	return records, nil
}

// SearchRecords implements [memory.Store]. Distance is cosine distance.
func (s *Store) SearchRecords(ctx context.Context, embedding []float32, limit int) ([]memory.ScoredRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	q := selectRecord + `,
	       s.embedding <=> $1 AS distance
	FROM   conversations c
	JOIN   summaries s ON s.conversation_id = c.id
	WHERE  s.embedding IS NOT NULL
	ORDER  BY distance
	LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search records: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ScoredRecord, error) {
		var sr memory.ScoredRecord
		rec, err := scanRecord(row, &sr.Distance)
		sr.Record = rec
		return sr, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan search results: %w", err)
	}
	if results == nil {
		results = []memory.ScoredRecord{}
	}
	return results, nil
}

// GetRecord implements [memory.Store].
func (s *Store) GetRecord(ctx context.Context, conversationID string) (memory.Record, error) {
	q := selectRecord + `
	FROM   conversations c
	JOIN   summaries s ON s.conversation_id = c.id
	WHERE  c.id = $1`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return memory.Record{}, fmt.Errorf("postgres store: get record: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (memory.Record, error) {
		return scanRecord(row)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Record{}, memory.ErrNotFound
	}
	if err != nil {
		return memory.Record{}, fmt.Errorf("postgres store: get record: %w", err)
	}
	return rec, nil
}

// scanRecord scans the selectRecord columns followed by any extra
// destinations.
func scanRecord(row pgx.Row, extra ...any) (memory.Record, error) {
	var (
		rec      memory.Record
		clinical []byte
		vec      *pgvector.Vector
	)
	dest := []any{
		&rec.Conversation.ID,
		&rec.Conversation.PatientID,
		&rec.Conversation.TrackID,
		&rec.Conversation.Speaker,
		&rec.Conversation.StartTime,
		&rec.Conversation.EndTime,
		&rec.Conversation.Transcript,
		&rec.Conversation.AudioPath,
		&rec.Summary.ID,
		&rec.Summary.GeneratedAt,
		&rec.Summary.SimpleSummary,
		&clinical,
		&vec,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return memory.Record{}, err
	}
	rec.Summary.ConversationID = rec.Conversation.ID
	if len(clinical) > 0 {
		if err := json.Unmarshal(clinical, &rec.Summary.Clinical); err != nil {
			return memory.Record{}, fmt.Errorf("decode clinical fields: %w", err)
		}
	}
	if vec != nil {
		rec.Summary.Embedding = vec.Slice()
	}
	return rec, nil
}
