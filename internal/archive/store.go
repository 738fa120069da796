package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livescribe/pkg/types"
)

// Entry is one archived fragment.
type Entry struct {
	StreamID   string
	Generation uint64
	Speaker    string
	Text       string
	Offset     time.Duration
	SpokenAt   time.Time
	Confidence float64
}

// SearchOpts narrows [PostgresStore.Search].
type SearchOpts struct {
	// StreamID restricts results to one stream.
	StreamID string

	// Speaker restricts results to one speaker label.
	Speaker string

	// After and Before bound SpokenAt, exclusive.
	After  time.Time
	Before time.Time

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// PostgresStore archives fragments in a transcript_fragments table. All
// methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies the connection and runs
// [Migrate].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Record archives f for the stream that started at start. Interim fragments
// and blank text are ignored.
func (s *PostgresStore) Record(ctx context.Context, streamID string, start time.Time, f types.TranscriptFragment) error {
	if !f.IsFinal || strings.TrimSpace(f.Text) == "" {
		return nil
	}
	const q = `
		INSERT INTO transcript_fragments
		    (stream_id, generation, speaker, text, offset_ms, spoken_at, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		streamID,
		int64(f.Generation),
		f.Speaker,
		f.Text,
		f.TimestampMs(),
		start.Add(f.Offset),
		f.Confidence,
	)
	if err != nil {
		return fmt.Errorf("archive: record: %w", err)
	}
	return nil
}

// Transcript returns every archived fragment of streamID in stream order.
func (s *PostgresStore) Transcript(ctx context.Context, streamID string) ([]Entry, error) {
	const q = `
		SELECT stream_id, generation, speaker, text, offset_ms, spoken_at, confidence
		FROM   transcript_fragments
		WHERE  stream_id = $1
		ORDER  BY offset_ms, id`

	rows, err := s.pool.Query(ctx, q, streamID)
	if err != nil {
		return nil, fmt.Errorf("archive: transcript: %w", err)
	}
	return collectEntries(rows)
}

// Search runs a full-text query over archived text.
func (s *PostgresStore) Search(ctx context.Context, query string, opts SearchOpts) ([]Entry, error) {
	q, args := buildSearch(query, opts)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return collectEntries(rows)
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func buildSearch(query string, opts SearchOpts) (string, []any) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)",
	}
	if opts.StreamID != "" {
		conditions = append(conditions, "stream_id = "+next(opts.StreamID))
	}
	if opts.Speaker != "" {
		conditions = append(conditions, "speaker = "+next(opts.Speaker))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "spoken_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "spoken_at < "+next(opts.Before))
	}

	q := "SELECT stream_id, generation, speaker, text, offset_ms, spoken_at, confidence\n" +
		"FROM   transcript_fragments\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY spoken_at, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}
	return q, args
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e          Entry
			generation int64
			offsetMs   int64
			confidence float32
		)
		if err := row.Scan(
			&e.StreamID,
			&generation,
			&e.Speaker,
			&e.Text,
			&offsetMs,
			&e.SpokenAt,
			&confidence,
		); err != nil {
			return Entry{}, err
		}
		e.Generation = uint64(generation)
		e.Offset = time.Duration(offsetMs) * time.Millisecond
		e.Confidence = float64(confidence)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan: %w", err)
	}
	return entries, nil
}
