// Package archive stores final transcript fragments in PostgreSQL so that
// finished streams can be read back and searched.
//
// Usage:
//
//	store, err := archive.NewPostgresStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Record(ctx, streamID, start, fragment)
//	entries, _ := store.Transcript(ctx, streamID)
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlFragments = `
CREATE TABLE IF NOT EXISTS transcript_fragments (
    id          BIGSERIAL    PRIMARY KEY,
    stream_id   TEXT         NOT NULL,
    generation  BIGINT       NOT NULL DEFAULT 0,
    speaker     TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    offset_ms   BIGINT       NOT NULL,
    spoken_at   TIMESTAMPTZ  NOT NULL,
    confidence  REAL         NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_fragments_stream_offset
    ON transcript_fragments (stream_id, offset_ms);

CREATE INDEX IF NOT EXISTS idx_transcript_fragments_spoken_at
    ON transcript_fragments (spoken_at);

CREATE INDEX IF NOT EXISTS idx_transcript_fragments_fts
    ON transcript_fragments USING GIN (to_tsvector('simple', text));
`

// Migrate creates the archive tables and indexes. It is idempotent and safe
// to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlFragments); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}
