package toolindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PgvectorStore persists the tool index in PostgreSQL with the pgvector
// extension. Users provide their own database with pgvector installed.
type PgvectorStore struct {
	pool *pgxpool.Pool
}

// NewPgvectorStore connects to PostgreSQL and creates the index table if
// needed. The column width is set on first migrate.
func NewPgvectorStore(ctx context.Context, connURL string, dims int) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool}
	if err := s.createTable(ctx, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dims).Msg("pgvector tool index initialized")
	return s, nil
}

func (s *PgvectorStore) createTable(ctx context.Context, dims int) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS tg_tool_index (
			key        TEXT PRIMARY KEY,
			backend    TEXT NOT NULL,
			tool       TEXT NOT NULL,
			text       TEXT NOT NULL DEFAULT '',
			metadata   JSONB NOT NULL DEFAULT '{}',
			model      TEXT NOT NULL DEFAULT '',
			dimensions INT NOT NULL,
			vector     vector(%d) NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tg_tool_index_backend ON tg_tool_index (backend);
	`, dims)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Upsert(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO tg_tool_index (key, backend, tool, text, metadata, model, dimensions, vector)
		VALUES `)

	args := make([]interface{}, 0, len(recs)*8)
	for i, r := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*8 + 1
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base, base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		metadata := r.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		args = append(args, r.Key, r.Backend, r.Tool, r.Text, metadata, r.Model, r.Dimensions, vectorLiteral(r.Vector))
	}

	sb.WriteString(` ON CONFLICT (key) DO UPDATE SET
		text = EXCLUDED.text,
		metadata = EXCLUDED.metadata,
		model = EXCLUDED.model,
		dimensions = EXCLUDED.dimensions,
		vector = EXCLUDED.vector`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return err
}

func (s *PgvectorStore) Search(ctx context.Context, vector []float64, limit int, threshold float64) ([]Hit, error) {
	query := `SELECT key, backend, tool, text, metadata, model, dimensions,
		1 - (vector <=> $1) AS score
		FROM tg_tool_index
		WHERE dimensions = $2 AND 1 - (vector <=> $1) >= $3
		ORDER BY vector <=> $1
		LIMIT $4`

	rows, err := s.pool.Query(ctx, query, vectorLiteral(vector), len(vector), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Record.Key, &h.Record.Backend, &h.Record.Tool, &h.Record.Text,
			&h.Record.Metadata, &h.Record.Model, &h.Record.Dimensions, &h.Score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PgvectorStore) DeleteByBackend(ctx context.Context, backend string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM tg_tool_index WHERE backend = $1", backend)
	return err
}

func (s *PgvectorStore) Dimensions(ctx context.Context) (int, error) {
	var width int
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(atttypmod, 0)
		FROM pg_attribute
		WHERE attrelid = 'tg_tool_index'::regclass AND attname = 'vector'
	`).Scan(&width)
	if err != nil {
		return 0, err
	}
	return width, nil
}

// Migrate drops rows of the old width and resizes the vector column.
func (s *PgvectorStore) Migrate(ctx context.Context, dims int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM tg_tool_index WHERE dimensions <> $1", dims); err != nil {
		return fmt.Errorf("drop mismatched rows: %w", err)
	}
	alter := fmt.Sprintf("ALTER TABLE tg_tool_index ALTER COLUMN vector TYPE vector(%d)", dims)
	if _, err := tx.Exec(ctx, alter); err != nil {
		return fmt.Errorf("resize vector column: %w", err)
	}
	return tx.Commit(ctx)
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// vectorLiteral converts a float64 slice to pgvector's text format:
// [1.0,2.0,3.0]
func vectorLiteral(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}
