package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mudler/xlog"
	"github.com/pgvector/pgvector-go"

	"github.com/khub/knowledgehub/hub/types"
)

// PostgresStore persists documents, chunks and embeddings in PostgreSQL and
// serves both retrieval paths: full-text search over chunks and cosine
// nearest-neighbor search over pgvector embeddings.
type PostgresStore struct {
	pool           *pgxpool.Pool
	embeddingModel string
	embeddingDims  int
}

// NewPostgresStore connects, verifies the connection, and sets up the
// schema (tables, FTS and vector indexes) if it is not there yet.
func NewPostgresStore(ctx context.Context, databaseURL, embeddingModel string, embeddingDims int) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the PostgreSQL store")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{
		pool:           pool,
		embeddingModel: embeddingModel,
		embeddingDims:  embeddingDims,
	}
	if err := s.setupSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) setupSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to enable vector extension: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			source_path TEXT,
			mime_type TEXT,
			pages INTEGER,
			bytes BIGINT,
			hash_sha256 TEXT,
			status TEXT NOT NULL DEFAULT 'ready',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	_, err = s.pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(hash_sha256)")
	if err != nil {
		xlog.Warn("Failed to create documents hash index", "error", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chunks (
			id BIGSERIAL PRIMARY KEY,
			document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			version INTEGER NOT NULL DEFAULT 1,
			page_no INTEGER,
			chunk_index INTEGER,
			text TEXT,
			tokens INTEGER,
			modality TEXT NOT NULL DEFAULT 'text',
			heading_path TEXT,
			ocr_conf DOUBLE PRECISION,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create chunks table: %w", err)
	}
	_, err = s.pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)")
	if err != nil {
		xlog.Warn("Failed to create chunks document index", "error", err)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS chunks_fts_idx
		ON chunks USING GIN (to_tsvector('english', COALESCE(text, '')))
	`)
	if err != nil {
		return fmt.Errorf("failed to create FTS index: %w", err)
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS embeddings (
			id BIGSERIAL PRIMARY KEY,
			chunk_id BIGINT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			dim INTEGER NOT NULL,
			vector VECTOR(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (chunk_id, model)
		)
	`, s.embeddingDims))
	if err != nil {
		return fmt.Errorf("failed to create embeddings table: %w", err)
	}

	// HNSW when available, IVFFlat otherwise (older pgvector).
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS embeddings_vec_idx
		ON embeddings USING hnsw (vector vector_cosine_ops)
	`)
	if err != nil {
		xlog.Warn("Failed to create HNSW index, trying IVFFlat", "error", err)
		_, err = s.pool.Exec(ctx, `
			CREATE INDEX IF NOT EXISTS embeddings_vec_idx
			ON embeddings USING ivfflat (vector vector_cosine_ops) WITH (lists = 100)
		`)
		if err != nil {
			xlog.Warn("Failed to create IVFFlat index", "error", err)
		}
	}

	return nil
}

// SearchLexical runs websearch-style full-text retrieval. Snippets come back
// with matched terms wrapped in <b> tags and everything else HTML-escaped.
func (s *PostgresStore) SearchLexical(ctx context.Context, query string, documentID int64, limit int) ([]types.SearchResult, error) {
	rows, err := s.pool.Query(ctx, `
		WITH q AS (SELECT websearch_to_tsquery('english', $1) AS tsq)
		SELECT
			c.id,
			c.document_id,
			d.title,
			COALESCE(c.page_no, 0),
			COALESCE(c.chunk_index, 0),
			ts_rank_cd(to_tsvector('english', COALESCE(c.text, '')), q.tsq) AS rank,
			ts_headline('english', COALESCE(c.text, ''), q.tsq,
				'StartSel=`+hlStart+`,StopSel=`+hlStop+`,MaxFragments=2,MinWords=5,MaxWords=25') AS snippet,
			c.ocr_conf,
			d.updated_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id, q
		WHERE to_tsvector('english', COALESCE(c.text, '')) @@ q.tsq
		  AND ($2 = 0 OR c.document_id = $2)
		ORDER BY rank DESC, c.id DESC
		LIMIT $3
	`, query, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: lexical query: %v", types.ErrRetrieval, err)
	}
	defer rows.Close()

	results := []types.SearchResult{}
	for rows.Next() {
		var r types.SearchResult
		var rank float32
		var raw string
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.DocumentTitle, &r.PageNo,
			&r.ChunkIndex, &rank, &raw, &r.OCRConfidence, &r.IndexedAt); err != nil {
			return nil, fmt.Errorf("%w: lexical scan: %v", types.ErrRetrieval, err)
		}
		r.Lexical = float64(rank)
		r.HasLexical = true
		r.Snippet = SanitizeSnippet(raw)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: lexical rows: %v", types.ErrRetrieval, err)
	}
	return results, nil
}

// SearchSemantic returns the chunks nearest to the query vector by cosine
// distance, restricted to embeddings of the active model.
func (s *PostgresStore) SearchSemantic(ctx context.Context, vector []float32, documentID int64, limit int) ([]types.SearchResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			c.id,
			c.document_id,
			d.title,
			COALESCE(c.page_no, 0),
			COALESCE(c.chunk_index, 0),
			1 - (e.vector <=> $1) AS similarity,
			LEFT(COALESCE(c.text, ''), 400) AS preview,
			c.ocr_conf,
			d.updated_at
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		JOIN documents d ON d.id = c.document_id
		WHERE e.model = $2
		  AND ($3 = 0 OR c.document_id = $3)
		ORDER BY e.vector <=> $1 ASC
		LIMIT $4
	`, pgvector.NewVector(vector), s.embeddingModel, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: semantic query: %v", types.ErrRetrieval, err)
	}
	defer rows.Close()

	results := []types.SearchResult{}
	for rows.Next() {
		var r types.SearchResult
		var sim float64
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.DocumentTitle, &r.PageNo,
			&r.ChunkIndex, &sim, &r.Preview, &r.OCRConfidence, &r.IndexedAt); err != nil {
			return nil, fmt.Errorf("%w: semantic scan: %v", types.ErrRetrieval, err)
		}
		if sim < 0 {
			sim = 0
		}
		if sim > 1 {
			sim = 1
		}
		r.Similarity = sim
		r.HasSimilarity = true
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: semantic rows: %v", types.ErrRetrieval, err)
	}
	return results, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *types.Document) error {
	if doc.Status == "" {
		doc.Status = types.DocumentStatusReady
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO documents (title, source_path, mime_type, pages, bytes, hash_sha256, status)
		VALUES ($1, $2, $3, NULLIF($4, 0), NULLIF($5, 0), NULLIF($6, ''), $7)
		RETURNING id, created_at, updated_at
	`, doc.Title, doc.SourcePath, doc.MimeType, doc.Pages, doc.Bytes, doc.HashSHA256, doc.Status).
		Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
}

func (s *PostgresStore) GetDocument(ctx context.Context, id int64) (*types.Document, error) {
	doc := &types.Document{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, COALESCE(source_path, ''), COALESCE(mime_type, ''),
		       COALESCE(pages, 0), COALESCE(bytes, 0), COALESCE(hash_sha256, ''),
		       status, created_at, updated_at
		FROM documents WHERE id = $1
	`, id).Scan(&doc.ID, &doc.Title, &doc.SourcePath, &doc.MimeType,
		&doc.Pages, &doc.Bytes, &doc.HashSHA256, &doc.Status, &doc.CreatedAt, &doc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, limit int) ([]types.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, COALESCE(source_path, ''), COALESCE(mime_type, ''),
		       COALESCE(pages, 0), COALESCE(bytes, 0), COALESCE(hash_sha256, ''),
		       status, created_at, updated_at
		FROM documents ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []types.Document{}
	for rows.Next() {
		var doc types.Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.SourcePath, &doc.MimeType,
			&doc.Pages, &doc.Bytes, &doc.HashSHA256, &doc.Status, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, doc *types.Document) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE documents
		SET title = $2, pages = NULLIF($3, 0), status = $4, updated_at = NOW()
		WHERE id = $1
	`, doc.ID, doc.Title, doc.Pages, doc.Status)
	return err
}

// DeleteDocument removes the document and its dependents explicitly, in
// dependency order, so the caller gets accurate counts even without the FK
// cascades.
func (s *PostgresStore) DeleteDocument(ctx context.Context, id int64) (chunks, embeddings int64, err error) {
	res, err := s.pool.Exec(ctx, `
		DELETE FROM embeddings e USING chunks c
		WHERE e.chunk_id = c.id AND c.document_id = $1
	`, id)
	if err != nil {
		return 0, 0, err
	}
	embeddings = res.RowsAffected()

	res, err = s.pool.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1", id)
	if err != nil {
		return 0, embeddings, err
	}
	chunks = res.RowsAffected()

	_, err = s.pool.Exec(ctx, "DELETE FROM documents WHERE id = $1", id)
	return chunks, embeddings, err
}

func (s *PostgresStore) InsertChunks(ctx context.Context, chunks []types.Chunk) ([]int64, error) {
	ids := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		if c.Version == 0 {
			c.Version = 1
		}
		if c.Modality == "" {
			c.Modality = "text"
		}
		var id int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO chunks (document_id, version, page_no, chunk_index, text, tokens, modality, heading_path, ocr_conf)
			VALUES ($1, $2, NULLIF($3, 0), $4, $5, $6, $7, NULLIF($8, ''), $9)
			RETURNING id
		`, c.DocumentID, c.Version, c.PageNo, c.ChunkIndex, c.Text, c.Tokens, c.Modality, c.HeadingPath, c.OCRConfidence).Scan(&id)
		if err != nil {
			return ids, fmt.Errorf("failed to insert chunk: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *PostgresStore) ListChunks(ctx context.Context, documentID int64, limit int) ([]types.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, version, COALESCE(page_no, 0), COALESCE(chunk_index, 0),
		       COALESCE(text, ''), COALESCE(tokens, 0), modality, COALESCE(heading_path, ''), ocr_conf, created_at
		FROM chunks
		WHERE document_id = $1
		ORDER BY page_no, chunk_index
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *PostgresStore) GetChunks(ctx context.Context, ids ...int64) ([]types.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, version, COALESCE(page_no, 0), COALESCE(chunk_index, 0),
		       COALESCE(text, ''), COALESCE(tokens, 0), modality, COALESCE(heading_path, ''), ocr_conf, created_at
		FROM chunks WHERE id = ANY($1)
		ORDER BY array_position($1, id)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *PostgresStore) UnembeddedChunks(ctx context.Context, documentID int64, model string, limit int) ([]types.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, version, COALESCE(page_no, 0), COALESCE(chunk_index, 0),
		       COALESCE(text, ''), COALESCE(tokens, 0), modality, COALESCE(heading_path, ''), ocr_conf, created_at
		FROM chunks c
		WHERE NOT EXISTS (
			SELECT 1 FROM embeddings e WHERE e.chunk_id = c.id AND e.model = $1
		)
		  AND ($2 = 0 OR c.document_id = $2)
		ORDER BY c.id ASC
		LIMIT $3
	`, model, documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// InsertEmbeddings upserts one vector per (chunk, model); re-running the
// indexing job replaces stale vectors instead of duplicating them.
func (s *PostgresStore) InsertEmbeddings(ctx context.Context, model string, chunkIDs []int64, vectors [][]float32) error {
	if len(chunkIDs) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunkIDs), len(vectors))
	}
	for i, id := range chunkIDs {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO embeddings (chunk_id, model, dim, vector)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (chunk_id, model)
			DO UPDATE SET dim = EXCLUDED.dim, vector = EXCLUDED.vector, created_at = NOW()
		`, id, model, len(vectors[i]), pgvector.NewVector(vectors[i]))
		if err != nil {
			return fmt.Errorf("failed to insert embedding for chunk %d: %w", id, err)
		}
	}
	return nil
}

// Analyze refreshes planner statistics; called after bulk indexing so the
// IVFFlat/HNSW plans stay sane.
func (s *PostgresStore) Analyze(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "ANALYZE embeddings"); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, "ANALYZE chunks")
	return err
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanChunks(rows pgx.Rows) ([]types.Chunk, error) {
	chunks := []types.Chunk{}
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Version, &c.PageNo, &c.ChunkIndex,
			&c.Text, &c.Tokens, &c.Modality, &c.HeadingPath, &c.OCRConfidence, &c.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
