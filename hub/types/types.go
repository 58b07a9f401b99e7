package types

import "time"

// Document is an uploaded or registered source file. Chunks and embeddings
// hang off it and are removed together with it.
type Document struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	SourcePath string    `json:"source_path,omitempty"`
	MimeType   string    `json:"mime_type,omitempty"`
	Pages      int       `json:"pages,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	HashSHA256 string    `json:"hash_sha256,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	DocumentStatusReady      = "ready"
	DocumentStatusProcessing = "processing"
	DocumentStatusError      = "error"
)

// Chunk is the unit of retrieval: a page-scoped segment of document text.
// Chunks are immutable once stored.
//
// OCRConfidence is set only for text produced by OCR, in [0,1]. Native
// (embedded) text carries no confidence and is never damped during fusion.
type Chunk struct {
	ID            int64     `json:"id"`
	DocumentID    int64     `json:"document_id"`
	Version       int       `json:"version"`
	PageNo        int       `json:"page_no"`
	ChunkIndex    int       `json:"chunk_index"`
	Text          string    `json:"text"`
	Tokens        int       `json:"tokens"`
	Modality      string    `json:"modality"`
	HeadingPath   string    `json:"heading_path,omitempty"`
	OCRConfidence *float64  `json:"ocr_conf,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SearchResult is a single hit from the lexical or the semantic side.
// Exactly one of the sub-scores may be absent depending on which path
// produced the hit.
type SearchResult struct {
	ChunkID       int64  `json:"chunk_id"`
	DocumentID    int64  `json:"document_id"`
	DocumentTitle string `json:"document_title"`
	PageNo        int    `json:"page_no,omitempty"`
	ChunkIndex    int    `json:"chunk_index"`

	// Snippet is the lexical-side extract; matched terms are wrapped in <b>
	// tags and everything else is HTML-escaped. Preview is the plain-text
	// head of the chunk from the semantic side.
	Snippet string `json:"snippet,omitempty"`
	Preview string `json:"preview,omitempty"`

	Lexical    float64 `json:"rank,omitempty"`
	HasLexical bool    `json:"-"`

	// Similarity is cosine similarity in [0,1].
	Similarity    float64 `json:"similarity,omitempty"`
	HasSimilarity bool    `json:"-"`

	OCRConfidence *float64 `json:"-"`

	// IndexedAt is the owning document's indexing time, used as the
	// deterministic fusion tie-break.
	IndexedAt time.Time `json:"-"`
}

// FusedResult is a SearchResult that survived fusion: normalized sub-scores
// blended into a single combined score, unique per (document, page).
type FusedResult struct {
	SearchResult

	Combined      float64 `json:"score"`
	FromLexical   bool    `json:"-"`
	FromSemantic  bool    `json:"-"`
	LowConfidence bool    `json:"low_confidence"`
}

// Citation binds a [CIT-n] marker in generated text to its source chunk.
type Citation struct {
	Marker     string `json:"cit"`
	ChunkID    int64  `json:"chunk_id"`
	DocumentID int64  `json:"document_id"`
	PageNo     int    `json:"page_no,omitempty"`
	Title      string `json:"title"`
}

// Timings is the per-request latency breakdown in milliseconds.
type Timings struct {
	RetrieveMS int64 `json:"retrieve_ms"`
	LLMMS      int64 `json:"llm_ms"`
	TotalMS    int64 `json:"total_ms"`
}

// AnswerResponse is the result of a grounded-answer request.
//
// Ungrounded is set when the model failed to cite any context even after the
// stricter retry; such answers are surfaced, not blocked.
type AnswerResponse struct {
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	UsedChunks []int64    `json:"used_chunks"`
	Timings    Timings    `json:"timings"`
	Ungrounded bool       `json:"ungrounded,omitempty"`
}
