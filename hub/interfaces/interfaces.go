package interfaces

import (
	"context"

	"github.com/khub/knowledgehub/hub/types"
)

// LexicalSearcher runs a full-text query over stored chunks. documentID
// restricts results to one document when non-zero. Results come back ordered
// by descending lexical rank; no match is an empty slice, not an error.
type LexicalSearcher interface {
	SearchLexical(ctx context.Context, query string, documentID int64, limit int) ([]types.SearchResult, error)
}

// SemanticSearcher returns the chunks nearest to an already-embedded query
// vector by cosine similarity, subject to the same document filter.
type SemanticSearcher interface {
	SearchSemantic(ctx context.Context, vector []float32, documentID int64, limit int) ([]types.SearchResult, error)
}

// Embedder turns text into normalized fixed-dimension vectors. EmbedBatch
// is what the indexing job calls; Embed covers the single-query case.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// ChatModel sends a system+user prompt pair to a language model and returns
// the generated text. Implementations must honor ctx cancellation.
type ChatModel interface {
	Chat(ctx context.Context, system, user string) (string, error)
}

// ChunkFetcher loads full chunk records by id, in the order requested.
type ChunkFetcher interface {
	GetChunks(ctx context.Context, ids ...int64) ([]types.Chunk, error)
}

// Store is the full persistence surface the API is built on. Implementations
// must be safe for concurrent reads.
type Store interface {
	LexicalSearcher
	SemanticSearcher
	ChunkFetcher

	CreateDocument(ctx context.Context, doc *types.Document) error
	GetDocument(ctx context.Context, id int64) (*types.Document, error)
	ListDocuments(ctx context.Context, limit int) ([]types.Document, error)
	UpdateDocument(ctx context.Context, doc *types.Document) error
	// DeleteDocument removes the document with its chunks and embeddings,
	// returning the number of chunks and embeddings deleted.
	DeleteDocument(ctx context.Context, id int64) (chunks, embeddings int64, err error)

	InsertChunks(ctx context.Context, chunks []types.Chunk) ([]int64, error)
	ListChunks(ctx context.Context, documentID int64, limit int) ([]types.Chunk, error)

	// UnembeddedChunks returns up to limit chunks that have no embedding for
	// the given model yet, in ascending id order.
	UnembeddedChunks(ctx context.Context, documentID int64, model string, limit int) ([]types.Chunk, error)
	InsertEmbeddings(ctx context.Context, model string, chunkIDs []int64, vectors [][]float32) error

	Close()
}
