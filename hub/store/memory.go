package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/khub/knowledgehub/hub/types"
)

// MemoryStore is an in-process Store backed by chromem-go for vector search
// and a term-frequency index for lexical search. It serves development mode
// (no DATABASE_URL) and the handler tests; nothing is persisted.
type MemoryStore struct {
	mu          sync.RWMutex
	nextDocID   int64
	nextChunkID int64
	documents   map[int64]*types.Document
	chunks      map[int64]*types.Chunk
	vectors     map[string]map[int64][]float32

	db         *chromem.DB
	collection *chromem.Collection
	model      string
}

// NewMemoryStore creates an empty in-memory store. The model name scopes
// which embeddings participate in semantic search.
func NewMemoryStore(model string) (*MemoryStore, error) {
	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection("chunks", nil, func(ctx context.Context, text string) ([]float32, error) {
		// Vectors are always supplied explicitly; the collection never embeds.
		return nil, fmt.Errorf("memory store does not embed")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chromem collection: %w", err)
	}

	return &MemoryStore{
		nextDocID:   1,
		nextChunkID: 1,
		documents:   map[int64]*types.Document{},
		chunks:      map[int64]*types.Chunk{},
		vectors:     map[string]map[int64][]float32{},
		db:          db,
		collection:  collection,
		model:       model,
	}, nil
}

// SearchSemantic queries the chromem collection with the supplied vector.
func (s *MemoryStore) SearchSemantic(ctx context.Context, vector []float32, documentID int64, limit int) ([]types.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// chromem rejects nResults above the number of candidate documents.
	count := s.collection.Count()
	var where map[string]string
	if documentID != 0 {
		where = map[string]string{"document_id": strconv.FormatInt(documentID, 10)}
		count = 0
		for id := range s.vectors[s.model] {
			if c, ok := s.chunks[id]; ok && c.DocumentID == documentID {
				count++
			}
		}
	}
	if count == 0 {
		return []types.SearchResult{}, nil
	}
	n := limit
	if n > count {
		n = count
	}

	hits, err := s.collection.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: vector query: %v", types.ErrRetrieval, err)
	}

	results := make([]types.SearchResult, 0, len(hits))
	for _, hit := range hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		c, ok := s.chunks[id]
		if !ok {
			continue
		}
		r := resultForChunk(c, s.documents[c.DocumentID])
		sim := float64(hit.Similarity)
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
	return results, nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc *types.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc.ID = s.nextDocID
	s.nextDocID++
	if doc.Status == "" {
		doc.Status = types.DocumentStatusReady
	}
	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	copied := *doc
	s.documents[doc.ID] = &copied
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, id int64) (*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, nil
	}
	copied := *doc
	return &copied, nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, limit int) ([]types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]types.Document, 0, len(s.documents))
	for _, doc := range s.documents {
		docs = append(docs, *doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID > docs[j].ID
	})
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *MemoryStore) UpdateDocument(ctx context.Context, doc *types.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.documents[doc.ID]
	if !ok {
		return fmt.Errorf("document %d not found", doc.ID)
	}
	existing.Title = doc.Title
	existing.Pages = doc.Pages
	existing.Status = doc.Status
	existing.UpdatedAt = time.Now()
	doc.UpdatedAt = existing.UpdatedAt
	return nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, id int64) (chunks, embeddings int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removedIDs := []string{}
	for chunkID, c := range s.chunks {
		if c.DocumentID != id {
			continue
		}
		delete(s.chunks, chunkID)
		chunks++
		for _, byModel := range s.vectors {
			if _, ok := byModel[chunkID]; ok {
				delete(byModel, chunkID)
				embeddings++
			}
		}
		removedIDs = append(removedIDs, strconv.FormatInt(chunkID, 10))
	}
	if len(removedIDs) > 0 {
		if err := s.collection.Delete(ctx, nil, nil, removedIDs...); err != nil {
			return chunks, embeddings, err
		}
	}
	delete(s.documents, id)
	return chunks, embeddings, nil
}

func (s *MemoryStore) InsertChunks(ctx context.Context, chunks []types.Chunk) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		c.ID = s.nextChunkID
		s.nextChunkID++
		if c.Version == 0 {
			c.Version = 1
		}
		if c.Modality == "" {
			c.Modality = "text"
		}
		c.CreatedAt = time.Now()
		copied := c
		s.chunks[c.ID] = &copied
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ListChunks(ctx context.Context, documentID int64, limit int) ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := []types.Chunk{}
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			chunks = append(chunks, *c)
		}
	}
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].PageNo != chunks[j].PageNo {
			return chunks[i].PageNo < chunks[j].PageNo
		}
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks, nil
}

func (s *MemoryStore) GetChunks(ctx context.Context, ids ...int64) ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := []types.Chunk{}
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			chunks = append(chunks, *c)
		}
	}
	return chunks, nil
}

func (s *MemoryStore) UnembeddedChunks(ctx context.Context, documentID int64, model string, limit int) ([]types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byModel := s.vectors[model]
	chunks := []types.Chunk{}
	for _, c := range s.chunks {
		if documentID != 0 && c.DocumentID != documentID {
			continue
		}
		if _, ok := byModel[c.ID]; ok {
			continue
		}
		chunks = append(chunks, *c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })
	if len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks, nil
}

func (s *MemoryStore) InsertEmbeddings(ctx context.Context, model string, chunkIDs []int64, vectors [][]float32) error {
	if len(chunkIDs) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunkIDs), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byModel := s.vectors[model]
	if byModel == nil {
		byModel = map[int64][]float32{}
		s.vectors[model] = byModel
	}

	docs := []chromem.Document{}
	for i, id := range chunkIDs {
		c, ok := s.chunks[id]
		if !ok {
			return fmt.Errorf("chunk %d not found", id)
		}
		byModel[id] = vectors[i]
		if model != s.model {
			continue
		}
		docs = append(docs, chromem.Document{
			ID: strconv.FormatInt(id, 10),
			Metadata: map[string]string{
				"document_id": strconv.FormatInt(c.DocumentID, 10),
			},
			Content:   c.Text,
			Embedding: vectors[i],
		})
	}
	if len(docs) > 0 {
		if err := s.collection.AddDocuments(ctx, docs, 1); err != nil {
			return fmt.Errorf("failed to add documents to chromem: %w", err)
		}
	}
	return nil
}

func (s *MemoryStore) Close() {}

func resultForChunk(c *types.Chunk, doc *types.Document) types.SearchResult {
	r := types.SearchResult{
		ChunkID:       c.ID,
		DocumentID:    c.DocumentID,
		PageNo:        c.PageNo,
		ChunkIndex:    c.ChunkIndex,
		OCRConfidence: c.OCRConfidence,
		IndexedAt:     c.CreatedAt,
	}
	if doc != nil {
		r.DocumentTitle = doc.Title
		r.IndexedAt = doc.UpdatedAt
	}
	r.Preview = truncateRunes(c.Text, 400)
	return r
}
