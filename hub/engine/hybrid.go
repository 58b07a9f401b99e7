package engine

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/khub/knowledgehub/hub/interfaces"
	"github.com/khub/knowledgehub/hub/types"
)

// Search limits accepted by every search operation.
const (
	MinLimit = 1
	MaxLimit = 50
)

// ValidateQuery checks the common query/limit contract shared by the
// lexical, semantic and hybrid operations.
func ValidateQuery(query string, limit int) error {
	if strings.TrimSpace(query) == "" {
		return types.InvalidInputf("q is required")
	}
	if limit < MinLimit || limit > MaxLimit {
		return types.InvalidInputf("limit must be between %d and %d", MinLimit, MaxLimit)
	}
	return nil
}

// HybridSearcher combines lexical and semantic retrieval with score fusion.
type HybridSearcher struct {
	lexical  interfaces.LexicalSearcher
	semantic interfaces.SemanticSearcher
	embedder interfaces.Embedder
	cfg      FusionConfig
}

// NewHybridSearcher creates a new hybrid searcher over the given retrieval
// paths. All collaborators are injected; the searcher holds no global state.
func NewHybridSearcher(lexical interfaces.LexicalSearcher, semantic interfaces.SemanticSearcher, embedder interfaces.Embedder, cfg FusionConfig) *HybridSearcher {
	return &HybridSearcher{
		lexical:  lexical,
		semantic: semantic,
		embedder: embedder,
		cfg:      cfg,
	}
}

// Search embeds the query once, runs both retrieval paths concurrently, and
// fuses the two result sets into a single ranked, de-duplicated list of at
// most limit items.
func (h *HybridSearcher) Search(ctx context.Context, query string, documentID int64, limit int) ([]types.FusedResult, error) {
	query = strings.TrimSpace(query)
	if err := ValidateQuery(query, limit); err != nil {
		return nil, err
	}

	vector, err := h.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	// Over-fetch each side so fusion has enough overlap to blend.
	fetch := limit * 3
	if fetch < 60 {
		fetch = 60
	}

	var lexResults, semResults []types.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lexResults, err = h.lexical.SearchLexical(gctx, query, documentID, fetch)
		return err
	})
	g.Go(func() error {
		var err error
		semResults, err = h.semantic.SearchSemantic(gctx, vector, documentID, fetch)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Fuse(lexResults, semResults, h.cfg, limit), nil
}

// Weights reports the configured fusion weights, for response payloads.
func (h *HybridSearcher) Weights() (alpha, beta float64) {
	return h.cfg.Alpha, h.cfg.Beta
}
