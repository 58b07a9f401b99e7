package engine

import (
	"sort"

	"github.com/khub/knowledgehub/hub/types"
)

// FusionConfig holds the tunables for blending lexical and semantic result
// sets into one ranked list.
type FusionConfig struct {
	// Alpha weighs the semantic similarity, Beta the lexical rank.
	Alpha float64
	Beta  float64

	// OCR damping: chunks whose OCR confidence falls below DampThreshold get
	// their combined score multiplied by DampFloor + (1-DampFloor)*conf.
	// Chunks without OCR confidence (native text) are never damped.
	DampFloor     float64
	DampThreshold float64

	// LowConfidence marks results below this OCR confidence for display.
	LowConfidence float64
}

// DefaultFusionConfig mirrors the production defaults: semantic-leaning
// weights and a gentle linear damping floor.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		Alpha:         0.6,
		Beta:          0.4,
		DampFloor:     0.85,
		DampThreshold: 0.6,
		LowConfidence: 0.6,
	}
}

// Blend combines already-normalized sub-scores into the weighted sum used as
// the fused ranking key. An item missing from one path contributes 0 for
// that component.
func Blend(alpha, beta, semantic, lexical float64) float64 {
	return alpha*semantic + beta*lexical
}

type candidate struct {
	types.FusedResult
	lexNorm float64
	semNorm float64
}

// Fuse merges a lexical and a semantic result set into a single ranked list:
// each stream is min-max normalized independently, sub-scores are blended
// with the configured weights, low-OCR-confidence chunks are damped, and the
// list is de-duplicated by (document, page) keeping the highest-scoring item
// of each group. Ties are broken by more recently indexed document first,
// then by higher chunk id, so repeated calls over identical inputs yield
// identical output.
//
// Raw full-text ranks and cosine similarities live on different scales;
// min-max was chosen over z-scoring because it keeps combined scores in
// [0,1] and is stable for single-element streams.
func Fuse(lexical, semantic []types.SearchResult, cfg FusionConfig, limit int) []types.FusedResult {
	lexNorm := minMaxNormalize(lexical, func(r types.SearchResult) float64 { return r.Lexical })
	semNorm := minMaxNormalize(semantic, func(r types.SearchResult) float64 { return r.Similarity })

	byChunk := map[int64]*candidate{}
	order := []int64{}

	for i, r := range semantic {
		c := &candidate{semNorm: semNorm[i]}
		c.SearchResult = r
		c.FromSemantic = true
		byChunk[r.ChunkID] = c
		order = append(order, r.ChunkID)
	}
	for i, r := range lexical {
		if c, ok := byChunk[r.ChunkID]; ok {
			c.lexNorm = lexNorm[i]
			c.FromLexical = true
			c.Lexical = r.Lexical
			c.HasLexical = true
			if c.Snippet == "" {
				c.Snippet = r.Snippet
			}
			continue
		}
		c := &candidate{lexNorm: lexNorm[i]}
		c.SearchResult = r
		c.FromLexical = true
		byChunk[r.ChunkID] = c
		order = append(order, r.ChunkID)
	}

	items := make([]*candidate, 0, len(order))
	for _, id := range order {
		c := byChunk[id]
		c.Combined = Blend(cfg.Alpha, cfg.Beta, c.semNorm, c.lexNorm)
		if conf := c.OCRConfidence; conf != nil {
			v := clamp01(*conf)
			if v < cfg.DampThreshold {
				c.Combined *= cfg.DampFloor + (1-cfg.DampFloor)*v
			}
			c.LowConfidence = v < cfg.LowConfidence
		}
		items = append(items, c)
	}

	// Dedup by (document, page): keep the best-scoring chunk per page, but
	// carry over the other path's sub-score, snippet and source flag when
	// the loser saw the query from a side the winner missed.
	type pageKey struct {
		doc  int64
		page int
	}
	best := map[pageKey]*candidate{}
	keys := []pageKey{}
	for _, c := range items {
		k := pageKey{doc: c.DocumentID, page: c.PageNo}
		if c.PageNo <= 0 {
			k.page = -1
		}
		cur, ok := best[k]
		if !ok {
			best[k] = c
			keys = append(keys, k)
			continue
		}
		winner, loser := cur, c
		if c.Combined > cur.Combined {
			winner, loser = c, cur
			best[k] = c
		}
		mergeGroupInfo(winner, loser)
	}

	fused := make([]types.FusedResult, 0, len(keys))
	for _, k := range keys {
		fused = append(fused, best[k].FusedResult)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Combined != fused[j].Combined {
			return fused[i].Combined > fused[j].Combined
		}
		if !fused[i].IndexedAt.Equal(fused[j].IndexedAt) {
			return fused[i].IndexedAt.After(fused[j].IndexedAt)
		}
		return fused[i].ChunkID > fused[j].ChunkID
	})

	if limit > 0 && len(fused) > limit {
		fused = fused[:limit]
	}
	return fused
}

// mergeGroupInfo folds what the losing chunk of a (document, page) group
// contributed into the winner, so the final record still reflects both
// retrieval paths.
func mergeGroupInfo(winner, loser *candidate) {
	winner.FromLexical = winner.FromLexical || loser.FromLexical
	winner.FromSemantic = winner.FromSemantic || loser.FromSemantic
	if !winner.HasLexical && loser.HasLexical {
		winner.Lexical = loser.Lexical
		winner.HasLexical = true
	}
	if !winner.HasSimilarity && loser.HasSimilarity {
		winner.Similarity = loser.Similarity
		winner.HasSimilarity = true
	}
	if winner.Snippet == "" {
		winner.Snippet = loser.Snippet
	}
	if winner.Preview == "" {
		winner.Preview = loser.Preview
	}
}

func minMaxNormalize(results []types.SearchResult, score func(types.SearchResult) float64) []float64 {
	norm := make([]float64, len(results))
	if len(results) == 0 {
		return norm
	}
	lo, hi := score(results[0]), score(results[0])
	for _, r := range results[1:] {
		s := score(r)
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	for i, r := range results {
		if hi == lo {
			// Degenerate range: every present score normalizes to 1.
			norm[i] = 1
			continue
		}
		norm[i] = (score(r) - lo) / (hi - lo)
	}
	return norm
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
