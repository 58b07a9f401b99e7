package engine_test

import (
	"fmt"
	"time"

	. "github.com/khub/knowledgehub/hub/engine"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/khub/knowledgehub/hub/types"
)

func conf(v float64) *float64 { return &v }

var fusionBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func lexHit(id, doc int64, page int, score float64) types.SearchResult {
	return types.SearchResult{
		ChunkID:       id,
		DocumentID:    doc,
		DocumentTitle: fmt.Sprintf("doc-%d", doc),
		PageNo:        page,
		Lexical:       score,
		HasLexical:    true,
		Snippet:       fmt.Sprintf("<b>match</b> in chunk %d", id),
		IndexedAt:     fusionBase,
	}
}

func semHit(id, doc int64, page int, sim float64) types.SearchResult {
	return types.SearchResult{
		ChunkID:       id,
		DocumentID:    doc,
		DocumentTitle: fmt.Sprintf("doc-%d", doc),
		PageNo:        page,
		Similarity:    sim,
		HasSimilarity: true,
		Preview:       fmt.Sprintf("preview of chunk %d", id),
		IndexedAt:     fusionBase,
	}
}

var _ = Describe("Fusion", func() {
	cfg := DefaultFusionConfig()

	Describe("Blend", func() {
		It("computes the weighted sum of sub-scores", func() {
			Expect(Blend(0.6, 0.4, 0.9, 0.8)).To(BeNumerically("~", 0.86, 1e-9))
		})

		It("treats a missing path as zero", func() {
			Expect(Blend(0.6, 0.4, 0.5, 0)).To(BeNumerically("~", 0.3, 1e-9))
		})
	})

	Describe("Fuse", func() {
		It("ranks a chunk found by both paths above single-path chunks", func() {
			lexical := []types.SearchResult{
				lexHit(1, 10, 1, 2.0),
				lexHit(2, 10, 2, 1.0),
				lexHit(3, 10, 3, 0.5),
			}
			semantic := []types.SearchResult{
				semHit(1, 10, 1, 0.9),
				semHit(4, 10, 4, 0.7),
				semHit(5, 10, 5, 0.5),
			}

			fused := Fuse(lexical, semantic, cfg, 10)
			Expect(fused).ToNot(BeEmpty())
			Expect(fused[0].ChunkID).To(Equal(int64(1)))
			Expect(fused[0].FromLexical).To(BeTrue())
			Expect(fused[0].FromSemantic).To(BeTrue())
			Expect(fused[0].Combined).To(BeNumerically("~", 1.0, 1e-9))
		})

		It("keeps both sub-scores and the snippet on a merged result", func() {
			lexical := []types.SearchResult{lexHit(1, 10, 1, 2.0), lexHit(2, 10, 2, 1.0)}
			semantic := []types.SearchResult{semHit(1, 10, 1, 0.9), semHit(3, 10, 3, 0.5)}

			fused := Fuse(lexical, semantic, cfg, 10)
			Expect(fused[0].ChunkID).To(Equal(int64(1)))
			Expect(fused[0].HasLexical).To(BeTrue())
			Expect(fused[0].HasSimilarity).To(BeTrue())
			Expect(fused[0].Snippet).To(ContainSubstring("<b>match</b>"))
			Expect(fused[0].Preview).To(ContainSubstring("preview"))
		})

		It("normalizes a single-element stream to one", func() {
			fused := Fuse([]types.SearchResult{lexHit(1, 10, 1, 0.0123)}, nil, cfg, 10)
			Expect(fused).To(HaveLen(1))
			Expect(fused[0].Combined).To(BeNumerically("~", cfg.Beta, 1e-9))
		})

		It("damps low OCR confidence and marks it", func() {
			scanned := lexHit(1, 10, 1, 1.0)
			scanned.OCRConfidence = conf(0.5)
			native := lexHit(2, 11, 1, 1.0)

			fused := Fuse([]types.SearchResult{scanned, native}, nil, cfg, 10)
			Expect(fused).To(HaveLen(2))
			Expect(fused[0].ChunkID).To(Equal(int64(2)))
			Expect(fused[0].LowConfidence).To(BeFalse())
			Expect(fused[1].ChunkID).To(Equal(int64(1)))
			Expect(fused[1].LowConfidence).To(BeTrue())
			// 0.85 + 0.15*0.5 applied to the blended score
			Expect(fused[1].Combined).To(BeNumerically("~", cfg.Beta*0.925, 1e-9))
		})

		It("does not damp confident OCR text", func() {
			scanned := lexHit(1, 10, 1, 1.0)
			scanned.OCRConfidence = conf(0.8)
			native := lexHit(2, 11, 1, 1.0)

			fused := Fuse([]types.SearchResult{scanned, native}, nil, cfg, 10)
			Expect(fused[0].Combined).To(BeNumerically("~", fused[1].Combined, 1e-9))
			for _, f := range fused {
				Expect(f.LowConfidence).To(BeFalse())
			}
		})

		It("deduplicates by document and page, keeping the best chunk", func() {
			lexical := []types.SearchResult{
				lexHit(1, 10, 3, 2.0),
				lexHit(2, 10, 3, 0.5),
				lexHit(3, 10, 4, 1.0),
			}

			fused := Fuse(lexical, nil, cfg, 10)
			ids := []int64{}
			for _, f := range fused {
				ids = append(ids, f.ChunkID)
			}
			Expect(ids).To(ConsistOf(int64(1), int64(3)))
		})

		It("carries the losing path's contribution into the page winner", func() {
			winner := semHit(1, 10, 3, 0.9)
			other := semHit(2, 11, 1, 0.1)
			loser := lexHit(3, 10, 3, 2.0)
			loserLow := lexHit(4, 11, 2, 0.1)

			fused := Fuse([]types.SearchResult{loser, loserLow}, []types.SearchResult{winner, other}, cfg, 10)
			var page3 *types.FusedResult
			for i := range fused {
				if fused[i].DocumentID == 10 && fused[i].PageNo == 3 {
					page3 = &fused[i]
				}
			}
			Expect(page3).ToNot(BeNil())
			Expect(page3.ChunkID).To(Equal(int64(1)))
			Expect(page3.FromLexical).To(BeTrue())
			Expect(page3.FromSemantic).To(BeTrue())
			Expect(page3.Snippet).To(ContainSubstring("<b>match</b>"))
		})

		It("breaks score ties by recency, then by chunk id", func() {
			older := lexHit(5, 10, 1, 1.0)
			newer := lexHit(2, 11, 1, 1.0)
			newer.IndexedAt = fusionBase.Add(time.Hour)
			sameAge := lexHit(7, 12, 1, 1.0)

			fused := Fuse([]types.SearchResult{older, newer, sameAge}, nil, cfg, 10)
			Expect(fused[0].ChunkID).To(Equal(int64(2)))
			Expect(fused[1].ChunkID).To(Equal(int64(7)))
			Expect(fused[2].ChunkID).To(Equal(int64(5)))
		})

		It("is deterministic over identical inputs", func() {
			lexical := []types.SearchResult{lexHit(1, 10, 1, 2.0), lexHit(2, 10, 2, 1.5), lexHit(3, 11, 1, 1.0)}
			semantic := []types.SearchResult{semHit(2, 10, 2, 0.8), semHit(4, 11, 2, 0.6)}

			first := Fuse(lexical, semantic, cfg, 10)
			for i := 0; i < 5; i++ {
				again := Fuse(lexical, semantic, cfg, 10)
				Expect(again).To(Equal(first))
			}
		})

		It("truncates to the requested limit", func() {
			lexical := []types.SearchResult{}
			for i := 1; i <= 8; i++ {
				lexical = append(lexical, lexHit(int64(i), int64(i), 1, float64(i)))
			}
			fused := Fuse(lexical, nil, cfg, 3)
			Expect(fused).To(HaveLen(3))
		})

		It("returns empty output for empty input", func() {
			Expect(Fuse(nil, nil, cfg, 10)).To(BeEmpty())
		})
	})
})
