package store_test

import (
	"context"
	"fmt"
	"os"
	"time"

	. "github.com/khub/knowledgehub/hub/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/khub/knowledgehub/hub/types"
)

var _ = Describe("PostgresStore", func() {
	var (
		ctx context.Context
		st  *PostgresStore
	)

	BeforeEach(func() {
		databaseURL := os.Getenv("DATABASE_URL")
		if databaseURL == "" {
			Skip("DATABASE_URL not set; skipping PostgreSQL store tests")
		}

		ctx = context.Background()
		var err error
		st, err = NewPostgresStore(ctx, databaseURL, "test-model", 3)
		if err != nil {
			Skip(fmt.Sprintf("PostgreSQL not reachable: %v", err))
		}
	})

	AfterEach(func() {
		if st != nil {
			st.Close()
		}
	})

	It("round-trips documents, chunks and both search paths", func() {
		doc := &types.Document{Title: fmt.Sprintf("pg test %d", time.Now().UnixNano())}
		Expect(st.CreateDocument(ctx, doc)).To(Succeed())
		defer st.DeleteDocument(ctx, doc.ID)

		low := 0.4
		ids, err := st.InsertChunks(ctx, []types.Chunk{
			{DocumentID: doc.ID, PageNo: 1, ChunkIndex: 0, Text: "the turbine manual covers maintenance schedules"},
			{DocumentID: doc.ID, PageNo: 2, ChunkIndex: 0, Text: "scanned appendix about turbine blades", OCRConfidence: &low},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(ids).To(HaveLen(2))

		// Lexical: scoped to this document so concurrent data cannot interfere.
		results, err := st.SearchLexical(ctx, "turbine maintenance", doc.ID, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(results).ToNot(BeEmpty())
		Expect(results[0].ChunkID).To(Equal(ids[0]))
		Expect(results[0].Snippet).To(ContainSubstring("<b>"))
		Expect(results[0].HasLexical).To(BeTrue())

		ocrResults, err := st.SearchLexical(ctx, "appendix", doc.ID, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(ocrResults).To(HaveLen(1))
		Expect(ocrResults[0].OCRConfidence).ToNot(BeNil())
		Expect(*ocrResults[0].OCRConfidence).To(BeNumerically("~", 0.4, 1e-6))

		fetched, err := st.GetChunks(ctx, ids[1], ids[0])
		Expect(err).ToNot(HaveOccurred())
		Expect(fetched).To(HaveLen(2))
		Expect(fetched[0].ID).To(Equal(ids[1]))
		Expect(fetched[1].ID).To(Equal(ids[0]))

		// Semantic round trip through pgvector.
		Expect(st.InsertEmbeddings(ctx, "test-model", ids, [][]float32{
			{1, 0, 0},
			{0, 1, 0},
		})).To(Succeed())

		pending, err := st.UnembeddedChunks(ctx, doc.ID, "test-model", 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(BeEmpty())

		semantic, err := st.SearchSemantic(ctx, []float32{1, 0, 0}, doc.ID, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(semantic).To(HaveLen(2))
		Expect(semantic[0].ChunkID).To(Equal(ids[0]))
		Expect(semantic[0].Similarity).To(BeNumerically(">", semantic[1].Similarity))

		// Upsert replaces instead of duplicating.
		Expect(st.InsertEmbeddings(ctx, "test-model", ids[:1], [][]float32{{0, 0, 1}})).To(Succeed())

		chunks, embeddings, err := st.DeleteDocument(ctx, doc.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(chunks).To(Equal(int64(2)))
		Expect(embeddings).To(Equal(int64(2)))
	})
})
