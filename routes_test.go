package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/khub/knowledgehub/hub/engine"
	"github.com/khub/knowledgehub/hub/store"
	"github.com/khub/knowledgehub/ingest"
)

type fixedEmbedder struct {
	vec []float32
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fixedEmbedder) Dimensions() int { return len(f.vec) }

type cannedChat struct {
	reply string
	calls int
}

func (c *cannedChat) Chat(ctx context.Context, system, user string) (string, error) {
	c.calls++
	return c.reply, nil
}

type fieldsCounter struct{}

func (fieldsCounter) Count(s string) int { return len(strings.Fields(s)) }

func (fieldsCounter) Truncate(s string, max int) string {
	fields := strings.Fields(s)
	if len(fields) <= max {
		return s
	}
	return strings.Join(fields[:max], " ")
}

func newTestServer(chatReply string) *echo.Echo {
	st, err := store.NewMemoryStore("test-model")
	Expect(err).ToNot(HaveOccurred())

	emb := &fixedEmbedder{vec: []float32{1, 0, 0}}
	hybrid := engine.NewHybridSearcher(st, st, emb, engine.DefaultFusionConfig())
	composer := engine.NewComposer(hybrid, st, &cannedChat{reply: chatReply},
		engine.NewPacker(fieldsCounter{}), engine.DefaultComposerConfig())
	ingestor := ingest.NewIngestor(st, emb, "test-model", 8)

	return newAPI(st, hybrid, composer, ingestor, emb, GinkgoT().TempDir())
}

func doJSON(e *echo.Echo, method, path, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	if payload != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(rec *httptest.ResponseRecorder) map[string]interface{} {
	body := map[string]interface{}{}
	Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
	return body
}

// createTestDocument registers a document and appends two chunks, one of
// them flagged as low-confidence OCR output.
func createTestDocument(e *echo.Echo) int64 {
	rec := doJSON(e, http.MethodPost, "/api/documents", `{"title":"Turbine Manual"}`)
	Expect(rec.Code).To(Equal(http.StatusCreated))
	id := int64(decodeBody(rec)["id"].(float64))

	rec = doJSON(e, http.MethodPost, fmt.Sprintf("/api/documents/%d/chunks", id), `{
		"chunks": [
			{"page_no": 1, "chunk_index": 0, "text": "The turbine requires quarterly maintenance of all bearings."},
			{"page_no": 2, "chunk_index": 0, "text": "Scanned appendix with turbine blade tolerances.", "ocr_confidence": 0.4}
		]
	}`)
	Expect(rec.Code).To(Equal(http.StatusCreated))
	Expect(decodeBody(rec)["embedded"]).To(BeNumerically("==", 2))
	return id
}

var _ = Describe("API", func() {
	Context("service endpoints", func() {
		It("answers ping and health", func() {
			e := newTestServer("")

			rec := doJSON(e, http.MethodGet, "/api/ping", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeBody(rec)["ok"]).To(BeTrue())

			rec = doJSON(e, http.MethodGet, "/health", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeBody(rec)["status"]).To(Equal("ok"))
		})
	})

	Context("document lifecycle", func() {
		It("creates, lists, fetches and deletes a document", func() {
			e := newTestServer("")
			id := createTestDocument(e)

			rec := doJSON(e, http.MethodGet, "/api/documents", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			docs := []map[string]interface{}{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &docs)).To(Succeed())
			Expect(docs).To(HaveLen(1))

			rec = doJSON(e, http.MethodGet, fmt.Sprintf("/api/documents/%d", id), "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeBody(rec)["title"]).To(Equal("Turbine Manual"))

			rec = doJSON(e, http.MethodDelete, fmt.Sprintf("/api/documents/%d", id), "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["ok"]).To(BeTrue())
			deleted := body["deleted"].(map[string]interface{})
			Expect(deleted["chunks"]).To(BeNumerically("==", 2))
			Expect(deleted["embeddings"]).To(BeNumerically("==", 2))

			rec = doJSON(e, http.MethodGet, fmt.Sprintf("/api/documents/%d", id), "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("rejects a document without a title", func() {
			e := newTestServer("")
			rec := doJSON(e, http.MethodPost, "/api/documents", `{}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects malformed document ids", func() {
			e := newTestServer("")
			rec := doJSON(e, http.MethodGet, "/api/documents/abc", "")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for chunks of a missing document", func() {
			e := newTestServer("")
			rec := doJSON(e, http.MethodPost, "/api/documents/42/chunks",
				`{"chunks":[{"text":"orphan"}]}`)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("rejects chunks with an out-of-range confidence", func() {
			e := newTestServer("")
			id := createTestDocument(e)

			rec := doJSON(e, http.MethodPost, fmt.Sprintf("/api/documents/%d/chunks", id),
				`{"chunks":[{"text":"bad scan","ocr_confidence":1.5}]}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("cuts chunk samples on rune boundaries", func() {
			e := newTestServer("")
			id := createTestDocument(e)

			long := "ab" + strings.Repeat("世界", 200)
			rec := doJSON(e, http.MethodPost, fmt.Sprintf("/api/documents/%d/chunks", id),
				fmt.Sprintf(`{"chunks":[{"page_no":3,"chunk_index":0,"text":%q}]}`, long))
			Expect(rec.Code).To(Equal(http.StatusCreated))

			rec = doJSON(e, http.MethodGet, fmt.Sprintf("/api/documents/%d/chunks", id), "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			chunks := decodeBody(rec)["chunks"].([]interface{})
			for _, raw := range chunks {
				sample := raw.(map[string]interface{})["sample"].(string)
				Expect(utf8.ValidString(sample)).To(BeTrue())
				Expect(sample).ToNot(ContainSubstring(string(utf8.RuneError)))
			}
		})

		It("lists chunk samples", func() {
			e := newTestServer("")
			id := createTestDocument(e)

			rec := doJSON(e, http.MethodGet, fmt.Sprintf("/api/documents/%d/chunks", id), "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["count"]).To(BeNumerically("==", 2))
			chunks := body["chunks"].([]interface{})
			first := chunks[0].(map[string]interface{})
			Expect(first["sample"]).To(ContainSubstring("turbine"))
		})
	})

	Context("search", func() {
		It("runs a lexical search with highlighted snippets", func() {
			e := newTestServer("")
			createTestDocument(e)

			rec := doJSON(e, http.MethodPost, "/api/search", `{"q":"quarterly maintenance"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["count"]).To(BeNumerically(">=", 1))
			results := body["results"].([]interface{})
			top := results[0].(map[string]interface{})
			Expect(top["snippet"]).To(ContainSubstring("<b>"))
		})

		It("rejects a blank query", func() {
			e := newTestServer("")
			rec := doJSON(e, http.MethodPost, "/api/search", `{"q":"   "}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects a limit above the cap", func() {
			e := newTestServer("")
			rec := doJSON(e, http.MethodPost, "/api/search", `{"q":"turbine","limit":99}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("runs a semantic search", func() {
			e := newTestServer("")
			createTestDocument(e)

			rec := doJSON(e, http.MethodPost, "/api/search/semantic", `{"q":"turbine upkeep"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeBody(rec)["count"]).To(BeNumerically("==", 2))
		})

		It("runs a hybrid search and reports its weights", func() {
			e := newTestServer("")
			createTestDocument(e)

			rec := doJSON(e, http.MethodPost, "/api/search/hybrid", `{"q":"turbine maintenance"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			weights := body["weights"].(map[string]interface{})
			Expect(weights["semantic"]).To(BeNumerically("~", 0.6, 1e-9))
			Expect(weights["fts"]).To(BeNumerically("~", 0.4, 1e-9))
			Expect(body["count"]).To(BeNumerically(">=", 1))
		})
	})

	Context("answers", func() {
		It("returns a cited answer over indexed content", func() {
			e := newTestServer("Bearings are serviced quarterly [CIT-1].")
			createTestDocument(e)

			rec := doJSON(e, http.MethodPost, "/api/answer", `{"q":"turbine maintenance"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["answer"]).To(ContainSubstring("[CIT-1]"))
			Expect(body["citations"].([]interface{})).ToNot(BeEmpty())
			Expect(body["used_chunks"].([]interface{})).ToNot(BeEmpty())
			timings := body["timings"].(map[string]interface{})
			Expect(timings).To(HaveKey("total_ms"))
		})

		It("answers gracefully when nothing matches", func() {
			e := newTestServer("irrelevant")

			rec := doJSON(e, http.MethodPost, "/api/answer", `{"q":"anything at all"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decodeBody(rec)["answer"]).To(ContainSubstring("Insufficient context"))
		})

		It("rejects an answer request without a question", func() {
			e := newTestServer("")
			rec := doJSON(e, http.MethodPost, "/api/answer", `{}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("reindexing", func() {
		It("reports zero work when everything is embedded", func() {
			e := newTestServer("")
			createTestDocument(e)

			rec := doJSON(e, http.MethodPost, "/api/embeddings/reindex", `{}`)
			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decodeBody(rec)
			Expect(body["ok"]).To(BeTrue())
			Expect(body["indexed"]).To(BeNumerically("==", 0))
		})
	})
})
