package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mudler/xlog"

	"github.com/khub/knowledgehub/hub/engine"
	"github.com/khub/knowledgehub/hub/interfaces"
	"github.com/khub/knowledgehub/hub/types"
	"github.com/khub/knowledgehub/ingest"
)

// 499 is the de-facto status for a client that went away mid-request.
const statusClientClosedRequest = 499

type payloadValidator struct {
	validate *validator.Validate
}

func (v *payloadValidator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return types.InvalidInputf("%v", err)
	}
	return nil
}

func newAPI(store interfaces.Store, hybrid *engine.HybridSearcher, composer *engine.Composer,
	ingestor *ingest.Ingestor, embedder interfaces.Embedder, storageDir string) *echo.Echo {

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Validator = &payloadValidator{validate: validator.New()}

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"service": "knowledgehub"})
	})
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/api/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	})

	e.POST("/api/documents", createDocument(store))
	e.POST("/api/documents/upload", uploadDocument(store, ingestor, storageDir))
	e.GET("/api/documents", listDocuments(store))
	e.GET("/api/documents/:id", getDocument(store))
	e.DELETE("/api/documents/:id", deleteDocument(store, storageDir))
	e.GET("/api/documents/:id/chunks", listDocumentChunks(store))
	e.POST("/api/documents/:id/chunks", appendChunks(store, ingestor))

	e.POST("/api/search", searchLexical(store))
	e.POST("/api/search/semantic", searchSemantic(store, embedder))
	e.POST("/api/search/hybrid", searchHybrid(hybrid))
	e.POST("/api/answer", answer(composer))
	e.POST("/api/embeddings/reindex", reindexEmbeddings(ingestor))

	return e
}

func errorMessage(message string) map[string]string {
	return map[string]string{"error": message}
}

// errorResponse maps taxonomy sentinels onto HTTP statuses.
func errorResponse(c echo.Context, err error) error {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, errorMessage(err.Error()))
	case errors.Is(err, types.ErrEmbeddingUnavailable):
		return c.JSON(http.StatusServiceUnavailable, errorMessage(err.Error()))
	case errors.Is(err, types.ErrCancelled):
		return c.JSON(statusClientClosedRequest, errorMessage("request cancelled"))
	case errors.Is(err, types.ErrGenerationTimeout):
		return c.JSON(http.StatusGatewayTimeout, errorMessage(err.Error()))
	case errors.Is(err, types.ErrGeneration):
		return c.JSON(http.StatusBadGateway, errorMessage(err.Error()))
	default:
		xlog.Error("Request failed", "error", err)
		return c.JSON(http.StatusInternalServerError, errorMessage("internal error"))
	}
}

func createDocument(store interfaces.Store) func(c echo.Context) error {
	return func(c echo.Context) error {
		type request struct {
			Title string `json:"title" validate:"required"`
		}
		r := new(request)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("invalid request"))
		}
		if err := c.Validate(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("title is required"))
		}

		doc := &types.Document{Title: strings.TrimSpace(r.Title), Status: types.DocumentStatusReady}
		if err := store.CreateDocument(c.Request().Context(), doc); err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusCreated, map[string]interface{}{"id": doc.ID, "title": doc.Title})
	}
}

// truncateSample cuts s to at most max bytes on a rune boundary.
func truncateSample(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

var unsafeNamePattern = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeNamePattern.ReplaceAllString(name, "_")
	return strings.Trim(name, "._")
}

func uploadDocument(store interfaces.Store, ingestor *ingest.Ingestor, storageDir string) func(c echo.Context) error {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		file, err := c.FormFile("file")
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("file is required"))
		}
		title := strings.TrimSpace(c.FormValue("title"))
		if title == "" {
			title = file.Filename
		}

		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return errorResponse(c, err)
		}
		name := safeFilename(file.Filename)
		if name == "" {
			name = "upload"
		}
		dest := filepath.Join(storageDir,
			fmt.Sprintf("%s_%s__%s", time.Now().UTC().Format("20060102_150405"), uuid.NewString()[:8], name))

		src, err := file.Open()
		if err != nil {
			return errorResponse(c, err)
		}
		defer src.Close()
		out, err := os.Create(dest)
		if err != nil {
			return errorResponse(c, err)
		}
		if _, err := io.Copy(out, src); err != nil {
			out.Close()
			return errorResponse(c, err)
		}
		out.Close()

		hash, err := ingest.HashFile(dest)
		if err != nil {
			return errorResponse(c, err)
		}
		info, err := os.Stat(dest)
		if err != nil {
			return errorResponse(c, err)
		}

		doc := &types.Document{
			Title:      title,
			SourcePath: dest,
			MimeType:   ingest.DetectMIME(dest),
			Bytes:      info.Size(),
			HashSHA256: hash,
			Status:     types.DocumentStatusProcessing,
		}
		if err := store.CreateDocument(ctx, doc); err != nil {
			return errorResponse(c, err)
		}

		summary, err := ingestor.ProcessDocument(ctx, doc, dest)
		if err != nil {
			xlog.Error("Ingestion failed", "document", doc.ID, "error", err)
			return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
				"id":    doc.ID,
				"error": fmt.Sprintf("ingestion failed: %v", err),
			})
		}

		return c.JSON(http.StatusCreated, map[string]interface{}{
			"id":            doc.ID,
			"title":         doc.Title,
			"mime_type":     doc.MimeType,
			"bytes":         doc.Bytes,
			"hash_sha256":   doc.HashSHA256,
			"source_path":   doc.SourcePath,
			"status":        doc.Status,
			"ingest_result": summary,
		})
	}
}

func listDocuments(store interfaces.Store) func(c echo.Context) error {
	return func(c echo.Context) error {
		docs, err := store.ListDocuments(c.Request().Context(), 50)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, docs)
	}
}

func documentID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, types.InvalidInputf("invalid document id")
	}
	return id, nil
}

func getDocument(store interfaces.Store) func(c echo.Context) error {
	return func(c echo.Context) error {
		id, err := documentID(c)
		if err != nil {
			return errorResponse(c, err)
		}
		doc, err := store.GetDocument(c.Request().Context(), id)
		if err != nil {
			return errorResponse(c, err)
		}
		if doc == nil {
			return c.JSON(http.StatusNotFound, errorMessage("document not found"))
		}
		return c.JSON(http.StatusOK, doc)
	}
}

func deleteDocument(store interfaces.Store, storageDir string) func(c echo.Context) error {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := documentID(c)
		if err != nil {
			return errorResponse(c, err)
		}
		doc, err := store.GetDocument(ctx, id)
		if err != nil {
			return errorResponse(c, err)
		}
		if doc == nil {
			return c.JSON(http.StatusNotFound, errorMessage("document not found"))
		}

		fileDeleted := false
		deleteFile := c.QueryParam("delete_file") != "false"
		if deleteFile && doc.SourcePath != "" {
			// Only remove files that actually live under the storage dir.
			abs, absErr := filepath.Abs(doc.SourcePath)
			root, rootErr := filepath.Abs(storageDir)
			if absErr == nil && rootErr == nil && strings.HasPrefix(abs, root+string(filepath.Separator)) {
				if rmErr := os.Remove(abs); rmErr == nil {
					fileDeleted = true
				}
			}
		}

		chunks, embeddings, err := store.DeleteDocument(ctx, id)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"ok":          true,
			"document_id": id,
			"deleted": map[string]int64{
				"chunks":     chunks,
				"embeddings": embeddings,
			},
			"file_deleted": fileDeleted,
		})
	}
}

func listDocumentChunks(store interfaces.Store) func(c echo.Context) error {
	return func(c echo.Context) error {
		id, err := documentID(c)
		if err != nil {
			return errorResponse(c, err)
		}
		limit := 50
		if v := c.QueryParam("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		chunks, err := store.ListChunks(c.Request().Context(), id, limit)
		if err != nil {
			return errorResponse(c, err)
		}

		type sample struct {
			ChunkID    int64  `json:"chunk_id"`
			PageNo     int    `json:"page_no"`
			ChunkIndex int    `json:"chunk_index"`
			Sample     string `json:"sample"`
		}
		samples := make([]sample, 0, len(chunks))
		for _, ch := range chunks {
			text := truncateSample(ch.Text, 300)
			samples = append(samples, sample{
				ChunkID:    ch.ID,
				PageNo:     ch.PageNo,
				ChunkIndex: ch.ChunkIndex,
				Sample:     text,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"document_id": id,
			"count":       len(samples),
			"chunks":      samples,
		})
	}
}

// appendChunks accepts pre-extracted chunks for an existing document; this is
// how OCR output produced outside the server enters the index, carrying its
// confidence score.
func appendChunks(store interfaces.Store, ingestor *ingest.Ingestor) func(c echo.Context) error {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := documentID(c)
		if err != nil {
			return errorResponse(c, err)
		}
		doc, err := store.GetDocument(ctx, id)
		if err != nil {
			return errorResponse(c, err)
		}
		if doc == nil {
			return c.JSON(http.StatusNotFound, errorMessage("document not found"))
		}

		type chunkPayload struct {
			PageNo        int      `json:"page_no" validate:"omitempty,min=1"`
			ChunkIndex    int      `json:"chunk_index" validate:"min=0"`
			Text          string   `json:"text" validate:"required"`
			HeadingPath   string   `json:"heading_path"`
			OCRConfidence *float64 `json:"ocr_confidence" validate:"omitempty,min=0,max=1"`
		}
		type request struct {
			Chunks []chunkPayload `json:"chunks" validate:"required,min=1,dive"`
		}

		r := new(request)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("invalid request"))
		}
		if err := c.Validate(r); err != nil {
			return errorResponse(c, err)
		}

		chunks := make([]types.Chunk, 0, len(r.Chunks))
		for _, p := range r.Chunks {
			chunks = append(chunks, types.Chunk{
				DocumentID:    id,
				Version:       1,
				PageNo:        p.PageNo,
				ChunkIndex:    p.ChunkIndex,
				Text:          strings.TrimSpace(p.Text),
				Tokens:        ingest.RoughTokens(p.Text),
				Modality:      "text",
				HeadingPath:   p.HeadingPath,
				OCRConfidence: p.OCRConfidence,
			})
		}

		ids, err := store.InsertChunks(ctx, chunks)
		if err != nil {
			return errorResponse(c, err)
		}
		embedded, err := ingestor.IndexEmbeddings(ctx, id)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusCreated, map[string]interface{}{
			"document_id": id,
			"chunk_ids":   ids,
			"embedded":    embedded,
		})
	}
}

type searchRequest struct {
	Q          string `json:"q" validate:"required"`
	Limit      int    `json:"limit" validate:"omitempty,min=1,max=50"`
	DocumentID int64  `json:"document_id" validate:"omitempty,min=1"`
}

func bindSearchRequest(c echo.Context) (*searchRequest, error) {
	r := new(searchRequest)
	if err := c.Bind(r); err != nil {
		return nil, types.InvalidInputf("invalid request body")
	}
	if r.Limit == 0 {
		r.Limit = 20
	}
	if err := c.Validate(r); err != nil {
		return nil, err
	}
	if err := engine.ValidateQuery(r.Q, r.Limit); err != nil {
		return nil, err
	}
	return r, nil
}

func searchLexical(store interfaces.Store) func(c echo.Context) error {
	return func(c echo.Context) error {
		r, err := bindSearchRequest(c)
		if err != nil {
			return errorResponse(c, err)
		}
		results, err := store.SearchLexical(c.Request().Context(), r.Q, r.DocumentID, r.Limit)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"q":       r.Q,
			"count":   len(results),
			"results": results,
			"limit":   r.Limit,
		})
	}
}

func searchSemantic(store interfaces.Store, embedder interfaces.Embedder) func(c echo.Context) error {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		r, err := bindSearchRequest(c)
		if err != nil {
			return errorResponse(c, err)
		}
		vector, err := embedder.Embed(ctx, r.Q)
		if err != nil {
			return errorResponse(c, err)
		}
		results, err := store.SearchSemantic(ctx, vector, r.DocumentID, r.Limit)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"q":       r.Q,
			"count":   len(results),
			"results": results,
		})
	}
}

func searchHybrid(hybrid *engine.HybridSearcher) func(c echo.Context) error {
	return func(c echo.Context) error {
		r, err := bindSearchRequest(c)
		if err != nil {
			return errorResponse(c, err)
		}
		results, err := hybrid.Search(c.Request().Context(), r.Q, r.DocumentID, r.Limit)
		if err != nil {
			return errorResponse(c, err)
		}
		alpha, beta := hybrid.Weights()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"q":       r.Q,
			"count":   len(results),
			"weights": map[string]float64{"semantic": alpha, "fts": beta},
			"results": results,
		})
	}
}

func answer(composer *engine.Composer) func(c echo.Context) error {
	return func(c echo.Context) error {
		type filters struct {
			DocumentID int64 `json:"document_id" validate:"omitempty,min=1"`
		}
		type request struct {
			Q                string  `json:"q" validate:"required"`
			K                int     `json:"k" validate:"omitempty,min=1,max=50"`
			MaxContextTokens int     `json:"max_context_tokens" validate:"omitempty,min=100,max=32000"`
			ConversationID   string  `json:"conversation_id"`
			Filters          filters `json:"filters"`
		}

		r := new(request)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("invalid request"))
		}
		if err := c.Validate(r); err != nil {
			return errorResponse(c, err)
		}

		start := time.Now()
		resp, err := composer.Answer(c.Request().Context(), engine.AnswerRequest{
			Query:            strings.TrimSpace(r.Q),
			DocumentID:       r.Filters.DocumentID,
			K:                r.K,
			MaxContextTokens: r.MaxContextTokens,
			ConversationID:   r.ConversationID,
		})
		if err != nil {
			if errors.Is(err, types.ErrNoContext) {
				// Same UX as an empty search: a friendly answer, not a failure.
				ms := time.Since(start).Milliseconds()
				return c.JSON(http.StatusOK, types.AnswerResponse{
					Answer:     "Insufficient context; try different keywords or remove filters.",
					Citations:  []types.Citation{},
					UsedChunks: []int64{},
					Timings:    types.Timings{RetrieveMS: ms, TotalMS: ms},
				})
			}
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func reindexEmbeddings(ingestor *ingest.Ingestor) func(c echo.Context) error {
	return func(c echo.Context) error {
		type request struct {
			DocumentID int64 `json:"document_id" validate:"omitempty,min=1"`
		}
		r := new(request)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("invalid request"))
		}
		if err := c.Validate(r); err != nil {
			return errorResponse(c, err)
		}

		indexed, err := ingestor.IndexEmbeddings(c.Request().Context(), r.DocumentID)
		if err != nil {
			return errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "indexed": indexed})
	}
}
