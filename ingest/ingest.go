package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dslipak/pdf"
	"github.com/h2non/filetype"
	"github.com/mudler/xlog"
	"jaytaylor.com/html2text"

	"github.com/khub/knowledgehub/hub/interfaces"
	"github.com/khub/knowledgehub/hub/types"
)

// Ingestor turns uploaded files into chunks and embeds them. PDF pages with
// embedded text are extracted directly; pages without text are counted and
// left for OCR output appended through the chunk API.
type Ingestor struct {
	store     interfaces.Store
	embedder  interfaces.Embedder
	model     string
	batchSize int
	opts      ChunkerOptions
}

// Summary reports what a single ingestion run produced.
type Summary struct {
	Pages         int `json:"pages"`
	ChunksCreated int `json:"chunks_created"`
	Embedded      int `json:"embedded"`
	SkippedPages  int `json:"skipped_pages,omitempty"`
}

func NewIngestor(store interfaces.Store, embedder interfaces.Embedder, model string, batchSize int) *Ingestor {
	if batchSize <= 0 {
		batchSize = 128
	}
	return &Ingestor{
		store:     store,
		embedder:  embedder,
		model:     model,
		batchSize: batchSize,
		opts:      DefaultChunkerOptions(),
	}
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DetectMIME sniffs the file's magic bytes and falls back to the extension
// for plain-text formats the sniffer cannot recognize.
func DetectMIME(path string) string {
	f, err := os.Open(path)
	if err == nil {
		head := make([]byte, 262)
		n, _ := f.Read(head)
		f.Close()
		if kind, err := filetype.Match(head[:n]); err == nil && kind != filetype.Unknown {
			return kind.MIME.Value
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".html", ".htm":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}

// ProcessDocument extracts, chunks, stores and embeds the file behind doc.
// The document status is updated to ready on success, error on failure.
func (in *Ingestor) ProcessDocument(ctx context.Context, doc *types.Document, path string) (*Summary, error) {
	summary, err := in.process(ctx, doc, path)
	if err != nil {
		doc.Status = types.DocumentStatusError
		if updateErr := in.store.UpdateDocument(ctx, doc); updateErr != nil {
			xlog.Error("Failed to mark document as errored", "document", doc.ID, "error", updateErr)
		}
		return nil, err
	}
	return summary, nil
}

func (in *Ingestor) process(ctx context.Context, doc *types.Document, path string) (*Summary, error) {
	summary := &Summary{}
	var chunks []types.Chunk
	var err error

	switch {
	case strings.HasPrefix(doc.MimeType, "application/pdf"):
		chunks, summary.Pages, summary.SkippedPages, err = in.extractPDF(path)
	case strings.HasPrefix(doc.MimeType, "text/html"):
		chunks, err = in.extractHTML(path)
		summary.Pages = 1
	case strings.HasPrefix(doc.MimeType, "text/"):
		chunks, err = in.extractText(path)
		summary.Pages = 1
	default:
		return nil, fmt.Errorf("unsupported mime type: %s", doc.MimeType)
	}
	if err != nil {
		return nil, err
	}

	for i := range chunks {
		chunks[i].DocumentID = doc.ID
	}
	if len(chunks) > 0 {
		if _, err := in.store.InsertChunks(ctx, chunks); err != nil {
			return nil, fmt.Errorf("failed to store chunks: %w", err)
		}
	}
	summary.ChunksCreated = len(chunks)

	doc.Pages = summary.Pages
	doc.Status = types.DocumentStatusReady
	if err := in.store.UpdateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}

	embedded, err := in.IndexEmbeddings(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	summary.Embedded = embedded

	xlog.Info("Document ingested", "document", doc.ID,
		"pages", summary.Pages, "chunks", summary.ChunksCreated, "embedded", summary.Embedded)
	return summary, nil
}

var letterPattern = regexp.MustCompile(`[A-Za-z]`)

func (in *Ingestor) extractPDF(path string) (chunks []types.Chunk, pages, skipped int, err error) {
	r, err := pdf.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to open PDF: %w", err)
	}

	for pageNo := 1; pageNo <= r.NumPage(); pageNo++ {
		p := r.Page(pageNo)
		if p.V.IsNull() {
			continue
		}
		pages++

		text, err := p.GetPlainText(nil)
		if err != nil {
			xlog.Warn("Failed to extract page text", "page", pageNo, "error", err)
			skipped++
			continue
		}
		if strings.TrimSpace(text) == "" || !letterPattern.MatchString(text) {
			// No embedded text layer; the page needs OCR, which runs
			// outside this process.
			skipped++
			continue
		}

		for _, pc := range ChunkPage(text, in.opts) {
			chunks = append(chunks, types.Chunk{
				Version:     1,
				PageNo:      pageNo,
				ChunkIndex:  pc.Index,
				Text:        pc.Text,
				Tokens:      pc.Tokens,
				Modality:    "text",
				HeadingPath: pc.HeadingPath,
			})
		}
	}
	return chunks, pages, skipped, nil
}

func (in *Ingestor) extractHTML(path string) ([]types.Chunk, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text, err := html2text.FromString(string(content), html2text.Options{PrettyTables: true})
	if err != nil {
		return nil, fmt.Errorf("failed to convert HTML: %w", err)
	}
	return in.singlePageChunks(text), nil
}

func (in *Ingestor) extractText(path string) ([]types.Chunk, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return in.singlePageChunks(string(content)), nil
}

func (in *Ingestor) singlePageChunks(text string) []types.Chunk {
	chunks := []types.Chunk{}
	for _, pc := range ChunkPage(text, in.opts) {
		chunks = append(chunks, types.Chunk{
			Version:     1,
			PageNo:      1,
			ChunkIndex:  pc.Index,
			Text:        pc.Text,
			Tokens:      pc.Tokens,
			Modality:    "text",
			HeadingPath: pc.HeadingPath,
		})
	}
	return chunks
}

// IndexEmbeddings embeds every chunk that has no vector for the active model
// yet, in batches, and returns how many were embedded. documentID zero means
// all documents.
func (in *Ingestor) IndexEmbeddings(ctx context.Context, documentID int64) (int, error) {
	total := 0
	for {
		batch, err := in.store.UnembeddedChunks(ctx, documentID, in.model, in.batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list unembedded chunks: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		texts := make([]string, len(batch))
		ids := make([]int64, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
			ids[i] = c.ID
		}

		vectors, err := in.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return total, err
		}
		if err := in.store.InsertEmbeddings(ctx, in.model, ids, vectors); err != nil {
			return total, err
		}
		total += len(batch)
		xlog.Debug("Embedded chunk batch", "count", len(batch), "total", total)
	}

	if total > 0 {
		// Refresh planner stats when the store supports it.
		if a, ok := in.store.(interface{ Analyze(context.Context) error }); ok {
			if err := a.Analyze(ctx); err != nil {
				xlog.Warn("Failed to analyze after indexing", "error", err)
			}
		}
	}
	return total, nil
}
