// Package client is a small HTTP client for the knowledgehub API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/khub/knowledgehub/hub/types"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{},
	}
}

type apiError struct {
	Error string `json:"error"`
}

func decodeError(resp *http.Response) error {
	var e apiError
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("api error (%d): %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("api error (%d)", resp.StatusCode)
}

func (c *Client) postJSON(path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Post(c.BaseURL+path, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateDocument registers a document by title without uploading a file.
func (c *Client) CreateDocument(title string) (int64, error) {
	type request struct {
		Title string `json:"title"`
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.postJSON("/api/documents", request{Title: title}, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// ListDocuments returns the most recent documents.
func (c *Client) ListDocuments() ([]types.Document, error) {
	resp, err := c.HTTP.Get(c.BaseURL + "/api/documents")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var docs []types.Document
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// UploadResult is the summary returned after a successful upload+ingest.
type UploadResult struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	MimeType   string `json:"mime_type"`
	Bytes      int64  `json:"bytes"`
	HashSHA256 string `json:"hash_sha256"`
	Status     string `json:"status"`
}

// Upload sends a file to be stored, chunked and embedded.
func (c *Client) Upload(filePath, title string) (*UploadResult, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	if title != "" {
		if err := writer.WriteField("title", title); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/api/documents/upload", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}
	result := &UploadResult{}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteDocument removes a document with its chunks and embeddings.
func (c *Client) DeleteDocument(id int64) error {
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/documents/%d", c.BaseURL, id), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

// SearchHybrid runs fused lexical+semantic retrieval. documentID zero
// searches every document.
func (c *Client) SearchHybrid(query string, documentID int64, limit int) ([]types.FusedResult, error) {
	type request struct {
		Q          string `json:"q"`
		Limit      int    `json:"limit,omitempty"`
		DocumentID int64  `json:"document_id,omitempty"`
	}
	var out struct {
		Results []types.FusedResult `json:"results"`
	}
	if err := c.postJSON("/api/search/hybrid", request{Q: query, Limit: limit, DocumentID: documentID}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Answer asks for a citation-grounded answer over the indexed corpus.
func (c *Client) Answer(query string, documentID int64, conversationID string) (*types.AnswerResponse, error) {
	type filters struct {
		DocumentID int64 `json:"document_id,omitempty"`
	}
	type request struct {
		Q              string  `json:"q"`
		ConversationID string  `json:"conversation_id,omitempty"`
		Filters        filters `json:"filters"`
	}
	out := &types.AnswerResponse{}
	err := c.postJSON("/api/answer", request{
		Q:              query,
		ConversationID: conversationID,
		Filters:        filters{DocumentID: documentID},
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reindex embeds any chunks that are still missing vectors.
func (c *Client) Reindex(documentID int64) (int, error) {
	type request struct {
		DocumentID int64 `json:"document_id,omitempty"`
	}
	var out struct {
		Indexed int `json:"indexed"`
	}
	if err := c.postJSON("/api/embeddings/reindex", request{DocumentID: documentID}, &out); err != nil {
		return 0, err
	}
	return out.Indexed, nil
}
