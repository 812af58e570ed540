package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/pixella/internal/retrieval"
)

const maxURLFetchSize = 5 << 20 // 5MB

// ImportRequest imports one document. Type "text" takes Content as is,
// "file" takes base64 Content plus a Filename whose extension selects the
// extractor, and "url" fetches URL.
type ImportRequest struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type importResponse struct {
	ID      string `json:"id"`
	Indexed int    `json:"indexed"`
}

type recallRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (h *handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.ListDocuments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []retrieval.DocumentInfo{}
	}
	respondJSON(w, http.StatusOK, docs)
}

func (h *handler) importDocument(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if !decodeBody(w, r, maxImportBodySize, &req) {
		return
	}
	if req.Type == "" {
		req.Type = "text"
	}

	var (
		id  = req.ID
		n   int
		err error
	)
	switch req.Type {
	case "text":
		if id == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id is required for text imports")
			return
		}
		n, err = h.svc.ImportDocument(r.Context(), id, req.Content)

	case "file":
		data, decErr := base64.StdEncoding.DecodeString(req.Content)
		if decErr != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
			return
		}
		name := filepath.Base(req.Filename)
		if id == "" {
			id = name
		}
		id, n, err = h.importBytes(r.Context(), id, name, data)

	case "url":
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}
		data, name, fetchErr := h.fetch(r.Context(), req.URL)
		if fetchErr != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", fetchErr)
			return
		}
		if id == "" {
			id = req.URL
		}
		id, n, err = h.importBytes(r.Context(), id, name, data)

	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown import type %q", req.Type)
		return
	}

	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, importResponse{ID: id, Indexed: n})
}

// importBytes stages data in a temporary file so the extractor can pick a
// format from name's extension.
func (h *handler) importBytes(ctx context.Context, id, name string, data []byte) (string, int, error) {
	f, err := os.CreateTemp("", "pixella-import-*"+filepath.Ext(name))
	if err != nil {
		return id, 0, fmt.Errorf("staging import: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return id, 0, fmt.Errorf("staging import: %w", err)
	}
	if err := f.Close(); err != nil {
		return id, 0, fmt.Errorf("staging import: %w", err)
	}
	return h.svc.ImportFile(ctx, id, f.Name())
}

// fetch downloads rawURL and returns its body with a file name whose
// extension reflects the content type.
func (h *handler) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("url returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return nil, "", err
	}

	name := path.Base(req.URL.Path)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		name = "page.html"
	case mediaType == "application/pdf":
		name = "document.pdf"
	case strings.HasPrefix(mediaType, "text/"):
		name = "document.txt"
	}
	return body, name, nil
}

func (h *handler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteDocument(r.Context(), pathParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *handler) exportDocuments(w http.ResponseWriter, r *http.Request) {
	exp, err := h.svc.ExportDocuments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (h *handler) clearDocuments(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearIndex(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *handler) recall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if !decodeBody(w, r, maxRequestBodySize, &req) {
		return
	}
	results, err := h.svc.Recall(r.Context(), req.Query, req.TopK)
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	respondJSON(w, http.StatusOK, results)
}
