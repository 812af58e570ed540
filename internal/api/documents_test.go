package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/retrieval"
)

func TestDocuments_ImportTextAndRecall(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/documents", `{"id":"doc1","content":"Paris is the capital of France."}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("import status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var imp importResponse
	json.NewDecoder(rr.Body).Decode(&imp)
	if imp.ID != "doc1" || imp.Indexed != 1 {
		t.Errorf("import = %+v", imp)
	}

	rr = env.do(t, http.MethodPost, "/v1/recall", `{"query":"capital of France","top_k":2}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("recall status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var results []retrieval.Result
	json.NewDecoder(rr.Body).Decode(&results)
	if len(results) != 1 || results[0].DocumentID != "doc1" || results[0].Rank != 1 {
		t.Errorf("results = %+v", results)
	}

	rr = env.do(t, http.MethodGet, "/v1/documents", "")
	var docs []retrieval.DocumentInfo
	json.NewDecoder(rr.Body).Decode(&docs)
	if len(docs) != 1 || docs[0].Chunks != 1 {
		t.Errorf("documents = %+v", docs)
	}
}

func TestDocuments_ImportValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name, body string
	}{
		{"missing id", `{"content":"text"}`},
		{"empty text", `{"id":"d","content":"   "}`},
		{"bad base64", `{"type":"file","filename":"a.txt","content":"!!!"}`},
		{"url without url", `{"type":"url"}`},
		{"unknown type", `{"id":"d","type":"fax","content":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/v1/documents", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestDocuments_ImportFile(t *testing.T) {
	env := newTestEnv(t)
	html := `<html><body><h1>Guide</h1><p>Lisbon is the capital of Portugal.</p><script>x()</script></body></html>`
	body := fmt.Sprintf(`{"type":"file","filename":"guide.html","content":%q}`, base64.StdEncoding.EncodeToString([]byte(html)))

	rr := env.do(t, http.MethodPost, "/v1/documents", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var imp importResponse
	json.NewDecoder(rr.Body).Decode(&imp)
	if imp.ID != "guide.html" || imp.Indexed == 0 {
		t.Errorf("import = %+v", imp)
	}

	rr = env.do(t, http.MethodPost, "/v1/recall", `{"query":"capital of Portugal"}`)
	if strings.Contains(rr.Body.String(), "x()") {
		t.Errorf("script text leaked into index: %s", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "Lisbon") {
		t.Errorf("recall = %s", rr.Body.String())
	}
}

func TestDocuments_ImportURL(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<p>Oslo is the capital of Norway.</p>`)
	}))
	defer page.Close()

	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/v1/documents", fmt.Sprintf(`{"type":"url","url":%q}`, page.URL+"/norway"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var imp importResponse
	json.NewDecoder(rr.Body).Decode(&imp)
	if imp.ID != page.URL+"/norway" || imp.Indexed != 1 {
		t.Errorf("import = %+v", imp)
	}

	rr = env.do(t, http.MethodDelete, "/v1/documents/"+url.PathEscape(imp.ID), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d; body = %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodGet, "/v1/documents", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("documents after delete = %s", rr.Body.String())
	}
}

func TestDocuments_ImportURLFailure(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer page.Close()

	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/v1/documents", fmt.Sprintf(`{"type":"url","url":%q}`, page.URL))
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
}

func TestDocuments_EmbeddingOutage(t *testing.T) {
	env := newTestEnv(t)
	env.eng.setErr(apperr.Unavailable(apperr.ServiceEmbedding, errors.New("down")))

	rr := env.do(t, http.MethodPost, "/v1/documents", `{"id":"doc1","content":"some text"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		DocumentID string `json:"document_id"`
		Indexed    int    `json:"indexed"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if body.DocumentID != "doc1" || body.Indexed != 0 {
		t.Errorf("body = %+v", body)
	}

	rr = env.do(t, http.MethodGet, "/v1/documents", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("documents after failed import = %s", rr.Body.String())
	}
}

func TestDocuments_DeleteAndClear(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/documents", `{"id":"a","content":"alpha"}`)
	env.do(t, http.MethodPost, "/v1/documents", `{"id":"b","content":"beta"}`)

	if rr := env.do(t, http.MethodDelete, "/v1/documents/a", ""); rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/v1/documents/a", ""); rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}

	if rr := env.do(t, http.MethodDelete, "/v1/documents", ""); rr.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rr.Code)
	}
	rr := env.do(t, http.MethodGet, "/v1/documents", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("documents after clear = %s", rr.Body.String())
	}
}

func TestRecall_BlankQuery(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPost, "/v1/recall", `{"query":" "}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestRecall_TopKAboveMaximum(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/documents", `{"id":"a","content":"alpha"}`)

	rr := env.do(t, http.MethodPost, "/v1/recall", `{"query":"alpha","top_k":1099511627776}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "top_k") {
		t.Errorf("body = %s", rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/v1/recall", `{"query":"alpha","top_k":100}`)
	if rr.Code != http.StatusOK {
		t.Errorf("status at the maximum = %d; body = %s", rr.Code, rr.Body.String())
	}
}

func TestDocuments_Export(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/documents", `{"id":"b","content":"beta text"}`)
	env.do(t, http.MethodPost, "/v1/documents", `{"id":"a","content":"alpha text"}`)

	rr := env.do(t, http.MethodGet, "/v1/documents/export", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var exp struct {
		Count  int `json:"count"`
		Chunks []struct {
			DocumentID string `json:"document_id"`
			Index      int    `json:"chunk_index"`
			Text       string `json:"text"`
			CreatedAt  string `json:"created_at"`
		} `json:"chunks"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&exp); err != nil {
		t.Fatalf("decoding export: %v", err)
	}
	if exp.Count != 2 || len(exp.Chunks) != 2 {
		t.Fatalf("export = %+v", exp)
	}
	if exp.Chunks[0].DocumentID != "a" || exp.Chunks[0].Text != "alpha text" || exp.Chunks[0].CreatedAt == "" {
		t.Errorf("first chunk = %+v", exp.Chunks[0])
	}
}
