package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"docsync/backend/internal/archive"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/model"
	"docsync/backend/internal/store"
)

type fakeArchive map[string]*archive.DocumentArchive

func (f fakeArchive) Latest(_ context.Context, docID string) (*archive.DocumentArchive, error) {
	if row, ok := f[docID]; ok {
		return row, nil
	}
	return nil, archive.ErrNotArchived
}

func newRouter(t *testing.T, arch ArchiveReader) (*gin.Engine, *collab.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := collab.NewEngine(store.NewMemoryStore(), nil, collab.Options{InstanceID: "inst-1"}, zerolog.Nop())
	t.Cleanup(e.Close)
	h := NewDocuments(e, arch)
	r := gin.New()
	g := r.Group("/collab")
	g.GET("/healthz", h.Healthz)
	g.GET("/documents/:docID", h.GetDocument)
	g.GET("/documents/:docID/archive", h.GetArchive)
	return r, e
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestDocuments_GetDocument(t *testing.T) {
	r, e := newRouter(t, nil)
	if _, err := e.ApplyOperation(context.Background(), "d1", model.TextOperation{Kind: model.OpInsert, Text: "Hi"}); err != nil {
		t.Fatalf("ApplyOperation() error = %v", err)
	}

	w := get(r, "/collab/documents/d1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st model.DocumentState
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.DocumentID != "d1" || st.Content != "Hi" || st.Version != 1 {
		t.Fatalf("state = %+v", st)
	}
}

func TestDocuments_GetDocumentRejectsLongID(t *testing.T) {
	r, e := newRouter(t, nil)
	w := get(r, "/collab/documents/"+strings.Repeat("d", model.MaxDocumentIDLength+1))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if n := e.Cache().Len(); n != 0 {
		t.Fatalf("cache holds %d documents after rejected request", n)
	}
}

func TestDocuments_Healthz(t *testing.T) {
	r, _ := newRouter(t, nil)
	w := get(r, "/collab/healthz")
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if w.Code != http.StatusOK || body["instanceId"] != "inst-1" {
		t.Fatalf("healthz = %d %v", w.Code, body)
	}
}

func TestDocuments_GetArchive(t *testing.T) {
	r, _ := newRouter(t, fakeArchive{
		"old": {DocID: "old", Version: 9, Content: "bye", ArchivedAt: time.Unix(1_700_000_000, 0)},
	})
	w := get(r, "/collab/documents/old/archive")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["content"] != "bye" || body["version"] != float64(9) {
		t.Fatalf("body = %v", body)
	}
	if w := get(r, "/collab/documents/new/archive"); w.Code != http.StatusNotFound {
		t.Fatalf("missing archive status = %d", w.Code)
	}

	r, _ = newRouter(t, nil)
	if w := get(r, "/collab/documents/old/archive"); w.Code != http.StatusNotFound {
		t.Fatalf("disabled archive status = %d", w.Code)
	}
}
