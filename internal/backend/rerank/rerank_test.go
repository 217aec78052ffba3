package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"atlas/internal/atlaserr"
	"atlas/internal/logging"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRerankScoresInInputOrder(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Query != "best doc" {
			t.Errorf("query = %q", req.Query)
		}
		// Results out of order on purpose; scores keyed by index.
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 1, "relevance_score": 0.9},
				{"index": 0, "relevance_score": 0.2},
			},
		})
	})

	c := New(Config{ID: "rr", URL: srv.URL}, logging.Discard())
	scores, err := c.Rerank(context.Background(), "best doc", []string{"meh", "great"})
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(scores) != 2 || scores[0] != 0.2 || scores[1] != 0.9 {
		t.Fatalf("scores = %v", scores)
	}
}

func TestRerankEnforcesMaxDocuments(t *testing.T) {
	c := New(Config{ID: "rr", URL: "http://unused", MaxDocuments: 2}, logging.Discard())
	_, err := c.Rerank(context.Background(), "q", []string{"a", "b", "c"})
	if atlaserr.KindOf(err) != atlaserr.KindValidation {
		t.Fatalf("kind = %v, want validation", atlaserr.KindOf(err))
	}
}

func TestRerankServerErrorIsTransient(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	c := New(Config{ID: "rr", URL: srv.URL}, logging.Discard())
	_, err := c.Rerank(context.Background(), "q", []string{"a"})
	if !atlaserr.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("error should carry the status: %v", err)
	}
}

func TestRerankAuthHeader(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"index": 0, "relevance_score": 1.0}},
		})
	})
	c := New(Config{ID: "rr", URL: srv.URL, APIKey: "sekrit"}, logging.Discard())
	if _, err := c.Rerank(context.Background(), "q", []string{"a"}); err != nil {
		t.Fatalf("Rerank: %v", err)
	}
}
