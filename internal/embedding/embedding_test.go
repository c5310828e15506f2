package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRankVectorOrdersByScoreThenID(t *testing.T) {
	query := []float32{1, 0}
	candidates := []Candidate{
		{ID: "c", Vector: []float32{1, 0}},
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "d", Vector: []float32{0.6, 0.8}},
	}

	got := RankVector(query, candidates)
	want := []string{"a", "c", "d", "b"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s (%+v)", i, id, got[i].ID, got)
		}
	}
}

func TestRankVectorDeterministic(t *testing.T) {
	enc := NewHashEncoder(64)
	var candidates []Candidate
	for _, text := range []string{"ios swift mobile", "android kotlin mobile", "backend go", "设计 海报", "mobile"} {
		v, _ := enc.Encode(context.Background(), text)
		candidates = append(candidates, Candidate{ID: text, Vector: v})
	}
	query, _ := enc.Encode(context.Background(), "mobile developer")

	first := RankVector(query, candidates)
	for i := 0; i < 5; i++ {
		again := RankVector(query, candidates)
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("ranking changed between runs: %+v vs %+v", first, again)
			}
		}
	}
}

func TestCosineZeroVector(t *testing.T) {
	if s := Cosine([]float32{0, 0}, []float32{1, 1}); s != 0 {
		t.Fatalf("expected 0 for zero vector, got %v", s)
	}
}

func TestHashEncoderSimilarTextsScoreHigher(t *testing.T) {
	enc := NewHashEncoder(256)
	ctx := context.Background()
	q, _ := enc.Encode(ctx, "需要一名移动端开发")
	near, _ := enc.Encode(ctx, "移动端开发工程师")
	far, _ := enc.Encode(ctx, "hiking photography")

	if Cosine(q, near) <= Cosine(q, far) {
		t.Fatalf("expected related text to score higher")
	}
	if len(q) != enc.Dimension() {
		t.Fatalf("unexpected dimension %d", len(q))
	}
}

func TestOpenAIEncoder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{0.1, 0.2}}},
		})
	}))
	defer srv.Close()

	enc, err := NewOpenAIEncoder(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	vec, err := enc.Encode(context.Background(), "hello")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(vec) != 2 {
		t.Fatalf("unexpected vector %v", vec)
	}
}

func TestOllamaEncoderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model missing", http.StatusNotFound)
	}))
	defer srv.Close()

	enc := NewOllamaEncoder(OllamaConfig{BaseURL: srv.URL})
	if _, err := enc.Encode(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}
