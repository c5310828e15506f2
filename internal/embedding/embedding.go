// Package embedding provides the vector similarity capability: encoders that
// turn text into fixed-dimension vectors and a ranking service that scores
// candidate profile vectors against a query text.
package embedding

import (
	"context"
	"errors"
	"math"
	"sort"
)

// Encoder turns text into a fixed-dimension vector.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// ErrEmptyVector is returned when an encoder produced no vector for a text.
var ErrEmptyVector = errors.New("embedding: empty vector")

// Candidate is one profile vector to be scored.
type Candidate struct {
	ID     string
	Vector []float32
}

// Score is the similarity of one candidate to the query.
type Score struct {
	ID    string
	Score float64
}

// Service ranks candidates against an encoded query.
type Service struct {
	encoder Encoder
}

// NewService wraps an encoder.
func NewService(encoder Encoder) *Service {
	return &Service{encoder: encoder}
}

// Encoder exposes the underlying encoder, used by the agent directory to
// vectorise profile summaries at registration time.
func (s *Service) Encoder() Encoder {
	return s.encoder
}

// Encode encodes text through the configured encoder.
func (s *Service) Encode(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.encoder.Encode(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, ErrEmptyVector
	}
	return vec, nil
}

// Rank encodes text and scores every candidate by cosine similarity.
func (s *Service) Rank(ctx context.Context, text string, candidates []Candidate) ([]Score, error) {
	query, err := s.Encode(ctx, text)
	if err != nil {
		return nil, err
	}
	return RankVector(query, candidates), nil
}

// RankVector scores candidates against an already encoded query. The result
// is ordered by score descending; equal scores are ordered by candidate id so
// that the ranking is reproducible for a fixed snapshot and query.
func RankVector(query []float32, candidates []Candidate) []Score {
	scores := make([]Score, 0, len(candidates))
	for _, c := range candidates {
		scores = append(scores, Score{ID: c.ID, Score: Cosine(query, c.Vector)})
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ID < scores[j].ID
	})
	return scores
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length are compared over their common prefix; zero vectors score 0.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
