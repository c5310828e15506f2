package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEncoder is a deterministic bag-of-tokens encoder based on feature
// hashing. It needs no network access and is used for local runs and tests.
// Latin words are hashed whole; Han characters are hashed as unigrams and
// bigrams since they are not space separated.
type HashEncoder struct {
	dimension int
}

// NewHashEncoder creates a hashing encoder with the given dimension.
func NewHashEncoder(dimension int) *HashEncoder {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashEncoder{dimension: dimension}
}

// Encode returns an L2-normalised hashed token vector.
func (e *HashEncoder) Encode(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimension)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dimension))
		if sum&0x80000000 != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// Dimension returns the configured dimension.
func (e *HashEncoder) Dimension() int {
	return e.dimension
}

func tokenize(text string) []string {
	var (
		tokens  []string
		word    strings.Builder
		prevHan rune
	)
	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
			if prevHan != 0 {
				tokens = append(tokens, string([]rune{prevHan, r}))
			}
			prevHan = r
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
		prevHan = 0
	}
	flush()
	return tokens
}
