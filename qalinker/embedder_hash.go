package qalinker

import (
	"context"
	"fmt"
	"github.com/cespare/xxhash/v2"
	"strings"
	"unicode"
)

const (
	hashWeightUnigram = 1.0
	hashWeightBigram  = 0.7
	hashWeightTrigram = 0.25
)

// HashEmbedder is an offline embedder based on the hashing trick. Word
// unigrams, word bigrams and character trigrams are hashed into signed
// buckets, so texts sharing words and word fragments land close together.
//
// It doesn't understand meaning the way a trained sentence model does,
// but it's deterministic, free, and good enough to link paraphrases that
// reuse vocabulary.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	return &HashEmbedder{dim: dimension}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	words := tokenize(text)
	if len(words) == 0 {
		return nil, ErrEmptyText
	}
	vec := make([]float32, e.dim)

	for i, w := range words {
		e.add(vec, "w:"+w, hashWeightUnigram)
		if i > 0 {
			e.add(vec, "b:"+words[i-1]+" "+w, hashWeightBigram)
		}
		padded := []rune("#" + w + "#")
		for j := 0; j+3 <= len(padded); j++ {
			e.add(vec, "c:"+string(padded[j:j+3]), hashWeightTrigram)
		}
	}

	l2normalize(vec)
	return vec, nil
}

// add hashes the feature into a bucket, using the top bit of the hash
// as the sign
func (e *HashEmbedder) add(vec []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	idx := h % uint64(e.dim)
	if h>>63 == 1 {
		vec[idx] -= weight
	} else {
		vec[idx] += weight
	}
}

func (e *HashEmbedder) Dimension() int {
	return e.dim
}

func (e *HashEmbedder) ModelInfo() string {
	return fmt.Sprintf("hash-xxh64-%d", e.dim)
}

// tokenize lowercases text and splits it into runs of letters and digits
func tokenize(text string) []string {
	return strings.FieldsFunc(
		strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		},
	)
}
