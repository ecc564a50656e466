/**
 * Description vectorizer
 *
 * Turns a product description into a fixed-size vector by hashing its
 * character trigrams. OCR errors usually change one or two characters, so
 * trigram overlap keeps misread descriptions close to the clean ones.
 */

package processor

import (
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/adverant/nexus/pcf-worker/internal/pcf"
	"github.com/adverant/nexus/pcf-worker/internal/storage"
)

// DescriptionVectorizer hashes trigrams into a fixed number of buckets
type DescriptionVectorizer struct {
	dimensions int
}

// NewDescriptionVectorizer creates a vectorizer sized for the description index
func NewDescriptionVectorizer() *DescriptionVectorizer {
	return &DescriptionVectorizer{dimensions: storage.DescriptionVectorSize}
}

// Dimensions returns the vector length
func (v *DescriptionVectorizer) Dimensions() int {
	return v.dimensions
}

// Vectorize returns an L2-normalized trigram vector, or a zero vector for blank text
func (v *DescriptionVectorizer) Vectorize(text string) []float32 {
	vec := make([]float32, v.dimensions)

	norm := normalizeDescription(text)
	if norm == "" {
		return vec
	}

	// Pad so single words still produce edge trigrams
	padded := []rune(" " + norm + " ")
	for i := 0; i+3 <= len(padded); i++ {
		h := xxhash.Sum64String(string(padded[i : i+3]))
		bucket := h % uint64(v.dimensions)
		// The high bit picks a sign so unrelated collisions tend to cancel
		if h>>63 == 1 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// VectorizeItems returns one vector per line item description
func (v *DescriptionVectorizer) VectorizeItems(items []pcf.ProcessedItem) [][]float32 {
	vectors := make([][]float32, len(items))
	for i, item := range items {
		vectors[i] = v.Vectorize(item.Description)
	}
	return vectors
}

// normalizeDescription upper-cases, drops punctuation and collapses spaces
func normalizeDescription(text string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToUpper(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}
