package discussion

import (
	"strings"
	"unicode"
)

// Digest is a normalized token multiset over one or more turns. It is the
// unit of content comparison for the SVR similarity factors.
type Digest map[string]int

// Tokenize lower-cases s and splits it on any non-letter, non-digit rune.
// Tokens shorter than two runes are dropped; they carry no signal and
// dominate short replies.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

// NewDigest builds a Digest over the given texts.
func NewDigest(texts ...string) Digest {
	d := Digest{}
	for _, t := range texts {
		for _, tok := range Tokenize(t) {
			d[tok]++
		}
	}
	return d
}

// Union merges other into a copy of d.
func (d Digest) Union(other Digest) Digest {
	out := make(Digest, len(d)+len(other))
	for k, v := range d {
		out[k] += v
	}
	for k, v := range other {
		out[k] += v
	}
	return out
}

// Jaccard returns the Jaccard similarity of the two digests' token sets,
// in [0,1]. Two empty digests are defined as identical (1).
func Jaccard(a, b Digest) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// NGramOverlap returns the fraction of token n-grams of a that also occur
// in b, in [0,1]. Texts too short to form an n-gram overlap nothing.
func NGramOverlap(a, b string, n int) float64 {
	ga := ngrams(Tokenize(a), n)
	gb := ngrams(Tokenize(b), n)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	hits := 0
	for g := range ga {
		if _, ok := gb[g]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(ga))
}

func ngrams(tokens []string, n int) map[string]struct{} {
	out := map[string]struct{}{}
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], " ")] = struct{}{}
	}
	return out
}

// clip bounds x to [0,1].
func clip(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
