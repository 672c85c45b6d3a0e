// Package retrieval is a small lexical search engine over incidents,
// topology nodes and vulnerability records. Documents are weighted with
// smoothed TF-IDF and ranked by cosine similarity.
package retrieval

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// DefaultMaxFeatures caps the vocabulary when none is configured.
const DefaultMaxFeatures = 2000

// Kind tags where a document came from.
type Kind string

const (
	KindIncident Kind = "incident"
	KindNode     Kind = "node"
	KindCVE      Kind = "cve"
)

// Origin identifies the source object behind a document. Label is the
// incident source, the node type or the CVE package.
type Origin struct {
	Kind  Kind   `json:"kind"`
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Document is one corpus entry.
type Document struct {
	Text   string
	Origin Origin
}

// Hit is a ranked query result.
type Hit struct {
	Score  float64 `json:"score"`
	Origin Origin  `json:"origin"`
}

var tokenRE = regexp.MustCompile(`[\p{L}\p{N}_]{2,}`)

// tokenize lowercases text and keeps runs of two or more word characters
// that are not English stop words.
func tokenize(text string) []string {
	raw := tokenRE.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, tok := range raw {
		if _, stop := stopWords[tok]; !stop {
			out = append(out, tok)
		}
	}
	return out
}

type vector map[int]float64

// Index is a fitted vector space. A zero or unfitted Index answers every
// query with no hits. Index is not safe for concurrent Fit and Query.
type Index struct {
	maxFeatures int
	vocab       map[string]int
	idf         []float64
	vectors     []vector
	origins     []Origin
}

// NewIndex returns an empty index keeping at most maxFeatures terms.
func NewIndex(maxFeatures int) *Index {
	if maxFeatures <= 0 {
		maxFeatures = DefaultMaxFeatures
	}
	return &Index{maxFeatures: maxFeatures}
}

// Len is the number of fitted documents.
func (ix *Index) Len() int {
	return len(ix.vectors)
}

// Fit replaces the index contents with docs. An empty corpus leaves a
// null index.
func (ix *Index) Fit(docs []Document) {
	ix.vocab, ix.idf, ix.vectors, ix.origins = nil, nil, nil, nil
	if len(docs) == 0 {
		return
	}

	tokens := make([][]string, len(docs))
	total := map[string]int{}
	df := map[string]int{}
	for i, d := range docs {
		tokens[i] = tokenize(d.Text)
		seen := map[string]bool{}
		for _, t := range tokens[i] {
			total[t]++
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}
	if len(total) == 0 {
		return
	}

	// Keep the most frequent terms corpus-wide; ties resolve alphabetically.
	terms := make([]string, 0, len(total))
	for t := range total {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(a, b int) bool {
		if total[terms[a]] != total[terms[b]] {
			return total[terms[a]] > total[terms[b]]
		}
		return terms[a] < terms[b]
	})
	max := ix.maxFeatures
	if max <= 0 {
		max = DefaultMaxFeatures
	}
	if len(terms) > max {
		terms = terms[:max]
	}
	sort.Strings(terms)

	n := float64(len(docs))
	ix.vocab = make(map[string]int, len(terms))
	ix.idf = make([]float64, len(terms))
	for i, t := range terms {
		ix.vocab[t] = i
		ix.idf[i] = math.Log((1+n)/(1+float64(df[t]))) + 1
	}

	ix.vectors = make([]vector, len(docs))
	ix.origins = make([]Origin, len(docs))
	for i, d := range docs {
		ix.vectors[i] = ix.vectorize(tokens[i])
		ix.origins[i] = d.Origin
	}
}

// vectorize builds the L2-normalized tf-idf vector for tokens.
func (ix *Index) vectorize(tokens []string) vector {
	v := vector{}
	for _, t := range tokens {
		if j, ok := ix.vocab[t]; ok {
			v[j]++
		}
	}
	var norm float64
	for j, tf := range v {
		w := tf * ix.idf[j]
		v[j] = w
		norm += w * w
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for j := range v {
		v[j] /= norm
	}
	return v
}

// Query ranks every document against text and returns at most k hits by
// descending score. Equal scores keep corpus order.
func (ix *Index) Query(text string, k int) []Hit {
	if k <= 0 || len(ix.vectors) == 0 {
		return nil
	}
	q := ix.vectorize(tokenize(text))

	hits := make([]Hit, len(ix.vectors))
	for i, dv := range ix.vectors {
		var dot float64
		for j, w := range q {
			dot += w * dv[j]
		}
		hits[i] = Hit{Score: dot, Origin: ix.origins[i]}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
