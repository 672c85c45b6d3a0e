package retrieval

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/sentinel/internal/feed"
	"github.com/linnemanlabs/sentinel/internal/graph"
	"github.com/linnemanlabs/sentinel/internal/incident"
)

func doc(kind Kind, id, text string) Document {
	return Document{Text: text, Origin: Origin{Kind: kind, ID: id}}
}

func TestTokenize_DropsStopWordsAndShortTokens(t *testing.T) {
	t.Parallel()

	got := tokenize("The Credential brute-force on db-2 is a x")
	assert.Equal(t, []string{"credential", "brute", "force", "db"}, got)
}

func TestIndex_EmptyCorpus(t *testing.T) {
	t.Parallel()

	ix := NewIndex(0)
	ix.Fit(nil)
	assert.Zero(t, ix.Len())
	assert.Empty(t, ix.Query("anything", 5))

	ix.Fit([]Document{doc(KindNode, "n", "the and of")})
	assert.Zero(t, ix.Len(), "stop-word-only corpus has no vocabulary")
	assert.Empty(t, ix.Query("the", 5))
}

func TestIndex_RanksMostSimilarFirst(t *testing.T) {
	t.Parallel()

	ix := NewIndex(0)
	ix.Fit([]Document{
		doc(KindIncident, "a", "suspicious process spawn on endpoint"),
		doc(KindIncident, "b", "credential brute force against database"),
		doc(KindCVE, "c", "openssl infinite loop certificate parsing"),
	})

	hits := ix.Query("brute force credential", 3)
	require.Len(t, hits, 3)
	assert.Equal(t, "b", hits[0].Origin.ID)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.LessOrEqual(t, hits[0].Score, 1.0+1e-9)
}

func TestIndex_TopKAndOrdering(t *testing.T) {
	t.Parallel()

	var docs []Document
	for i := range 20 {
		docs = append(docs, doc(KindIncident, fmt.Sprint(i), fmt.Sprintf("alert %d token%d shared words host%d", i, i%3, i%5)))
	}
	ix := NewIndex(0)
	ix.Fit(docs)

	for _, k := range []int{0, 1, 5, 20, 50} {
		hits := ix.Query("shared token1 host2", k)
		assert.LessOrEqual(t, len(hits), k)
		assert.True(t, sort.SliceIsSorted(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score }),
			"hits must be non-increasing by score")
	}
}

func TestIndex_TiesKeepCorpusOrder(t *testing.T) {
	t.Parallel()

	ix := NewIndex(0)
	ix.Fit([]Document{
		doc(KindNode, "first", "gateway"),
		doc(KindNode, "second", "gateway"),
		doc(KindNode, "third", "database"),
	})
	hits := ix.Query("unrelated", 3)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"first", "second", "third"},
		[]string{hits[0].Origin.ID, hits[1].Origin.ID, hits[2].Origin.ID})
}

func TestIndex_VocabularyCap(t *testing.T) {
	t.Parallel()

	ix := NewIndex(2)
	ix.Fit([]Document{
		doc(KindNode, "a", "alpha alpha alpha beta beta gamma"),
		doc(KindNode, "b", "alpha beta delta"),
	})
	assert.Len(t, ix.vocab, 2)
	assert.Contains(t, ix.vocab, "alpha")
	assert.Contains(t, ix.vocab, "beta")
}

type staticIncidents []incident.Incident

func (s staticIncidents) All() []incident.Incident { return s }

type staticFeed struct{ f *feed.Feed }

func (s staticFeed) Feed() *feed.Feed { return s.f }

func TestBuildCorpus_AllSources(t *testing.T) {
	t.Parallel()

	g := graph.New()
	g.AddNode("db-2", map[string]any{graph.KeyType: "database"})

	docs := BuildCorpus(Sources{
		Incidents: staticIncidents{{ID: "INC-1-1", Source: "db-2", Severity: 0.95, Description: "credential brute force"}},
		Nodes:     g,
		Feed:      staticFeed{feed.New([]feed.Record{{CVEID: "CVE-1", Package: "openssl", CVSS: 7.5, Description: "demo"}})},
	})
	require.Len(t, docs, 3)
	assert.Equal(t, "INCIDENT INC-1-1 | source: db-2 | severity: 0.95 | desc: credential brute force", docs[0].Text)
	assert.Equal(t, Origin{Kind: KindNode, ID: "db-2", Label: "database"}, docs[1].Origin)
	assert.Equal(t, `NODE db-2 | meta: {"type":"database"}`, docs[1].Text)
	assert.Equal(t, "CVE CVE-1 | package: openssl | cvss: 7.5 | desc: demo", docs[2].Text)
	assert.Equal(t, "openssl", docs[2].Origin.Label)
}

func TestBuildCorpus_SkipsMissingSources(t *testing.T) {
	t.Parallel()

	assert.Empty(t, BuildCorpus(Sources{}))
	assert.Empty(t, BuildCorpus(Sources{Feed: staticFeed{}}), "nil feed snapshot is skipped")
}

func TestRetriever_RebuildsPerQuery(t *testing.T) {
	t.Parallel()

	l := incident.NewLedger()
	var sizes []int
	r := NewRetriever(Sources{Incidents: l}, 0, WithFitHook(func(n int) { sizes = append(sizes, n) }))
	ctx := context.Background()

	assert.Empty(t, r.Retrieve(ctx, "brute force", 3))

	inc, err := l.Create(ctx, "db-2", 0.95, "credential brute force")
	require.NoError(t, err)
	hits := r.Retrieve(ctx, "brute force", 3)
	require.Len(t, hits, 1)
	assert.Equal(t, inc.ID, hits[0].Origin.ID)
	assert.Equal(t, []int{0, 1}, sizes)
}
