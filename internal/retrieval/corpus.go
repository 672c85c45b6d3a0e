package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/feed"
	"github.com/linnemanlabs/sentinel/internal/graph"
	"github.com/linnemanlabs/sentinel/internal/incident"
)

// Incidents lists every incident in the ledger.
type Incidents interface {
	All() []incident.Incident
}

// Nodes lists every topology node.
type Nodes interface {
	Nodes() []graph.Node
}

// Feeds returns the current vulnerability feed snapshot, or nil.
type Feeds interface {
	Feed() *feed.Feed
}

// Sources are the collaborators a corpus is assembled from. Nil fields
// are skipped.
type Sources struct {
	Incidents Incidents
	Nodes     Nodes
	Feed      Feeds
}

// BuildCorpus assembles one document per incident, per node and per feed
// record, in that order.
func BuildCorpus(src Sources) []Document {
	var docs []Document

	if src.Incidents != nil {
		for _, inc := range src.Incidents.All() {
			docs = append(docs, Document{
				Text: fmt.Sprintf("INCIDENT %s | source: %s | severity: %s | desc: %s",
					inc.ID, inc.Source, FormatSeverity(inc.Severity), inc.Description),
				Origin: Origin{Kind: KindIncident, ID: inc.ID, Label: inc.Source},
			})
		}
	}

	if src.Nodes != nil {
		for _, n := range src.Nodes.Nodes() {
			meta, err := json.Marshal(n.Meta)
			if err != nil {
				meta = []byte("{}")
			}
			docs = append(docs, Document{
				Text:   fmt.Sprintf("NODE %s | meta: %s", n.ID, meta),
				Origin: Origin{Kind: KindNode, ID: n.ID, Label: n.Type()},
			})
		}
	}

	if src.Feed != nil {
		for _, r := range src.Feed.Feed().Records() {
			docs = append(docs, Document{
				Text: fmt.Sprintf("CVE %s | package: %s | cvss: %s | desc: %s",
					r.CVEID, r.Package, strconv.FormatFloat(r.CVSS, 'f', -1, 64), r.Description),
				Origin: Origin{Kind: KindCVE, ID: r.CVEID, Label: r.Package},
			})
		}
	}

	return docs
}

// FormatSeverity renders a severity the shortest way that round-trips.
func FormatSeverity(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// Retriever answers queries over a corpus rebuilt from its sources on every
// call. Rebuilding keeps results consistent with the ledger and graph at
// query time; the cost grows linearly with the number of incidents.
type Retriever struct {
	src         Sources
	maxFeatures int
	logger      log.Logger
	onFit       func(docs int)

	mu sync.Mutex // serializes Fit+Query on ix
	ix *Index
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithLogger sets the retriever logger.
func WithLogger(l log.Logger) RetrieverOption {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithFitHook is called with the corpus size after every rebuild.
func WithFitHook(fn func(docs int)) RetrieverOption {
	return func(r *Retriever) { r.onFit = fn }
}

// NewRetriever creates a Retriever over src.
func NewRetriever(src Sources, maxFeatures int, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		src:         src,
		maxFeatures: maxFeatures,
		logger:      log.Nop(),
		ix:          NewIndex(maxFeatures),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve rebuilds the index and returns at most k hits for text. An
// empty corpus yields no hits.
func (r *Retriever) Retrieve(ctx context.Context, text string, k int) []Hit {
	docs := BuildCorpus(r.src)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ix.Fit(docs)
	if r.onFit != nil {
		r.onFit(len(docs))
	}
	if r.ix.Len() == 0 {
		if len(docs) > 0 {
			r.logger.Warn(ctx, "retrieval corpus has no indexable terms", "documents", len(docs))
		}
		return nil
	}
	return r.ix.Query(text, k)
}
