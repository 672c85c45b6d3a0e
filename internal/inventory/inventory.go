// Package inventory derives the installed packages of each infrastructure
// node from the topology graph, synthesizing and caching plausible data on
// first access.
package inventory

import (
	"math/rand/v2"
	"sync"

	"github.com/linnemanlabs/sentinel/internal/graph"
)

// Package is one installed package on a node.
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// NodePackages pairs a node with its inventory.
type NodePackages struct {
	Node     string
	Packages []Package
}

// Graph is the subset of the topology graph the adapter needs.
type Graph interface {
	Nodes() []graph.Node
	Update(id string, fn func(meta map[string]any)) error
}

// candidate versions for synthesized inventories.
var catalog = []struct {
	name     string
	versions []string
}{
	{"openssl", []string{"1.1.1", "1.1.0", "1.2.0"}},
	{"log4j", []string{"2.14.1", "2.13.0", "2.16.0"}},
	{"nginx", []string{"1.18.0", "1.20.1", "1.19.0"}},
}

// Adapter reads and caches per-node inventories on the graph.
type Adapter struct {
	g Graph

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRand sets the random source used for synthesis.
func WithRand(r *rand.Rand) Option {
	return func(a *Adapter) { a.rng = r }
}

// New creates an Adapter over g.
func New(g Graph, opts ...Option) *Adapter {
	a := &Adapter{g: g}
	for _, o := range opts {
		o(a)
	}
	if a.rng == nil {
		a.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return a
}

// PackagesForNode returns the inventory of node id, synthesizing and
// persisting one onto the node when absent. Incident-shadow nodes and
// unknown nodes yield nil.
func (a *Adapter) PackagesForNode(id string) []Package {
	var out []Package
	err := a.g.Update(id, func(meta map[string]any) {
		out = a.resolve(meta)
	})
	if err != nil {
		return nil
	}
	return out
}

// All returns the inventory of every infrastructure node in graph order.
func (a *Adapter) All() []NodePackages {
	var out []NodePackages
	for _, n := range a.g.Nodes() {
		if n.Type() == graph.TypeIncident {
			continue
		}
		pkgs := a.PackagesForNode(n.ID)
		if pkgs == nil {
			continue
		}
		out = append(out, NodePackages{Node: n.ID, Packages: pkgs})
	}
	return out
}

// resolve runs under the graph write lock.
func (a *Adapter) resolve(meta map[string]any) []Package {
	if t, _ := meta[graph.KeyType].(string); t == graph.TypeIncident {
		return nil
	}
	if pkgs, ok := decode(meta[graph.KeyPackages]); ok && len(pkgs) > 0 {
		return pkgs
	}

	pkgs := a.synthesize()
	meta[graph.KeyPackages] = pkgs
	return clonePackages(pkgs)
}

func (a *Adapter) synthesize() []Package {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Package, 0, len(catalog))
	for _, c := range catalog {
		out = append(out, Package{Name: c.name, Version: c.versions[a.rng.IntN(len(c.versions))]})
	}
	return out
}

// decode accepts the shapes inventory metadata can take: our own []Package
// or generic JSON-ish []any / []map[string]any supplied by other writers.
func decode(v any) ([]Package, bool) {
	switch pkgs := v.(type) {
	case []Package:
		return clonePackages(pkgs), true
	case []map[string]any:
		out := make([]Package, 0, len(pkgs))
		for _, m := range pkgs {
			out = append(out, fromMap(m))
		}
		return out, true
	case []any:
		out := make([]Package, 0, len(pkgs))
		for _, item := range pkgs {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, fromMap(m))
		}
		return out, true
	default:
		return nil, false
	}
}

func fromMap(m map[string]any) Package {
	name, _ := m["name"].(string)
	version, _ := m["version"].(string)
	if version == "" {
		version = "0.0.0"
	}
	return Package{Name: name, Version: version}
}

func clonePackages(p []Package) []Package {
	out := make([]Package, len(p))
	copy(out, p)
	return out
}
