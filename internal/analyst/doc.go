// Package analyst implements the escalating analyst tiers: a rule-based
// classifier, a retrieval-augmented prompt composer, and an external
// generative call with a deterministic template fallback. Each tier that
// analyzes incidents by id satisfies Analyzer.
package analyst
