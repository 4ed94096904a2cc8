// Package search is the pluggable fulltext binding. The store feeds
// an Engine from post-commit events, so search results are eventually
// consistent with rows; an unavailable engine degrades queries, never
// writes.
package search

import "context"

// Document is one indexable unit: the kind's doc type handle, the row's
// local name and the routed field values.
type Document struct {
	DocType   string
	LocalName string
	Fields    map[string]string
}

// Query is a fulltext request over one or more doc types. All terms
// must match.
type Query struct {
	DocTypes []string
	Text     string
	Limit    int
}

type Hit struct {
	DocType   string
	LocalName string
	Score     float64
}

// Engine is the fulltext backend contract. Implementations must be
// safe for concurrent use; Index and Remove are applied after the row
// commit and may lag it.
type Engine interface {
	Available() bool
	Index(ctx context.Context, doc Document) error
	Remove(ctx context.Context, docType, localName string) error
	Search(ctx context.Context, q Query) ([]Hit, error)
}
