// Package search mirrors approved documents into Meilisearch and serves
// full-text queries over them. Indexing is driven by the fanout layer;
// the store stays the source of truth.
package search

import (
	"context"

	"vellum/api/internal/store"
)

// Record is the data indexed per document. Content is indexed in full;
// results carry a highlighted snippet rather than the whole body.
type Record struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	GroupKey string `json:"groupKey"`
	Status   string `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterKind string // empty = all kinds
	Limit      int
	Offset     int
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	GroupKey string `json:"groupKey"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// RecordFromDocument projects a stored document into its index record.
func RecordFromDocument(doc store.Document) Record {
	return Record{
		ID:       doc.ID,
		Kind:     doc.Kind,
		Title:    doc.Title,
		Content:  doc.Content,
		GroupKey: doc.GroupKey,
		Status:   doc.Status,
	}
}
