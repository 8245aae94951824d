// Package vectorstore indexes chunks for similarity search and exact
// filtered retrieval.
package vectorstore

import "context"

// Document is one chunk to index. ID is stable per chunk within a collection.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// Hit is a stored chunk returned by Query or Get. Score is zero for Get.
type Hit struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	Score    float64        `json:"score"`
}

// Filter matches payload fields by equality. Values are strings, numbers or
// booleans.
type Filter map[string]any

// Store is the capability the retrieval core consumes.
type Store interface {
	Upsert(ctx context.Context, collection string, docs []Document) error
	Query(ctx context.Context, collection, text string, k int, filter Filter) ([]Hit, error)
	Get(ctx context.Context, collection string, filter Filter) ([]Hit, error)
	DeleteCollection(ctx context.Context, collection string) error
}
