package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	fieldText     = "text"
	fieldMetaJSON = "meta_json"
	fieldMeta     = "meta"
	getPageSize   = 500
)

// Bleve keeps one in-memory full-text index per collection. Query ranks by
// BM25 over chunk text; filters match metadata exactly.
type Bleve struct {
	mu      sync.RWMutex
	indexes map[string]bleve.Index
}

func NewBleve() *Bleve {
	return &Bleve{indexes: map[string]bleve.Index{}}
}

func newIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = true
	docMapping.AddFieldMappingsAt(fieldText, textField)

	metaJSON := bleve.NewTextFieldMapping()
	metaJSON.Index = false
	metaJSON.Store = true
	docMapping.AddFieldMappingsAt(fieldMetaJSON, metaJSON)

	// Metadata fields are mapped dynamically; strings use the keyword
	// analyzer so filters match whole values.
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = keyword.Name
	return indexMapping
}

func (b *Bleve) index(collection string, create bool) (bleve.Index, error) {
	b.mu.RLock()
	idx, ok := b.indexes[collection]
	b.mu.RUnlock()
	if ok || !create {
		return idx, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.indexes[collection]; ok {
		return idx, nil
	}
	idx, err := bleve.NewMemOnly(newIndexMapping())
	if err != nil {
		return nil, err
	}
	b.indexes[collection] = idx
	return idx, nil
}

func (b *Bleve) Upsert(ctx context.Context, collection string, docs []Document) error {
	const op = "upsert"
	if len(docs) == 0 {
		return nil
	}
	idx, err := b.index(collection, true)
	if err != nil {
		return storeErr(op, collection, KindQueryFailed, "open index", err)
	}

	batch := idx.NewBatch()
	for i, d := range docs {
		if d.ID == "" {
			return storeErr(op, collection, KindValidation, fmt.Sprintf("document %d has no id", i), nil)
		}
		meta := d.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return storeErr(op, collection, KindValidation, "encode metadata", err)
		}
		doc := map[string]any{
			fieldText:     d.Text,
			fieldMetaJSON: string(raw),
			fieldMeta:     meta,
		}
		if err := batch.Index(d.ID, doc); err != nil {
			return storeErr(op, collection, KindValidation, "index document "+d.ID, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return classifyCallError(op, collection, "upsert cancelled", err)
	}
	if err := idx.Batch(batch); err != nil {
		return storeErr(op, collection, KindQueryFailed, "apply batch", err)
	}
	return nil
}

func (b *Bleve) Query(ctx context.Context, collection, text string, k int, filter Filter) ([]Hit, error) {
	const op = "query"
	idx, _ := b.index(collection, false)
	if idx == nil {
		return nil, storeErr(op, collection, KindNotFound, "collection does not exist", nil)
	}
	if k <= 0 {
		k = 10
	}

	var q query.Query = bleve.NewMatchAllQuery()
	if text != "" {
		mq := bleve.NewMatchQuery(text)
		mq.SetField(fieldText)
		q = mq
	}
	req := bleve.NewSearchRequestOptions(withFilter(q, filter), k, 0, false)
	req.Fields = []string{fieldText, fieldMetaJSON}

	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, classifyCallError(op, collection, "search failed", err)
	}
	hits, err := toHits(res)
	if err != nil {
		return nil, storeErr(op, collection, KindDecode, "decode hit", err)
	}
	return hits, nil
}

func (b *Bleve) Get(ctx context.Context, collection string, filter Filter) ([]Hit, error) {
	const op = "get"
	idx, _ := b.index(collection, false)
	if idx == nil {
		return nil, storeErr(op, collection, KindNotFound, "collection does not exist", nil)
	}

	q := withFilter(bleve.NewMatchAllQuery(), filter)
	var out []Hit
	for from := 0; ; from += getPageSize {
		req := bleve.NewSearchRequestOptions(q, getPageSize, from, false)
		req.Fields = []string{fieldText, fieldMetaJSON}
		req.SortBy([]string{"_id"})

		res, err := idx.SearchInContext(ctx, req)
		if err != nil {
			return nil, classifyCallError(op, collection, "search failed", err)
		}
		hits, err := toHits(res)
		if err != nil {
			return nil, storeErr(op, collection, KindDecode, "decode hit", err)
		}
		for i := range hits {
			hits[i].Score = 0
		}
		out = append(out, hits...)
		if len(res.Hits) < getPageSize || uint64(len(out)) >= res.Total {
			return out, nil
		}
	}
}

func (b *Bleve) DeleteCollection(ctx context.Context, collection string) error {
	b.mu.Lock()
	idx, ok := b.indexes[collection]
	delete(b.indexes, collection)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := idx.Close(); err != nil {
		return storeErr("delete_collection", collection, KindQueryFailed, "close index", err)
	}
	return nil
}

// Close releases every index.
func (b *Bleve) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for name, idx := range b.indexes {
		if err := idx.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.indexes, name)
	}
	return first
}

// withFilter ANDs one exact-match clause per filter key onto q.
func withFilter(q query.Query, f Filter) query.Query {
	if len(f) == 0 {
		return q
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := []query.Query{q}
	for _, k := range keys {
		field := fieldMeta + "." + k
		switch v := f[k].(type) {
		case bool:
			bq := bleve.NewBoolFieldQuery(v)
			bq.SetField(field)
			must = append(must, bq)
		case string:
			tq := bleve.NewTermQuery(v)
			tq.SetField(field)
			must = append(must, tq)
		default:
			if n, ok := toFloat(v); ok {
				inclusive := true
				nq := bleve.NewNumericRangeInclusiveQuery(&n, &n, &inclusive, &inclusive)
				nq.SetField(field)
				must = append(must, nq)
				continue
			}
			tq := bleve.NewTermQuery(fmt.Sprint(v))
			tq.SetField(field)
			must = append(must, tq)
		}
	}
	return bleve.NewConjunctionQuery(must...)
}

func toHits(res *bleve.SearchResult) ([]Hit, error) {
	out := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		text, _ := h.Fields[fieldText].(string)
		meta := map[string]any{}
		if raw, _ := h.Fields[fieldMetaJSON].(string); raw != "" {
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				return nil, fmt.Errorf("hit %s: %w", h.ID, err)
			}
		}
		out = append(out, Hit{ID: h.ID, Text: text, Metadata: meta, Score: h.Score})
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
