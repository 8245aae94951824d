package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgallion1/docchat/internal/embed"
	"github.com/google/uuid"
)

const (
	payloadTextKey    = "_text"
	payloadDocIDKey   = "_doc_id"
	maxErrorBodyBytes = 1024
	scrollPageSize    = 256
)

var pointIDNamespace = uuid.MustParse("3d0c8f5e-6a3b-4f0e-9a7d-2b1e4c5d6f70")

// Qdrant stores chunks in Qdrant over its REST API, one collection per
// document. Vectors come from the configured embedder; collections are
// created on first upsert with cosine distance.
type Qdrant struct {
	baseURL  string
	http     *http.Client
	embedder embed.Embedder
	log      *slog.Logger

	mu      sync.Mutex
	created map[string]bool
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
}

type qdrantPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func NewQdrant(baseURL string, embedder embed.Embedder, log *slog.Logger) *Qdrant {
	if log == nil {
		log = slog.Default()
	}
	return &Qdrant{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		embedder: embedder,
		log:      log.With("component", "qdrant"),
		created:  map[string]bool{},
	}
}

func (q *Qdrant) Upsert(ctx context.Context, collection string, docs []Document) error {
	const op = "upsert"
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		if strings.TrimSpace(d.ID) == "" {
			return storeErr(op, collection, KindValidation, fmt.Sprintf("document %d has no id", i), nil)
		}
		texts[i] = d.Text
	}
	vectors, err := q.embedder.Embed(ctx, texts)
	if err != nil {
		return storeErr(op, collection, KindQueryFailed, "embed documents", err)
	}
	if len(vectors) != len(docs) || len(vectors[0]) == 0 {
		return storeErr(op, collection, KindValidation, "embedder returned unexpected vectors", nil)
	}
	if err := q.ensureCollection(ctx, collection, len(vectors[0])); err != nil {
		return err
	}

	points := make([]map[string]any, 0, len(docs))
	for i, d := range docs {
		payload := clonePayload(d.Metadata)
		payload[payloadTextKey] = d.Text
		payload[payloadDocIDKey] = d.ID
		points = append(points, map[string]any{
			"id":      pointID(collection, d.ID),
			"vector":  vectors[i],
			"payload": payload,
		})
	}
	return q.doJSON(ctx, op, collection, http.MethodPut, collectionPath(collection, "/points?wait=true"), map[string]any{"points": points}, nil)
}

func (q *Qdrant) Query(ctx context.Context, collection, text string, k int, filter Filter) ([]Hit, error) {
	const op = "query"
	if k <= 0 {
		k = 10
	}
	vectors, err := q.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, storeErr(op, collection, KindQueryFailed, "embed query", err)
	}
	if len(vectors) != 1 {
		return nil, storeErr(op, collection, KindValidation, "embedder returned no query vector", nil)
	}

	req := map[string]any{
		"vector":       vectors[0],
		"limit":        k,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := translateFilter(filter); f != nil {
		req["filter"] = f
	}
	var raw []qdrantPoint
	if err := q.doJSON(ctx, op, collection, http.MethodPost, collectionPath(collection, "/points/search"), req, &raw); err != nil {
		return nil, err
	}

	out := make([]Hit, 0, len(raw))
	for _, p := range raw {
		out = append(out, toHit(p))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (q *Qdrant) Get(ctx context.Context, collection string, filter Filter) ([]Hit, error) {
	const op = "get"
	var out []Hit
	var offset json.RawMessage
	for {
		req := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": true,
			"with_vector":  false,
		}
		if f := translateFilter(filter); f != nil {
			req["filter"] = f
		}
		if len(offset) > 0 {
			req["offset"] = offset
		}
		var page struct {
			Points         []qdrantPoint   `json:"points"`
			NextPageOffset json.RawMessage `json:"next_page_offset"`
		}
		if err := q.doJSON(ctx, op, collection, http.MethodPost, collectionPath(collection, "/points/scroll"), req, &page); err != nil {
			return nil, err
		}
		for _, p := range page.Points {
			out = append(out, toHit(p))
		}
		next := strings.TrimSpace(string(page.NextPageOffset))
		if next == "" || next == "null" {
			return out, nil
		}
		offset = page.NextPageOffset
	}
}

func (q *Qdrant) DeleteCollection(ctx context.Context, collection string) error {
	const op = "delete_collection"
	err := q.doJSON(ctx, op, collection, http.MethodDelete, collectionPath(collection, ""), nil, nil)
	if IsNotFound(err) {
		err = nil
	}
	if err == nil {
		q.mu.Lock()
		delete(q.created, collection)
		q.mu.Unlock()
	}
	return err
}

// ensureCollection creates collection when Qdrant does not know it yet.
func (q *Qdrant) ensureCollection(ctx context.Context, collection string, dim int) error {
	q.mu.Lock()
	known := q.created[collection]
	q.mu.Unlock()
	if known {
		return nil
	}

	const op = "ensure_collection"
	err := q.doJSON(ctx, op, collection, http.MethodGet, collectionPath(collection, ""), nil, nil)
	if IsNotFound(err) {
		req := map[string]any{"vectors": map[string]any{"size": dim, "distance": "Cosine"}}
		err = q.doJSON(ctx, op, collection, http.MethodPut, collectionPath(collection, ""), req, nil)
		if err == nil {
			q.log.Info("qdrant collection created", "collection", collection, "vector_dim", dim)
		}
	}
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.created[collection] = true
	q.mu.Unlock()
	return nil
}

func (q *Qdrant) doJSON(ctx context.Context, op, collection, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return storeErr(op, collection, KindValidation, "encode request", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return storeErr(op, collection, KindValidation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.http.Do(req)
	if err != nil {
		return classifyCallError(op, collection, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return storeErr(op, collection, KindDecode, "read response", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return &Error{Kind: KindNotFound, Op: op, Collection: collection, StatusCode: resp.StatusCode, Message: truncateBody(raw)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: KindQueryFailed, Op: op, Collection: collection, StatusCode: resp.StatusCode, Message: truncateBody(raw)}
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return storeErr(op, collection, KindDecode, "decode qdrant envelope", err)
	}
	if msg := envelopeStatusError(envelope.Status); msg != "" {
		return &Error{Kind: KindQueryFailed, Op: op, Collection: collection, StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return storeErr(op, collection, KindDecode, "decode qdrant result", err)
	}
	return nil
}

// translateFilter builds a must-match filter; nil when f is empty.
func translateFilter(f Filter) map[string]any {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := make([]any, 0, len(keys))
	for _, k := range keys {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": f[k]},
		})
	}
	return map[string]any{"must": must}
}

func envelopeStatusError(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.EqualFold(s, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", s)
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && strings.TrimSpace(obj.Error) != "" {
		return strings.TrimSpace(obj.Error)
	}
	return "qdrant status=" + status
}

func toHit(p qdrantPoint) Hit {
	payload := clonePayload(p.Payload)
	text, _ := payload[payloadTextKey].(string)
	id, _ := payload[payloadDocIDKey].(string)
	delete(payload, payloadTextKey)
	delete(payload, payloadDocIDKey)
	if id == "" {
		id = strings.Trim(string(p.ID), `"`)
	}
	return Hit{ID: id, Text: text, Metadata: payload, Score: p.Score}
}

func pointID(collection, id string) string {
	return uuid.NewSHA1(pointIDNamespace, []byte(collection+"|"+id)).String()
}

func collectionPath(collection, suffix string) string {
	return "/collections/" + collection + suffix
}

func truncateBody(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) <= maxErrorBodyBytes {
		return s
	}
	return s[:maxErrorBodyBytes] + "..."
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
