// Package search ranks chunks against a query three ways: lexical full-text
// match, vector cosine similarity, and a reciprocal-rank fusion of both.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ignite/inbox-intel/internal/embedder"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/storage"
)

// DefaultMinScore is the cosine floor below which vector hits are noise.
const DefaultMinScore = 0.25

// rrfK dampens the head of each ranking when fusing lists.
const rrfK = 60

// Result is one ranked chunk with its resolved origin.
type Result struct {
	ChunkID    int64                  `json:"chunk_id"`
	SourceType storage.SourceType     `json:"source_type"`
	Content    string                 `json:"content"`
	Score      float64                `json:"score"`
	Source     *storage.SourceDetails `json:"source,omitempty"`
}

// Searcher answers queries over the chunk index.
type Searcher struct {
	store *storage.Store
	enc   embedder.Encoder
}

func New(store *storage.Store, enc embedder.Encoder) *Searcher {
	return &Searcher{store: store, enc: enc}
}

// FTS returns lexical matches best-first. Score is the reciprocal rank, a
// monotone stand-in for the underlying BM25 ordering.
func (s *Searcher) FTS(ctx context.Context, query string, limit int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	chunks, err := s.store.SearchChunksFTS(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(chunks))
	for i := range chunks {
		out = append(out, s.result(ctx, &chunks[i], 1.0/float64(i+1)))
	}
	return out, nil
}

// Vector encodes the query and scans stored embeddings for cosine
// neighbours. Hits below minScore are dropped; pass 0 for the default floor.
func (s *Searcher) Vector(ctx context.Context, query string, limit int, minScore float64) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if minScore <= 0 {
		minScore = DefaultMinScore
	}

	qv, err := s.encodeQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	vecs, err := s.store.EmbeddedChunkVectors(ctx)
	if err != nil {
		return nil, err
	}

	type hit struct {
		id    int64
		score float64
	}
	var hits []hit
	for _, ev := range vecs {
		v, err := storage.DecodeVector(ev.Embedding)
		if err != nil {
			logger.Warn("skipping undecodable embedding", "chunk_id", ev.ID, "error", err)
			continue
		}
		score := storage.CosineSimilarity(qv, v)
		if score < minScore {
			continue
		}
		hits = append(hits, hit{id: ev.ID, score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	chunks, err := s.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(chunks))
	for i := range chunks {
		out = append(out, s.result(ctx, &chunks[i], hits[i].score))
	}
	return out, nil
}

// Hybrid fuses the lexical and vector rankings with reciprocal-rank fusion:
// each list contributes 1/(k+rank) per chunk, summed across lists. Chunks
// found by both rankings rise above chunks found by only one.
func (s *Searcher) Hybrid(ctx context.Context, query string, limit int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	fetch := 2 * limit

	lexical, err := s.store.SearchChunksFTS(ctx, query, fetch)
	if err != nil {
		return nil, err
	}
	vector, err := s.Vector(ctx, query, fetch, DefaultMinScore)
	if err != nil {
		return nil, err
	}

	scores := make(map[int64]float64)
	var order []int64
	fuse := func(ids []int64) {
		for rank, id := range ids {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(rrfK+rank+1)
		}
	}

	lexIDs := make([]int64, len(lexical))
	for i := range lexical {
		lexIDs[i] = lexical[i].ID
	}
	vecIDs := make([]int64, len(vector))
	for i := range vector {
		vecIDs[i] = vector[i].ChunkID
	}
	fuse(lexIDs)
	fuse(vecIDs)

	// Stable sort keeps first-seen order for equal scores.
	sort.SliceStable(order, func(i, j int) bool { return scores[order[i]] > scores[order[j]] })
	if len(order) > limit {
		order = order[:limit]
	}

	chunks, err := s.store.GetChunksByIDs(ctx, order)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(chunks))
	for i := range chunks {
		out = append(out, s.result(ctx, &chunks[i], scores[chunks[i].ID]))
	}
	return out, nil
}

func (s *Searcher) encodeQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := s.enc.Encode(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("encode query: got %d vectors", len(vecs))
	}
	return vecs[0], nil
}

// result resolves the chunk's origin. Resolution failure leaves Source nil
// rather than dropping the hit.
func (s *Searcher) result(ctx context.Context, c *storage.Chunk, score float64) Result {
	r := Result{
		ChunkID:    c.ID,
		SourceType: c.SourceType,
		Content:    c.Content,
		Score:      score,
	}
	src, err := s.store.ChunkSource(ctx, c)
	if err != nil {
		logger.Debug("chunk source unavailable", "chunk_id", c.ID, "error", err)
		return r
	}
	r.Source = src
	return r
}
