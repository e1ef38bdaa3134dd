package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halim/nia/internal/observability"
	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/fault"
)

// SearchOptions configures hybrid search behavior.
type SearchOptions struct {
	Limit         int     `json:"limit"`
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`
	MinScore      float64 `json:"min_score"`
}

// SearchResult is one scored chunk. VectorScore and KeywordScore are set
// only when the corresponding method found the chunk.
type SearchResult struct {
	ChunkID      string   `json:"chunk_id"`
	Source       string   `json:"source"`
	Content      string   `json:"content"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

// candidateLimit bounds how many hits each method contributes before merge.
const candidateLimit = 200

// Search runs vector and keyword search in parallel and merges the scored
// results. Either method failing degrades to the other; only both failing is
// an error. A dirty index is synced first.
func (s *Store) Search(ctx context.Context, query string, opts *SearchOptions) ([]SearchResult, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.memory",
		"memory.search",
		attribute.String("query", query),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() {
		observability.RecordMemorySearch(time.Since(start))
	}()

	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchResult{}, nil
	}

	o := SearchOptions{Limit: 20, VectorWeight: 0.7, KeywordWeight: 0.3}
	if opts != nil {
		o = *opts
	}
	if s.embedder == nil {
		// Without vectors the keyword side carries the full weight, so
		// MinScore means the same thing in both configurations.
		o.KeywordWeight += o.VectorWeight
		o.VectorWeight = 0
	}

	s.mu.RLock()
	dirty := s.dirty
	s.mu.RUnlock()
	if dirty {
		if err := s.Sync(ctx); err != nil {
			logger.Warn().Err(err).Msg("Sync failed before search")
		}
	}

	var (
		vectorHits  []vectorHit
		keywordHits []keywordHit
		vectorErr   error
		keywordErr  error
	)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if s.embedder != nil {
			vectorHits, vectorErr = s.vectorSearch(ctx, query, candidateLimit)
		}
	}()
	go func() {
		defer wg.Done()
		keywordHits, keywordErr = s.keywordSearch(ctx, query, candidateLimit)
	}()
	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if keywordErr != nil && (vectorErr != nil || s.embedder == nil) {
		span.RecordError(keywordErr)
		span.SetStatus(codes.Error, "search failed")
		return nil, fault.New(fault.KindStorage, "memory.search", "memory search is unavailable right now")
	}

	results := s.mergeHits(ctx, vectorHits, keywordHits, o)
	if len(results) > o.Limit {
		results = results[:o.Limit]
	}

	logger.Debug().Str("query", query).Int("results", len(results)).Msg("Memory search completed")
	return results, nil
}

type vectorHit struct {
	chunkID    string
	similarity float64 // cosine similarity in [-1, 1]
}

type keywordHit struct {
	chunkID   string
	bm25Score float64
}

func (s *Store) vectorSearch(ctx context.Context, query string, limit int) ([]vectorHit, error) {
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	encoded, err := json.Marshal(embedding)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, vec_distance_cosine(embedding, ?) AS distance
		FROM embeddings
		ORDER BY distance ASC
		LIMIT ?
	`, string(encoded), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var chunkID string
		var distance float64
		if err := rows.Scan(&chunkID, &distance); err != nil {
			return nil, err
		}
		hits = append(hits, vectorHit{chunkID: chunkID, similarity: 1.0 - distance})
	}
	return hits, rows.Err()
}

// keywordSearch matches the query as one quoted phrase first; when that
// finds nothing and the query has several words, it retries as an OR of the
// words. Free text must be quoted or FTS5 reads - and : as syntax.
func (s *Store) keywordSearch(ctx context.Context, query string, limit int) ([]keywordHit, error) {
	if !hasIndexableRune(query) {
		return nil, nil
	}
	hits, err := s.runKeywordQuery(ctx, ftsPhrase(query), limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		if alt := ftsAnyWord(query); alt != "" && strings.Contains(query, " ") {
			return s.runKeywordQuery(ctx, alt, limit)
		}
	}
	return hits, nil
}

func (s *Store) runKeywordQuery(ctx context.Context, match string, limit int) ([]keywordHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []keywordHit
	for rows.Next() {
		var chunkID string
		var score float64
		if err := rows.Scan(&chunkID, &score); err != nil {
			return nil, err
		}
		// bm25() reports better matches as more negative.
		hits = append(hits, keywordHit{chunkID: chunkID, bm25Score: -score})
	}
	return hits, rows.Err()
}

func ftsPhrase(query string) string {
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
}

// ftsAnyWord drops words with nothing for the tokenizer, so a stray "-"
// never becomes an empty phrase.
func ftsAnyWord(query string) string {
	var quoted []string
	for _, w := range strings.Fields(query) {
		if !hasIndexableRune(w) {
			continue
		}
		quoted = append(quoted, `"`+strings.ReplaceAll(w, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func hasIndexableRune(s string) bool {
	return strings.ContainsFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	})
}

// mergeHits normalizes both score spaces to [0, 1], combines them by
// weight, filters by MinScore, and resolves chunk content.
func (s *Store) mergeHits(ctx context.Context, vectorHits []vectorHit, keywordHits []keywordHit, o SearchOptions) []SearchResult {
	vectorByID := make(map[string]float64, len(vectorHits))
	keywordByID := make(map[string]float64, len(keywordHits))

	var maxKeyword float64
	for _, h := range vectorHits {
		vectorByID[h.chunkID] = h.similarity
	}
	for _, h := range keywordHits {
		keywordByID[h.chunkID] = h.bm25Score
		if h.bm25Score > maxKeyword {
			maxKeyword = h.bm25Score
		}
	}

	seen := make(map[string]bool, len(vectorByID)+len(keywordByID))
	type scored struct {
		chunkID      string
		score        float64
		vectorScore  *float64
		keywordScore *float64
	}
	var candidates []scored
	for _, id := range append(keysOf(vectorByID), keysOf(keywordByID)...) {
		if seen[id] {
			continue
		}
		seen[id] = true

		var vectorNorm, keywordNorm float64
		var vectorPtr, keywordPtr *float64
		if sim, ok := vectorByID[id]; ok {
			vectorNorm = (sim + 1) / 2
			v := vectorNorm
			vectorPtr = &v
		}
		if score, ok := keywordByID[id]; ok && maxKeyword > 0 {
			keywordNorm = score / maxKeyword
			k := keywordNorm
			keywordPtr = &k
		}

		combined := vectorNorm*o.VectorWeight + keywordNorm*o.KeywordWeight
		if o.MinScore > 0 && combined < o.MinScore {
			continue
		}
		candidates = append(candidates, scored{
			chunkID:      id,
			score:        combined,
			vectorScore:  vectorPtr,
			keywordScore: keywordPtr,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].chunkID < candidates[j].chunkID
	})

	results := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		var content, source string
		err := s.db.QueryRowContext(ctx, `
			SELECT c.content, f.path
			FROM chunks c
			JOIN files f ON c.file_id = f.id
			WHERE c.id = ?
		`, c.chunkID).Scan(&content, &source)
		if err != nil {
			s.logger.Warn().Err(err).Str("chunk", c.chunkID).Msg("Failed to resolve chunk")
			continue
		}
		results = append(results, SearchResult{
			ChunkID:      c.chunkID,
			Source:       source,
			Content:      content,
			Score:        c.score,
			VectorScore:  c.vectorScore,
			KeywordScore: c.keywordScore,
		})
	}
	return results
}

func keysOf(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// extractLimit and extractMinScore shape the prompt digest: few chunks,
// and only ones scoring well clear of an unrelated-chunk baseline.
const (
	extractLimit    = 5
	extractMinScore = 0.45
)

// Extract returns a digest of stored material relevant to the query, ready
// to drop into a prompt section, or an empty string when nothing relevant
// is stored.
func (s *Store) Extract(ctx context.Context, query string) (string, error) {
	results, err := s.Search(ctx, query, &SearchOptions{
		Limit:         extractLimit,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
		MinScore:      extractMinScore,
	})
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "From %s:\n%s", r.Source, strings.TrimSpace(r.Content))
	}
	return b.String(), nil
}
