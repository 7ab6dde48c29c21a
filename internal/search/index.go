package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"golang.org/x/sync/errgroup"

	"github.com/tapirtools/bridge/internal/catalog"
)

// DefaultMinScore drops embedding matches below this cosine similarity.
const DefaultMinScore = 0.25

// embedConcurrency bounds parallel embedding calls during index build.
const embedConcurrency = 8

// Match is one ranked discovery result. Name is always present in the
// catalog the index was built from.
type Match struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// Index answers free-text discovery queries over the catalog. Read-only
// after Build.
type Index struct {
	cat      *catalog.Catalog
	embedder Embedder
	vectors  [][]float32 // catalog order; nil when running keyword-only
	minScore float64
}

// Build creates the discovery index for a catalog. When a store is given
// and its persisted artifact matches the catalog hash, vectors are loaded
// instead of recomputed; otherwise they are computed and the artifact is
// overwritten. With no embedder the index runs in keyword-only mode.
func Build(ctx context.Context, cat *catalog.Catalog, embedder Embedder, store *Store) (*Index, error) {
	ix := &Index{cat: cat, embedder: embedder, minScore: DefaultMinScore}
	if embedder == nil {
		return ix, nil
	}

	if store != nil {
		names, vectors, ok, err := store.Load(cat.Hash())
		if err != nil {
			return nil, err
		}
		if ok && namesMatchCatalog(names, cat) {
			ix.vectors = vectors
			return ix, nil
		}
	}

	descs := cat.List()
	vectors := make([][]float32, len(descs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, d := range descs {
		i, d := i, d
		g.Go(func() error {
			v, err := embedder.Embed(gctx, d.SearchText())
			if err != nil {
				return fmt.Errorf("failed to embed %s: %w", d.Name, err)
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	ix.vectors = vectors

	if store != nil {
		names := make([]string, len(descs))
		for i, d := range descs {
			names[i] = d.Name
		}
		if err := store.Save(cat.Hash(), names, vectors); err != nil {
			return nil, fmt.Errorf("failed to persist index artifact: %w", err)
		}
	}
	return ix, nil
}

// SetMinScore overrides the similarity floor for embedding matches.
func (ix *Index) SetMinScore(min float64) {
	ix.minScore = min
}

// Search returns up to limit tools ranked by descending score, ties broken
// by catalog insertion order.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}
	if ix.vectors == nil {
		return ix.keywordSearch(query, limit), nil
	}

	qv, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		// Embedding outage should not take discovery down with it.
		return ix.keywordSearch(query, limit), nil
	}

	descs := ix.cat.List()
	matches := make([]Match, 0, limit)
	for i, d := range descs {
		score := cosineSimilarity(qv, ix.vectors[i])
		if score < ix.minScore {
			continue
		}
		matches = append(matches, Match{Name: d.Name, Description: d.Description, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// keywordSearch scores by substring and fuzzy matching over names and
// descriptions, in the same contract as the embedding path.
func (ix *Index) keywordSearch(query string, limit int) []Match {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	terms := strings.Fields(query)

	var matches []Match
	for _, d := range ix.cat.List() {
		nameLower := strings.ToLower(d.Name)
		descLower := strings.ToLower(d.Description)

		score := 0.0
		for _, term := range terms {
			if strings.Contains(nameLower, term) {
				score += 100
			} else if fuzzy.Match(term, nameLower) {
				score += 50
			}
			if strings.Contains(descLower, term) {
				score += 30
			}
		}
		if score > 0 {
			matches = append(matches, Match{Name: d.Name, Description: d.Description, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func namesMatchCatalog(names []string, cat *catalog.Catalog) bool {
	descs := cat.List()
	if len(names) != len(descs) {
		return false
	}
	for i, d := range descs {
		if names[i] != d.Name {
			return false
		}
	}
	return true
}
