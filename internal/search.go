package internal

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SearchResult is one ranked hit. Score is a relevance estimate in [0, 1];
// Source names the contributing provider.
type SearchResult struct {
	Record CanonicalRecord `json:"record"`
	Score  float64         `json:"score"`
	Source string          `json:"source"`

	rank int // source precedence, for tie breaks
}

// Searcher runs ranked multi-source search. ISBN-shaped queries go straight
// to lookups; free text fans out to title and author search on every source.
type Searcher struct {
	sources []Source
}

func NewSearcher(sources []Source) *Searcher {
	return &Searcher{sources: sources}
}

// Search returns up to limit deduplicated results, best first.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errBadRequest
	}
	if limit <= 0 {
		limit = 20
	}

	var hits []SearchResult
	var err error
	if LooksLikeISBN(query) {
		hits, err = s.byISBN(ctx, query)
	} else {
		hits, err = s.byText(ctx, query, limit)
	}
	if err != nil {
		return nil, err
	}

	hits = dedupe(hits)
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		return hits[i].Record.Title < hits[j].Record.Title
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Searcher) byISBN(ctx context.Context, query string) ([]SearchResult, error) {
	var mu sync.Mutex
	var hits []SearchResult

	var group errgroup.Group
	for rank, src := range s.sources {
		group.Go(func() error {
			rec, err := src.FetchByISBN(ctx, query)
			if err != nil {
				return nil // lookups are best effort per source
			}
			mu.Lock()
			defer mu.Unlock()
			hits = append(hits, SearchResult{
				Record: *rec,
				Score:  sourcePrior(rank),
				Source: src.Name(),
				rank:   rank,
			})
			return nil
		})
	}
	_ = group.Wait()
	return hits, nil
}

func (s *Searcher) byText(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	perSource := max(limit/2, 1)
	var mu sync.Mutex
	var hits []SearchResult

	var group errgroup.Group
	for rank, src := range s.sources {
		group.Go(func() error {
			var recs []CanonicalRecord
			byTitle, terr := src.SearchByTitle(ctx, query, perSource)
			if terr == nil {
				recs = append(recs, byTitle...)
			}
			byAuthor, aerr := src.SearchByAuthor(ctx, query, perSource)
			if aerr == nil {
				recs = append(recs, byAuthor...)
			}
			if terr != nil && aerr != nil {
				Log(ctx).Debug("source search failed", "source", src.Name(), "err", terr)
				return nil
			}

			scored := make([]SearchResult, 0, len(recs))
			for i, rec := range recs {
				scored = append(scored, SearchResult{
					Record: rec,
					Score:  score(query, rec, rank, i),
					Source: src.Name(),
					rank:   rank,
				})
			}
			// Each source contributes at most half the requested page so one
			// chatty provider can't crowd out the rest.
			sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
			if len(scored) > perSource {
				scored = scored[:perSource]
			}

			mu.Lock()
			defer mu.Unlock()
			hits = append(hits, scored...)
			return nil
		})
	}
	_ = group.Wait()
	return hits, nil
}

// sourcePrior is the precedence prior: the most authoritative source starts
// at 1.0, each step down costs a tenth, floored at half.
func sourcePrior(rank int) float64 {
	prior := 1.0 - 0.1*float64(rank)
	return max(prior, 0.5)
}

// score starts from the source prior, charges a tenth per step down the
// provider's own ranking, and adds query match bonuses against the record
// fields, clamped to [0, 1].
func score(query string, rec CanonicalRecord, rank, position int) float64 {
	s := sourcePrior(rank) - 0.1*float64(position)

	q := strings.ToLower(query)
	title := strings.ToLower(rec.Title)
	switch {
	case strings.HasPrefix(title, q):
		s += 0.5
	case strings.Contains(title, q):
		s += 0.3
	}
	for _, a := range rec.Authors {
		al := strings.ToLower(a)
		if strings.HasPrefix(al, q) {
			s += 0.3
			break
		}
		if strings.Contains(al, q) {
			s += 0.2
			break
		}
	}
	if rec.SeriesName != "" && strings.Contains(strings.ToLower(rec.SeriesName), q) {
		s += 0.1
	}
	if rec.Publisher != "" && strings.Contains(strings.ToLower(rec.Publisher), q) {
		s += 0.05
	}

	return min(max(s, 0), 1.0)
}

// dedupe collapses hits sharing a canonical ISBN-13, keeping the best score
// (ties go to precedence, then title). Records without an ISBN stay as-is.
func dedupe(hits []SearchResult) []SearchResult {
	byISBN := map[string]int{}
	out := hits[:0]
	for _, h := range hits {
		key := CanonicalISBN13(h.Record.ISBN13)
		if key == "" {
			out = append(out, h)
			continue
		}
		if i, ok := byISBN[key]; ok {
			best := out[i]
			if h.Score > best.Score || (h.Score == best.Score && h.rank < best.rank) {
				out[i] = h
			}
			continue
		}
		byISBN[key] = len(out)
		out = append(out, h)
	}
	return out
}
