package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchRejectsEmptyQuery(t *testing.T) {
	s := NewSearcher([]Source{&fakeSource{name: "a"}})
	_, err := s.Search(context.Background(), "   ", 10)
	assert.ErrorIs(t, err, errBadRequest)
}

func TestSearchISBNQueryUsesLookups(t *testing.T) {
	a := &fakeSource{name: "a", byISBN: map[string]CanonicalRecord{
		_duneISBN: {Title: "Dune", ISBN13: _duneISBN},
	}}
	b := &fakeSource{name: "b", byISBN: map[string]CanonicalRecord{
		_duneISBN: {Title: "Dune (Reissue)", ISBN13: _duneISBN},
	}}
	s := NewSearcher([]Source{a, b})

	hits, err := s.Search(context.Background(), "978-0-441-01359-3", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1, "same isbn from two sources dedupes")
	assert.Equal(t, "Dune", hits[0].Record.Title, "higher precedence wins the tie")
	assert.Equal(t, "a", hits[0].Source)
	assert.Equal(t, int64(1), a.fetches.Load())
	assert.Equal(t, int64(1), b.fetches.Load())
}

func TestScoreOrdering(t *testing.T) {
	prefix := score("dune", CanonicalRecord{Title: "Dune Messiah"}, 3, 2)
	contains := score("dune", CanonicalRecord{Title: "Return to Dune"}, 3, 2)
	none := score("dune", CanonicalRecord{Title: "Hyperion"}, 3, 2)
	assert.Greater(t, prefix, contains)
	assert.Greater(t, contains, none)

	authorContains := score("herbert", CanonicalRecord{Title: "Hyperion", Authors: []string{"Frank Herbert"}}, 3, 2)
	assert.Greater(t, authorContains, none)
	authorPrefix := score("frank", CanonicalRecord{Title: "Hyperion", Authors: []string{"Frank Herbert"}}, 3, 2)
	assert.Greater(t, authorPrefix, authorContains, "an author prefix match outranks a substring match")

	early := score("dune", CanonicalRecord{Title: "Hyperion"}, 0, 0)
	late := score("dune", CanonicalRecord{Title: "Hyperion"}, 0, 4)
	assert.Greater(t, early, late, "deep results in a provider's ranking score lower")

	// Second source, fourth result, title contains the query.
	assert.InDelta(t, 0.9, score("dune", CanonicalRecord{Title: "Return to Dune"}, 1, 3), 1e-9)
}

func TestSearchOrdersByScore(t *testing.T) {
	src := &fakeSource{name: "a", titles: []CanonicalRecord{
		{Title: "Dune Messiah", ISBN13: _duneISBN},
		{Title: "Return to Dune", ISBN13: "9780975229804"},
		{Title: "Hyperion", ISBN13: "9780306406157"},
	}}
	s := NewSearcher([]Source{src})

	hits, err := s.Search(context.Background(), "dune", 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "Dune Messiah", hits[0].Record.Title)
	assert.Equal(t, "Hyperion", hits[2].Record.Title, "the only non-match sorts last")
}

func TestSearchScoresWithinBounds(t *testing.T) {
	rec := CanonicalRecord{
		Title:      "Dune",
		Authors:    []string{"dune"},
		SeriesName: "Dune",
		Publisher:  "Dune Press",
	}
	assert.LessOrEqual(t, score("dune", rec, 0, 0), 1.0)
	assert.GreaterOrEqual(t, score("zzz", CanonicalRecord{}, 3, 9), 0.0)
}

func TestSearchCapsPerSource(t *testing.T) {
	var many []CanonicalRecord
	for _, isbn := range []string{
		"9780441013593", "9780306406157", "9780975229804",
		"9780000000002", "9780000000019",
	} {
		many = append(many, CanonicalRecord{Title: "Dune vol " + isbn, ISBN13: isbn})
	}
	chatty := &fakeSource{name: "chatty", titles: many}
	quiet := &fakeSource{name: "quiet", titles: []CanonicalRecord{
		{Title: "Dune", ISBN13: "9781566199094"},
	}}
	s := NewSearcher([]Source{chatty, quiet})

	hits, err := s.Search(context.Background(), "dune", 4)
	require.NoError(t, err)
	require.Len(t, hits, 3, "each source contributes at most limit/2")

	sources := map[string]int{}
	for _, h := range hits {
		sources[h.Source]++
	}
	assert.Equal(t, 2, sources["chatty"])
	assert.Equal(t, 1, sources["quiet"])
}

func TestSearchSkipsFailingSource(t *testing.T) {
	broken := &fakeSource{name: "broken", err: &SourceError{Kind: KindTransient, Source: "broken"}}
	working := &fakeSource{name: "working", titles: []CanonicalRecord{
		{Title: "Dune", ISBN13: _duneISBN},
	}}
	s := NewSearcher([]Source{broken, working})

	hits, err := s.Search(context.Background(), "dune", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "working", hits[0].Source)
}
