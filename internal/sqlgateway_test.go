package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSQLGateway(t *testing.T) *SQLGateway {
	t.Helper()
	gw, err := NewSQLGateway(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func TestSQLUpsertByISBNIdentity(t *testing.T) {
	gw := testSQLGateway(t)
	ctx := context.Background()

	first, err := gw.UpsertRecord(ctx, CanonicalRecord{
		Title:   "dune (mass market)",
		Authors: []string{"Frank Herbert"},
		ISBN13:  _duneISBN,
	})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := gw.UpsertRecord(ctx, CanonicalRecord{
		Title:     "Dune",
		Authors:   []string{"Frank Herbert"},
		ISBN13:    _duneISBN,
		Publisher: "Ace Books",
		PageCount: 412,
	})
	require.NoError(t, err)
	assert.False(t, second.Created, "same isbn merges, never duplicates")
	assert.Equal(t, first.Book.ID, second.Book.ID)
	assert.Equal(t, "Dune", second.Book.Title)
	assert.Equal(t, "Ace Books", second.Edition.Publisher)
}

func TestSQLUpsertTitleAuthorFallback(t *testing.T) {
	gw := testSQLGateway(t)
	ctx := context.Background()

	first, err := gw.UpsertRecord(ctx, CanonicalRecord{
		Title:   "Good Omens",
		Authors: []string{"Terry Pratchett", "Neil Gaiman"},
	})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := gw.UpsertRecord(ctx, CanonicalRecord{
		Title:   "Good Omens",
		Authors: []string{"Terry Pratchett", "Neil Gaiman"},
		ISBN13:  "9780060853983",
	})
	require.NoError(t, err)
	assert.False(t, second.Created, "isbn-less record matches by title and first author")
	assert.Equal(t, first.Book.ID, second.Book.ID)

	be, err := gw.BookByISBN(ctx, "9780060853983")
	require.NoError(t, err)
	assert.Equal(t, first.Book.ID, be.Book.ID)
}

func TestSQLISBNPromotion(t *testing.T) {
	gw := testSQLGateway(t)
	ctx := context.Background()

	out, err := gw.UpsertRecord(ctx, CanonicalRecord{
		Title:  "Dune",
		ISBN10: "0441013597",
	})
	require.NoError(t, err)
	assert.Equal(t, "9780441013593", out.Edition.ISBN13, "lone isbn-10 is promoted")

	// Lookups by either form resolve to the same edition.
	be, err := gw.BookByISBN(ctx, "0441013597")
	require.NoError(t, err)
	assert.Equal(t, out.Edition.ID, be.Edition.ID)
}

func TestSQLBookByISBNNotFound(t *testing.T) {
	gw := testSQLGateway(t)
	_, err := gw.BookByISBN(context.Background(), _duneISBN)
	assert.ErrorIs(t, err, errNotFound)

	_, err = gw.BookByISBN(context.Background(), "junk")
	assert.ErrorIs(t, err, errBadRequest)
}

func TestSQLTransactRollsBack(t *testing.T) {
	gw := testSQLGateway(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := gw.Transact(ctx, func(tx Gateway) error {
		_, err := tx.UpsertRecord(ctx, CanonicalRecord{Title: "Dune", ISBN13: _duneISBN})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = gw.BookByISBN(ctx, _duneISBN)
	assert.ErrorIs(t, err, errNotFound, "failed transactions leave nothing behind")
}

func TestSQLListISBNs(t *testing.T) {
	gw := testSQLGateway(t)
	ctx := context.Background()

	for _, isbn := range []string{_duneISBN, "9780306406157"} {
		_, err := gw.UpsertRecord(ctx, CanonicalRecord{Title: "Book " + isbn, ISBN13: isbn})
		require.NoError(t, err)
	}
	isbns, err := gw.ListISBNs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"9780306406157", _duneISBN}, isbns)
}

func TestSQLSeriesRoundTrip(t *testing.T) {
	gw := testSQLGateway(t)
	ctx := context.Background()

	s, err := gw.UpsertSeries(ctx, Series{Name: "Bleach", TotalVolumes: 74})
	require.NoError(t, err)
	require.NotZero(t, s.ID)

	// Same canonical name updates in place.
	again, err := gw.UpsertSeries(ctx, Series{Name: "bleach", Source: "hardcover"})
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
	assert.Equal(t, 74, again.TotalVolumes, "zero totals never clobber a declared one")
	assert.Equal(t, "hardcover", again.Source)

	require.NoError(t, gw.PutVolume(ctx, SeriesVolume{SeriesID: s.ID, Position: 1, Status: VolumeOwned}))
	require.NoError(t, gw.PutVolume(ctx, SeriesVolume{SeriesID: s.ID, Position: 2, Status: VolumeMissing}))

	vols, err := gw.VolumesBySeries(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, vols, 2)
	assert.Equal(t, VolumeOwned, vols[0].Status)

	require.NoError(t, gw.RemoveVolume(ctx, s.ID, 2, 0))
	assert.ErrorIs(t, gw.RemoveVolume(ctx, s.ID, 2, 0), errNotFound)
}

func TestSQLBooksBySeries(t *testing.T) {
	gw := testSQLGateway(t)
	ctx := context.Background()

	for i, title := range []string{"Bleach 2", "Bleach 1"} {
		_, err := gw.UpsertRecord(ctx, CanonicalRecord{
			Title:          title,
			Authors:        []string{"Tite Kubo"},
			SeriesName:     "Bleach",
			SeriesPosition: 2 - i,
		})
		require.NoError(t, err)
	}
	books, err := gw.BooksBySeries(ctx, "BLEACH")
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, "Bleach 1", books[0].Title, "ordered by series position")
}
