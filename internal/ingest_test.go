package internal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const _goodreadsCSV = `Title,Author,Additional Authors,ISBN,ISBN13,Publisher,Number of Pages,Year Published,My Rating
Dune,Frank Herbert,,="0441013597",="9780441013593",Ace Books,412,1965,5
Dune,Frank Herbert,,="0441013597",="9780441013593",Ace Books,412,1965,5
Good Omens,Terry Pratchett and Neil Gaiman,,,="9780060853983",William Morrow,288,1990,4
,,,,,,,,
`

const _handylibTSV = "Title\tAuthor\tISBN\tSeries\tVolume\tPages\n" +
	"Bleach 1\tTite Kubo\t9781569319260\tBleach\t1\t192\n" +
	"Bleach 2\tTite Kubo\t9781591164241\tBleach\t2\t200\n"

const _hardcoverJSON = `[
	{
		"title": "Dune",
		"isbn_13": "9780441013593",
		"author_names": ["Frank Herbert"],
		"pages": 412,
		"rating": 4.5,
		"series": {"name": "Dune", "position": 1}
	},
	{
		"title": "Dune Messiah",
		"isbn_13": "9780975229804",
		"author_names": ["Frank Herbert"],
		"series": {"name": "Dune", "position": 2}
	}
]`

func testImporter(t *testing.T, gw Gateway) *Importer {
	t.Helper()
	return NewImporter(gw, nil, nil, NewJobStore(nil), ImportConfig{Workers: 2}, nil)
}

func TestImportGoodreadsCSV(t *testing.T) {
	gw := NewMemGateway()
	im := testImporter(t, gw)

	job, err := im.RunSync(context.Background(), FormatCSVGoodreads, strings.NewReader(_goodreadsCSV), ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, JobCompleted, job.State)
	assert.Equal(t, int64(4), job.Counters.Processed)
	assert.Equal(t, int64(2), job.Counters.Added)
	assert.Equal(t, int64(1), job.Counters.Duplicates, "repeated isbn within one file")
	assert.Equal(t, int64(1), job.Counters.Skipped, "empty row skipped")
	assert.NotEmpty(t, job.Warnings)

	be, err := gw.BookByISBN(context.Background(), "9780441013593")
	require.NoError(t, err)
	assert.Equal(t, "Dune", be.Book.Title)
	assert.Equal(t, "0441013597", be.Edition.ISBN10, "excel guard stripped")
	assert.Equal(t, 412, be.Edition.PageCount)

	be, err = gw.BookByISBN(context.Background(), "9780060853983")
	require.NoError(t, err)
	assert.Equal(t, []string{"Terry Pratchett", "Neil Gaiman"}, be.Book.Authors, "authors split on and")
}

func TestImportHandyLibTab(t *testing.T) {
	gw := NewMemGateway()
	im := testImporter(t, gw)

	job, err := im.RunSync(context.Background(), FormatCSVHandyLib, strings.NewReader(_handylibTSV), ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, JobCompleted, job.State)
	assert.Equal(t, int64(2), job.Counters.Added)

	be, err := gw.BookByISBN(context.Background(), "9781569319260")
	require.NoError(t, err)
	assert.Equal(t, "Bleach", be.Book.SeriesName)
	assert.Equal(t, 1, be.Book.SeriesPosition)
}

func TestImportHardcoverJSON(t *testing.T) {
	gw := NewMemGateway()
	im := testImporter(t, gw)

	job, err := im.RunSync(context.Background(), FormatJSONHardcover, strings.NewReader(_hardcoverJSON), ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, JobCompleted, job.State)
	assert.Equal(t, int64(2), job.Counters.Added)

	be, err := gw.BookByISBN(context.Background(), "9780975229804")
	require.NoError(t, err)
	assert.Equal(t, "Dune Messiah", be.Book.Title)
	assert.Equal(t, 2, be.Book.SeriesPosition)
}

func TestImportMalformedFileFailsJob(t *testing.T) {
	im := testImporter(t, NewMemGateway())

	job, err := im.RunSync(context.Background(), FormatJSONHardcover, strings.NewReader(`{"not": "an array"}`), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.State)
	assert.NotEmpty(t, job.Error)
}

func TestImportSkipDuplicates(t *testing.T) {
	gw := NewMemGateway()
	im := testImporter(t, gw)
	ctx := context.Background()

	job, err := im.RunSync(ctx, FormatCSVGoodreads, strings.NewReader(_goodreadsCSV), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), job.Counters.Added)

	// Re-submitting the same file with skip_duplicates touches nothing.
	job, err = im.RunSync(ctx, FormatCSVGoodreads, strings.NewReader(_goodreadsCSV), ImportOptions{SkipDuplicates: true})
	require.NoError(t, err)

	assert.Equal(t, JobCompleted, job.State)
	assert.Zero(t, job.Counters.Added)
	assert.Zero(t, job.Counters.Updated)
	assert.Equal(t, int64(3), job.Counters.Skipped, "both known books and the empty row")
	assert.Equal(t, int64(1), job.Counters.Duplicates, "in-file repeat still counts separately")
}

func TestImportSkipsRowMissingISBN(t *testing.T) {
	gw := NewMemGateway()
	im := testImporter(t, gw)

	csv := "Title,Author,ISBN13\nDune,Frank Herbert,9780441013593\nNo Code Here,Somebody,\n"
	job, err := im.RunSync(context.Background(), FormatCSVGeneric, strings.NewReader(csv), ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, JobCompleted, job.State)
	assert.Equal(t, int64(1), job.Counters.Added)
	assert.Equal(t, int64(1), job.Counters.Skipped)
	require.NotEmpty(t, job.Warnings)
	assert.Contains(t, job.Warnings[0], "missing isbn")
}

func TestImportGenericCustomMapping(t *testing.T) {
	gw := NewMemGateway()
	im := testImporter(t, gw)

	csv := "Book Name,Writer,Code\nDune,Frank Herbert,9780441013593\n"
	mapping := map[string]string{"title": "Book Name", "authors": "Writer", "isbn": "Code"}

	job, err := im.RunSync(context.Background(), FormatCSVGeneric, strings.NewReader(csv), ImportOptions{Mapping: mapping})
	require.NoError(t, err)
	assert.Equal(t, int64(1), job.Counters.Added)

	be, err := gw.BookByISBN(context.Background(), "9780441013593")
	require.NoError(t, err)
	assert.Equal(t, "Dune", be.Book.Title)
	assert.Equal(t, []string{"Frank Herbert"}, be.Book.Authors)
}

func TestImportPreviewDoesNotPersist(t *testing.T) {
	gw := NewMemGateway()
	im := testImporter(t, gw)

	preview, err := im.Preview(FormatCSVGoodreads, strings.NewReader(_goodreadsCSV), 2, nil)
	require.NoError(t, err)
	require.Len(t, preview.Rows, 2)
	assert.Equal(t, "Dune", preview.Rows[0].Record.Title)
	assert.Equal(t, "9780441013593", preview.Rows[0].Record.ISBN13)
	assert.EqualValues(t, 5, preview.Rows[0].Rating)

	assert.Equal(t, []string{"Title", "Author", "Additional Authors", "ISBN", "ISBN13", "Publisher", "Number of Pages", "Year Published", "My Rating"}, preview.Headers)
	assert.Equal(t, "Title", preview.Mapping["title"])
	assert.Equal(t, "ISBN", preview.Mapping["isbn"])

	_, err = gw.BookByISBN(context.Background(), "9780441013593")
	assert.ErrorIs(t, err, errNotFound)
}

func TestImportPreviewReportsCustomMapping(t *testing.T) {
	im := testImporter(t, NewMemGateway())

	csv := "Book Name,Writer,Code\nDune,Frank Herbert,9780441013593\n"
	mapping := map[string]string{"title": "Book Name", "authors": "Writer", "isbn": "Code"}

	preview, err := im.Preview(FormatCSVGeneric, strings.NewReader(csv), 5, mapping)
	require.NoError(t, err)
	assert.Equal(t, []string{"Book Name", "Writer", "Code"}, preview.Headers)
	assert.Equal(t, "Code", preview.Mapping["isbn"])
	require.Len(t, preview.Rows, 1)
	assert.Equal(t, "9780441013593", preview.Rows[0].Record.ISBN13)
}

func TestImportCancellation(t *testing.T) {
	gw := NewMemGateway()
	im := testImporter(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job, err := im.RunSync(ctx, FormatCSVGoodreads, strings.NewReader(_goodreadsCSV), ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.State)
	assert.Equal(t, "cancelled", job.Error)
}

func TestImportCancelBackgroundJob(t *testing.T) {
	gw := NewMemGateway()
	// A slow source keeps the single worker busy on the first row so the
	// cancel lands before the file drains.
	slow := &fakeSource{
		name:  "slow",
		delay: 500 * time.Millisecond,
		byISBN: map[string]CanonicalRecord{
			"9780441013593": {Title: "Dune", ISBN13: "9780441013593"},
		},
	}
	engine := testEngine(t, gw, slow)
	im := NewImporter(gw, engine, nil, NewJobStore(nil), ImportConfig{Workers: 1}, nil)
	ctx := context.Background()

	job, err := im.Start(ctx, FormatCSVGoodreads, strings.NewReader(_goodreadsCSV), ImportOptions{Enrich: true})
	require.NoError(t, err)

	require.NoError(t, im.Cancel(job.ID))
	assert.ErrorIs(t, im.Cancel("nope"), errNotFound)

	assert.Eventually(t, func() bool {
		got, err := im.jobs.Get(ctx, job.ID)
		return err == nil && got.State == JobFailed && got.Error == "cancelled"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("CSV-Goodreads")
	require.NoError(t, err)
	assert.Equal(t, FormatCSVGoodreads, f)

	_, err = ParseFormat("xml")
	assert.ErrorIs(t, err, errBadRequest)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(nil)

	job, err := jobs.Open(ctx, FormatCSVGeneric)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.State)

	require.NoError(t, jobs.Progress(ctx, job.ID, ImportCounters{Processed: 10}))
	require.NoError(t, jobs.Warn(ctx, job.ID, "line 3: skipped"))
	require.NoError(t, jobs.Finalize(ctx, job.ID, JobCompleted, ImportCounters{Processed: 20, Added: 18}, ""))

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, got.State)
	assert.Equal(t, int64(20), got.Counters.Processed)
	assert.Len(t, got.Warnings, 1)
	require.NotNil(t, got.FinishedAt)

	_, err = jobs.Get(ctx, "nope")
	assert.ErrorIs(t, err, errNotFound)
}
