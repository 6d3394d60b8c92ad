package internal

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ImportFormat names a supported library export shape.
type ImportFormat string

const (
	FormatCSVGeneric    ImportFormat = "csv-generic"
	FormatCSVGoodreads  ImportFormat = "csv-goodreads"
	FormatCSVHandyLib   ImportFormat = "csv-handylib-tab"
	FormatJSONHardcover ImportFormat = "json-hardcover"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (ImportFormat, error) {
	switch f := ImportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSVGeneric, FormatCSVGoodreads, FormatCSVHandyLib, FormatJSONHardcover:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown import format %q", errBadRequest, s)
	}
}

// ImportRow is one parsed line, before persistence.
type ImportRow struct {
	Line      int             `json:"line"`
	Record    CanonicalRecord `json:"record"`
	Rating    float64         `json:"rating,omitempty"`
	PagesRead int             `json:"pagesRead,omitempty"`
}

// ImportOptions tune one import run. Mapping overrides column detection for
// the generic CSV format, keyed by target field.
type ImportOptions struct {
	Enrich         bool
	SkipDuplicates bool
	Mapping        map[string]string
}

// Header dictionaries map the vendor spellings onto target fields. Headers
// are folded (lowercase, spaces and dashes to underscores) before lookup.
var _genericHeaders = map[string]string{
	"title": "title", "book_title": "title",
	"author": "authors", "authors": "authors",
	"isbn": "isbn", "isbn13": "isbn", "isbn_13": "isbn", "isbn10": "isbn", "isbn_10": "isbn",
	"series": "series_name", "series_name": "series_name",
	"series_position": "series_position", "position": "series_position", "volume": "series_position",
	"publisher": "publisher",
	"published": "published_date", "published_date": "published_date",
	"publication_date": "published_date", "year_published": "published_date",
	"pages": "page_count", "page_count": "page_count", "number_of_pages": "page_count",
	"description": "description", "summary": "description",
	"rating": "rating", "my_rating": "rating",
	"pages_read": "pages_read", "read_pages": "pages_read",
}

var _goodreadsHeaders = map[string]string{
	"title":                     "title",
	"author":                    "authors",
	"additional_authors":        "authors",
	"isbn":                      "isbn",
	"isbn13":                    "isbn",
	"publisher":                 "publisher",
	"number_of_pages":           "page_count",
	"year_published":            "published_date",
	"original_publication_year": "published_date",
	"my_rating":                 "rating",
}

var _handylibHeaders = map[string]string{
	"title":      "title",
	"author":     "authors",
	"authors":    "authors",
	"isbn":       "isbn",
	"series":     "series_name",
	"volume":     "series_position",
	"publisher":  "publisher",
	"published":  "published_date",
	"pages":      "page_count",
	"summary":    "description",
	"comments":   "description",
	"read_pages": "pages_read",
	"rating":     "rating",
}

func foldHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "_")
	return strings.ReplaceAll(h, "-", "_")
}

// stripExcelGuard removes the ="..." wrapper Goodreads puts around ISBNs to
// keep spreadsheets from eating leading zeros.
func stripExcelGuard(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		return strings.TrimSuffix(strings.TrimPrefix(s, `="`), `"`)
	}
	return s
}

// splitAuthors breaks a vendor author cell on commas and " and ".
func splitAuthors(s string) []string {
	s = strings.ReplaceAll(s, " and ", ",")
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseRows streams rows from r, invoking fn per row. fn returning an error
// stops the stream. onHeader, when set, receives the raw header row and the
// detected target-field-to-column mapping before any row is produced; the
// JSON format has no headers and never calls it.
func parseRows(format ImportFormat, r io.Reader, mapping map[string]string, onHeader func([]string, map[string]string), fn func(ImportRow) error) error {
	if format != FormatCSVGeneric {
		mapping = nil // only the generic format accepts a caller mapping
	}
	switch format {
	case FormatJSONHardcover:
		return parseHardcoverJSON(r, fn)
	case FormatCSVHandyLib:
		return parseCSV(r, '\t', _handylibHeaders, nil, onHeader, fn)
	case FormatCSVGoodreads:
		return parseCSV(r, ',', _goodreadsHeaders, nil, onHeader, fn)
	default:
		return parseCSV(r, ',', _genericHeaders, mapping, onHeader, fn)
	}
}

func parseCSV(r io.Reader, comma rune, dict, mapping map[string]string, onHeader func([]string, map[string]string), fn func(ImportRow) error) error {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("%w: unreadable header row", errBadRequest)
	}
	byColumn := make(map[string]string, len(mapping))
	for target, column := range mapping {
		byColumn[foldHeader(column)] = target
	}
	fields := make([]string, len(header))
	detected := map[string]string{}
	for i, h := range header {
		folded := foldHeader(h)
		target, ok := byColumn[folded]
		if !ok {
			target = dict[folded]
		}
		fields[i] = target
		if target != "" {
			if _, taken := detected[target]; !taken {
				detected[target] = strings.TrimSpace(h)
			}
		}
	}
	if onHeader != nil {
		onHeader(header, detected)
	}

	line := 1
	for {
		cells, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line++

		row := ImportRow{Line: line}
		rec := &row.Record
		for i, cell := range cells {
			if i >= len(fields) || fields[i] == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			switch fields[i] {
			case "title":
				rec.Title = cell
			case "authors":
				rec.Authors = append(rec.Authors, splitAuthors(cell)...)
			case "isbn":
				if isbn := NormalizeISBN(stripExcelGuard(cell)); isbn != "" && rec.ISBN13 == "" {
					if len(isbn) == 10 {
						rec.ISBN10 = isbn
					} else {
						rec.ISBN13 = isbn
					}
				}
			case "series_name":
				rec.SeriesName = cell
			case "series_position":
				rec.SeriesPosition, _ = strconv.Atoi(cell)
			case "publisher":
				rec.Publisher = cell
			case "published_date":
				if rec.PublishedDate == nil {
					rec.PublishedDate = ParseDate(cell)
				}
			case "page_count":
				rec.PageCount, _ = strconv.Atoi(cell)
			case "description":
				rec.Description = cell
			case "rating":
				row.Rating, _ = strconv.ParseFloat(cell, 64)
			case "pages_read":
				row.PagesRead, _ = strconv.Atoi(cell)
			}
		}
		FinishRecord(rec)
		if err := fn(row); err != nil {
			return err
		}
	}
}

// parseHardcoverJSON streams a Hardcover-style JSON export: an array of
// book objects, decoded one element at a time.
func parseHardcoverJSON(r io.Reader, fn func(ImportRow) error) error {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: unreadable json export", errBadRequest)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("%w: expected a json array export", errBadRequest)
	}

	line := 0
	for dec.More() {
		var entry struct {
			Title       string   `json:"title"`
			ISBN10      string   `json:"isbn_10"`
			ISBN13      string   `json:"isbn_13"`
			AuthorNames []string `json:"author_names"`
			Publisher   string   `json:"publisher"`
			ReleaseDate string   `json:"release_date"`
			Pages       int      `json:"pages"`
			Description string   `json:"description"`
			Rating      float64  `json:"rating"`
			PagesRead   int      `json:"pages_read"`
			Series      struct {
				Name     string  `json:"name"`
				Position float64 `json:"position"`
			} `json:"series"`
		}
		if err := dec.Decode(&entry); err != nil {
			return fmt.Errorf("%w: malformed json entry: %v", errBadRequest, err)
		}
		line++

		row := ImportRow{
			Line: line,
			Record: CanonicalRecord{
				Title:          entry.Title,
				ISBN10:         entry.ISBN10,
				ISBN13:         entry.ISBN13,
				Authors:        entry.AuthorNames,
				Publisher:      entry.Publisher,
				PublishedDate:  ParseDate(entry.ReleaseDate),
				PageCount:      entry.Pages,
				Description:    entry.Description,
				SeriesName:     entry.Series.Name,
				SeriesPosition: int(entry.Series.Position),
			},
			Rating:    entry.Rating,
			PagesRead: entry.PagesRead,
		}
		FinishRecord(&row.Record)
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

// Importer runs imports: parse, upsert, optionally enrich, all under one job
// with live counters.
type Importer struct {
	gw       Gateway
	engine   *Engine
	series   *Integrity
	jobs     *JobStore
	workers  int
	defaults ImportOptions
	metrics  *importMetrics

	cancels sync.Map // job id to context.CancelFunc
}

func NewImporter(gw Gateway, engine *Engine, series *Integrity, jobs *JobStore, cfg ImportConfig, metrics *importMetrics) *Importer {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 5
	}
	return &Importer{
		gw:       gw,
		engine:   engine,
		series:   series,
		jobs:     jobs,
		workers:  workers,
		defaults: ImportOptions{Enrich: cfg.Enrich, SkipDuplicates: cfg.SkipDuplicates},
		metrics:  metrics,
	}
}

// Defaults returns the configured per-run option defaults.
func (im *Importer) Defaults() ImportOptions { return im.defaults }

// ImportPreview is what Preview returns: the raw headers, the detected
// column mapping, and the first sample rows. Nothing is persisted and no job
// is created.
type ImportPreview struct {
	Headers []string          `json:"headers,omitempty"`
	Mapping map[string]string `json:"mapping,omitempty"`
	Rows    []ImportRow       `json:"rows"`
}

// Preview parses up to limit rows without touching persistence.
func (im *Importer) Preview(format ImportFormat, r io.Reader, limit int, mapping map[string]string) (*ImportPreview, error) {
	if limit <= 0 {
		limit = 10
	}
	preview := &ImportPreview{}
	err := parseRows(format, r, mapping, func(headers []string, detected map[string]string) {
		preview.Headers = headers
		preview.Mapping = detected
	}, func(row ImportRow) error {
		preview.Rows = append(preview.Rows, row)
		if len(preview.Rows) >= limit {
			return errStopParse
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopParse) {
		return nil, err
	}
	return preview, nil
}

var errStopParse = errors.New("stop")

// Start opens a job and runs the import in the background. The returned job
// carries the ID to poll; Cancel aborts it by ID.
func (im *Importer) Start(ctx context.Context, format ImportFormat, r io.Reader, opts ImportOptions) (*ImportJob, error) {
	job, err := im.jobs.Open(ctx, format)
	if err != nil {
		return nil, err
	}
	// Detach from the request context; imports outlive their request. The
	// job keeps its own cancel so an operator can still abort it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	im.cancels.Store(job.ID, cancel)
	go func() {
		defer im.cancels.Delete(job.ID)
		defer cancel()
		im.run(runCtx, job, format, r, opts)
	}()
	return job, nil
}

// Cancel aborts a running background import at its next suspension point.
// Rows already committed are kept; the job finishes failed with reason
// cancelled. Unknown or finished jobs return errNotFound.
func (im *Importer) Cancel(id string) error {
	cancel, ok := im.cancels.Load(id)
	if !ok {
		return errNotFound
	}
	cancel.(context.CancelFunc)()
	return nil
}

// RunSync runs an import to completion on the calling goroutine. The CLI
// import command and tests use this path.
func (im *Importer) RunSync(ctx context.Context, format ImportFormat, r io.Reader, opts ImportOptions) (*ImportJob, error) {
	job, err := im.jobs.Open(ctx, format)
	if err != nil {
		return nil, err
	}
	im.run(ctx, job, format, r, opts)
	return im.jobs.Get(ctx, job.ID)
}

func (im *Importer) run(ctx context.Context, job *ImportJob, format ImportFormat, r io.Reader, opts ImportOptions) {
	var c importCounters
	seen := sync.Map{} // ISBN-13s already handled in this file

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(im.workers)

	parseErr := parseRows(format, r, opts.Mapping, nil, func(row ImportRow) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		group.Go(func() error {
			im.ingestRow(ctx, job, &c, &seen, row, opts)
			c.processed.Add(1)
			if c.processed.Load()%100 == 0 {
				_ = im.jobs.Progress(ctx, job.ID, c.snapshot())
			}
			return nil
		})
		return nil
	})
	waitErr := group.Wait()

	// The final job write must land even when the run was cancelled.
	done := context.WithoutCancel(ctx)
	switch {
	case errors.Is(parseErr, context.Canceled) || errors.Is(waitErr, context.Canceled):
		_ = im.jobs.Finalize(done, job.ID, JobFailed, c.snapshot(), "cancelled")
	case parseErr != nil:
		_ = im.jobs.Finalize(done, job.ID, JobFailed, c.snapshot(), parseErr.Error())
	default:
		_ = im.jobs.Finalize(done, job.ID, JobCompleted, c.snapshot(), "")
	}
	if im.metrics != nil {
		im.metrics.rows(string(format), c.snapshot())
	}
}

func (im *Importer) ingestRow(ctx context.Context, job *ImportJob, c *importCounters, seen *sync.Map, row ImportRow, opts ImportOptions) {
	rec := row.Record
	if rec.Title == "" {
		c.skipped.Add(1)
		_ = im.jobs.Warn(ctx, job.ID, fmt.Sprintf("line %d: missing title, skipped", row.Line))
		return
	}
	if rec.ISBN13 == "" {
		c.skipped.Add(1)
		_ = im.jobs.Warn(ctx, job.ID, fmt.Sprintf("line %d: missing isbn, skipped", row.Line))
		return
	}
	if _, dup := seen.LoadOrStore(rec.ISBN13, true); dup {
		c.duplicates.Add(1)
		return
	}
	if opts.SkipDuplicates {
		if _, err := im.gw.BookByISBN(ctx, rec.ISBN13); err == nil {
			c.skipped.Add(1)
			return
		} else if !errors.Is(err, errNotFound) {
			c.skipped.Add(1)
			_ = im.jobs.Warn(ctx, job.ID, fmt.Sprintf("line %d: %v", row.Line, err))
			return
		}
	}

	outcome, err := im.gw.UpsertRecord(ctx, rec)
	if err != nil {
		c.skipped.Add(1)
		_ = im.jobs.Warn(ctx, job.ID, fmt.Sprintf("line %d: %v", row.Line, err))
		return
	}
	if outcome.Created {
		c.added.Add(1)
	} else {
		c.updated.Add(1)
	}

	if rec.SeriesName != "" && im.series != nil {
		_ = im.series.Link(ctx, SeriesLink{
			SeriesName: rec.SeriesName,
			Total:      rec.SeriesTotal,
			Position:   rec.SeriesPosition,
			BookID:     outcome.Book.ID,
			Status:     VolumeOwned,
		})
	}

	if opts.Enrich && im.engine != nil {
		res, err := im.engine.EnrichByISBN(ctx, rec.ISBN13, false)
		switch {
		case err != nil:
			c.warnings.Add(1)
			_ = im.jobs.Warn(ctx, job.ID, fmt.Sprintf("line %d: enrich: %v", row.Line, err))
		case res.Outcome == OutcomeFailed:
			c.warnings.Add(1)
			_ = im.jobs.Warn(ctx, job.ID, fmt.Sprintf("line %d: enrich failed", row.Line))
		case res.Outcome == OutcomeCompleted || res.Outcome == OutcomeCachedHit:
			c.enriched.Add(1)
		}
	}
}

// importCounters are the live per-job tallies, updated from many workers.
type importCounters struct {
	processed  atomic.Int64
	added      atomic.Int64
	updated    atomic.Int64
	skipped    atomic.Int64
	duplicates atomic.Int64
	enriched   atomic.Int64
	warnings   atomic.Int64
}

func (c *importCounters) snapshot() ImportCounters {
	return ImportCounters{
		Processed:  c.processed.Load(),
		Added:      c.added.Load(),
		Updated:    c.updated.Load(),
		Skipped:    c.skipped.Load(),
		Duplicates: c.duplicates.Load(),
		Enriched:   c.enriched.Load(),
		Warnings:   c.warnings.Load(),
	}
}

// ImportCounters is the serializable counter snapshot on a job.
type ImportCounters struct {
	Processed  int64 `json:"processed"`
	Added      int64 `json:"added"`
	Updated    int64 `json:"updated"`
	Skipped    int64 `json:"skipped"`
	Duplicates int64 `json:"duplicates"`
	Enriched   int64 `json:"enriched"`
	Warnings   int64 `json:"warnings"`
}
