package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const _sqlSchema = `
	CREATE TABLE IF NOT EXISTS books (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		title           TEXT NOT NULL,
		original_title  TEXT NOT NULL DEFAULT '',
		authors         TEXT NOT NULL DEFAULT '[]',
		title_key       TEXT NOT NULL,
		series_name     TEXT NOT NULL DEFAULT '',
		series_key      TEXT NOT NULL DEFAULT '',
		series_position INTEGER NOT NULL DEFAULT 0,
		categories      TEXT NOT NULL DEFAULT '[]',
		description     TEXT NOT NULL DEFAULT '',
		metadata_source TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS books_title_key_idx ON books (title_key);
	CREATE INDEX IF NOT EXISTS books_series_key_idx ON books (series_key);

	CREATE TABLE IF NOT EXISTS editions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		book_id      INTEGER NOT NULL REFERENCES books (id),
		isbn10       TEXT NOT NULL DEFAULT '',
		isbn13       TEXT NOT NULL DEFAULT '',
		publisher    TEXT NOT NULL DEFAULT '',
		release_date TIMESTAMP,
		page_count   INTEGER NOT NULL DEFAULT 0,
		language     TEXT NOT NULL DEFAULT '',
		format       TEXT NOT NULL DEFAULT '',
		cover_url    TEXT NOT NULL DEFAULT '',
		prices       TEXT NOT NULL DEFAULT '[]',
		source       TEXT NOT NULL DEFAULT '',
		updated_at   TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS editions_isbn13_idx ON editions (isbn13) WHERE isbn13 <> '';
	CREATE INDEX IF NOT EXISTS editions_book_idx ON editions (book_id);

	CREATE TABLE IF NOT EXISTS series (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		name          TEXT NOT NULL,
		name_key      TEXT NOT NULL UNIQUE,
		total_volumes INTEGER NOT NULL DEFAULT 0,
		ongoing       INTEGER NOT NULL DEFAULT 0,
		source        TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS series_volumes (
		series_id  INTEGER NOT NULL REFERENCES series (id),
		position   INTEGER NOT NULL,
		book_id    INTEGER NOT NULL DEFAULT 0,
		status     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (series_id, position, book_id)
	);
`

// querier is satisfied by both *sql.DB and *sql.Tx so the same statements
// run inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLGateway is the durable Gateway on SQLite. A ":memory:" DSN gives tests
// a throwaway database with full transactional semantics.
type SQLGateway struct {
	db *sql.DB
	q  querier
}

var _ Gateway = (*SQLGateway)(nil)

func NewSQLGateway(ctx context.Context, dsn string) (*SQLGateway, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening library database: %w", err)
	}
	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY under concurrent imports.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging library database: %w", err)
	}
	if _, err := db.ExecContext(ctx, _sqlSchema); err != nil {
		return nil, fmt.Errorf("ensuring library schema: %w", err)
	}
	return &SQLGateway{db: db, q: db}, nil
}

// Close releases the underlying handle.
func (g *SQLGateway) Close() error { return g.db.Close() }

func (g *SQLGateway) Transact(ctx context.Context, fn func(Gateway) error) error {
	if _, inTx := g.q.(*sql.Tx); inTx {
		return fn(g)
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	staged := &SQLGateway{db: g.db, q: tx}
	if err := fn(staged); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func marshalList[T any](vs []T) string {
	if len(vs) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalList[T any](s string) []T {
	var vs []T
	_ = json.Unmarshal([]byte(s), &vs)
	return vs
}

const _bookCols = `id, title, original_title, authors, series_name, series_position, categories, description, metadata_source, created_at, updated_at`

func scanBook(row interface{ Scan(...any) error }) (*Book, error) {
	var b Book
	var authors, categories string
	err := row.Scan(&b.ID, &b.Title, &b.OriginalTitle, &authors, &b.SeriesName,
		&b.SeriesPosition, &categories, &b.Description, &b.MetadataSource,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Authors = unmarshalList[string](authors)
	b.Categories = unmarshalList[string](categories)
	return &b, nil
}

const _editionCols = `id, book_id, isbn10, isbn13, publisher, release_date, page_count, language, format, cover_url, prices, source, updated_at`

func scanEdition(row interface{ Scan(...any) error }) (*Edition, error) {
	var e Edition
	var prices string
	var release sql.NullTime
	err := row.Scan(&e.ID, &e.BookID, &e.ISBN10, &e.ISBN13, &e.Publisher,
		&release, &e.PageCount, &e.Language, &e.Format, &e.CoverURL,
		&prices, &e.Source, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if release.Valid {
		t := release.Time
		e.ReleaseDate = &t
	}
	e.Prices = unmarshalList[PriceSnapshot](prices)
	return &e, nil
}

func (g *SQLGateway) UpsertRecord(ctx context.Context, rec CanonicalRecord) (*UpsertOutcome, error) {
	if rec.Title == "" {
		return nil, errBadRequest
	}
	var out *UpsertOutcome
	err := g.Transact(ctx, func(tg Gateway) error {
		t := tg.(*SQLGateway)
		var err error
		out, err = t.upsert(ctx, rec)
		return err
	})
	return out, err
}

func (g *SQLGateway) upsert(ctx context.Context, rec CanonicalRecord) (*UpsertOutcome, error) {
	canonical := CanonicalISBN13(rec.ISBN13)

	if canonical != "" {
		var eid int64
		err := g.q.QueryRowContext(ctx,
			`SELECT id FROM editions WHERE isbn13 = ?`, canonical).Scan(&eid)
		switch {
		case err == nil:
			return g.mergeInto(ctx, eid, rec)
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}
	}

	var bid int64
	err := g.q.QueryRowContext(ctx,
		`SELECT id FROM books WHERE title_key = ?`,
		titleAuthorKey(rec.Title, rec.Authors)).Scan(&bid)
	switch {
	case err == nil:
		return g.attachEdition(ctx, bid, rec)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	return g.insertPair(ctx, rec)
}

func (g *SQLGateway) mergeInto(ctx context.Context, editionID int64, rec CanonicalRecord) (*UpsertOutcome, error) {
	e, err := scanEdition(g.q.QueryRowContext(ctx,
		`SELECT `+_editionCols+` FROM editions WHERE id = ?`, editionID))
	if err != nil {
		return nil, err
	}
	b, err := scanBook(g.q.QueryRowContext(ctx,
		`SELECT `+_bookCols+` FROM books WHERE id = ?`, e.BookID))
	if err != nil {
		return nil, err
	}
	applyRecord(b, e, MergeRecord(recordFromPair(*b, *e), rec))
	if err := g.updatePair(ctx, b, e); err != nil {
		return nil, err
	}
	return &UpsertOutcome{Book: *b, Edition: *e}, nil
}

func (g *SQLGateway) attachEdition(ctx context.Context, bookID int64, rec CanonicalRecord) (*UpsertOutcome, error) {
	b, err := scanBook(g.q.QueryRowContext(ctx,
		`SELECT `+_bookCols+` FROM books WHERE id = ?`, bookID))
	if err != nil {
		return nil, err
	}
	e := &Edition{BookID: bookID}
	applyRecord(b, e, MergeRecord(recordFromPair(*b, Edition{}), rec))

	res, err := g.q.ExecContext(ctx,
		`INSERT INTO editions (book_id, isbn10, isbn13, publisher, release_date, page_count, language, format, cover_url, prices, source, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BookID, e.ISBN10, e.ISBN13, e.Publisher, e.ReleaseDate, e.PageCount,
		e.Language, e.Format, e.CoverURL, marshalList(e.Prices), e.Source, e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.ID, _ = res.LastInsertId()
	if err := g.updateBook(ctx, b); err != nil {
		return nil, err
	}
	return &UpsertOutcome{Book: *b, Edition: *e}, nil
}

func (g *SQLGateway) insertPair(ctx context.Context, rec CanonicalRecord) (*UpsertOutcome, error) {
	b := &Book{CreatedAt: time.Now().UTC()}
	e := &Edition{}
	applyRecord(b, e, rec)

	res, err := g.q.ExecContext(ctx,
		`INSERT INTO books (title, original_title, authors, title_key, series_name, series_key, series_position, categories, description, metadata_source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Title, b.OriginalTitle, marshalList(b.Authors), titleAuthorKey(b.Title, b.Authors),
		b.SeriesName, CanonicalSeriesName(b.SeriesName), b.SeriesPosition,
		marshalList(b.Categories), b.Description, b.MetadataSource, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.ID, _ = res.LastInsertId()
	e.BookID = b.ID

	res, err = g.q.ExecContext(ctx,
		`INSERT INTO editions (book_id, isbn10, isbn13, publisher, release_date, page_count, language, format, cover_url, prices, source, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BookID, e.ISBN10, e.ISBN13, e.Publisher, e.ReleaseDate, e.PageCount,
		e.Language, e.Format, e.CoverURL, marshalList(e.Prices), e.Source, e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.ID, _ = res.LastInsertId()
	return &UpsertOutcome{Book: *b, Edition: *e, Created: true}, nil
}

func (g *SQLGateway) updatePair(ctx context.Context, b *Book, e *Edition) error {
	if err := g.updateBook(ctx, b); err != nil {
		return err
	}
	_, err := g.q.ExecContext(ctx,
		`UPDATE editions SET isbn10 = ?, isbn13 = ?, publisher = ?, release_date = ?, page_count = ?, language = ?, format = ?, cover_url = ?, prices = ?, source = ?, updated_at = ?
		 WHERE id = ?`,
		e.ISBN10, e.ISBN13, e.Publisher, e.ReleaseDate, e.PageCount, e.Language,
		e.Format, e.CoverURL, marshalList(e.Prices), e.Source, e.UpdatedAt, e.ID)
	return err
}

func (g *SQLGateway) updateBook(ctx context.Context, b *Book) error {
	_, err := g.q.ExecContext(ctx,
		`UPDATE books SET title = ?, original_title = ?, authors = ?, title_key = ?, series_name = ?, series_key = ?, series_position = ?, categories = ?, description = ?, metadata_source = ?, updated_at = ?
		 WHERE id = ?`,
		b.Title, b.OriginalTitle, marshalList(b.Authors), titleAuthorKey(b.Title, b.Authors),
		b.SeriesName, CanonicalSeriesName(b.SeriesName), b.SeriesPosition,
		marshalList(b.Categories), b.Description, b.MetadataSource, b.UpdatedAt, b.ID)
	return err
}

func (g *SQLGateway) BookByISBN(ctx context.Context, isbn string) (*BookEdition, error) {
	canonical := CanonicalISBN13(isbn)
	if canonical == "" {
		return nil, errBadRequest
	}
	e, err := scanEdition(g.q.QueryRowContext(ctx,
		`SELECT `+_editionCols+` FROM editions WHERE isbn13 = ?`, canonical))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	b, err := scanBook(g.q.QueryRowContext(ctx,
		`SELECT `+_bookCols+` FROM books WHERE id = ?`, e.BookID))
	if err != nil {
		return nil, err
	}
	return &BookEdition{Book: *b, Edition: *e}, nil
}

func (g *SQLGateway) BookByID(ctx context.Context, id int64) (*Book, error) {
	b, err := scanBook(g.q.QueryRowContext(ctx,
		`SELECT `+_bookCols+` FROM books WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	return b, err
}

func (g *SQLGateway) ListISBNs(ctx context.Context) ([]string, error) {
	rows, err := g.q.QueryContext(ctx,
		`SELECT isbn13 FROM editions WHERE isbn13 <> '' ORDER BY isbn13`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var isbn string
		if err := rows.Scan(&isbn); err != nil {
			return nil, err
		}
		out = append(out, isbn)
	}
	return out, rows.Err()
}

func (g *SQLGateway) UpsertSeries(ctx context.Context, s Series) (*Series, error) {
	key := CanonicalSeriesName(s.Name)
	if key == "" {
		return nil, errBadRequest
	}
	_, err := g.q.ExecContext(ctx,
		`INSERT INTO series (name, name_key, total_volumes, ongoing, source)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name_key) DO UPDATE SET
			total_volumes = CASE WHEN excluded.total_volumes > 0 THEN excluded.total_volumes ELSE total_volumes END,
			ongoing = excluded.ongoing,
			source = CASE WHEN excluded.source <> '' THEN excluded.source ELSE source END`,
		s.Name, key, s.TotalVolumes, s.Ongoing, s.Source)
	if err != nil {
		return nil, err
	}
	return g.SeriesByName(ctx, s.Name)
}

func (g *SQLGateway) SeriesByName(ctx context.Context, name string) (*Series, error) {
	var s Series
	err := g.q.QueryRowContext(ctx,
		`SELECT id, name, total_volumes, ongoing, source FROM series WHERE name_key = ?`,
		CanonicalSeriesName(name)).Scan(&s.ID, &s.Name, &s.TotalVolumes, &s.Ongoing, &s.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (g *SQLGateway) ListSeries(ctx context.Context) ([]Series, error) {
	rows, err := g.q.QueryContext(ctx,
		`SELECT id, name, total_volumes, ongoing, source FROM series ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Series
	for rows.Next() {
		var s Series
		if err := rows.Scan(&s.ID, &s.Name, &s.TotalVolumes, &s.Ongoing, &s.Source); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (g *SQLGateway) VolumesBySeries(ctx context.Context, seriesID int64) ([]SeriesVolume, error) {
	rows, err := g.q.QueryContext(ctx,
		`SELECT series_id, position, book_id, status, created_at
		 FROM series_volumes WHERE series_id = ? ORDER BY position, book_id`, seriesID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []SeriesVolume
	for rows.Next() {
		var v SeriesVolume
		if err := rows.Scan(&v.SeriesID, &v.Position, &v.BookID, &v.Status, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (g *SQLGateway) PutVolume(ctx context.Context, v SeriesVolume) error {
	if v.Position <= 0 {
		return errBadRequest
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := g.q.ExecContext(ctx,
		`INSERT INTO series_volumes (series_id, position, book_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (series_id, position, book_id) DO UPDATE SET status = excluded.status`,
		v.SeriesID, v.Position, v.BookID, v.Status, v.CreatedAt)
	return err
}

func (g *SQLGateway) RemoveVolume(ctx context.Context, seriesID int64, position int, bookID int64) error {
	res, err := g.q.ExecContext(ctx,
		`DELETE FROM series_volumes WHERE series_id = ? AND position = ? AND book_id = ?`,
		seriesID, position, bookID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errNotFound
	}
	return nil
}

func (g *SQLGateway) BooksBySeries(ctx context.Context, name string) ([]Book, error) {
	rows, err := g.q.QueryContext(ctx,
		`SELECT `+_bookCols+` FROM books WHERE series_key = ? ORDER BY series_position, id`,
		CanonicalSeriesName(name))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
