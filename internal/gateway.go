package internal

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// UpsertOutcome reports what an upsert did. Created is false when the record
// merged into an existing book.
type UpsertOutcome struct {
	Book    Book    `json:"book"`
	Edition Edition `json:"edition"`
	Created bool    `json:"created"`
}

// Gateway is the persistence surface. Identity is the canonical ISBN-13;
// records without one fall back to matching title plus first author. Writes
// inside Transact commit together or not at all.
type Gateway interface {
	Transact(ctx context.Context, fn func(Gateway) error) error

	UpsertRecord(ctx context.Context, rec CanonicalRecord) (*UpsertOutcome, error)
	BookByISBN(ctx context.Context, isbn string) (*BookEdition, error)
	BookByID(ctx context.Context, id int64) (*Book, error)
	ListISBNs(ctx context.Context) ([]string, error)

	UpsertSeries(ctx context.Context, s Series) (*Series, error)
	SeriesByName(ctx context.Context, name string) (*Series, error)
	ListSeries(ctx context.Context) ([]Series, error)
	VolumesBySeries(ctx context.Context, seriesID int64) ([]SeriesVolume, error)
	PutVolume(ctx context.Context, v SeriesVolume) error
	RemoveVolume(ctx context.Context, seriesID int64, position int, bookID int64) error
	BooksBySeries(ctx context.Context, name string) ([]Book, error)
}

// titleAuthorKey is the fallback identity for ISBN-less records.
func titleAuthorKey(title string, authors []string) string {
	first := ""
	if len(authors) > 0 {
		first = authors[0]
	}
	return strings.ToLower(strings.TrimSpace(title)) + "\x00" + strings.ToLower(strings.TrimSpace(first))
}

// recordFromPair reconstructs the canonical shape from stored rows so merges
// see exactly what persistence holds.
func recordFromPair(b Book, e Edition) CanonicalRecord {
	return CanonicalRecord{
		Title:          b.Title,
		OriginalTitle:  b.OriginalTitle,
		Authors:        b.Authors,
		ISBN10:         e.ISBN10,
		ISBN13:         e.ISBN13,
		Publisher:      e.Publisher,
		PublishedDate:  e.ReleaseDate,
		PageCount:      e.PageCount,
		Language:       e.Language,
		Format:         e.Format,
		Description:    b.Description,
		CoverURL:       e.CoverURL,
		Categories:     b.Categories,
		SeriesName:     b.SeriesName,
		SeriesPosition: b.SeriesPosition,
		Prices:         e.Prices,
		Source:         b.MetadataSource,
	}
}

func applyRecord(b *Book, e *Edition, rec CanonicalRecord) {
	now := time.Now().UTC()
	b.Title = rec.Title
	b.OriginalTitle = rec.OriginalTitle
	b.Authors = rec.Authors
	b.SeriesName = rec.SeriesName
	b.SeriesPosition = rec.SeriesPosition
	b.Categories = rec.Categories
	b.Description = rec.Description
	if rec.Source != "" {
		b.MetadataSource = rec.Source
	}
	b.UpdatedAt = now

	e.ISBN10 = rec.ISBN10
	e.ISBN13 = rec.ISBN13
	// Promote a lone ISBN-10 so the canonical identity is always filled.
	if e.ISBN13 == "" && e.ISBN10 != "" {
		e.ISBN13 = ISBN10To13(e.ISBN10)
	}
	if e.ISBN10 == "" && e.ISBN13 != "" {
		e.ISBN10 = ISBN13To10(e.ISBN13)
	}
	e.Publisher = rec.Publisher
	e.ReleaseDate = rec.PublishedDate
	e.PageCount = rec.PageCount
	e.Language = rec.Language
	e.Format = rec.Format
	e.CoverURL = rec.CoverURL
	e.Prices = rec.Prices
	e.Source = rec.Source
	e.UpdatedAt = now
}

// memGateway is the in-memory Gateway used by tests and preview imports.
// Transact stages against a deep copy and swaps it in on success.
type memGateway struct {
	mu sync.Mutex
	st *memState
}

type memState struct {
	nextID       int64
	books        map[int64]*Book
	editions     map[int64]*Edition
	byISBN       map[string]int64 // canonical ISBN-13 to edition id
	byTitle      map[string]int64 // title/author key to book id
	series       map[int64]*Series
	seriesByName map[string]int64 // canonical series name to id
	volumes      []SeriesVolume
}

func newMemState() *memState {
	return &memState{
		nextID:       1,
		books:        map[int64]*Book{},
		editions:     map[int64]*Edition{},
		byISBN:       map[string]int64{},
		byTitle:      map[string]int64{},
		series:       map[int64]*Series{},
		seriesByName: map[string]int64{},
	}
}

// NewMemGateway returns an empty in-memory gateway.
func NewMemGateway() Gateway {
	return &memGateway{st: newMemState()}
}

func (s *memState) clone() *memState {
	c := newMemState()
	c.nextID = s.nextID
	for id, b := range s.books {
		cp := *b
		c.books[id] = &cp
	}
	for id, e := range s.editions {
		cp := *e
		c.editions[id] = &cp
	}
	for k, v := range s.byISBN {
		c.byISBN[k] = v
	}
	for k, v := range s.byTitle {
		c.byTitle[k] = v
	}
	for id, sr := range s.series {
		cp := *sr
		c.series[id] = &cp
	}
	for k, v := range s.seriesByName {
		c.seriesByName[k] = v
	}
	c.volumes = append(c.volumes, s.volumes...)
	return c
}

func (g *memGateway) Transact(ctx context.Context, fn func(Gateway) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	staged := &memGateway{st: g.st.clone()}
	if err := fn(staged); err != nil {
		return err
	}
	g.st = staged.st
	return nil
}

func (g *memGateway) lock() func() {
	g.mu.Lock()
	return g.mu.Unlock
}

func (g *memGateway) UpsertRecord(ctx context.Context, rec CanonicalRecord) (*UpsertOutcome, error) {
	defer g.lock()()
	st := g.st

	if rec.Title == "" {
		return nil, errBadRequest
	}
	canonical := CanonicalISBN13(rec.ISBN13)

	// Existing edition by ISBN wins; then an existing book by title/author
	// gains a new edition; otherwise a fresh pair is created.
	if canonical != "" {
		if eid, ok := st.byISBN[canonical]; ok {
			e := st.editions[eid]
			b := st.books[e.BookID]
			merged := MergeRecord(recordFromPair(*b, *e), rec)
			applyRecord(b, e, merged)
			return &UpsertOutcome{Book: *b, Edition: *e}, nil
		}
	}
	if bid, ok := st.byTitle[titleAuthorKey(rec.Title, rec.Authors)]; ok {
		b := st.books[bid]
		e := &Edition{ID: st.id(), BookID: bid}
		applyRecord(b, e, MergeRecord(recordFromPair(*b, Edition{}), rec))
		st.editions[e.ID] = e
		if c := CanonicalISBN13(e.ISBN13); c != "" {
			st.byISBN[c] = e.ID
		}
		return &UpsertOutcome{Book: *b, Edition: *e}, nil
	}

	b := &Book{ID: st.id(), CreatedAt: time.Now().UTC()}
	e := &Edition{ID: st.id(), BookID: b.ID}
	applyRecord(b, e, rec)
	st.books[b.ID] = b
	st.editions[e.ID] = e
	st.byTitle[titleAuthorKey(b.Title, b.Authors)] = b.ID
	if c := CanonicalISBN13(e.ISBN13); c != "" {
		st.byISBN[c] = e.ID
	}
	return &UpsertOutcome{Book: *b, Edition: *e, Created: true}, nil
}

func (g *memGateway) BookByISBN(ctx context.Context, isbn string) (*BookEdition, error) {
	defer g.lock()()
	canonical := CanonicalISBN13(isbn)
	eid, ok := g.st.byISBN[canonical]
	if !ok {
		return nil, errNotFound
	}
	e := g.st.editions[eid]
	b := g.st.books[e.BookID]
	return &BookEdition{Book: *b, Edition: *e}, nil
}

func (g *memGateway) BookByID(ctx context.Context, id int64) (*Book, error) {
	defer g.lock()()
	b, ok := g.st.books[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *b
	return &cp, nil
}

func (g *memGateway) ListISBNs(ctx context.Context) ([]string, error) {
	defer g.lock()()
	out := make([]string, 0, len(g.st.byISBN))
	for isbn := range g.st.byISBN {
		out = append(out, isbn)
	}
	sort.Strings(out)
	return out, nil
}

func (g *memGateway) UpsertSeries(ctx context.Context, s Series) (*Series, error) {
	defer g.lock()()
	st := g.st
	key := CanonicalSeriesName(s.Name)
	if key == "" {
		return nil, errBadRequest
	}
	if id, ok := st.seriesByName[key]; ok {
		existing := st.series[id]
		if s.TotalVolumes > 0 {
			existing.TotalVolumes = s.TotalVolumes
		}
		if s.Source != "" {
			existing.Source = s.Source
		}
		existing.Ongoing = s.Ongoing
		cp := *existing
		return &cp, nil
	}
	s.ID = st.id()
	st.series[s.ID] = &s
	st.seriesByName[key] = s.ID
	cp := s
	return &cp, nil
}

func (g *memGateway) SeriesByName(ctx context.Context, name string) (*Series, error) {
	defer g.lock()()
	id, ok := g.st.seriesByName[CanonicalSeriesName(name)]
	if !ok {
		return nil, errNotFound
	}
	cp := *g.st.series[id]
	return &cp, nil
}

func (g *memGateway) ListSeries(ctx context.Context) ([]Series, error) {
	defer g.lock()()
	out := make([]Series, 0, len(g.st.series))
	for _, s := range g.st.series {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (g *memGateway) VolumesBySeries(ctx context.Context, seriesID int64) ([]SeriesVolume, error) {
	defer g.lock()()
	var out []SeriesVolume
	for _, v := range g.st.volumes {
		if v.SeriesID == seriesID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (g *memGateway) PutVolume(ctx context.Context, v SeriesVolume) error {
	defer g.lock()()
	if v.Position <= 0 {
		return errBadRequest
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	for i, existing := range g.st.volumes {
		if existing.SeriesID == v.SeriesID && existing.Position == v.Position && existing.BookID == v.BookID {
			v.CreatedAt = existing.CreatedAt
			g.st.volumes[i] = v
			return nil
		}
	}
	g.st.volumes = append(g.st.volumes, v)
	return nil
}

func (g *memGateway) RemoveVolume(ctx context.Context, seriesID int64, position int, bookID int64) error {
	defer g.lock()()
	for i, v := range g.st.volumes {
		if v.SeriesID == seriesID && v.Position == position && v.BookID == bookID {
			g.st.volumes = append(g.st.volumes[:i], g.st.volumes[i+1:]...)
			return nil
		}
	}
	return errNotFound
}

func (g *memGateway) BooksBySeries(ctx context.Context, name string) ([]Book, error) {
	defer g.lock()()
	key := CanonicalSeriesName(name)
	var out []Book
	for _, b := range g.st.books {
		if CanonicalSeriesName(b.SeriesName) == key {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeriesPosition < out[j].SeriesPosition })
	return out, nil
}

func (s *memState) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}
