package internal

import "time"

// CanonicalRecord is the source-independent book payload every client
// normalizes into. Vendors populate whatever they know; zero values mean
// "absent". Downstream code only ever sees this shape.
type CanonicalRecord struct {
	Title         string     `json:"title,omitempty"`
	OriginalTitle string     `json:"originalTitle,omitempty"`
	Authors       []string   `json:"authors,omitempty"`
	ISBN10        string     `json:"isbn10,omitempty"`
	ISBN13        string     `json:"isbn13,omitempty"`
	Publisher     string     `json:"publisher,omitempty"`
	PublishedDate *time.Time `json:"publishedDate,omitempty"`
	PageCount     int        `json:"pageCount,omitempty"`
	Language      string     `json:"language,omitempty"`
	Format        string     `json:"format,omitempty"`
	Description   string     `json:"description,omitempty"`
	CoverURL      string     `json:"coverUrl,omitempty"`
	Categories    []string   `json:"categories,omitempty"`

	SeriesName     string `json:"seriesName,omitempty"`
	SeriesPosition int    `json:"seriesPosition,omitempty"`
	SeriesTotal    int    `json:"seriesTotal,omitempty"`

	Prices []PriceSnapshot `json:"prices,omitempty"`

	// Provenance.
	Source    string    `json:"source,omitempty"`
	FetchedAt time.Time `json:"fetchedAt,omitempty"`
}

// PriceSnapshot is a passive metadata capture of a vendor price point.
// Snapshots are append-only and never deduplicated across sources.
type PriceSnapshot struct {
	Source   string    `json:"source"`
	Currency string    `json:"currency"`
	Amount   float64   `json:"amount"`
	At       time.Time `json:"at"`
}

// Book is the work: one title/author identity with at least one edition.
type Book struct {
	ID             int64      `json:"id"`
	Title          string     `json:"title"`
	OriginalTitle  string     `json:"originalTitle,omitempty"`
	Authors        []string   `json:"authors"`
	SeriesName     string     `json:"seriesName,omitempty"`
	SeriesPosition int        `json:"seriesPosition,omitempty"`
	Categories     []string   `json:"categories,omitempty"`
	Description    string     `json:"description,omitempty"`
	MetadataSource string     `json:"metadataSource,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Edition is one publication of a Book. The canonical identity is the
// ISBN-13; ISBN-10 is promoted lazily on upsert when only it is known.
type Edition struct {
	ID          int64           `json:"id"`
	BookID      int64           `json:"bookId"`
	ISBN10      string          `json:"isbn10,omitempty"`
	ISBN13      string          `json:"isbn13,omitempty"`
	Publisher   string          `json:"publisher,omitempty"`
	ReleaseDate *time.Time      `json:"releaseDate,omitempty"`
	PageCount   int             `json:"pageCount,omitempty"`
	Language    string          `json:"language,omitempty"`
	Format      string          `json:"format,omitempty"`
	CoverURL    string          `json:"coverUrl,omitempty"`
	Prices      []PriceSnapshot `json:"prices,omitempty"`
	Source      string          `json:"source,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Series identity is its canonicalized name; TotalVolumes of zero means the
// total was never declared.
type Series struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	TotalVolumes int    `json:"totalVolumes,omitempty"`
	Ongoing      bool   `json:"ongoing,omitempty"`
	Source       string `json:"source,omitempty"`
}

// VolumeStatus tracks ownership of one series position.
type VolumeStatus string

const (
	VolumeOwned   VolumeStatus = "owned"
	VolumeWanted  VolumeStatus = "wanted"
	VolumeMissing VolumeStatus = "missing"
)

// SeriesVolume links a series position to at most one book. BookID of zero
// is a placeholder: a known position with no book in the library.
type SeriesVolume struct {
	SeriesID  int64        `json:"seriesId"`
	Position  int          `json:"position"`
	BookID    int64        `json:"bookId,omitempty"`
	Status    VolumeStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

// BookEdition pairs the two halves of a persisted record for callers that
// always want both.
type BookEdition struct {
	Book    Book    `json:"book"`
	Edition Edition `json:"edition"`
}
