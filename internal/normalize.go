package internal

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

var _stripTags = bluemonday.StrictPolicy()

// CleanText strips HTML tags and entities and collapses whitespace. Vendor
// titles and descriptions routinely arrive with both.
func CleanText(s string) string {
	s = html.UnescapeString(_stripTags.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

var _longMonthDate = []string{
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"January 2006",
	"Jan 2006",
}

// ParseDate accepts YYYY, YYYY-MM, YYYY-MM-DD and long-form English dates.
// Anything else is stored as unknown (nil).
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	for _, layout := range _longMonthDate {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// _iso639 maps the 3-letter (and a few vendor-specific) language hints we see
// in the wild to ISO-639-1.
var _iso639 = map[string]string{
	"eng": "en", "english": "en",
	"fre": "fr", "fra": "fr", "french": "fr",
	"ger": "de", "deu": "de", "german": "de",
	"spa": "es", "spanish": "es",
	"ita": "it", "italian": "it",
	"jpn": "ja", "japanese": "ja",
	"kor": "ko", "korean": "ko",
	"chi": "zh", "zho": "zh", "chinese": "zh",
	"por": "pt", "portuguese": "pt",
	"rus": "ru", "russian": "ru",
	"dut": "nl", "nld": "nl", "dutch": "nl",
	"pol": "pl", "polish": "pl",
	"swe": "sv", "swedish": "sv",
}

// NormalizeLanguage maps a vendor language hint to ISO-639-1 where
// determinable, otherwise returns the hint as-is (lowercased).
func NormalizeLanguage(hint string) string {
	h := strings.ToLower(strings.TrimSpace(hint))
	if h == "" {
		return ""
	}
	if len(h) == 2 {
		return h
	}
	if code, ok := _iso639[h]; ok {
		return code
	}
	return h
}

// ForceHTTPS rewrites http cover/image links to https when feasible.
func ForceHTTPS(link string) string {
	if strings.HasPrefix(link, "http://") {
		return "https://" + strings.TrimPrefix(link, "http://")
	}
	return link
}

// Series heuristics, applied in order when no structured series metadata is
// available. The position match group is always the last group.
var _seriesPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(.+?)\s*\((?:Book|Volume|#)\s*(\d+)\)`),
	regexp.MustCompile(`^(.+?):\s+(.+)$`),
	regexp.MustCompile(`^(.+?)\s+(\d+)$`),
}

// ExtractSeries guesses a series name and position from a title. A position
// of zero means the pattern matched a name but no number.
func ExtractSeries(title string) (name string, position int) {
	title = strings.TrimSpace(title)
	if m := _seriesPatterns[0].FindStringSubmatch(title); m != nil {
		n, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), n
	}
	if m := _seriesPatterns[1].FindStringSubmatch(title); m != nil {
		return strings.TrimSpace(m[1]), 0
	}
	if m := _seriesPatterns[2].FindStringSubmatch(title); m != nil {
		n, _ := strconv.Atoi(m[2])
		return strings.TrimSpace(m[1]), n
	}
	return "", 0
}

// Vendors ship translated titles as "Native Title [Romanized Title]". The
// bracketed part is the display title, the part before it the original.
var _bracketedRoman = regexp.MustCompile(`^(.+?)\s*\[(.+)\]$`)

func hasNonLatin(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.In(r, unicode.Latin) {
			return true
		}
	}
	return false
}

// SplitOriginalTitle separates a display title from a native-script original.
// A "Native [Romanized]" pair splits when the native part is non-Latin; a
// fully non-Latin title is kept as both display and original. Latin-only
// brackets (printing notes and the like) pass through untouched.
func SplitOriginalTitle(title string) (display, original string) {
	if m := _bracketedRoman.FindStringSubmatch(title); m != nil && hasNonLatin(m[1]) {
		return strings.TrimSpace(m[2]), strings.TrimSpace(m[1])
	}
	if hasNonLatin(title) {
		return title, title
	}
	return title, ""
}

// CanonicalSeriesName folds a series name for identity comparison. Display
// names keep their original casing and any bracketed romanizations; only the
// comparison form is folded (Unicode NFKC, case-insensitive).
func CanonicalSeriesName(name string) string {
	folded := norm.NFKC.String(strings.TrimSpace(name))
	return strings.ToLower(folded)
}

// FinishRecord applies the normalization rules every client must guarantee
// before a CanonicalRecord leaves it: clean text, canonical ISBN-13,
// https covers, series heuristics, ISO language. Mutates in place.
func FinishRecord(rec *CanonicalRecord) {
	rec.Title = CleanText(rec.Title)
	if rec.OriginalTitle == "" {
		if display, original := SplitOriginalTitle(rec.Title); original != "" {
			rec.Title = display
			rec.OriginalTitle = original
		}
	}
	rec.Description = CleanText(rec.Description)
	rec.Publisher = strings.TrimSpace(rec.Publisher)
	rec.Language = NormalizeLanguage(rec.Language)
	rec.CoverURL = ForceHTTPS(rec.CoverURL)

	rec.ISBN10 = NormalizeISBN(rec.ISBN10)
	rec.ISBN13 = NormalizeISBN(rec.ISBN13)
	if rec.ISBN13 == "" && rec.ISBN10 != "" {
		rec.ISBN13 = ISBN10To13(rec.ISBN10)
	}

	if rec.SeriesName == "" && rec.Title != "" {
		if name, pos := ExtractSeries(rec.Title); name != "" {
			rec.SeriesName = name
			if pos > 0 {
				rec.SeriesPosition = pos
			}
		}
	}

	for i := range rec.Authors {
		rec.Authors[i] = strings.TrimSpace(rec.Authors[i])
	}
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}
}
