package internal

import "strings"

// NormalizeISBN strips separators and upcases a candidate ISBN. An `X` check
// digit is only meaningful in position 10 of an ISBN-10; it is preserved so
// validation can reject it anywhere else.
func NormalizeISBN(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteByte('X')
		}
	}
	return b.String()
}

// ValidISBN10 reports whether s is a well-formed ISBN-10 after normalization.
func ValidISBN10(s string) bool {
	if len(s) != 10 {
		return false
	}
	sum := 0
	for i, r := range s {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		case r == 'X' && i == 9:
			v = 10
		default:
			return false
		}
		sum += (10 - i) * v
	}
	return sum%11 == 0
}

// ValidISBN13 reports whether s is a well-formed ISBN-13 after normalization.
func ValidISBN13(s string) bool {
	if len(s) != 13 {
		return false
	}
	sum := 0
	for i, r := range s {
		if r < '0' || r > '9' {
			return false
		}
		v := int(r - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	return sum%10 == 0
}

// ISBN10To13 promotes an ISBN-10 to its canonical 978-prefixed ISBN-13 by
// recomputing the mod-10 check digit. Returns "" when the input is not a
// valid ISBN-10.
func ISBN10To13(isbn10 string) string {
	s := NormalizeISBN(isbn10)
	if !ValidISBN10(s) {
		return ""
	}
	body := "978" + s[:9]
	sum := 0
	for i, r := range body {
		v := int(r - '0')
		if i%2 == 1 {
			v *= 3
		}
		sum += v
	}
	check := (10 - sum%10) % 10
	return body + string(rune('0'+check))
}

// ISBN13To10 demotes a 978-prefixed ISBN-13 back to an ISBN-10. Returns ""
// for anything that isn't a valid 978-prefixed ISBN-13.
func ISBN13To10(isbn13 string) string {
	s := NormalizeISBN(isbn13)
	if !ValidISBN13(s) || !strings.HasPrefix(s, "978") {
		return ""
	}
	body := s[3:12]
	sum := 0
	for i, r := range body {
		sum += (10 - i) * int(r-'0')
	}
	check := (11 - sum%11) % 11
	if check == 10 {
		return body + "X"
	}
	return body + string(rune('0'+check))
}

// CanonicalISBN13 returns the canonical ISBN-13 for any valid ISBN input, or
// "" if the input is neither a valid ISBN-10 nor ISBN-13.
func CanonicalISBN13(raw string) string {
	s := NormalizeISBN(raw)
	switch {
	case ValidISBN13(s):
		return s
	case ValidISBN10(s):
		return ISBN10To13(s)
	}
	return ""
}

// LooksLikeISBN reports whether a free-text query has the shape of an ISBN:
// 10 or 13 digits, optionally with a trailing X check digit, once separators
// are stripped.
func LooksLikeISBN(query string) bool {
	s := NormalizeISBN(query)
	if len(s) != 10 && len(s) != 13 {
		return false
	}
	for i, r := range s {
		if r == 'X' && !(len(s) == 10 && i == 9) {
			return false
		}
	}
	return true
}
