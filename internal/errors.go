package internal

import (
	"errors"
	"fmt"
	"net/http"
)

// statusErr is an error which corresponds to an HTTP status code returned by
// an upstream. It lets transports surface vendor failures without losing the
// code along the way.
type statusErr int

func (e statusErr) Error() string {
	return fmt.Sprintf("%d: %s", int(e), http.StatusText(int(e)))
}

func (e statusErr) Is(err error) bool {
	if se, ok := err.(statusErr); ok {
		return int(se) == int(e)
	}
	return false
}

var (
	errNotFound   = statusErr(http.StatusNotFound)
	errBadRequest = statusErr(http.StatusBadRequest)
)

// SourceKind classifies a source failure for retry and reporting decisions.
type SourceKind int

const (
	// KindTransient covers network failures, 5xx and 429. Retried.
	KindTransient SourceKind = iota
	// KindPermanent covers non-404 4xx. Never retried.
	KindPermanent
	// KindNotFound covers 404 and empty payloads. Not an error for callers.
	KindNotFound
)

func (k SourceKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "notfound"
	}
	return "unknown"
}

// SourceError is a classified failure from one bibliographic source.
type SourceError struct {
	Kind   SourceKind
	Source string
	Detail string
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Source, e.Kind, e.Detail)
}

func (e *SourceError) Unwrap() error { return e.Err }

// classify maps an upstream error onto a SourceError. Timeouts, resets and
// 5xx/429 are transient; 404 is notfound; remaining 4xx are permanent.
func classify(source string, err error) *SourceError {
	var se *SourceError
	if errors.As(err, &se) {
		return se
	}
	var status statusErr
	if errors.As(err, &status) {
		code := int(status)
		switch {
		case code == http.StatusNotFound:
			return &SourceError{Kind: KindNotFound, Source: source, Err: err}
		case code == http.StatusTooManyRequests || code >= 500:
			return &SourceError{Kind: KindTransient, Source: source, Err: err}
		case code >= 400:
			return &SourceError{Kind: KindPermanent, Source: source, Err: err}
		}
	}
	return &SourceError{Kind: KindTransient, Source: source, Err: err}
}

func isNotFound(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind == KindNotFound
	}
	return errors.Is(err, errNotFound)
}
