package search

import (
	"context"
	"errors"
	"fmt"
)

const DefaultTopK = 5

// Result is one ranked passage returned by the knowledge index.
type Result struct {
	ID      string
	Content string
	Title   string
	// Rank is the 1-based position in the backend's ordering.
	Rank int
}

// Searcher runs a hybrid query against a document index.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]Result, error)
}

type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindBackend   ErrorKind = "backend"
	KindCanceled  ErrorKind = "canceled"
	KindInvalid   ErrorKind = "invalid"
)

// Error is the typed failure surfaced to tool handlers.
type Error struct {
	Kind     ErrorKind
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("search %s failure", e.Kind)
	if e.Status > 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether err is a search failure worth retrying later.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTransient
}
