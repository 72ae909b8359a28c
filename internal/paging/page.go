// Package paging validates limit/offset windows for list endpoints.
package paging

import (
	"errors"
	"fmt"
)

const (
	// DefaultLimit applies when a caller does not supply a limit.
	DefaultLimit = 50
	// MaxLimit bounds every list query.
	MaxLimit = 200
)

// ErrInvalidPage indicates a limit outside 1..MaxLimit or a negative offset.
var ErrInvalidPage = errors.New("paging: invalid page")

// Page is a validated limit/offset window.
type Page struct {
	Limit  int
	Offset int
}

// New validates the window.
func New(limit, offset int) (Page, error) {
	if limit < 1 || limit > MaxLimit {
		return Page{}, fmt.Errorf("%w: limit %d outside 1..%d", ErrInvalidPage, limit, MaxLimit)
	}
	if offset < 0 {
		return Page{}, fmt.Errorf("%w: negative offset %d", ErrInvalidPage, offset)
	}
	return Page{Limit: limit, Offset: offset}, nil
}

// Default returns the first page with DefaultLimit.
func Default() Page {
	return Page{Limit: DefaultLimit}
}
