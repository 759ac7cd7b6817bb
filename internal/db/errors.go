package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// Domain error kinds. Handlers map these to HTTP statuses in one place.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrPrecondition = errors.New("precondition failed")
	ErrDuplicate    = errors.New("duplicate")
)

// IsNoRows reports whether err is the no-row result of a guarded query.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
