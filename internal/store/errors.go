package store

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/keel/internal/errclass"
)

// Classify maps a database error onto the error taxonomy. Lock contention
// (SQLITE_BUSY, SQLITE_LOCKED) becomes a retryable E_IO so callers can
// back off instead of hanging. Errors that already carry a class pass
// through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errclass.Code(err) != "" {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return errclass.ErrNotFound.WithMessage(op).Wrap(err)
	}
	if IsBusy(err) {
		return errclass.ErrIO.WithMessage(op + ": store is busy").AsRetryable().Wrap(err)
	}
	return errclass.ErrIO.WithMessage(op).Wrap(err)
}

// IsBusy reports whether err is SQLite lock contention.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
