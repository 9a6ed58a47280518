package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dberr"
)

// classify maps SQLite and database/sql failures to dberr kinds.
func classify(err error) dberr.Kind {
	if k, ok := dberr.KindOf(err); ok {
		return k
	}
	if errors.Is(err, dberr.ErrExists) {
		return dberr.KindValidation
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return dberr.KindTimeout
		case sqlite3.ErrAuth, sqlite3.ErrPerm:
			return dberr.KindAuthentication
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB:
			return dberr.KindConnection
		case sqlite3.ErrConstraint:
			return dberr.KindValidation
		default:
			return dberr.KindDatabase
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dberr.KindTimeout
	case errors.Is(err, sql.ErrConnDone):
		return dberr.KindConnection
	case strings.Contains(err.Error(), "sql: database is closed"):
		// database/sql does not export this sentinel.
		return dberr.KindConnection
	}
	return dberr.Classify(err)
}

// isDuplicate reports a primary key or unique constraint violation.
func isDuplicate(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}
