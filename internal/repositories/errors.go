package repositories

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	job, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example registering a user with a username that already
// exists, or acquiring a lock on an entity that is already locked.
var ErrConflict = errors.New("record already exists")

// isUniqueViolation reports whether err is a unique-constraint violation.
// GORM's TranslateError covers postgres; the modernc sqlite driver is not
// recognised by the dialector's translator, so the sqlite message is
// matched directly.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
