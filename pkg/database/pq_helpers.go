package database

import (
	"errors"

	"github.com/lib/pq"
)

// isUniqueViolation reports whether err is a PostgreSQL unique_violation
// (SQLSTATE 23505), the class of error every "duplicate" contract in this
// package (readings, operations) depends on to turn a second write into an
// application-level sentinel rather than a raw driver error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
