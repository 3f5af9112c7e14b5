package credits

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// Sentinel errors of the credit engine. Callers match them with errors.Is.
var (
	// ErrInvalidEvent marks a billing event that fails validation before any
	// processing starts.
	ErrInvalidEvent = errors.New("credits: invalid billing event")

	// ErrUnknownPackage is returned when an event references a package slug
	// with no active configuration. The event stays unclaimed so it can be
	// retried after the configuration is fixed.
	ErrUnknownPackage = errors.New("credits: unknown package")

	// ErrUnknownSubscription is returned when an event references a
	// subscription that does not exist and carries no user to create it for.
	ErrUnknownSubscription = errors.New("credits: unknown subscription")

	// ErrConflict signals an illegal balance transition, e.g. rolling over a
	// balance that is already closed. It indicates a defect, not bad input.
	ErrConflict = errors.New("credits: conflicting balance state")

	// ErrInsufficientCredits is returned when a debit exceeds the user's
	// active balance.
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
)

// MySQL error numbers for deadlock and lock wait timeout.
const (
	mysqlErrDeadlock    = 1213
	mysqlErrLockTimeout = 1205
)

// IsTransient reports whether the error is a storage-level contention error
// that is safe to retry with the same event id.
func IsTransient(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrDeadlock || myErr.Number == mysqlErrLockTimeout
	}
	return false
}
