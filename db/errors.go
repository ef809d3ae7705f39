package db

import (
	"strings"

	"github.com/jobgate/evalpulse/errors"
)

// ErrDatabaseClosed is returned for writes that arrive after the journal closed,
// which happens when observers are still draining during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone.
// The driver returns its own unwrapped error, hence the message fallback.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
