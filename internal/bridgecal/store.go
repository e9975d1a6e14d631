package bridgecal

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Cursor names persisted alongside mapping rows.
const (
	CursorGoogleSyncToken   = "google_sync_token"
	CursorLastOutlookScanAt = "last_outlook_scan_at"
)

// MappingRow pairs one source event with its mirror, plus the revision
// metadata change detection runs on. Fingerprints of zero mean "none
// recorded yet"; zero timestamps mean "never observed".
type MappingRow struct {
	OutlookID              string
	GoogleID               string
	Origin                 Origin
	LastOutlookModified    time.Time
	LastGoogleModified     time.Time
	LastOutlookFingerprint uint64
	LastGoogleFingerprint  uint64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Store is the durable mapping store contract. Neither OutlookID nor
// GoogleID may appear in two rows. All mutations performed inside
// Transaction either commit fully or leave no side effects.
type Store interface {
	GetByOutlook(id string) (MappingRow, bool, error)
	GetByGoogle(id string) (MappingRow, bool, error)
	ListAll() ([]MappingRow, error)
	ListWhereOutlookIn(ids map[string]struct{}) ([]MappingRow, error)
	Upsert(row MappingRow) error
	Delete(row MappingRow) error
	GetCursor(name string) (string, bool, error)
	SetCursor(name, value string) error
	Transaction(fn func(Store) error) error
	Close() error
}

// OpenStore builds a Store from a DSN. Supported schemes:
//
//	(bare path), file://  SQLite database file
//	sqlite://             SQLite database file
//	postgres://           Postgres
//	memory://             in-memory, test use
func OpenStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty mapping store dsn", ErrConfig)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping store dsn: %v", ErrConfig, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "", "file":
		return openSQLiteStore(dsnPath(parsed, dsn))
	case "sqlite":
		return openSQLiteStore(dsnPath(parsed, dsn))
	case "postgres", "postgresql":
		return openPostgresStore(dsn)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported mapping store scheme %q", ErrConfig, parsed.Scheme)
	}
}

func dsnPath(parsed *url.URL, dsn string) string {
	if parsed.Scheme == "" {
		return dsn
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if parsed.Opaque != "" {
		path = parsed.Opaque
	}
	return path
}
