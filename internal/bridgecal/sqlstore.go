package bridgecal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const storeTimestampLayout = time.RFC3339

// sqlStore backs the mapping store with database/sql. It serves both the
// SQLite (default, single-user local file) and Postgres flavors; the two
// differ only in placeholder style.
type sqlStore struct {
	db          *sql.DB
	tx          *sql.Tx
	usesDollars bool
}

type sqlRunner interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *sqlStore) runner() sqlRunner {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func openSQLiteStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrConfig)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create mapping store dir: %v", ErrConfig, err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite mapping store: %v", ErrConfig, err)
	}
	// The store is held by one tick at a time; a second connection would only
	// contend on the file lock.
	db.SetMaxOpenConns(1)
	store := &sqlStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func openPostgresStore(dsn string) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres mapping store: %v", ErrConfig, err)
	}
	store := &sqlStore{db: db, usesDollars: true}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// migrate creates the schema. Safe to run on every open.
func (s *sqlStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pair (
			outlook_id TEXT PRIMARY KEY,
			google_id TEXT NOT NULL UNIQUE,
			origin TEXT NOT NULL,
			last_outlook_modified TEXT NOT NULL DEFAULT '',
			last_google_modified TEXT NOT NULL DEFAULT '',
			last_outlook_fingerprint TEXT NOT NULL DEFAULT '',
			last_google_fingerprint TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		// Quoted: CURSOR is a keyword on the Postgres side.
		`CREATE TABLE IF NOT EXISTS "cursor" (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate mapping store: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for the Postgres flavor.
func (s *sqlStore) rebind(query string) string {
	if !s.usesDollars {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const pairColumns = `outlook_id, google_id, origin,
	last_outlook_modified, last_google_modified,
	last_outlook_fingerprint, last_google_fingerprint,
	created_at, updated_at`

func (s *sqlStore) GetByOutlook(id string) (MappingRow, bool, error) {
	return s.getOne(`SELECT `+pairColumns+` FROM pair WHERE outlook_id = ?`, id)
}

func (s *sqlStore) GetByGoogle(id string) (MappingRow, bool, error) {
	return s.getOne(`SELECT `+pairColumns+` FROM pair WHERE google_id = ?`, id)
}

func (s *sqlStore) getOne(query, id string) (MappingRow, bool, error) {
	row := s.runner().QueryRow(s.rebind(query), id)
	mapped, err := scanPairRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MappingRow{}, false, nil
	}
	if err != nil {
		return MappingRow{}, false, err
	}
	return mapped, true, nil
}

func (s *sqlStore) ListAll() ([]MappingRow, error) {
	rows, err := s.runner().Query(s.rebind(`SELECT ` + pairColumns + ` FROM pair ORDER BY outlook_id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPairRows(rows)
}

func (s *sqlStore) ListWhereOutlookIn(ids map[string]struct{}) ([]MappingRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ordered)), ",")
	args := make([]any, len(ordered))
	for i, id := range ordered {
		args[i] = id
	}
	query := `SELECT ` + pairColumns + ` FROM pair WHERE outlook_id IN (` + placeholders + `) ORDER BY outlook_id`
	rows, err := s.runner().Query(s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPairRows(rows)
}

func (s *sqlStore) Upsert(row MappingRow) error {
	if strings.TrimSpace(row.OutlookID) == "" || strings.TrimSpace(row.GoogleID) == "" {
		return fmt.Errorf("%w: mapping row needs both ids", ErrInvalidInput)
	}
	if !row.Origin.Valid() {
		return fmt.Errorf("%w: mapping row origin %q", ErrInvalidInput, row.Origin)
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	query := `INSERT INTO pair (` + pairColumns + `) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (outlook_id) DO UPDATE SET
			google_id = excluded.google_id,
			origin = excluded.origin,
			last_outlook_modified = excluded.last_outlook_modified,
			last_google_modified = excluded.last_google_modified,
			last_outlook_fingerprint = excluded.last_outlook_fingerprint,
			last_google_fingerprint = excluded.last_google_fingerprint,
			updated_at = excluded.updated_at`
	_, err := s.runner().Exec(s.rebind(query),
		row.OutlookID,
		row.GoogleID,
		string(row.Origin),
		formatStoreTime(row.LastOutlookModified),
		formatStoreTime(row.LastGoogleModified),
		FormatFingerprint(row.LastOutlookFingerprint),
		FormatFingerprint(row.LastGoogleFingerprint),
		formatStoreTime(row.CreatedAt),
		formatStoreTime(row.UpdatedAt),
	)
	return err
}

func (s *sqlStore) Delete(row MappingRow) error {
	_, err := s.runner().Exec(
		s.rebind(`DELETE FROM pair WHERE outlook_id = ? AND google_id = ?`),
		row.OutlookID, row.GoogleID,
	)
	return err
}

func (s *sqlStore) GetCursor(name string) (string, bool, error) {
	var value string
	err := s.runner().QueryRow(s.rebind(`SELECT value FROM "cursor" WHERE name = ?`), name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *sqlStore) SetCursor(name, value string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty cursor name", ErrInvalidInput)
	}
	query := `INSERT INTO "cursor" (name, value) VALUES (?,?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`
	_, err := s.runner().Exec(s.rebind(query), name, value)
	return err
}

func (s *sqlStore) Transaction(fn func(Store) error) error {
	if s.tx != nil {
		// Nested transaction folds into the outer one.
		return fn(s)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	view := &sqlStore{db: s.db, tx: tx, usesDollars: s.usesDollars}
	if err := fn(view); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *sqlStore) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPairRow(scanner rowScanner) (MappingRow, error) {
	var row MappingRow
	var origin, outlookMod, googleMod, outlookFP, googleFP, createdAt, updatedAt string
	err := scanner.Scan(
		&row.OutlookID, &row.GoogleID, &origin,
		&outlookMod, &googleMod,
		&outlookFP, &googleFP,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return MappingRow{}, err
	}
	row.Origin = Origin(origin)
	if row.LastOutlookModified, err = parseStoreTime(outlookMod); err != nil {
		return MappingRow{}, err
	}
	if row.LastGoogleModified, err = parseStoreTime(googleMod); err != nil {
		return MappingRow{}, err
	}
	if row.LastOutlookFingerprint, err = ParseFingerprint(outlookFP); err != nil {
		return MappingRow{}, err
	}
	if row.LastGoogleFingerprint, err = ParseFingerprint(googleFP); err != nil {
		return MappingRow{}, err
	}
	if row.CreatedAt, err = parseStoreTime(createdAt); err != nil {
		return MappingRow{}, err
	}
	if row.UpdatedAt, err = parseStoreTime(updatedAt); err != nil {
		return MappingRow{}, err
	}
	return row, nil
}

func collectPairRows(rows *sql.Rows) ([]MappingRow, error) {
	var out []MappingRow
	for rows.Next() {
		row, err := scanPairRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func formatStoreTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Truncate(time.Second).Format(storeTimestampLayout)
}

func parseStoreTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(storeTimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad stored timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
