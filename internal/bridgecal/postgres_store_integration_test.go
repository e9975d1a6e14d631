package bridgecal

import (
	"errors"
	"os"
	"strings"
	"testing"
)

// postgresIntegrationStore opens the mapping store against a real Postgres
// when BRIDGECAL_TEST_POSTGRES_DSN is set and skips otherwise. The schema
// is dropped on cleanup so repeated runs start clean.
func postgresIntegrationStore(t *testing.T) Store {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("BRIDGECAL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set BRIDGECAL_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	store, err := OpenStore(dsn)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	sqlBacked, ok := store.(*sqlStore)
	if !ok {
		t.Fatalf("expected *sqlStore, got %T", store)
	}
	t.Cleanup(func() {
		for _, stmt := range []string{`DROP TABLE IF EXISTS pair`, `DROP TABLE IF EXISTS "cursor"`} {
			if _, err := sqlBacked.db.Exec(stmt); err != nil {
				t.Errorf("cleanup %s failed: %v", stmt, err)
			}
		}
		_ = store.Close()
	})
	return store
}

func TestPostgresIntegrationRowRoundTrip(t *testing.T) {
	store := postgresIntegrationStore(t)

	row := sampleRow("O_it_1", "G_it_1")
	if err := store.Upsert(row); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	byOutlook, ok, err := store.GetByOutlook("O_it_1")
	if err != nil || !ok {
		t.Fatalf("get by outlook failed: ok=%v err=%v", ok, err)
	}
	if byOutlook.GoogleID != "G_it_1" || byOutlook.Origin != OriginOutlook {
		t.Fatalf("unexpected row %+v", byOutlook)
	}
	if byOutlook.LastOutlookFingerprint != row.LastOutlookFingerprint {
		t.Fatalf("fingerprint not preserved: %+v", byOutlook)
	}
	if !byOutlook.LastOutlookModified.Equal(row.LastOutlookModified) {
		t.Fatalf("timestamp not preserved: %+v", byOutlook)
	}

	byGoogle, ok, err := store.GetByGoogle("G_it_1")
	if err != nil || !ok || byGoogle.OutlookID != "O_it_1" {
		t.Fatalf("get by google failed: %+v ok=%v err=%v", byGoogle, ok, err)
	}

	updated := row
	updated.LastOutlookFingerprint = 999
	if err := store.Upsert(updated); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	rows, err := store.ListAll()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 1 || rows[0].LastOutlookFingerprint != 999 {
		t.Fatalf("upsert must overwrite in place, got %+v", rows)
	}

	if err := store.Delete(updated); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.GetByOutlook("O_it_1"); ok {
		t.Fatalf("expected row gone after delete")
	}
}

func TestPostgresIntegrationUniqueGoogleID(t *testing.T) {
	store := postgresIntegrationStore(t)

	if err := store.Upsert(sampleRow("O_it_1", "G_it_shared")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := store.Upsert(sampleRow("O_it_2", "G_it_shared")); err == nil {
		t.Fatalf("expected duplicate google id to be rejected")
	}
}

func TestPostgresIntegrationCursors(t *testing.T) {
	store := postgresIntegrationStore(t)

	if _, ok, err := store.GetCursor(CursorGoogleSyncToken); err != nil || ok {
		t.Fatalf("missing cursor must report ok=false, got ok=%v err=%v", ok, err)
	}
	if err := store.SetCursor(CursorGoogleSyncToken, "tok_1"); err != nil {
		t.Fatalf("set cursor failed: %v", err)
	}
	if err := store.SetCursor(CursorGoogleSyncToken, "tok_2"); err != nil {
		t.Fatalf("overwrite cursor failed: %v", err)
	}
	value, ok, err := store.GetCursor(CursorGoogleSyncToken)
	if err != nil || !ok || value != "tok_2" {
		t.Fatalf("expected tok_2, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestPostgresIntegrationTransactionRollsBack(t *testing.T) {
	store := postgresIntegrationStore(t)

	if err := store.Upsert(sampleRow("O_it_1", "G_it_1")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	boom := errors.New("boom")
	err := store.Transaction(func(tx Store) error {
		if err := tx.Upsert(sampleRow("O_it_2", "G_it_2")); err != nil {
			return err
		}
		if err := tx.Delete(sampleRow("O_it_1", "G_it_1")); err != nil {
			return err
		}
		if err := tx.SetCursor("it_cursor", "v"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transaction error surfaced, got %v", err)
	}
	rows, err := store.ListAll()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 1 || rows[0].OutlookID != "O_it_1" {
		t.Fatalf("expected rollback to original state, got %+v", rows)
	}
	if _, ok, _ := store.GetCursor("it_cursor"); ok {
		t.Fatalf("rolled-back cursor must not be visible")
	}
}

func TestPostgresIntegrationSchemaMigrationIsIdempotent(t *testing.T) {
	store := postgresIntegrationStore(t)
	if err := store.Upsert(sampleRow("O_it_1", "G_it_1")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	dsn := strings.TrimSpace(os.Getenv("BRIDGECAL_TEST_POSTGRES_DSN"))
	reopened, err := OpenStore(dsn)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if _, ok, _ := reopened.GetByOutlook("O_it_1"); !ok {
		t.Fatalf("expected row visible after reopen")
	}
}
