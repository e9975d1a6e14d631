package bridgecal

import (
	"errors"
	"testing"
	"time"
)

func timedRaw() Raw {
	return Raw{
		ID:      "ev1",
		Start:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		End:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Summary: "Planning",
		Busy:    true,
	}
}

func TestNormalizeResolvesTimedEventsToUTC(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	raw := timedRaw()
	raw.Start = time.Date(2026, 3, 1, 18, 0, 0, 0, loc)
	raw.End = time.Date(2026, 3, 1, 19, 0, 0, 0, loc)

	ev, err := Normalize(raw, OriginOutlook)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	want := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if !ev.Time.Start.Equal(want) {
		t.Fatalf("expected start %v, got %v", want, ev.Time.Start)
	}
	if ev.Time.Start.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", ev.Time.Start.Location())
	}
}

func TestNormalizeAllDayKeepsCalendarDates(t *testing.T) {
	raw := Raw{ID: "d1", AllDay: true, StartDate: "2026-03-05", Summary: "Offsite"}
	ev, err := Normalize(raw, OriginGoogle)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !ev.Time.AllDay {
		t.Fatalf("expected all-day event")
	}
	if got := ev.Time.Start.Format("2006-01-02"); got != "2026-03-05" {
		t.Fatalf("expected start date preserved, got %s", got)
	}
	// End is exclusive and defaults to the next day.
	if got := ev.Time.End.Format("2006-01-02"); got != "2026-03-06" {
		t.Fatalf("expected exclusive end 2026-03-06, got %s", got)
	}
}

func TestNormalizeRejectsMalformedEvents(t *testing.T) {
	cases := []struct {
		name string
		raw  Raw
	}{
		{"missing id", Raw{Start: time.Now(), End: time.Now().Add(time.Hour)}},
		{"missing times", Raw{ID: "x"}},
		{"end precedes start", Raw{
			ID:    "x",
			Start: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		}},
		{"bad all-day date", Raw{ID: "x", AllDay: true, StartDate: "03/05/2026"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.raw, OriginOutlook)
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestNormalizeRejectsSelfMirror(t *testing.T) {
	raw := timedRaw()
	raw.MarkerOrigin = "outlook"
	raw.MarkerSourceID = "other"
	if _, err := Normalize(raw, OriginOutlook); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected self-mirror rejection, got %v", err)
	}
	// The same marker on the google side is a valid mirror.
	ev, err := Normalize(raw, OriginGoogle)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !ev.IsMirror() || ev.Marker.OriginOfSource != OriginOutlook {
		t.Fatalf("expected outlook-origin mirror, got %+v", ev.Marker)
	}
}

func TestFingerprintIgnoresCosmeticWhitespace(t *testing.T) {
	a, err := Normalize(timedRaw(), OriginOutlook)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	rawB := timedRaw()
	rawB.Summary = "  Planning \t "
	b, err := Normalize(rawB, OriginOutlook)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("whitespace-only difference changed the fingerprint")
	}
	if !EqualForSync(a, b) {
		t.Fatalf("whitespace-only difference failed EqualForSync")
	}
}

func TestFingerprintIsStableAcrossTimezoneRepresentations(t *testing.T) {
	a, err := Normalize(timedRaw(), OriginOutlook)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	loc := time.FixedZone("KST", 9*3600)
	rawB := timedRaw()
	rawB.Start = rawB.Start.In(loc)
	rawB.End = rawB.End.In(loc)
	b, err := Normalize(rawB, OriginGoogle)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatalf("same instant in different zones produced different fingerprints")
	}
}

func TestFingerprintChangesWithContent(t *testing.T) {
	base, err := Normalize(timedRaw(), OriginOutlook)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	mutations := []func(*CanonicalEvent){
		func(e *CanonicalEvent) { e.Summary = "Planning v2" },
		func(e *CanonicalEvent) { e.Location = "HQ" },
		func(e *CanonicalEvent) { e.Description = "agenda" },
		func(e *CanonicalEvent) { e.Busy = !e.Busy },
		func(e *CanonicalEvent) { e.Private = !e.Private },
		func(e *CanonicalEvent) { e.Time.End = e.Time.End.Add(30 * time.Minute) },
	}
	for i, mutate := range mutations {
		ev := base
		mutate(&ev)
		if Fingerprint(ev) == Fingerprint(base) {
			t.Fatalf("mutation %d did not change the fingerprint", i)
		}
	}
}

func TestFingerprintIgnoresNonContentFields(t *testing.T) {
	base, err := Normalize(timedRaw(), OriginOutlook)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	changed := base
	changed.SourceID = "other-id"
	changed.LastModified = time.Now()
	changed.Marker = &MirrorMarker{OriginOfSource: OriginGoogle, SourceID: "g1"}
	if Fingerprint(base) != Fingerprint(changed) {
		t.Fatalf("identity and revision fields must not affect the fingerprint")
	}
}

func TestFingerprintRoundTripsThroughStoreEncoding(t *testing.T) {
	ev, err := Normalize(timedRaw(), OriginOutlook)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	fp := Fingerprint(ev)
	parsed, err := ParseFingerprint(FormatFingerprint(fp))
	if err != nil {
		t.Fatalf("parse fingerprint failed: %v", err)
	}
	if parsed != fp {
		t.Fatalf("fingerprint round trip mismatch: %d vs %d", fp, parsed)
	}
	if FormatFingerprint(0) != "" {
		t.Fatalf("zero fingerprint must encode as empty")
	}
	if zero, err := ParseFingerprint(""); err != nil || zero != 0 {
		t.Fatalf("empty fingerprint must decode as zero, got %d err=%v", zero, err)
	}
}

func TestOriginOpposite(t *testing.T) {
	if OriginOutlook.Opposite() != OriginGoogle || OriginGoogle.Opposite() != OriginOutlook {
		t.Fatalf("opposite origins wrong")
	}
	if Origin("calendars").Valid() {
		t.Fatalf("unknown origin must not validate")
	}
}
