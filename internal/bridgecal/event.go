package bridgecal

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
)

// Origin identifies which calendar system an event lives in.
type Origin string

const (
	OriginOutlook Origin = "outlook"
	OriginGoogle  Origin = "google"
)

func (o Origin) Valid() bool {
	return o == OriginOutlook || o == OriginGoogle
}

// Opposite returns the other side of the bridge.
func (o Origin) Opposite() Origin {
	if o == OriginOutlook {
		return OriginGoogle
	}
	return OriginOutlook
}

const allDayDateLayout = "2006-01-02"

// EventTime holds either a timed [Start, End) instant pair in UTC or, for
// all-day events, midnight-UTC encodings of the local calendar dates with an
// exclusive end date.
type EventTime struct {
	Start  time.Time
	End    time.Time
	AllDay bool
}

// MirrorMarker is the provider-side property pair that identifies an event as
// one BridgeCal wrote. OriginOfSource names the side the human-authored
// original lives on; SourceID is its id over there.
type MirrorMarker struct {
	OriginOfSource Origin
	SourceID       string
}

// CanonicalEvent is the uniform representation of a single appointment
// instance within the sync window. Values are immutable for the duration of
// a tick.
type CanonicalEvent struct {
	Origin       Origin
	SourceID     string
	Time         EventTime
	Summary      string
	Location     string
	Description  string
	Busy         bool
	Private      bool
	LastModified time.Time
	Marker       *MirrorMarker
}

func (e CanonicalEvent) IsMirror() bool {
	return e.Marker != nil
}

// Raw is an adapter-shaped record prior to normalization. Timed events fill
// Start/End; all-day events set AllDay and fill StartDate/EndDate with
// YYYY-MM-DD strings (EndDate exclusive, may be empty for a one-day event).
type Raw struct {
	ID           string
	Start        time.Time
	End          time.Time
	AllDay       bool
	StartDate    string
	EndDate      string
	Summary      string
	Location     string
	Description  string
	Busy         bool
	Private      bool
	LastModified time.Time

	MarkerOrigin   string
	MarkerSourceID string
}

// Normalize converts an adapter-shaped record into canonical form. Timed
// starts and ends are resolved to UTC; all-day events keep their calendar
// dates. The mirror marker, when present, is validated against the event's
// own origin so that a mirror can never claim to mirror its own side.
func Normalize(raw Raw, origin Origin) (CanonicalEvent, error) {
	if !origin.Valid() {
		return CanonicalEvent{}, &MalformedEventError{Origin: origin, ID: raw.ID, Reason: "unknown origin"}
	}
	if strings.TrimSpace(raw.ID) == "" {
		return CanonicalEvent{}, &MalformedEventError{Origin: origin, ID: raw.ID, Reason: "missing id"}
	}

	var et EventTime
	if raw.AllDay {
		start, err := time.ParseInLocation(allDayDateLayout, strings.TrimSpace(raw.StartDate), time.UTC)
		if err != nil {
			return CanonicalEvent{}, &MalformedEventError{Origin: origin, ID: raw.ID, Reason: "bad all-day start date"}
		}
		end := start.AddDate(0, 0, 1)
		if strings.TrimSpace(raw.EndDate) != "" {
			end, err = time.ParseInLocation(allDayDateLayout, strings.TrimSpace(raw.EndDate), time.UTC)
			if err != nil {
				return CanonicalEvent{}, &MalformedEventError{Origin: origin, ID: raw.ID, Reason: "bad all-day end date"}
			}
		}
		if !end.After(start) {
			// Outlook reports zero-length all-day spans for single days.
			end = start.AddDate(0, 0, 1)
		}
		et = EventTime{Start: start, End: end, AllDay: true}
	} else {
		if raw.Start.IsZero() || raw.End.IsZero() {
			return CanonicalEvent{}, &MalformedEventError{Origin: origin, ID: raw.ID, Reason: "missing start/end"}
		}
		start := raw.Start.UTC().Truncate(time.Second)
		end := raw.End.UTC().Truncate(time.Second)
		if end.Before(start) {
			return CanonicalEvent{}, &MalformedEventError{Origin: origin, ID: raw.ID, Reason: "end precedes start"}
		}
		et = EventTime{Start: start, End: end}
	}

	var marker *MirrorMarker
	markerOrigin := Origin(strings.TrimSpace(raw.MarkerOrigin))
	if markerOrigin.Valid() {
		if markerOrigin == origin {
			return CanonicalEvent{}, &MalformedEventError{Origin: origin, ID: raw.ID, Reason: "marker claims own side as source"}
		}
		marker = &MirrorMarker{
			OriginOfSource: markerOrigin,
			SourceID:       strings.TrimSpace(raw.MarkerSourceID),
		}
	}

	return CanonicalEvent{
		Origin:       origin,
		SourceID:     raw.ID,
		Time:         et,
		Summary:      raw.Summary,
		Location:     raw.Location,
		Description:  raw.Description,
		Busy:         raw.Busy,
		Private:      raw.Private,
		LastModified: raw.LastModified.UTC(),
		Marker:       marker,
	}, nil
}

// Fingerprint hashes the canonical content fields. Equal fingerprints mean
// no user-visible change. The encoding is fixed: whitespace-normalized text
// fields, UTC RFC 3339 timestamps truncated to whole seconds, YYYY-MM-DD
// all-day dates.
func Fingerprint(e CanonicalEvent) uint64 {
	h := fnv.New64a()
	writeField := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	if e.Time.AllDay {
		writeField(e.Time.Start.Format(allDayDateLayout))
		writeField(e.Time.End.Format(allDayDateLayout))
	} else {
		writeField(e.Time.Start.UTC().Truncate(time.Second).Format(time.RFC3339))
		writeField(e.Time.End.UTC().Truncate(time.Second).Format(time.RFC3339))
	}
	writeField(strconv.FormatBool(e.Time.AllDay))
	writeField(normalizeText(e.Summary))
	writeField(normalizeText(e.Location))
	writeField(normalizeText(e.Description))
	writeField(strconv.FormatBool(e.Busy))
	writeField(strconv.FormatBool(e.Private))
	return h.Sum64()
}

// EqualForSync reports whether the fields participating in Fingerprint match.
// It is a defensive re-check; the primary comparison is by fingerprint.
func EqualForSync(a, b CanonicalEvent) bool {
	if a.Time.AllDay != b.Time.AllDay {
		return false
	}
	if !a.Time.Start.Equal(b.Time.Start) || !a.Time.End.Equal(b.Time.End) {
		return false
	}
	return normalizeText(a.Summary) == normalizeText(b.Summary) &&
		normalizeText(a.Location) == normalizeText(b.Location) &&
		normalizeText(a.Description) == normalizeText(b.Description) &&
		a.Busy == b.Busy &&
		a.Private == b.Private
}

// normalizeText trims and collapses internal whitespace runs to single
// spaces so cosmetic edits do not register as changes.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FormatFingerprint renders a fingerprint the way the mapping store persists
// it. Zero means "none recorded".
func FormatFingerprint(fp uint64) string {
	if fp == 0 {
		return ""
	}
	return strconv.FormatUint(fp, 10)
}

// ParseFingerprint is the inverse of FormatFingerprint.
func ParseFingerprint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	fp, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad fingerprint %q: %w", s, err)
	}
	return fp, nil
}
