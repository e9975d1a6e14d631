package outlookcal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/bridgecal/bridgecal/internal/bridgecal"
)

// ICS custom properties the COM bridge's publisher emits on mirror
// appointments so a feed reader can still classify them.
const (
	icsMarkerOriginProp   = "X-BRIDGECAL-ORIGIN"
	icsMarkerGoogleIDProp = "X-BRIDGECAL-GOOGLE-ID"
)

const maxOccurrencesPerEvent = 5000

// ICSFeed is a read-only Outlook adapter over a published calendar feed.
// Recurring events are expanded to per-instance entries inside the window;
// instance ids are uid for single events and uid:<RFC3339 start> for
// recurring instances, matching what the COM bridge reports for the same
// items.
type ICSFeed struct {
	source     string
	httpClient *http.Client
}

func NewICSFeed(source string, httpClient *http.Client) *ICSFeed {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ICSFeed{source: strings.TrimSpace(source), httpClient: httpClient}
}

func (f *ICSFeed) Origin() bridgecal.Origin { return bridgecal.OriginOutlook }
func (f *ICSFeed) ReadOnly() bool           { return true }

func (f *ICSFeed) Health(ctx context.Context) error {
	_, err := f.fetch(ctx)
	return err
}

func (f *ICSFeed) Create(ctx context.Context, event bridgecal.CanonicalEvent) (string, error) {
	return "", bridgecal.ErrReadOnly
}

func (f *ICSFeed) Update(ctx context.Context, id string, event bridgecal.CanonicalEvent) error {
	return bridgecal.ErrReadOnly
}

func (f *ICSFeed) Delete(ctx context.Context, id string) error {
	return bridgecal.ErrReadOnly
}

func (f *ICSFeed) ListWindow(ctx context.Context, start, end time.Time, cursor string) ([]bridgecal.Raw, string, error) {
	_ = cursor // feeds have no incremental listing
	body, err := f.fetch(ctx)
	if err != nil {
		return nil, "", err
	}
	raws, err := expandFeed(body, start, end)
	if err != nil {
		return nil, "", err
	}
	return raws, "", nil
}

func (f *ICSFeed) fetch(ctx context.Context) ([]byte, error) {
	source := f.source
	switch {
	case strings.HasPrefix(source, "webcals://"):
		source = "https://" + strings.TrimPrefix(source, "webcals://")
	case strings.HasPrefix(source, "webcal://"):
		source = "http://" + strings.TrimPrefix(source, "webcal://")
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: "ics feed fetch failed"}
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(strings.TrimPrefix(source, "file://"))
}

// feedEvent is one VEVENT prior to expansion.
type feedEvent struct {
	uid         string
	summary     string
	location    string
	description string
	start       time.Time
	end         time.Time
	allDay      bool
	rawRRule    string
	exDates     []time.Time
	busy        bool
	private     bool
	modified    time.Time

	markerOrigin   string
	markerGoogleID string
}

func expandFeed(body []byte, windowStart, windowEnd time.Time) ([]bridgecal.Raw, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty ics body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse ics: %w", err)
	}

	var raws []bridgecal.Raw
	for _, ve := range cal.Events() {
		ev, err := parseFeedEvent(ve)
		if err != nil {
			// One bad VEVENT must not sink the whole feed.
			continue
		}
		raws = append(raws, expandFeedEvent(ev, windowStart, windowEnd)...)
	}
	sort.Slice(raws, func(i, j int) bool { return raws[i].ID < raws[j].ID })
	return raws, nil
}

func parseFeedEvent(ve *ical.VEvent) (feedEvent, error) {
	var out feedEvent
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, fmt.Errorf("missing UID")
	}
	out.uid = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.location = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("missing DTSTART: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		end = start.Add(time.Hour)
	}
	out.start = start
	out.end = end

	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		if params := dtStart.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.allDay = true
			}
		}
		if !strings.Contains(dtStart.Value, "T") {
			out.allDay = true
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.rawRRule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out.exDates = append(out.exDates, t)
			}
		}
	}

	// Outlook publishes X-MICROSOFT-CDO-BUSYSTATUS; FREE means transparent.
	out.busy = true
	if p := ve.GetProperty("X-MICROSOFT-CDO-BUSYSTATUS"); p != nil && strings.EqualFold(p.Value, "FREE") {
		out.busy = false
	}
	if p := ve.GetProperty(ical.ComponentProperty("CLASS")); p != nil && strings.EqualFold(p.Value, "PRIVATE") {
		out.private = true
	}
	if p := ve.GetProperty(ical.ComponentProperty("LAST-MODIFIED")); p != nil {
		if t, err := parseICSTime(p.Value); err == nil {
			out.modified = t
		}
	}
	if p := ve.GetProperty(ical.ComponentProperty(icsMarkerOriginProp)); p != nil {
		out.markerOrigin = p.Value
	}
	if p := ve.GetProperty(ical.ComponentProperty(icsMarkerGoogleIDProp)); p != nil {
		out.markerGoogleID = p.Value
	}
	return out, nil
}

func expandFeedEvent(ev feedEvent, windowStart, windowEnd time.Time) []bridgecal.Raw {
	if ev.rawRRule == "" {
		if !overlaps(ev.start, ev.end, windowStart, windowEnd) {
			return nil
		}
		return []bridgecal.Raw{ev.toRaw(ev.uid, ev.start, ev.end)}
	}

	r, err := rrule.StrToRRule(ev.rawRRule)
	if err != nil {
		return nil
	}
	r.DTStart(ev.start)
	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.exDates {
		set.ExDate(ex.In(ev.start.Location()))
	}

	duration := ev.end.Sub(ev.start)
	// Pull the range start back by the duration so instances that began
	// before the window but still overlap it are included.
	rangeStart := windowStart.Add(-duration).In(ev.start.Location())
	rangeEnd := windowEnd.In(ev.start.Location())
	occStarts := set.Between(rangeStart, rangeEnd, true)
	if len(occStarts) > maxOccurrencesPerEvent {
		occStarts = occStarts[:maxOccurrencesPerEvent]
	}

	var out []bridgecal.Raw
	for _, occStart := range occStarts {
		occEnd := occStart.Add(duration)
		if !overlaps(occStart, occEnd, windowStart, windowEnd) {
			continue
		}
		id := ev.uid + ":" + occStart.UTC().Format(time.RFC3339)
		out = append(out, ev.toRaw(id, occStart, occEnd))
	}
	return out
}

func (ev feedEvent) toRaw(id string, start, end time.Time) bridgecal.Raw {
	raw := bridgecal.Raw{
		ID:             id,
		Summary:        ev.summary,
		Location:       ev.location,
		Description:    ev.description,
		Busy:           ev.busy,
		Private:        ev.private,
		LastModified:   ev.modified,
		MarkerOrigin:   ev.markerOrigin,
		MarkerSourceID: ev.markerGoogleID,
	}
	if ev.allDay {
		raw.AllDay = true
		raw.StartDate = start.Format("2006-01-02")
		raw.EndDate = end.Format("2006-01-02")
		return raw
	}
	raw.Start = start
	raw.End = end
	return raw
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func parseICSTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, time.Local)
	}
	return time.ParseInLocation("20060102", v, time.Local)
}
