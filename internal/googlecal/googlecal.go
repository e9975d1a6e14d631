// Package googlecal adapts Google Calendar through the official API client.
package googlecal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bridgecal/bridgecal/internal/bridgecal"
)

// Extended-private property keys marking Google mirror events. These exact
// names interoperate with existing installs.
const (
	MarkerOriginKey    = "bridgecal.origin"
	MarkerOutlookIDKey = "bridgecal.outlook_id"
)

var calendarScopes = []string{calendar.CalendarScope}

// Client is the read-write Google adapter for one calendar.
type Client struct {
	svc        *calendar.Service
	calendarID string
}

// New builds a client from stored OAuth credentials. The token file must
// already exist; refreshed tokens are persisted back to it.
func New(ctx context.Context, cfg bridgecal.GoogleConfig) (*Client, error) {
	if strings.TrimSpace(cfg.CalendarID) == "" {
		return nil, fmt.Errorf("%w: google calendar_id is required", bridgecal.ErrConfig)
	}
	secretData, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read google client secret: %v", bridgecal.ErrConfig, err)
	}
	oauthCfg, err := google.ConfigFromJSON(secretData, calendarScopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: parse google client secret: %v", bridgecal.ErrConfig, err)
	}
	token, err := readToken(cfg.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridgecal.ErrAuth, err)
	}
	source := &savingTokenSource{
		path:     cfg.TokenPath,
		inner:    oauthCfg.TokenSource(ctx, token),
		lastSeen: token,
	}
	svc, err := calendar.NewService(ctx, option.WithTokenSource(source))
	if err != nil {
		return nil, fmt.Errorf("build calendar service: %w", err)
	}
	return &Client{svc: svc, calendarID: cfg.CalendarID}, nil
}

// NewWithService wires a prebuilt service, test use.
func NewWithService(svc *calendar.Service, calendarID string) *Client {
	return &Client{svc: svc, calendarID: calendarID}
}

func (c *Client) Origin() bridgecal.Origin { return bridgecal.OriginGoogle }
func (c *Client) ReadOnly() bool           { return false }

// Health verifies credentials and calendar access.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.svc.Calendars.Get(c.calendarID).Context(ctx).Do()
	return classifyErr(err)
}

// ListWindow enumerates the full window with recurring series expanded to
// instances. The engine's delete detection relies on absence from the full
// window view, so the cursor is intentionally not used for enumeration; it
// is accepted and ignored, and none is returned.
func (c *Client) ListWindow(ctx context.Context, start, end time.Time, cursor string) ([]bridgecal.Raw, string, error) {
	_ = cursor
	var raws []bridgecal.Raw
	pageToken := ""
	for {
		call := c.svc.Events.List(c.calendarID).
			TimeMin(start.UTC().Format(time.RFC3339)).
			TimeMax(end.UTC().Format(time.RFC3339)).
			SingleEvents(true).
			ShowDeleted(false).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, "", classifyErr(err)
		}
		for _, item := range resp.Items {
			if item.Status == "cancelled" {
				continue
			}
			raws = append(raws, eventToRaw(item))
		}
		if resp.NextPageToken == "" {
			return raws, "", nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *Client) Create(ctx context.Context, event bridgecal.CanonicalEvent) (string, error) {
	payload := eventToGoogle(event)
	created, err := c.svc.Events.Insert(c.calendarID, payload).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return "", classifyErr(err)
	}
	return created.Id, nil
}

func (c *Client) Update(ctx context.Context, id string, event bridgecal.CanonicalEvent) error {
	payload := eventToGoogle(event)
	_, err := c.svc.Events.Update(c.calendarID, id, payload).
		SendUpdates("none").
		Context(ctx).
		Do()
	return classifyErr(err)
}

func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.svc.Events.Delete(c.calendarID, id).
		SendUpdates("none").
		Context(ctx).
		Do()
	err = classifyErr(err)
	if errors.Is(err, bridgecal.ErrNotFound) {
		return nil
	}
	return err
}

// googleAPIError wraps googleapi failures so the engine can match them with
// errors.Is against the shared sentinels.
type googleAPIError struct {
	status int
	cause  error
}

func (e *googleAPIError) Error() string {
	return fmt.Sprintf("google api: %v", e.cause)
}

func (e *googleAPIError) Unwrap() error {
	return e.cause
}

func (e *googleAPIError) Is(target error) bool {
	switch target {
	case bridgecal.ErrAuth:
		return e.status == http.StatusUnauthorized || e.status == http.StatusForbidden
	case bridgecal.ErrNotFound:
		return e.status == http.StatusNotFound || e.status == http.StatusGone
	}
	return false
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &googleAPIError{status: apiErr.Code, cause: err}
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %v", bridgecal.ErrAuth, err)
	}
	return err
}

func eventToRaw(item *calendar.Event) bridgecal.Raw {
	raw := bridgecal.Raw{
		ID:          item.Id,
		Summary:     item.Summary,
		Location:    item.Location,
		Description: item.Description,
		Busy:        item.Transparency != "transparent",
		Private:     item.Visibility == "private",
	}
	if item.Updated != "" {
		if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			raw.LastModified = t.UTC()
		}
	}
	if item.Start != nil && item.Start.Date != "" {
		raw.AllDay = true
		raw.StartDate = item.Start.Date
		if item.End != nil {
			raw.EndDate = item.End.Date
		}
	} else {
		if item.Start != nil {
			raw.Start = parseRFC3339(item.Start.DateTime)
		}
		if item.End != nil {
			raw.End = parseRFC3339(item.End.DateTime)
		}
	}
	if item.ExtendedProperties != nil && item.ExtendedProperties.Private != nil {
		raw.MarkerOrigin = item.ExtendedProperties.Private[MarkerOriginKey]
		raw.MarkerSourceID = item.ExtendedProperties.Private[MarkerOutlookIDKey]
	}
	return raw
}

func eventToGoogle(event bridgecal.CanonicalEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:      event.Summary,
		Location:     event.Location,
		Description:  event.Description,
		Visibility:   "private",
		Transparency: "opaque",
	}
	if !event.Busy {
		out.Transparency = "transparent"
	}
	if !event.Private {
		out.Visibility = "default"
	}
	if event.Marker != nil {
		out.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{
				MarkerOriginKey:    string(event.Marker.OriginOfSource),
				MarkerOutlookIDKey: event.Marker.SourceID,
			},
		}
	}
	if event.Time.AllDay {
		out.Start = &calendar.EventDateTime{Date: event.Time.Start.Format("2006-01-02")}
		out.End = &calendar.EventDateTime{Date: event.Time.End.Format("2006-01-02")}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: event.Time.Start.UTC().Format(time.RFC3339)}
		out.End = &calendar.EventDateTime{DateTime: event.Time.End.UTC().Format(time.RFC3339)}
	}
	return out
}

func parseRFC3339(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func readToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read google token %s: %w", path, err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse google token %s: %w", path, err)
	}
	return &token, nil
}

// savingTokenSource persists refreshed tokens back to disk so the next
// process start does not have to refresh again.
type savingTokenSource struct {
	path  string
	inner oauth2.TokenSource

	mu       sync.Mutex
	lastSeen *oauth2.Token
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.inner.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSeen != nil && s.lastSeen.AccessToken == token.AccessToken {
		return token, nil
	}
	s.lastSeen = token
	if data, marshalErr := json.Marshal(token); marshalErr == nil {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err == nil {
			_ = os.WriteFile(s.path, data, 0o600)
		}
	}
	return token, nil
}
