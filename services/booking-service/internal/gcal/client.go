// Package gcal wraps the Google Calendar v3 API behind the narrow
// surface the booking engine needs: a windowed, paginated event list
// (optionally filtered by a private extended property) and an event
// insert. The engine and its tests depend on the API interface, not on
// the concrete client.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ListQuery scopes a windowed event listing. Every page of one logical
// fetch must carry the same window bounds; only PageToken varies.
type ListQuery struct {
	TimeMin   time.Time
	TimeMax   time.Time
	PageToken string
	// PrivateProperty, when non-empty, is a "key=value" filter on the
	// event's private extended properties.
	PrivateProperty string
}

// ListPage is one page of a windowed listing.
type ListPage struct {
	Items         []*calendar.Event
	NextPageToken string
}

// API is the calendar handle the engine operates on. Implementations
// are scoped to a single calendar.
type API interface {
	CalendarID() string
	ListEvents(ctx context.Context, q ListQuery) (ListPage, error)
	InsertEvent(ctx context.Context, ev *calendar.Event) (*calendar.Event, error)
}

// ProviderError carries the remote calendar's status and message
// through to the caller. The service never retries these internally.
type ProviderError struct {
	Op      string
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("calendar provider %s failed: %d %s", e.Op, e.Status, e.Message)
}

// AsProviderError reports whether err (or anything it wraps) is a
// provider failure.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func wrapProviderError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &ProviderError{Op: op, Status: gerr.Code, Message: gerr.Message}
	}
	return &ProviderError{Op: op, Status: 0, Message: err.Error()}
}

const maxResultsPerPage = 250

// Client is a calendar handle bound to one calendar id and one set of
// credentials.
type Client struct {
	svc        *calendar.Service
	calendarID string
}

// NewClient builds a calendar handle from an OAuth2 token source. The
// outbound transport is traced so provider latency shows up in spans.
func NewClient(ctx context.Context, ts oauth2.TokenSource, calendarID string) (*Client, error) {
	if calendarID == "" {
		calendarID = "primary"
	}
	hc := oauth2.NewClient(ctx, ts)
	hc.Transport = otelhttp.NewTransport(hc.Transport)
	hc.Timeout = 30 * time.Second

	svc, err := calendar.NewService(ctx, option.WithHTTPClient(hc))
	if err != nil {
		return nil, fmt.Errorf("build calendar service: %w", err)
	}
	return &Client{svc: svc, calendarID: calendarID}, nil
}

func (c *Client) CalendarID() string {
	return c.calendarID
}

func (c *Client) ListEvents(ctx context.Context, q ListQuery) (ListPage, error) {
	call := c.svc.Events.List(c.calendarID).
		TimeMin(q.TimeMin.Format(time.RFC3339)).
		TimeMax(q.TimeMax.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(maxResultsPerPage)
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}
	if q.PrivateProperty != "" {
		call = call.PrivateExtendedProperty(q.PrivateProperty)
	}

	res, err := call.Context(ctx).Do()
	if err != nil {
		return ListPage{}, wrapProviderError("list", err)
	}
	return ListPage{Items: res.Items, NextPageToken: res.NextPageToken}, nil
}

func (c *Client) InsertEvent(ctx context.Context, ev *calendar.Event) (*calendar.Event, error) {
	created, err := c.svc.Events.Insert(c.calendarID, ev).
		SendUpdates("all").
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapProviderError("insert", err)
	}
	return created, nil
}

var _ API = (*Client)(nil)

// StatusRetriable reports whether a provider status looks transient
// (rate limit or 5xx). The engine does not act on this; it is exposed
// for callers that add their own retry policy.
func StatusRetriable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
