package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/slotbot-dev/slotbot/services/booking-service/internal/gcal"
)

// Booking is one of this agent's own events, as returned by Lookup.
type Booking struct {
	EventID  string
	Start    time.Time
	End      time.Time
	Summary  string
	HTMLLink string
}

// Lookup finds bookings this agent created inside the horizon window,
// matched by event id or attendee email. Events without the agent's
// idempotency property are someone else's and are never returned.
// Returns ErrNotFound when nothing matches.
func (e *Engine) Lookup(ctx context.Context, callerEmail, eventID string) ([]Booking, error) {
	callerEmail = strings.ToLower(strings.TrimSpace(callerEmail))
	eventID = strings.TrimSpace(eventID)
	if callerEmail == "" && eventID == "" {
		return nil, fmt.Errorf("%w: an email or event id is required", ErrInvalidInput)
	}
	ctx, span := tracer.Start(ctx, "engine.Lookup")
	defer span.End()

	now := time.Now()
	windowEnd := now.AddDate(0, 0, e.cfg.HorizonDays)

	var found []Booking
	pageToken := ""
	for {
		page, err := e.api.ListEvents(ctx, listWindow(now, windowEnd, pageToken))
		if err != nil {
			return nil, err
		}
		for _, ev := range page.Items {
			if ev == nil || ev.Status == "cancelled" {
				continue
			}
			if ev.ExtendedProperties == nil || ev.ExtendedProperties.Private[idemPropertyKey] == "" {
				continue
			}
			if eventID != "" && ev.Id != eventID {
				continue
			}
			if callerEmail != "" && !hasAttendee(ev.Attendees, callerEmail) {
				continue
			}
			start, ok := e.parseEventTime(ev.Start)
			if !ok {
				continue
			}
			end, ok := e.parseEventTime(ev.End)
			if !ok {
				continue
			}
			found = append(found, Booking{
				EventID:  ev.Id,
				Start:    start,
				End:      end,
				Summary:  ev.Summary,
				HTMLLink: ev.HtmlLink,
			})
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found, nil
}

func listWindow(min, max time.Time, pageToken string) gcal.ListQuery {
	return gcal.ListQuery{TimeMin: min, TimeMax: max, PageToken: pageToken}
}

func hasAttendee(attendees []*calendar.EventAttendee, email string) bool {
	for _, a := range attendees {
		if a != nil && strings.EqualFold(a.Email, email) {
			return true
		}
	}
	return false
}
