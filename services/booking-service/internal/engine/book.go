package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/calendar/v3"

	"github.com/slotbot-dev/slotbot/services/booking-service/internal/gcal"
	"github.com/slotbot-dev/slotbot/services/booking-service/internal/slots"
)

// BookRequest describes one booking attempt. RequestedStart need not be
// on the slot grid; the engine normalizes it and bumps forward past
// busy time.
type BookRequest struct {
	RequestedStart time.Time
	CallerEmail    string
	Label          string
	// DisplayZone is the zone the created event is rendered in. It does
	// not affect which absolute slot is chosen.
	DisplayZone *time.Location
	Summary     string
	Location    string
}

// BookResult reports the committed slot.
type BookResult struct {
	Start    time.Time
	End      time.Time
	Bumped   bool
	EventID  string
	HTMLLink string
	// Replayed is true when an earlier booking with the same
	// idempotency key was returned instead of creating a new event.
	Replayed bool
}

// Book finds the earliest free slot at or after the requested instant
// and commits a booking there. Replaying the same request (same caller,
// same resulting slot, same label) returns the original event without a
// second insert.
func (e *Engine) Book(ctx context.Context, req BookRequest) (BookResult, error) {
	if req.RequestedStart.IsZero() {
		return BookResult{}, fmt.Errorf("%w: requested instant is required", ErrInvalidInput)
	}
	ctx, span := tracer.Start(ctx, "engine.Book")
	defer span.End()

	zone := req.DisplayZone
	if zone == nil {
		zone = e.cfg.ReferenceZone
	}

	slot, err := e.Soonest(ctx, req.RequestedStart)
	if err != nil {
		return BookResult{}, err
	}
	bumped := !slot.Start.Equal(slots.Normalize(req.RequestedStart, e.cfg.SlotLength))
	key := idempotencyKey(req.CallerEmail, slot.Start, req.Label)
	span.SetAttributes(
		attribute.String("slot_start", slot.Start.Format(time.RFC3339)),
		attribute.Bool("bumped", bumped),
	)

	if prior := e.findPriorBooking(ctx, slot, key); prior != nil {
		return BookResult{
			Start:    slot.Start,
			End:      slot.End,
			Bumped:   bumped,
			EventID:  prior.Id,
			HTMLLink: prior.HtmlLink,
			Replayed: true,
		}, nil
	}

	created, err := e.api.InsertEvent(ctx, e.eventBody(req, slot, zone, key))
	if err != nil {
		return BookResult{}, err
	}
	return BookResult{
		Start:    slot.Start,
		End:      slot.End,
		Bumped:   bumped,
		EventID:  created.Id,
		HTMLLink: created.HtmlLink,
	}, nil
}

// findPriorBooking looks for an event already carrying the idempotency
// key inside the chosen slot. Lookup failures are swallowed: a missed
// replay risks a duplicate event, which is preferable to failing the
// booking outright.
func (e *Engine) findPriorBooking(ctx context.Context, slot Slot, key string) *calendar.Event {
	window := gcal.ListQuery{
		TimeMin:         slot.Start,
		TimeMax:         slot.End,
		PrivateProperty: idemPropertyKey + "=" + key,
	}
	page, err := e.api.ListEvents(ctx, window)
	if err == nil {
		for _, ev := range page.Items {
			if ev != nil && ev.Status != "cancelled" {
				return ev
			}
		}
		return nil
	}
	e.logger.Warn("filtered idempotency lookup failed; trying unfiltered window", "err", err)

	// Second tier: the deployment's calendar backend may not support the
	// private-property filter. List the window plainly and match the
	// property in memory.
	window.PrivateProperty = ""
	page, err = e.api.ListEvents(ctx, window)
	if err != nil {
		e.logger.Warn("unfiltered idempotency lookup failed; proceeding to insert", "err", err)
		return nil
	}
	for _, ev := range page.Items {
		if ev == nil || ev.Status == "cancelled" || ev.ExtendedProperties == nil {
			continue
		}
		if ev.ExtendedProperties.Private[idemPropertyKey] == key {
			return ev
		}
	}
	return nil
}

func (e *Engine) eventBody(req BookRequest, slot Slot, zone *time.Location, key string) *calendar.Event {
	summary := strings.TrimSpace(req.Summary)
	if summary == "" {
		summary = e.cfg.DefaultSummary
	}
	desc := "Booked via slotbot."
	if req.Label != "" {
		desc = req.Label + "\n\n" + desc
	}

	ev := &calendar.Event{
		Summary:     summary,
		Location:    req.Location,
		Description: desc,
		Start: &calendar.EventDateTime{
			DateTime: slot.Start.In(zone).Format(time.RFC3339),
			TimeZone: zone.String(),
		},
		End: &calendar.EventDateTime{
			DateTime: slot.End.In(zone).Format(time.RFC3339),
			TimeZone: zone.String(),
		},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{idemPropertyKey: key},
		},
	}
	if req.CallerEmail != "" {
		ev.Attendees = []*calendar.EventAttendee{{Email: req.CallerEmail}}
	}
	return ev
}

// idempotencyKey derives the stable identity of a booking from the
// caller, the chosen slot and the label. The instant is rendered in UTC
// to the second so the key does not depend on the display zone.
func idempotencyKey(callerEmail string, start time.Time, label string) string {
	caller := strings.ToLower(strings.TrimSpace(callerEmail))
	if caller == "" {
		caller = anonCaller
	}
	return strings.Join([]string{
		idemNamespace,
		idemAgent,
		caller,
		start.UTC().Format(time.RFC3339),
		label,
	}, "|")
}
