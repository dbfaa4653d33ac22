// Package engine implements the availability and booking core: it
// builds a busy timeline from the remote calendar, finds the earliest
// free slot at or after a requested instant, and commits an idempotent
// booking against that slot.
//
// The engine holds no state between calls. The calendar is the sole
// source of truth and is re-read on every operation; two concurrent
// bookings for the same slot can therefore both observe it as free and
// both insert. The provider offers no compare-and-swap on event
// creation, so that window is accepted rather than papered over with a
// lock that could not cover multiple instances anyway.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/calendar/v3"

	"github.com/slotbot-dev/slotbot/services/booking-service/internal/gcal"
	"github.com/slotbot-dev/slotbot/services/booking-service/internal/slots"
)

const (
	idemPropertyKey = "slotbot_idem"
	idemNamespace   = "slotbot"
	idemAgent       = "booking-agent"
	anonCaller      = "anon"
)

var tracer = otel.Tracer("booking-engine")

// Config carries the deployment-fixed knobs of the engine.
type Config struct {
	// SlotLength is the grid all bookable start times are quantized to.
	SlotLength time.Duration
	// HorizonDays bounds how far ahead busy time is fetched and slots
	// are searched.
	HorizonDays int
	// ReferenceZone anchors date-only (all-day) events to absolute time.
	ReferenceZone *time.Location
	// DefaultSummary is used when a booking request carries none.
	DefaultSummary string
}

func (c Config) withDefaults() Config {
	if c.SlotLength <= 0 {
		c.SlotLength = 5 * time.Minute
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 14
	}
	if c.ReferenceZone == nil {
		c.ReferenceZone = time.UTC
	}
	if c.DefaultSummary == "" {
		c.DefaultSummary = "Booked appointment"
	}
	return c
}

// Engine composes the timeline builder, slot finder and booking
// committer over one caller-scoped calendar handle.
type Engine struct {
	api    gcal.API
	cfg    Config
	logger *slog.Logger
}

// New binds an engine to a calendar handle. The handle is an explicit
// constructor parameter so per-caller engines stay cheap to build.
func New(api gcal.API, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{api: api, cfg: cfg.withDefaults(), logger: logger}
}

// Slot is one bookable span on the grid.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Soonest returns the earliest free slot at or after from.
func (e *Engine) Soonest(ctx context.Context, from time.Time) (Slot, error) {
	if from.IsZero() {
		return Slot{}, fmt.Errorf("%w: reference instant is required", ErrInvalidInput)
	}
	ctx, span := tracer.Start(ctx, "engine.Soonest")
	defer span.End()

	start := slots.Normalize(from, e.cfg.SlotLength)
	busy, err := e.buildBusyTimeline(ctx, start)
	if err != nil {
		return Slot{}, err
	}
	free := slots.FindFirstFree(start, e.cfg.SlotLength, busy)
	span.SetAttributes(attribute.Int("busy_intervals", len(busy)))
	return Slot{Start: free, End: free.Add(e.cfg.SlotLength)}, nil
}

// buildBusyTimeline fetches every event overlapping the horizon window
// starting at from, follows pagination to the end, drops cancelled,
// transparent and malformed events, and folds the rest into a minimal
// sorted timeline. Any page failure aborts the whole build; a partial
// timeline must never be scanned.
func (e *Engine) buildBusyTimeline(ctx context.Context, from time.Time) ([]slots.Interval, error) {
	ctx, span := tracer.Start(ctx, "engine.buildBusyTimeline")
	defer span.End()

	windowEnd := from.AddDate(0, 0, e.cfg.HorizonDays)
	var intervals []slots.Interval
	pageToken := ""
	for {
		page, err := e.api.ListEvents(ctx, gcal.ListQuery{
			TimeMin:   from,
			TimeMax:   windowEnd,
			PageToken: pageToken,
		})
		if err != nil {
			return nil, err
		}
		for _, ev := range page.Items {
			iv, ok := e.intervalFromEvent(ev)
			if !ok {
				continue
			}
			intervals = append(intervals, iv)
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return slots.Merge(intervals), nil
}

// intervalFromEvent converts one provider event to a busy interval.
// The bool result is false for events that do not block time:
// cancelled, transparent, malformed, or without positive duration.
func (e *Engine) intervalFromEvent(ev *calendar.Event) (slots.Interval, bool) {
	if ev == nil || ev.Status == "cancelled" || ev.Transparency == "transparent" {
		return slots.Interval{}, false
	}
	start, ok := e.parseEventTime(ev.Start)
	if !ok {
		return slots.Interval{}, false
	}
	end, ok := e.parseEventTime(ev.End)
	if !ok {
		return slots.Interval{}, false
	}
	if !end.After(start) {
		return slots.Interval{}, false
	}
	return slots.Interval{Start: start, End: end}, true
}

// parseEventTime handles both timed events (dateTime) and all-day
// markers (date only). Date-only values are anchored in the
// deployment's reference zone before converting to absolute time.
func (e *Engine) parseEventTime(edt *calendar.EventDateTime) (time.Time, bool) {
	if edt == nil {
		return time.Time{}, false
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	if edt.Date != "" {
		t, err := time.ParseInLocation("2006-01-02", edt.Date, e.cfg.ReferenceZone)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}
