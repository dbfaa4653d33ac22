package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/slotbot-dev/slotbot/services/booking-service/internal/gcal"
)

// fakeCalendar implements gcal.API in memory. Events inserted through
// it land in created and stay invisible to plain window listings until
// syncCreated is called; property-filtered listings always see them.
// That mirrors the retry window the idempotency check exists for: the
// insert succeeded but the caller re-issues the request before acting
// on the response.
type fakeCalendar struct {
	events  []*calendar.Event
	created []*calendar.Event

	pageSize    int
	listErr     error
	filteredErr error
	insertErr   error

	// failUnfilteredAfter, when positive, fails every unfiltered listing
	// after that many have succeeded.
	failUnfilteredAfter int
	unfilteredCalls     int

	inserts     int
	listQueries []gcal.ListQuery
}

func (f *fakeCalendar) CalendarID() string { return "primary" }

func (f *fakeCalendar) ListEvents(_ context.Context, q gcal.ListQuery) (gcal.ListPage, error) {
	f.listQueries = append(f.listQueries, q)

	if q.PrivateProperty != "" {
		if f.filteredErr != nil {
			return gcal.ListPage{}, f.filteredErr
		}
		k, v, _ := strings.Cut(q.PrivateProperty, "=")
		var items []*calendar.Event
		for _, ev := range append(append([]*calendar.Event{}, f.events...), f.created...) {
			if !overlapsWindow(ev, q) {
				continue
			}
			if ev.ExtendedProperties != nil && ev.ExtendedProperties.Private[k] == v {
				items = append(items, ev)
			}
		}
		return gcal.ListPage{Items: items}, nil
	}

	if f.listErr != nil {
		return gcal.ListPage{}, f.listErr
	}
	f.unfilteredCalls++
	if f.failUnfilteredAfter > 0 && f.unfilteredCalls > f.failUnfilteredAfter {
		return gcal.ListPage{}, errors.New("window listing unavailable")
	}
	var all []*calendar.Event
	for _, ev := range f.events {
		if overlapsWindow(ev, q) {
			all = append(all, ev)
		}
	}

	if f.pageSize <= 0 || len(all) <= f.pageSize {
		if q.PageToken != "" {
			off := 0
			_, _ = fmt.Sscanf(q.PageToken, "page-%d", &off)
			if off < len(all) {
				all = all[off:]
			} else {
				all = nil
			}
		}
		return gcal.ListPage{Items: all}, nil
	}

	off := 0
	if q.PageToken != "" {
		_, _ = fmt.Sscanf(q.PageToken, "page-%d", &off)
	}
	end := off + f.pageSize
	next := ""
	if end < len(all) {
		next = fmt.Sprintf("page-%d", end)
	} else {
		end = len(all)
	}
	return gcal.ListPage{Items: all[off:end], NextPageToken: next}, nil
}

func (f *fakeCalendar) InsertEvent(_ context.Context, ev *calendar.Event) (*calendar.Event, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.inserts++
	out := *ev
	out.Id = fmt.Sprintf("evt-%d", f.inserts)
	out.HtmlLink = "https://calendar.example/" + out.Id
	f.created = append(f.created, &out)
	return &out, nil
}

// syncCreated makes previously inserted events visible to plain window
// listings, as if the provider read caught up.
func (f *fakeCalendar) syncCreated() {
	f.events = append(f.events, f.created...)
	f.created = nil
}

func overlapsWindow(ev *calendar.Event, q gcal.ListQuery) bool {
	start, ok := fakeEventTime(ev.Start)
	if !ok {
		return true // let the engine's own filtering handle it
	}
	end, ok := fakeEventTime(ev.End)
	if !ok {
		return true
	}
	return start.Before(q.TimeMax) && end.After(q.TimeMin)
}

func fakeEventTime(edt *calendar.EventDateTime) (time.Time, bool) {
	if edt == nil {
		return time.Time{}, false
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		return t, err == nil
	}
	if edt.Date != "" {
		t, err := time.Parse("2006-01-02", edt.Date)
		return t, err == nil
	}
	return time.Time{}, false
}

func timedEvent(start, end time.Time) *calendar.Event {
	return &calendar.Event{
		Status: "confirmed",
		Start:  &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:    &calendar.EventDateTime{DateTime: end.Format(time.RFC3339)},
	}
}

func testEngine(f *fakeCalendar) *Engine {
	return New(f, Config{
		SlotLength:  5 * time.Minute,
		HorizonDays: 7,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func at(h, m int) time.Time {
	return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
}

func TestSoonestEmptyCalendarReturnsRequested(t *testing.T) {
	f := &fakeCalendar{}
	slot, err := testEngine(f).Soonest(context.Background(), at(21, 30))
	if err != nil {
		t.Fatalf("Soonest failed: %v", err)
	}
	if !slot.Start.Equal(at(21, 30)) || !slot.End.Equal(at(21, 35)) {
		t.Fatalf("unexpected slot: %+v", slot)
	}
}

func TestSoonestBumpsPastBusyInterval(t *testing.T) {
	f := &fakeCalendar{events: []*calendar.Event{timedEvent(at(21, 30), at(21, 35))}}
	slot, err := testEngine(f).Soonest(context.Background(), at(21, 30))
	if err != nil {
		t.Fatalf("Soonest failed: %v", err)
	}
	if !slot.Start.Equal(at(21, 35)) || !slot.End.Equal(at(21, 40)) {
		t.Fatalf("expected 21:35-21:40, got %+v", slot)
	}
}

func TestSoonestNormalizesRequestedInstant(t *testing.T) {
	f := &fakeCalendar{}
	slot, err := testEngine(f).Soonest(context.Background(), at(21, 31).Add(12*time.Second))
	if err != nil {
		t.Fatalf("Soonest failed: %v", err)
	}
	if !slot.Start.Equal(at(21, 35)) {
		t.Fatalf("expected 21:35, got %s", slot.Start)
	}
}

func TestTimelineFollowsPaginationWithStableWindow(t *testing.T) {
	f := &fakeCalendar{pageSize: 2}
	for i := 0; i < 5; i++ {
		start := at(10, 0).Add(time.Duration(i) * 10 * time.Minute)
		f.events = append(f.events, timedEvent(start, start.Add(5*time.Minute)))
	}
	if _, err := testEngine(f).Soonest(context.Background(), at(10, 0)); err != nil {
		t.Fatalf("Soonest failed: %v", err)
	}
	if len(f.listQueries) < 3 {
		t.Fatalf("expected at least 3 pages, got %d", len(f.listQueries))
	}
	first := f.listQueries[0]
	for i, q := range f.listQueries {
		if !q.TimeMin.Equal(first.TimeMin) || !q.TimeMax.Equal(first.TimeMax) {
			t.Fatalf("page %d changed window bounds: %+v vs %+v", i, q, first)
		}
	}
}

func TestTimelineDropsNonBlockingAndMalformedEvents(t *testing.T) {
	cancelled := timedEvent(at(21, 30), at(21, 35))
	cancelled.Status = "cancelled"
	transparent := timedEvent(at(21, 30), at(21, 35))
	transparent.Transparency = "transparent"
	noTimes := &calendar.Event{Status: "confirmed"}
	inverted := timedEvent(at(21, 35), at(21, 30))
	garbled := &calendar.Event{
		Status: "confirmed",
		Start:  &calendar.EventDateTime{DateTime: "not-a-timestamp"},
		End:    &calendar.EventDateTime{DateTime: "also-not"},
	}

	f := &fakeCalendar{events: []*calendar.Event{cancelled, transparent, noTimes, inverted, garbled}}
	slot, err := testEngine(f).Soonest(context.Background(), at(21, 30))
	if err != nil {
		t.Fatalf("Soonest failed: %v", err)
	}
	if !slot.Start.Equal(at(21, 30)) {
		t.Fatalf("non-blocking events should be ignored, got %s", slot.Start)
	}
}

func TestTimelineBlocksFullDayForAllDayEvents(t *testing.T) {
	allDay := &calendar.Event{
		Status: "confirmed",
		Start:  &calendar.EventDateTime{Date: "2026-03-10"},
		End:    &calendar.EventDateTime{Date: "2026-03-11"},
	}
	f := &fakeCalendar{events: []*calendar.Event{allDay}}
	slot, err := testEngine(f).Soonest(context.Background(), at(21, 30))
	if err != nil {
		t.Fatalf("Soonest failed: %v", err)
	}
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !slot.Start.Equal(want) {
		t.Fatalf("expected next day %s, got %s", want, slot.Start)
	}
}

func TestSoonestSurfacesProviderError(t *testing.T) {
	f := &fakeCalendar{listErr: &gcal.ProviderError{Op: "list", Status: 503, Message: "backend"}}
	_, err := testEngine(f).Soonest(context.Background(), at(21, 30))
	if err == nil {
		t.Fatal("expected provider error")
	}
	pe, ok := gcal.AsProviderError(err)
	if !ok || pe.Status != 503 {
		t.Fatalf("expected provider error with status 503, got %v", err)
	}
}

func TestBookBumpsAndSetsFlag(t *testing.T) {
	f := &fakeCalendar{events: []*calendar.Event{timedEvent(at(21, 30), at(21, 35))}}
	res, err := testEngine(f).Book(context.Background(), BookRequest{
		RequestedStart: at(21, 30),
		CallerEmail:    "alice@example.com",
		Label:          "intro call",
	})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if !res.Start.Equal(at(21, 35)) || !res.Bumped {
		t.Fatalf("expected bumped booking at 21:35, got %+v", res)
	}
	if res.EventID == "" || res.Replayed {
		t.Fatalf("expected fresh event, got %+v", res)
	}
	if f.inserts != 1 {
		t.Fatalf("expected exactly one insert, got %d", f.inserts)
	}
}

func TestBookNotBumpedWhenSlotFree(t *testing.T) {
	f := &fakeCalendar{}
	res, err := testEngine(f).Book(context.Background(), BookRequest{RequestedStart: at(21, 30)})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if res.Bumped || !res.Start.Equal(at(21, 30)) {
		t.Fatalf("expected unbumped booking at 21:30, got %+v", res)
	}
}

func TestBookEventBodyCarriesMetadata(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("zone data unavailable: %v", err)
	}
	f := &fakeCalendar{}
	_, err = testEngine(f).Book(context.Background(), BookRequest{
		RequestedStart: at(21, 30),
		CallerEmail:    "alice@example.com",
		Label:          "intro call",
		DisplayZone:    ny,
		Summary:        "Intro",
		Location:       "Video",
	})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if len(f.created) != 1 {
		t.Fatalf("expected one created event, got %d", len(f.created))
	}
	ev := f.created[0]
	if ev.Summary != "Intro" || ev.Location != "Video" {
		t.Fatalf("summary/location not carried: %+v", ev)
	}
	if ev.Start.TimeZone != "America/New_York" {
		t.Fatalf("expected display zone on event, got %q", ev.Start.TimeZone)
	}
	start, err := time.Parse(time.RFC3339, ev.Start.DateTime)
	if err != nil || !start.Equal(at(21, 30)) {
		t.Fatalf("display-zone rendering changed the absolute instant: %q", ev.Start.DateTime)
	}
	if ev.ExtendedProperties == nil || ev.ExtendedProperties.Private[idemPropertyKey] == "" {
		t.Fatal("expected idempotency key on the event")
	}
	if len(ev.Attendees) != 1 || ev.Attendees[0].Email != "alice@example.com" {
		t.Fatalf("expected caller attendee, got %+v", ev.Attendees)
	}
}

func TestBookReplayReturnsSameEvent(t *testing.T) {
	f := &fakeCalendar{events: []*calendar.Event{timedEvent(at(21, 30), at(21, 35))}}
	eng := testEngine(f)
	req := BookRequest{RequestedStart: at(21, 30), CallerEmail: "alice@example.com", Label: "intro call"}

	first, err := eng.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("first Book failed: %v", err)
	}
	second, err := eng.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("second Book failed: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replay, got %+v", second)
	}
	if second.EventID != first.EventID {
		t.Fatalf("replay returned a different event: %q vs %q", second.EventID, first.EventID)
	}
	if f.inserts != 1 {
		t.Fatalf("expected exactly one insert across both calls, got %d", f.inserts)
	}
}

func TestBookAdvancesOnceBookingIsVisible(t *testing.T) {
	f := &fakeCalendar{events: []*calendar.Event{timedEvent(at(21, 30), at(21, 35))}}
	eng := testEngine(f)
	req := BookRequest{RequestedStart: at(21, 30), CallerEmail: "alice@example.com", Label: "intro call"}

	if _, err := eng.Book(context.Background(), req); err != nil {
		t.Fatalf("first Book failed: %v", err)
	}
	f.syncCreated()

	third, err := eng.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("third Book failed: %v", err)
	}
	if !third.Start.Equal(at(21, 40)) {
		t.Fatalf("expected 21:40 once prior booking blocks 21:35, got %s", third.Start)
	}
	if f.inserts != 2 {
		t.Fatalf("expected a second insert, got %d", f.inserts)
	}
}

func TestBookFallsBackWhenFilteredLookupUnsupported(t *testing.T) {
	f := &fakeCalendar{
		events:      []*calendar.Event{timedEvent(at(21, 30), at(21, 35))},
		filteredErr: &gcal.ProviderError{Op: "list", Status: 400, Message: "unsupported filter"},
	}
	eng := testEngine(f)
	req := BookRequest{RequestedStart: at(21, 30), CallerEmail: "alice@example.com"}

	first, err := eng.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("first Book failed: %v", err)
	}

	// Make the prior booking visible to unfiltered listings in the
	// replay window but keep it out of the timeline by marking it
	// transparent, pinning the finder to the same slot.
	f.created[0].Transparency = "transparent"
	f.syncCreated()

	second, err := eng.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("second Book failed: %v", err)
	}
	if !second.Replayed || second.EventID != first.EventID {
		t.Fatalf("expected fallback in-memory match to replay, got %+v", second)
	}
	if f.inserts != 1 {
		t.Fatalf("expected one insert, got %d", f.inserts)
	}
}

func TestBookProceedsWhenBothLookupsFail(t *testing.T) {
	f := &fakeCalendar{
		filteredErr: errors.New("filter broken"),
		// The timeline fetch is the first unfiltered listing; every
		// later one (the fallback replay window) fails.
		failUnfilteredAfter: 1,
	}
	eng := testEngine(f)
	res, err := eng.Book(context.Background(), BookRequest{RequestedStart: at(21, 30)})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if res.EventID == "" {
		t.Fatalf("expected created event, got %+v", res)
	}
	if f.inserts != 1 {
		t.Fatalf("expected insert despite lookup failures, got %d", f.inserts)
	}
}

func TestBookSurfacesInsertError(t *testing.T) {
	f := &fakeCalendar{insertErr: &gcal.ProviderError{Op: "insert", Status: 403, Message: "denied"}}
	_, err := testEngine(f).Book(context.Background(), BookRequest{RequestedStart: at(21, 30)})
	pe, ok := gcal.AsProviderError(err)
	if !ok || pe.Op != "insert" {
		t.Fatalf("expected insert provider error, got %v", err)
	}
}

func TestBookRejectsZeroInstantBeforeAnyIO(t *testing.T) {
	f := &fakeCalendar{}
	_, err := testEngine(f).Book(context.Background(), BookRequest{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(f.listQueries) != 0 || f.inserts != 0 {
		t.Fatal("validation must happen before touching the provider")
	}
}

func TestIdempotencyKeyShape(t *testing.T) {
	key := idempotencyKey("Alice@Example.com", at(21, 35), "intro call")
	want := "slotbot|booking-agent|alice@example.com|2026-03-10T21:35:00Z|intro call"
	if key != want {
		t.Fatalf("expected %q, got %q", want, key)
	}
	if idempotencyKey("", at(21, 35), "") != "slotbot|booking-agent|anon|2026-03-10T21:35:00Z|" {
		t.Fatalf("unexpected anon key: %q", idempotencyKey("", at(21, 35), ""))
	}
}
