package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slotbot-dev/slotbot/libs/auth"
	"github.com/slotbot-dev/slotbot/services/booking-service/internal/announce"
	"github.com/slotbot-dev/slotbot/services/booking-service/internal/engine"
	"github.com/slotbot-dev/slotbot/services/booking-service/internal/gcal"
	"github.com/slotbot-dev/slotbot/services/booking-service/internal/identity"
)

// SessionCookie names the cookie carrying the caller's session token in
// multi-tenant mode.
const SessionCookie = "slotbot_session"

// HandleResolver is the slice of identity.Resolver the booking
// endpoints need.
type HandleResolver interface {
	Handle(ctx context.Context, callerID string) (gcal.API, identity.Binding, error)
	MultiTenant() bool
}

type BookingHandler struct {
	resolver      HandleResolver
	engineCfg     engine.Config
	announcer     *announce.Announcer
	logger        *slog.Logger
	sessionSecret string
}

func NewBookingHandler(resolver HandleResolver, engineCfg engine.Config, announcer *announce.Announcer, logger *slog.Logger, sessionSecret string) *BookingHandler {
	return &BookingHandler{
		resolver:      resolver,
		engineCfg:     engineCfg,
		announcer:     announcer,
		logger:        logger,
		sessionSecret: sessionSecret,
	}
}

type nextSlotResponse struct {
	StartIso    string `json:"start_iso"`
	EndIso      string `json:"end_iso"`
	SlotMinutes int    `json:"slot_minutes"`
	CalendarID  string `json:"calendar_id"`
}

type bookRequest struct {
	RequestedStart string `json:"requested_start"`
	Email          string `json:"email"`
	Label          string `json:"label"`
	Timezone       string `json:"timezone"`
	Summary        string `json:"summary"`
	Location       string `json:"location"`
}

type bookResponse struct {
	ScheduledStartIso   string `json:"scheduled_start_iso"`
	ScheduledEndIso     string `json:"scheduled_end_iso"`
	BumpedFromRequested bool   `json:"bumped_from_requested"`
	EventID             string `json:"event_id"`
	HTMLLink            string `json:"html_link,omitempty"`
	SlotMinutes         int    `json:"slot_minutes"`
}

type lookupBookingItem struct {
	EventID  string `json:"event_id"`
	StartIso string `json:"start_iso"`
	EndIso   string `json:"end_iso"`
	Summary  string `json:"summary"`
	HTMLLink string `json:"html_link,omitempty"`
}

// Next answers "when is the soonest free slot at or after X".
func (h *BookingHandler) Next(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	from := time.Now()
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from instant; want RFC3339")
			return
		}
		from = parsed
	}

	ctx := r.Context()
	api, _, err := h.resolver.Handle(ctx, h.callerID(r))
	if err != nil {
		h.writeResolvedError(w, r, err)
		return
	}

	eng := engine.New(api, h.engineCfg, h.logger)
	slot, err := eng.Soonest(ctx, from)
	if err != nil {
		h.writeResolvedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, nextSlotResponse{
		StartIso:    slot.Start.UTC().Format(time.RFC3339),
		EndIso:      slot.End.UTC().Format(time.RFC3339),
		SlotMinutes: int(h.engineCfg.SlotLength.Minutes()),
		CalendarID:  api.CalendarID(),
	})
}

// Book commits a booking at or after the requested instant.
func (h *BookingHandler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	requested, err := time.Parse(time.RFC3339, strings.TrimSpace(req.RequestedStart))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid requested_start; want RFC3339")
		return
	}

	var zone *time.Location
	if tz := strings.TrimSpace(req.Timezone); tz != "" {
		zone, err = time.LoadLocation(tz)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timezone")
			return
		}
	}

	ctx := r.Context()
	api, binding, err := h.resolver.Handle(ctx, h.callerID(r))
	if err != nil {
		h.writeResolvedError(w, r, err)
		return
	}

	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = binding.Email
	}

	eng := engine.New(api, h.engineCfg, h.logger)
	res, err := eng.Book(ctx, engine.BookRequest{
		RequestedStart: requested,
		CallerEmail:    email,
		Label:          strings.TrimSpace(req.Label),
		DisplayZone:    zone,
		Summary:        req.Summary,
		Location:       req.Location,
	})
	if err != nil {
		h.writeResolvedError(w, r, err)
		return
	}

	if !res.Replayed {
		h.announcer.BookingCreated(ctx, announce.BookingCreated{
			EventID:     res.EventID,
			CalendarID:  api.CalendarID(),
			StartTime:   res.Start.UTC(),
			EndTime:     res.End.UTC(),
			CallerEmail: email,
			Bumped:      res.Bumped,
		})
	}

	writeJSON(w, http.StatusOK, bookResponse{
		ScheduledStartIso:   res.Start.UTC().Format(time.RFC3339),
		ScheduledEndIso:     res.End.UTC().Format(time.RFC3339),
		BumpedFromRequested: res.Bumped,
		EventID:             res.EventID,
		HTMLLink:            res.HTMLLink,
		SlotMinutes:         int(h.engineCfg.SlotLength.Minutes()),
	})
}

// Lookup finds this agent's bookings by attendee email or event id.
func (h *BookingHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	email := strings.TrimSpace(r.URL.Query().Get("email"))
	eventID := strings.TrimSpace(r.URL.Query().Get("event_id"))
	if email == "" && eventID == "" {
		writeError(w, http.StatusBadRequest, "email or event_id is required")
		return
	}

	ctx := r.Context()
	api, _, err := h.resolver.Handle(ctx, h.callerID(r))
	if err != nil {
		h.writeResolvedError(w, r, err)
		return
	}

	eng := engine.New(api, h.engineCfg, h.logger)
	bookings, err := eng.Lookup(ctx, email, eventID)
	if err != nil {
		h.writeResolvedError(w, r, err)
		return
	}

	items := make([]lookupBookingItem, 0, len(bookings))
	for _, b := range bookings {
		items = append(items, lookupBookingItem{
			EventID:  b.EventID,
			StartIso: b.Start.UTC().Format(time.RFC3339),
			EndIso:   b.End.UTC().Format(time.RFC3339),
			Summary:  b.Summary,
			HTMLLink: b.HTMLLink,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": items})
}

// callerID extracts the caller's provider user id from the session
// cookie. Empty in single-tenant mode or when no valid session exists.
func (h *BookingHandler) callerID(r *http.Request) string {
	if !h.resolver.MultiTenant() {
		return ""
	}
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	claims, err := auth.ParseAndVerifyHS256(c.Value, h.sessionSecret)
	if err != nil {
		return ""
	}
	return claims.Sub
}

func (h *BookingHandler) writeResolvedError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrNoBinding), errors.Is(err, engine.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, "calendar authorization required")
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "no matching booking")
	default:
		if pe, ok := gcal.AsProviderError(err); ok {
			h.logger.Error("calendar provider error",
				"op", pe.Op,
				"provider_status", pe.Status,
				"err", pe.Message,
				"path", r.URL.Path,
			)
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":           "calendar provider error",
				"provider_status": pe.Status,
				"provider_detail": pe.Message,
			})
			return
		}
		h.logger.Error("booking request failed", "err", err, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
