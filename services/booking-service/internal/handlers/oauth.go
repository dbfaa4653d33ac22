package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slotbot-dev/slotbot/libs/auth"
	"github.com/slotbot-dev/slotbot/services/booking-service/internal/identity"
)

const (
	stateTTL   = 10 * time.Minute
	sessionTTL = 30 * 24 * time.Hour
)

// OAuthHandler runs the Google consent flow for multi-tenant
// deployments. State tokens live in memory; an interrupted flow is
// simply restarted.
type OAuthHandler struct {
	resolver      *identity.Resolver
	logger        *slog.Logger
	sessionSecret string
	secureCookies bool

	mu     sync.Mutex
	states map[string]time.Time
}

func NewOAuthHandler(resolver *identity.Resolver, logger *slog.Logger, sessionSecret string, secureCookies bool) *OAuthHandler {
	return &OAuthHandler{
		resolver:      resolver,
		logger:        logger,
		sessionSecret: sessionSecret,
		secureCookies: secureCookies,
		states:        map[string]time.Time{},
	}
}

// Connect redirects the caller to Google's consent page.
func (h *OAuthHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	state := uuid.NewString()
	h.mu.Lock()
	now := time.Now()
	for s, issued := range h.states {
		if now.Sub(issued) > stateTTL {
			delete(h.states, s)
		}
	}
	h.states[state] = now
	h.mu.Unlock()

	http.Redirect(w, r, h.resolver.AuthCodeURL(state), http.StatusFound)
}

// Callback exchanges the consent code, persists the credential binding
// and issues the session cookie.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+errCode)
		return
	}

	state := r.URL.Query().Get("state")
	if !h.consumeState(state) {
		writeError(w, http.StatusBadRequest, "unknown or expired state")
		return
	}

	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	binding, err := h.resolver.CompleteAuthorization(r.Context(), code)
	if err != nil {
		h.logger.Error("oauth completion failed", "err", err)
		writeError(w, http.StatusBadGateway, "authorization exchange failed")
		return
	}

	now := time.Now()
	token, err := auth.SignHS256(auth.Claims{
		Sub:   binding.UserID,
		Email: binding.Email,
		Iat:   now.Unix(),
		Exp:   now.Add(sessionTTL).Unix(),
	}, h.sessionSecret)
	if err != nil {
		h.logger.Error("session token signing failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  now.Add(sessionTTL),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	h.logger.Info("calendar connected", "user_id", binding.UserID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "connected",
		"email":  binding.Email,
	})
}

func (h *OAuthHandler) consumeState(state string) bool {
	if state == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	issued, ok := h.states[state]
	if !ok {
		return false
	}
	delete(h.states, state)
	return time.Since(issued) <= stateTTL
}
