package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"github.com/slotbot-dev/slotbot/services/booking-service/internal/gcal"
)

const userinfoEndpoint = "https://openidconnect.googleapis.com/v1/userinfo"

// Resolver turns caller identities into calendar handles. In
// single-tenant mode every caller shares one fixed credential; in
// multi-tenant mode each caller must have completed the OAuth flow and
// has a binding in the store.
type Resolver struct {
	store      Store
	oauthCfg   *oauth2.Config // nil in single-tenant mode
	calendarID string
	fixedToken *oauth2.Token
}

// OAuthConfig builds the Google OAuth config used for multi-tenant
// deployments: calendar access plus enough identity to key the binding.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			calendar.CalendarScope,
			"openid",
			"email",
		},
		Endpoint: google.Endpoint,
	}
}

// NewSingleTenant reads one stored token and serves every caller from
// it. oauthCfg may be nil, in which case the token is used as-is and
// never refreshed.
func NewSingleTenant(tokenFile, calendarID string, oauthCfg *oauth2.Config) (*Resolver, error) {
	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	return &Resolver{
		oauthCfg:   oauthCfg,
		calendarID: calendarID,
		fixedToken: &tok,
	}, nil
}

// NewMultiTenant resolves handles from per-caller bindings.
func NewMultiTenant(store Store, oauthCfg *oauth2.Config, calendarID string) *Resolver {
	return &Resolver{
		store:      store,
		oauthCfg:   oauthCfg,
		calendarID: calendarID,
	}
}

// MultiTenant reports whether callers must authorize individually.
func (r *Resolver) MultiTenant() bool {
	return r.store != nil
}

// Handle resolves a caller to a ready calendar handle. callerID is the
// provider-issued user id from the session; it is ignored in
// single-tenant mode. Returns ErrNoBinding when the caller has no
// credentials on file.
func (r *Resolver) Handle(ctx context.Context, callerID string) (gcal.API, Binding, error) {
	if !r.MultiTenant() {
		var ts oauth2.TokenSource
		if r.oauthCfg != nil {
			ts = r.oauthCfg.TokenSource(ctx, r.fixedToken)
		} else {
			ts = oauth2.StaticTokenSource(r.fixedToken)
		}
		api, err := gcal.NewClient(ctx, ts, r.calendarID)
		return api, Binding{}, err
	}

	if callerID == "" {
		return nil, Binding{}, ErrNoBinding
	}
	b, err := r.store.Get(ctx, callerID)
	if err != nil {
		return nil, Binding{}, err
	}
	if b.Token == nil {
		return nil, Binding{}, ErrNoBinding
	}

	ts := &persistingTokenSource{
		inner:   r.oauthCfg.TokenSource(ctx, b.Token),
		store:   r.store,
		binding: b,
		last:    b.Token.AccessToken,
	}
	api, err := gcal.NewClient(ctx, ts, r.calendarID)
	return api, b, err
}

// AuthCodeURL starts the consent flow. Offline access is required so
// the refresh token survives the first access token's expiry.
func (r *Resolver) AuthCodeURL(state string) string {
	return r.oauthCfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// CompleteAuthorization exchanges the callback code, identifies the
// caller via the userinfo endpoint and persists the binding.
func (r *Resolver) CompleteAuthorization(ctx context.Context, code string) (Binding, error) {
	tok, err := r.oauthCfg.Exchange(ctx, code)
	if err != nil {
		return Binding{}, fmt.Errorf("exchange authorization code: %w", err)
	}

	sub, email, err := fetchUserinfo(ctx, r.oauthCfg.Client(ctx, tok))
	if err != nil {
		return Binding{}, err
	}

	now := time.Now()
	b := Binding{UserID: sub, Email: email, Token: tok, CreatedAt: now, UpdatedAt: now}
	if prior, err := r.store.Get(ctx, sub); err == nil {
		b.CreatedAt = prior.CreatedAt
		// Google omits the refresh token on re-consent; keep the old one.
		if tok.RefreshToken == "" && prior.Token != nil {
			b.Token.RefreshToken = prior.Token.RefreshToken
		}
	}
	if err := r.store.Put(ctx, b); err != nil {
		return Binding{}, err
	}
	return b, nil
}

func fetchUserinfo(ctx context.Context, client *http.Client) (sub, email string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoEndpoint, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch userinfo: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("userinfo endpoint returned %d", resp.StatusCode)
	}

	var ui struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ui); err != nil {
		return "", "", fmt.Errorf("decode userinfo: %w", err)
	}
	if ui.Sub == "" {
		return "", "", errors.New("userinfo response has no subject")
	}
	return ui.Sub, ui.Email, nil
}

// persistingTokenSource writes refreshed tokens back to the store so a
// binding's refresh survives process restarts.
type persistingTokenSource struct {
	inner   oauth2.TokenSource
	store   Store
	binding Binding
	last    string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.inner.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		b := p.binding
		b.Token = tok
		b.UpdatedAt = time.Now()
		// Persistence is best effort; the refreshed token still serves
		// this request even if the write fails.
		_ = p.store.Put(context.Background(), b)
	}
	return tok, nil
}
