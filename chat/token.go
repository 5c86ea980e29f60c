// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chatwire/chatwire/lib/clock"
	"github.com/chatwire/chatwire/lib/netutil"
)

// Credentials is the persistable authentication material: the
// long-lived refresh token plus the last-known access token and
// cookies. The cbor tags match the token cache file format.
type Credentials struct {
	RefreshToken string            `cbor:"refresh_token"`
	AccessToken  string            `cbor:"access_token,omitempty"`
	ExpiresAt    time.Time         `cbor:"expires_at,omitempty"`
	Cookies      map[string]string `cbor:"cookies,omitempty"`
}

// Session is a snapshot of the active authentication state. Sessions
// are immutable values: a refresh replaces the manager's session
// wholesale and bumps Generation, so no caller ever observes a
// half-updated one.
type Session struct {
	AccessToken string
	Cookies     map[string]string
	ExpiresAt   time.Time
	Generation  uint64
}

// TokenManagerConfig configures a TokenManager. Zero-valued optional
// fields get defaults from FromCredentials.
type TokenManagerConfig struct {
	// HTTPClient makes the refresh requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// RefreshURL is the token refresh endpoint. Required.
	RefreshURL string

	// Clock supplies time. Defaults to clock.Real().
	Clock clock.Clock

	// Log receives structured refresh logs. Defaults to
	// slog.Default().
	Log *slog.Logger

	// OnRefresh, if set, is invoked with the updated credentials after
	// every successful refresh so they can be persisted across
	// restarts. Called outside the manager's lock.
	OnRefresh func(Credentials)

	// ExpiryMargin is how long before the expiry estimate a session is
	// considered expired, so calls refresh proactively instead of
	// racing the deadline. Defaults to 5 minutes.
	ExpiryMargin time.Duration
}

// TokenManager owns the refresh lifecycle. Concurrent callers that
// observe an expired session share a single in-flight refresh.
type TokenManager struct {
	httpClient   *http.Client
	refreshURL   string
	clock        clock.Clock
	log          *slog.Logger
	onRefresh    func(Credentials)
	expiryMargin time.Duration

	mu      sync.Mutex
	creds   Credentials
	session Session

	refreshGroup singleflight.Group
}

// FromCredentials validates the credential material and returns a
// manager holding its initial session. Returns an *AuthError if the
// refresh token is absent or malformed.
func FromCredentials(creds Credentials, cfg TokenManagerConfig) (*TokenManager, error) {
	token := strings.TrimSpace(creds.RefreshToken)
	if token == "" {
		return nil, &AuthError{Op: "validate", Reason: "refresh token missing"}
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return nil, &AuthError{Op: "validate", Reason: "refresh token contains whitespace"}
	}
	if cfg.RefreshURL == "" {
		return nil, fmt.Errorf("token manager: RefreshURL is required")
	}
	creds.RefreshToken = token

	tm := &TokenManager{
		httpClient:   cfg.HTTPClient,
		refreshURL:   cfg.RefreshURL,
		clock:        cfg.Clock,
		log:          cfg.Log,
		onRefresh:    cfg.OnRefresh,
		expiryMargin: cfg.ExpiryMargin,
		creds:        creds,
		session: Session{
			AccessToken: creds.AccessToken,
			Cookies:     copyCookies(creds.Cookies),
			ExpiresAt:   creds.ExpiresAt,
			Generation:  1,
		},
	}
	if tm.httpClient == nil {
		tm.httpClient = http.DefaultClient
	}
	if tm.clock == nil {
		tm.clock = clock.Real()
	}
	if tm.log == nil {
		tm.log = slog.Default()
	}
	if tm.expiryMargin <= 0 {
		tm.expiryMargin = 5 * time.Minute
	}
	return tm, nil
}

// Session returns a snapshot of the current session.
func (tm *TokenManager) Session() Session {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.session
}

// IsExpired is an advisory check against the last-known expiry
// estimate. It is used to refresh proactively before a call, not as a
// guarantee that the service will accept the token.
func (tm *TokenManager) IsExpired() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.expiredLocked()
}

func (tm *TokenManager) expiredLocked() bool {
	if tm.session.AccessToken == "" {
		return true
	}
	if tm.session.ExpiresAt.IsZero() {
		return false
	}
	return !tm.clock.Now().Before(tm.session.ExpiresAt.Add(-tm.expiryMargin))
}

// Token returns a session expected to be valid, refreshing first if
// the current one looks expired.
func (tm *TokenManager) Token(ctx context.Context) (Session, error) {
	tm.mu.Lock()
	expired := tm.expiredLocked()
	session := tm.session
	tm.mu.Unlock()

	if !expired {
		return session, nil
	}
	return tm.refreshFrom(ctx, session.Generation)
}

// Refresh replaces the session's tokens in place, incrementing its
// generation. Concurrent callers share one in-flight refresh. Returns
// an *AuthError if the service rejects the refresh token, which means
// the caller must re-authenticate from scratch.
func (tm *TokenManager) Refresh(ctx context.Context) (Session, error) {
	return tm.refreshFrom(ctx, tm.Session().Generation)
}

// refreshFrom refreshes unless another caller already replaced the
// generation the caller observed as stale, in which case the newer
// session is returned without a network round trip.
func (tm *TokenManager) refreshFrom(ctx context.Context, observed uint64) (Session, error) {
	v, err, _ := tm.refreshGroup.Do("refresh", func() (any, error) {
		tm.mu.Lock()
		if tm.session.Generation > observed {
			session := tm.session
			tm.mu.Unlock()
			return session, nil
		}
		refreshToken := tm.creds.RefreshToken
		tm.mu.Unlock()

		return tm.doRefresh(ctx, refreshToken)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

func (tm *TokenManager) doRefresh(ctx context.Context, refreshToken string) (Session, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.refreshURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Session{}, &AuthError{
			Op:     "refresh",
			Reason: fmt.Sprintf("service answered %d: %s", resp.StatusCode, netutil.ErrorBody(resp.Body)),
		}
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := netutil.DecodeResponse(resp.Body, &body); err != nil {
		return Session{}, fmt.Errorf("decoding refresh response: %w", err)
	}
	if body.AccessToken == "" {
		return Session{}, &AuthError{Op: "refresh", Reason: "response carried no access token"}
	}

	tm.mu.Lock()
	tm.creds.AccessToken = body.AccessToken
	tm.creds.ExpiresAt = tm.clock.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	if body.RefreshToken != "" {
		// Some deployments rotate the refresh token on use.
		tm.creds.RefreshToken = body.RefreshToken
	}
	tm.session = Session{
		AccessToken: body.AccessToken,
		Cookies:     copyCookies(tm.creds.Cookies),
		ExpiresAt:   tm.creds.ExpiresAt,
		Generation:  tm.session.Generation + 1,
	}
	session := tm.session
	creds := tm.creds
	tm.mu.Unlock()

	tm.log.Info("refreshed access token",
		"generation", session.Generation,
		"expires_at", session.ExpiresAt)

	if tm.onRefresh != nil {
		tm.onRefresh(creds)
	}
	return session, nil
}

// Invalidate discards the current access token so the next call must
// refresh. Used when the service rejects a token the expiry estimate
// still considered valid.
func (tm *TokenManager) Invalidate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.session.AccessToken = ""
	tm.creds.AccessToken = ""
}

// Credentials returns a copy of the current credential material, for
// persisting on shutdown.
func (tm *TokenManager) Credentials() Credentials {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	creds := tm.creds
	creds.Cookies = copyCookies(creds.Cookies)
	return creds
}

func copyCookies(cookies map[string]string) map[string]string {
	if cookies == nil {
		return nil
	}
	out := make(map[string]string, len(cookies))
	for k, v := range cookies {
		out[k] = v
	}
	return out
}
