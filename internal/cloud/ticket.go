package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Ticket holds one account's OAuth state: the durable refresh token and the
// ephemeral access token. Refreshing happens lazily under a lock so concurrent
// callers share a single token exchange.
type Ticket struct {
	tokenURL     string
	clientID     string
	clientSecret string
	hc           *http.Client

	mu           sync.Mutex
	refreshToken string
	accessToken  string
	expiry       time.Time
}

func NewTicket(tokenURL, clientID, clientSecret, refreshToken string, hc *http.Client) *Ticket {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Ticket{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		hc:           hc,
	}
}

func (t *Ticket) RefreshToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshToken
}

// AccessToken returns a valid access token, refreshing if the cached one has
// expired. The expiry is padded so a token is never handed out moments before
// the server stops honoring it.
func (t *Ticket) AccessToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.accessToken != "" && time.Now().Before(t.expiry.Add(-time.Minute)) {
		return t.accessToken, nil
	}

	if t.refreshToken == "" {
		return "", fmt.Errorf("no refresh token on record")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {t.refreshToken},
		"client_id":     {t.clientID},
		"client_secret": {t.clientSecret},
	}

	token, expiresIn, _, err := t.exchange(ctx, form)
	if err != nil {
		return "", err
	}

	t.accessToken = token
	t.expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return t.accessToken, nil
}

// Exchange trades an authorization code for a refresh token, completing
// registration. The refresh token becomes the ticket's durable credential.
func (t *Ticket) Exchange(ctx context.Context, authCode, redirectURI string) (string, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {authCode},
		"client_id":     {t.clientID},
		"client_secret": {t.clientSecret},
		"redirect_uri":  {redirectURI},
	}

	token, expiresIn, refresh, err := t.exchange(ctx, form)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	t.refreshToken = refresh
	t.accessToken = token
	t.expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	t.mu.Unlock()

	return refresh, nil
}

func (t *Ticket) exchange(ctx context.Context, form url.Values) (access string, expiresIn int, refresh string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.hc.Do(req)
	if err != nil {
		return "", 0, "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int    `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", 0, "", fmt.Errorf("token endpoint returned no access token")
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = 3600
	}

	return payload.AccessToken, payload.ExpiresIn, payload.RefreshToken, nil
}
