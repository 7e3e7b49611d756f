package oracle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// token refresh happens this long before the reported expiry.
const tokenExpiryBuffer = 5 * time.Minute

// tokenSource fetches and caches a client-credentials bearer token.
// A zero TokenURL disables auth entirely.
type tokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenSource(tokenURL, clientID, clientSecret string, client *http.Client) *tokenSource {
	return &tokenSource{
		tokenURL:     strings.TrimSpace(tokenURL),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
	}
}

func (ts *tokenSource) enabled() bool { return ts.tokenURL != "" }

// bearer returns a valid cached token, refreshing when close to expiry.
func (ts *tokenSource) bearer(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Before(ts.expiresAt.Add(-tokenExpiryBuffer)) {
		return ts.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(ts.clientID + ":" + ts.clientSecret))
	req.Header.Set("Authorization", "Basic "+credentials)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("token endpoint status %d: %s", res.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}

	expiresIn := payload.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	ts.token = payload.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return ts.token, nil
}

// invalidate drops the cached token so the next call re-authenticates.
func (ts *tokenSource) invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
}
