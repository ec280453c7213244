package graph

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer is how long before expiry a token is refreshed.
const tokenExpiryBuffer = 5 * time.Minute

const graphScope = "https://graph.microsoft.com/.default"

// appToken hands out client-credentials access tokens. The underlying
// source caches the token until tokenExpiryBuffer before it expires.
type appToken struct {
	config clientcredentials.Config
	// base carries the HTTP client used for token requests.
	base context.Context

	mu  sync.Mutex
	src oauth2.TokenSource
}

func newAppToken(tokenURL, clientID, clientSecret string, client *http.Client) *appToken {
	return &appToken{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		base: context.WithValue(context.Background(), oauth2.HTTPClient, client),
	}
}

// Token returns a valid access token, fetching a new one when the cached
// token is missing or about to expire.
func (a *appToken) Token() (string, error) {
	a.mu.Lock()
	if a.src == nil {
		a.src = oauth2.ReuseTokenSourceWithExpiry(nil, a.config.TokenSource(a.base), tokenExpiryBuffer)
	}
	src := a.src
	a.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next Token call fetches a new
// one. Used after the API rejects a token with 401.
func (a *appToken) Invalidate() {
	a.mu.Lock()
	a.src = nil
	a.mu.Unlock()
}
