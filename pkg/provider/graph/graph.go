// Package graph implements a backend that sends emails via the Microsoft
// Graph sendMail endpoint using OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailer"
	"github.com/shineum/mailkit/pkg/mailerr"
)

const name = mailer.KindGraph

func init() {
	mailer.Register(mailer.Backend{
		Kind: mailer.KindGraph,
		New: func(_ context.Context, env mailer.Env) (mailer.Mailer, error) {
			get := func(key string) string {
				v, _ := env.Lookup(key)
				return strings.TrimSpace(v)
			}
			m, err := New(Config{
				TenantID:     get("GRAPH_TENANT_ID"),
				ClientID:     get("GRAPH_CLIENT_ID"),
				ClientSecret: get("GRAPH_CLIENT_SECRET"),
				Sender:       get("GRAPH_SENDER"),
			})
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	})
}

// Config holds the configuration for creating a Mailer.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox the message is sent from.
	Sender string
	Logger *slog.Logger
}

// Mailer sends emails via the Microsoft Graph API.
type Mailer struct {
	graphURL   string
	httpClient *http.Client
	token      *appToken
	logger     *slog.Logger
}

var _ mailer.Mailer = (*Mailer)(nil)

// New creates a Mailer with the given configuration.
func New(cfg Config) (*Mailer, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.Sender == "" {
		return nil, mailerr.Configuration("msgraph backend requires tenant id, client id, client secret and sender")
	}

	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	graphURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", cfg.Sender)

	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second}), nil
}

// newWithOverrides creates a Mailer with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client) *Mailer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{
		graphURL:   graphURL,
		httpClient: client,
		token:      newAppToken(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		logger:     logger,
	}
}

// Name implements mailer.Mailer.
func (m *Mailer) Name() string {
	return name
}

// Deliver makes a single sendMail request. Graph answers 202 with no body,
// so the message id is the request-id response header.
func (m *Mailer) Deliver(ctx context.Context, e email.Email) (*mailer.DeliveryResult, error) {
	reqBody, err := buildSendMailRequest(e)
	if err != nil {
		return nil, err
	}
	bodyJSON, err := json.Marshal(reqBody)
	if err != nil {
		return nil, mailerr.ProviderErr(name, fmt.Errorf("failed to marshal request body: %w", err))
	}

	token, err := m.token.Token()
	if err != nil {
		return nil, mailerr.ProviderErr(name, fmt.Errorf("failed to get access token: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, mailerr.ProviderErr(name, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, mailerr.ProviderErr(name, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return &mailer.DeliveryResult{
			MessageID: resp.Header.Get("request-id"),
			Provider:  name,
			Response:  map[string]any{"status": resp.StatusCode},
		}, nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		m.logger.Info("discarding Graph API token after 401")
		m.token.Invalidate()
	}

	body, _ := io.ReadAll(resp.Body)
	return nil, classifyError(resp.StatusCode, body)
}

// classifyError builds a provider error from a non-success response,
// preferring the Graph error code and message when the body carries them.
func classifyError(statusCode int, body []byte) error {
	msg := strings.TrimSpace(string(body))

	var graphErrResp graphErrorResponse
	if err := json.Unmarshal(body, &graphErrResp); err == nil && graphErrResp.Error.Message != "" {
		msg = graphErrResp.Error.Message
		if graphErrResp.Error.Code != "" {
			msg = graphErrResp.Error.Code + ": " + msg
		}
	}
	if msg == "" {
		msg = http.StatusText(statusCode)
	}

	return mailerr.ProviderStatus(name, fmt.Sprintf("Graph API error (HTTP %d): %s", statusCode, msg), statusCode)
}
