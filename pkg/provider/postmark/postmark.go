// Package postmark implements a backend for the Postmark email API,
// including its batch endpoint.
//
// Provider options:
//
//	tag             string
//	metadata        map[string]string
//	message_stream  string, overrides POSTMARK_MESSAGE_STREAM
//	track_opens     bool
package postmark

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailer"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// MaxBatch is the largest batch the Postmark batch endpoint accepts.
const MaxBatch = 500

// EnvMessageStream names the default message stream.
const EnvMessageStream = "POSTMARK_MESSAGE_STREAM"

const (
	name           = mailer.KindPostmark
	defaultBaseURL = "https://api.postmarkapp.com"
)

func init() {
	mailer.Register(mailer.Backend{
		Kind: mailer.KindPostmark,
		New: func(_ context.Context, env mailer.Env) (mailer.Mailer, error) {
			get := func(key string) string {
				v, _ := env.Lookup(key)
				return strings.TrimSpace(v)
			}
			m, err := New(Config{
				ServerToken:   get("POSTMARK_API_KEY"),
				MessageStream: get(EnvMessageStream),
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
	ServerToken   string
	MessageStream string
	// BaseURL overrides the API endpoint.
	BaseURL    string
	HTTPClient *http.Client
}

// Mailer sends emails through Postmark.
type Mailer struct {
	token         string
	messageStream string
	baseURL       string
	httpClient    *http.Client
}

var (
	_ mailer.Mailer         = (*Mailer)(nil)
	_ mailer.BatchMailer    = (*Mailer)(nil)
	_ mailer.BatchValidator = (*Mailer)(nil)
)

// New creates a Mailer.
func New(cfg Config) (*Mailer, error) {
	if cfg.ServerToken == "" {
		return nil, mailerr.Configuration("postmark backend requires a server token")
	}
	m := &Mailer{
		token:         cfg.ServerToken,
		messageStream: cfg.MessageStream,
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:    cfg.HTTPClient,
	}
	if m.baseURL == "" {
		m.baseURL = defaultBaseURL
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return m, nil
}

// Name implements mailer.Mailer.
func (m *Mailer) Name() string {
	return name
}

// Deliver implements mailer.Mailer.
func (m *Mailer) Deliver(ctx context.Context, e email.Email) (*mailer.DeliveryResult, error) {
	msg, err := m.buildMessage(e)
	if err != nil {
		return nil, err
	}

	var resp sendResponse
	if err := m.post(ctx, "/email", msg, &resp); err != nil {
		return nil, err
	}
	if resp.ErrorCode != 0 {
		return nil, apiError(http.StatusOK, resp.ErrorCode, resp.Message)
	}
	return &mailer.DeliveryResult{MessageID: resp.MessageID, Provider: name, Response: resp}, nil
}

// ValidateBatch implements mailer.BatchValidator.
func (m *Mailer) ValidateBatch(emails []email.Email) error {
	if len(emails) > MaxBatch {
		return mailerr.Provider(name, fmt.Sprintf("batch of %d emails exceeds the limit of %d", len(emails), MaxBatch))
	}
	return nil
}

// DeliverMany implements mailer.BatchMailer. Emails that cannot be built
// fail at their own position and the rest go out in one batch request.
// Postmark reports an error code per message; a failed request fails every
// position it carried.
func (m *Mailer) DeliverMany(ctx context.Context, emails []email.Email) []mailer.Result {
	out := make([]mailer.Result, len(emails))

	msgs := make([]*message, 0, len(emails))
	index := make([]int, 0, len(emails))
	for i, e := range emails {
		msg, err := m.buildMessage(e)
		if err != nil {
			out[i] = mailer.Result{Err: err}
			continue
		}
		msgs = append(msgs, msg)
		index = append(index, i)
	}
	if len(msgs) == 0 {
		return out
	}

	var resp []sendResponse
	if err := m.post(ctx, "/email/batch", msgs, &resp); err != nil {
		return fillAt(out, index, err)
	}
	if len(resp) != len(msgs) {
		return fillAt(out, index, mailerr.Provider(name, fmt.Sprintf("batch response has %d entries for %d emails", len(resp), len(msgs))))
	}

	for j, r := range resp {
		i := index[j]
		if r.ErrorCode != 0 {
			out[i] = mailer.Result{Err: apiError(http.StatusOK, r.ErrorCode, r.Message)}
			continue
		}
		out[i] = mailer.Result{Delivery: &mailer.DeliveryResult{MessageID: r.MessageID, Provider: name, Response: r}}
	}
	return out
}

func fillAt(out []mailer.Result, index []int, err error) []mailer.Result {
	for _, i := range index {
		out[i] = mailer.Result{Err: err}
	}
	return out
}

func (m *Mailer) post(ctx context.Context, path string, payload, into any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return mailerr.ProviderErr(name, fmt.Errorf("failed to marshal request body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return mailerr.ProviderErr(name, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", m.token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return mailerr.ProviderErr(name, fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return mailerr.ProviderErr(name, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		var r sendResponse
		if json.Unmarshal(data, &r) == nil && r.Message != "" {
			return apiError(resp.StatusCode, r.ErrorCode, r.Message)
		}
		return mailerr.ProviderStatus(name, fmt.Sprintf("Postmark API error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(data))), resp.StatusCode)
	}

	if err := json.Unmarshal(data, into); err != nil {
		return mailerr.ProviderErr(name, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

func apiError(status, code int, msg string) error {
	return mailerr.ProviderStatus(name, fmt.Sprintf("Postmark error %d: %s", code, msg), status)
}

func joined(addrs []email.Address) string {
	return strings.Join(lo.Map(addrs, func(a email.Address, _ int) string { return a.RFC5322() }), ", ")
}

func (m *Mailer) buildMessage(e email.Email) (*message, error) {
	if e.From == nil {
		return nil, mailerr.MissingField("from")
	}

	msg := &message{
		From:          e.From.RFC5322(),
		To:            joined(e.To),
		Cc:            joined(e.Cc),
		Bcc:           joined(e.Bcc),
		ReplyTo:       joined(e.ReplyTo),
		Subject:       e.Subject,
		HTMLBody:      e.HTMLBody,
		TextBody:      e.TextBody,
		MessageStream: m.messageStream,
	}

	for _, h := range e.Headers {
		msg.Headers = append(msg.Headers, header(h))
	}

	for _, a := range e.Attachments {
		data, err := a.Bytes()
		if err != nil {
			return nil, err
		}
		contentType := a.ContentType
		if contentType == "" {
			contentType = email.ContentTypeFor(a.Filename)
		}
		att := attachment{
			Name:        a.Filename,
			Content:     base64.StdEncoding.EncodeToString(data),
			ContentType: contentType,
		}
		if a.IsInline() {
			att.ContentID = "cid:" + a.ContentID
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	if err := applyOptions(msg, e); err != nil {
		return nil, err
	}
	return msg, nil
}

func applyOptions(msg *message, e email.Email) error {
	if v, ok := e.Option("tag"); ok {
		s, ok := v.(string)
		if !ok {
			return mailerr.Provider(name, fmt.Sprintf("tag must be a string, got %T", v))
		}
		msg.Tag = s
	}
	if v, ok := e.Option("message_stream"); ok {
		s, ok := v.(string)
		if !ok {
			return mailerr.Provider(name, fmt.Sprintf("message_stream must be a string, got %T", v))
		}
		msg.MessageStream = s
	}
	if v, ok := e.Option("track_opens"); ok {
		b, ok := v.(bool)
		if !ok {
			return mailerr.Provider(name, fmt.Sprintf("track_opens must be a bool, got %T", v))
		}
		msg.TrackOpens = &b
	}
	if v, ok := e.Option("metadata"); ok {
		switch md := v.(type) {
		case map[string]string:
			msg.Metadata = md
		case map[string]any:
			msg.Metadata = make(map[string]string, len(md))
			for k, v := range md {
				msg.Metadata[k] = fmt.Sprint(v)
			}
		default:
			return mailerr.Provider(name, fmt.Sprintf("metadata must be a map, got %T", v))
		}
	}
	return nil
}
