// Package resend implements a backend for the Resend API, including its
// native batch endpoint.
//
// Provider options:
//
//	tags          []resend.Tag or map[string]string
//	scheduled_at  string (RFC 3339 or natural language) or time.Time
package resend

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/samber/lo"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailer"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// MaxBatch is the largest batch the Resend batch endpoint accepts.
const MaxBatch = 100

const name = mailer.KindResend

func init() {
	mailer.Register(mailer.Backend{
		Kind: mailer.KindResend,
		New: func(_ context.Context, env mailer.Env) (mailer.Mailer, error) {
			key, _ := env.Lookup("RESEND_API_KEY")
			m, err := New(Config{APIKey: strings.TrimSpace(key)})
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	})
}

// Config holds the configuration for creating a Mailer.
type Config struct {
	APIKey string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Mailer sends emails through Resend.
type Mailer struct {
	client *resend.Client
}

var (
	_ mailer.Mailer         = (*Mailer)(nil)
	_ mailer.BatchMailer    = (*Mailer)(nil)
	_ mailer.BatchValidator = (*Mailer)(nil)
)

// New creates a Mailer.
func New(cfg Config) (*Mailer, error) {
	if cfg.APIKey == "" {
		return nil, mailerr.Configuration("resend backend requires an API key")
	}
	client := resend.NewClient(cfg.APIKey)
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, mailerr.Configuration(fmt.Sprintf("invalid resend base URL %q: %v", cfg.BaseURL, err))
		}
		client.BaseURL = u
	}
	return &Mailer{client: client}, nil
}

// Name implements mailer.Mailer.
func (m *Mailer) Name() string {
	return name
}

// Deliver implements mailer.Mailer.
func (m *Mailer) Deliver(ctx context.Context, e email.Email) (*mailer.DeliveryResult, error) {
	req, err := buildRequest(e)
	if err != nil {
		return nil, err
	}
	return m.send(ctx, req)
}

func (m *Mailer) send(ctx context.Context, req *resend.SendEmailRequest) (*mailer.DeliveryResult, error) {
	sent, err := m.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return nil, mailerr.ProviderErr(name, err)
	}
	return &mailer.DeliveryResult{MessageID: sent.Id, Provider: name, Response: sent}, nil
}

// ValidateBatch implements mailer.BatchValidator. The batch endpoint takes
// at most MaxBatch emails; emails that go out one at a time do not count.
func (m *Mailer) ValidateBatch(emails []email.Email) error {
	if n := lo.CountBy(emails, batchable); n > MaxBatch {
		return mailerr.Provider(name, fmt.Sprintf("batch of %d emails exceeds the limit of %d", n, MaxBatch))
	}
	return nil
}

// batchable reports whether the batch endpoint can carry e. It supports
// neither attachments nor scheduling.
func batchable(e email.Email) bool {
	_, scheduled := e.Option("scheduled_at")
	return len(e.Attachments) == 0 && !scheduled
}

// DeliverMany implements mailer.BatchMailer. Batchable emails go out in one
// call to the batch endpoint and the rest are sent one at a time. Emails
// that cannot be built fail at their own position; a failed batch call
// fails every position it carried.
func (m *Mailer) DeliverMany(ctx context.Context, emails []email.Email) []mailer.Result {
	out := make([]mailer.Result, len(emails))

	reqs := make([]*resend.SendEmailRequest, 0, len(emails))
	index := make([]int, 0, len(emails))
	for i, e := range emails {
		req, err := buildRequest(e)
		if err != nil {
			out[i] = mailer.Result{Err: err}
			continue
		}
		if !batchable(e) {
			res, err := m.send(ctx, req)
			out[i] = mailer.Result{Delivery: res, Err: err}
			continue
		}
		reqs = append(reqs, req)
		index = append(index, i)
	}
	if len(reqs) == 0 {
		return out
	}

	resp, err := m.client.Batch.SendWithContext(ctx, reqs)
	if err != nil {
		return fillAt(out, index, mailerr.ProviderErr(name, err))
	}
	if len(resp.Data) != len(reqs) {
		return fillAt(out, index, mailerr.Provider(name, fmt.Sprintf("batch response has %d ids for %d emails", len(resp.Data), len(reqs))))
	}

	for j, sent := range resp.Data {
		out[index[j]] = mailer.Result{Delivery: &mailer.DeliveryResult{MessageID: sent.Id, Provider: name, Response: sent}}
	}
	return out
}

func fillAt(out []mailer.Result, index []int, err error) []mailer.Result {
	for _, i := range index {
		out[i] = mailer.Result{Err: err}
	}
	return out
}

func formatted(addrs []email.Address) []string {
	return lo.Map(addrs, func(a email.Address, _ int) string { return a.Formatted() })
}

func buildRequest(e email.Email) (*resend.SendEmailRequest, error) {
	if e.From == nil {
		return nil, mailerr.MissingField("from")
	}

	req := &resend.SendEmailRequest{
		From:    e.From.Formatted(),
		To:      formatted(e.To),
		Cc:      formatted(e.Cc),
		Bcc:     formatted(e.Bcc),
		Subject: e.Subject,
		Html:    e.HTMLBody,
		Text:    e.TextBody,
	}
	if len(e.ReplyTo) > 0 {
		req.ReplyTo = strings.Join(formatted(e.ReplyTo), ", ")
	}
	if len(e.Headers) > 0 {
		req.Headers = make(map[string]string, len(e.Headers))
		for _, h := range e.Headers {
			req.Headers[h.Name] = h.Value
		}
	}

	for _, a := range e.Attachments {
		if a.IsInline() {
			return nil, mailerr.Unsupported(name, fmt.Sprintf("inline attachment %s is not supported", a.Filename))
		}
		data, err := a.Bytes()
		if err != nil {
			return nil, err
		}
		req.Attachments = append(req.Attachments, &resend.Attachment{
			Content:     data,
			Filename:    a.Filename,
			ContentType: a.ContentType,
		})
	}

	if v, ok := e.Option("tags"); ok {
		tags, err := tagsOption(v)
		if err != nil {
			return nil, err
		}
		req.Tags = tags
	}

	if v, ok := e.Option("scheduled_at"); ok {
		switch at := v.(type) {
		case string:
			req.ScheduledAt = at
		case time.Time:
			req.ScheduledAt = at.UTC().Format(time.RFC3339)
		default:
			return nil, mailerr.Provider(name, fmt.Sprintf("scheduled_at must be a string or time.Time, got %T", v))
		}
	}

	return req, nil
}

func tagsOption(v any) ([]resend.Tag, error) {
	switch t := v.(type) {
	case []resend.Tag:
		return t, nil
	case map[string]string:
		tags := make([]resend.Tag, 0, len(t))
		for k, v := range t {
			tags = append(tags, resend.Tag{Name: k, Value: v})
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
		return tags, nil
	default:
		return nil, mailerr.Provider(name, fmt.Sprintf("tags must be []resend.Tag or map[string]string, got %T", v))
	}
}
