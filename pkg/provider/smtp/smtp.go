// Package smtp implements a backend that relays emails to an SMTP server.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/shineum/mailkit/internal/mimebuild"
	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailer"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// DefaultPort is the submission port used when SMTP_PORT is unset.
const DefaultPort = 587

const name = mailer.KindSMTP

func init() {
	mailer.Register(mailer.Backend{
		Kind: mailer.KindSMTP,
		New: func(_ context.Context, env mailer.Env) (mailer.Mailer, error) {
			get := func(key string) string {
				v, _ := env.Lookup(key)
				return strings.TrimSpace(v)
			}
			port := DefaultPort
			if v := get("SMTP_PORT"); v != "" {
				p, err := strconv.Atoi(v)
				if err != nil {
					return nil, mailerr.Configuration(fmt.Sprintf("invalid SMTP_PORT %q", v))
				}
				port = p
			}
			m, err := New(Config{
				Host:     get("SMTP_HOST"),
				Port:     port,
				Username: get("SMTP_USERNAME"),
				Password: get("SMTP_PASSWORD"),
			})
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	})
}

// SendFunc has the signature of net/smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Config holds the configuration for creating a Mailer.
type Config struct {
	Host string
	Port int
	// Username and Password enable PLAIN auth when both are set.
	Username string
	Password string
	// Send replaces net/smtp.SendMail, used for testing.
	Send SendFunc
}

// Mailer relays emails to an SMTP server.
type Mailer struct {
	addr string
	auth smtp.Auth
	send SendFunc
}

var _ mailer.Mailer = (*Mailer)(nil)

// New creates a Mailer.
func New(cfg Config) (*Mailer, error) {
	if cfg.Host == "" {
		return nil, mailerr.Configuration("smtp backend requires a host")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	m := &Mailer{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		send: cfg.Send,
	}
	if m.send == nil {
		m.send = smtp.SendMail
	}
	if cfg.Username != "" && cfg.Password != "" {
		m.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return m, nil
}

// Name implements mailer.Mailer.
func (m *Mailer) Name() string {
	return name
}

// Deliver renders e and hands it to the server. Bcc recipients are only
// part of the envelope.
func (m *Mailer) Deliver(ctx context.Context, e email.Email) (*mailer.DeliveryResult, error) {
	if e.From == nil {
		return nil, mailerr.MissingField("from")
	}
	if err := ctx.Err(); err != nil {
		return nil, mailerr.ProviderErr(name, err)
	}

	from, err := e.From.ToASCII()
	if err != nil {
		return nil, err
	}
	rcpts, err := envelopeRecipients(e)
	if err != nil {
		return nil, err
	}

	id := mimebuild.MessageID(e)
	raw, err := mimebuild.Render(e, mimebuild.Options{MessageID: id})
	if err != nil {
		return nil, err
	}

	if err := m.send(m.addr, m.auth, from.Email, rcpts, raw); err != nil {
		return nil, classifyError(err)
	}

	return &mailer.DeliveryResult{
		MessageID: strings.Trim(id, "<>"),
		Provider:  name,
		Response:  map[string]any{"recipients": len(rcpts)},
	}, nil
}

func envelopeRecipients(e email.Email) ([]string, error) {
	var out []string
	for _, a := range e.Recipients() {
		ascii, err := a.ToASCII()
		if err != nil {
			return nil, err
		}
		out = append(out, ascii.Email)
	}
	return lo.Uniq(out), nil
}

// classifyError keeps the server's reply code as the status when the
// failure came from an SMTP response.
func classifyError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return &mailerr.Error{Kind: mailerr.KindProvider, Provider: name, Status: tpErr.Code, Message: tpErr.Error(), Err: err}
	}
	return mailerr.ProviderErr(name, err)
}
