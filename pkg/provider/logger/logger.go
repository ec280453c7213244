// Package logger implements a backend that logs emails instead of sending
// them, for staging environments or to see what would be sent.
//
// The "logger" kind logs the recipients and subject; "logger_full" logs every
// field and the bodies at debug level. Either can also print a human-readable
// block per email to a writer.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailer"
)

// EnvOutput selects a writer for the block format: "stdout" or "stderr".
const EnvOutput = "LOGGER_OUTPUT"

const separator = "========================================\n"

func init() {
	for _, full := range []bool{false, true} {
		kind := mailer.KindLogger
		if full {
			kind = mailer.KindLoggerFull
		}
		mailer.Register(mailer.Backend{
			Kind: kind,
			New: func(_ context.Context, env mailer.Env) (mailer.Mailer, error) {
				return New(Config{Full: full, Writer: outputFromEnv(env)}), nil
			},
		})
	}
}

func outputFromEnv(env mailer.Env) io.Writer {
	v, _ := env.Lookup(EnvOutput)
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	default:
		return nil
	}
}

// Config holds the configuration for creating a Mailer.
type Config struct {
	// Full logs every field instead of a recipient summary.
	Full bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Writer, when set, also receives a readable block per email.
	Writer io.Writer
}

// Mailer logs emails. Deliver never fails.
type Mailer struct {
	full   bool
	logger *slog.Logger
	writer io.Writer
}

// New creates a Mailer.
func New(cfg Config) *Mailer {
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Mailer{full: cfg.Full, logger: l, writer: cfg.Writer}
}

// Name implements mailer.Mailer.
func (m *Mailer) Name() string {
	if m.full {
		return mailer.KindLoggerFull
	}
	return mailer.KindLogger
}

// Deliver implements mailer.Mailer.
func (m *Mailer) Deliver(ctx context.Context, e email.Email) (*mailer.DeliveryResult, error) {
	id := uuid.NewString()

	if m.full {
		m.logger.InfoContext(ctx, "email logged (full)",
			"message_id", id,
			"from", formattedFrom(e),
			"to", formatted(e.To),
			"cc", formatted(e.Cc),
			"bcc", formatted(e.Bcc),
			"subject", e.Subject,
			"has_html", e.HTMLBody != "",
			"has_text", e.TextBody != "",
			"attachments", len(e.Attachments),
		)
		if e.TextBody != "" {
			m.logger.DebugContext(ctx, "text body", "message_id", id, "body", e.TextBody)
		}
		if e.HTMLBody != "" {
			m.logger.DebugContext(ctx, "html body", "message_id", id, "body", e.HTMLBody)
		}
	} else {
		to := make([]string, len(e.To))
		for i, a := range e.To {
			to[i] = a.Email
		}
		m.logger.InfoContext(ctx, "email logged",
			"message_id", id,
			"to", to,
			"subject", e.Subject,
		)
	}

	if m.writer != nil {
		if _, err := io.WriteString(m.writer, block(e)); err != nil {
			m.logger.Warn("failed to write email block", "error", err)
		}
	}

	return &mailer.DeliveryResult{MessageID: id, Provider: m.Name()}, nil
}

// block renders e in a readable form between separator lines.
func block(e email.Email) string {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", formattedFrom(e))
	fmt.Fprintf(&b, "To: %s\n", strings.Join(formatted(e.To), ", "))
	if len(e.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(formatted(e.Cc), ", "))
	}
	if len(e.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(formatted(e.Bcc), ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	b.WriteString("Body:\n")

	body := e.TextBody
	if body == "" {
		body = e.HTMLBody
	}
	b.WriteString(body + "\n")

	if len(e.Attachments) > 0 {
		attachments := make([]string, 0, len(e.Attachments))
		for _, att := range e.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(att.Size())))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString(separator)
	return b.String()
}

func formattedFrom(e email.Email) string {
	if e.From == nil {
		return ""
	}
	return e.From.Formatted()
}

func formatted(addrs []email.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Formatted()
	}
	return out
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
