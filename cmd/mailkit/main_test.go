package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/shineum/mailkit/internal/config"
	"github.com/shineum/mailkit/pkg/capture"
	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailer"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// testApp returns an app whose registry knows a capturing local backend and
// a resend backend that cannot be constructed.
func testApp(t *testing.T) (*app, *capture.Mailer) {
	t.Helper()

	for _, key := range []string{
		"EMAIL_PROVIDER", "EMAIL_FROM", "EMAIL_FROM_NAME", "RESEND_API_KEY", "LOG_LEVEL",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}

	m := capture.New()
	reg := mailer.NewRegistry()
	reg.Register(mailer.Backend{
		Kind: mailer.KindLocal,
		New: func(context.Context, mailer.Env) (mailer.Mailer, error) {
			return m, nil
		},
	})
	reg.Register(mailer.Backend{
		Kind: mailer.KindResend,
		New: func(context.Context, mailer.Env) (mailer.Mailer, error) {
			return nil, errors.New("resend is not available in tests")
		},
	})
	return &app{registry: reg}, m
}

func run(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd(a)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func onlyCaptured(t *testing.T, m *capture.Mailer) capture.Captured {
	t.Helper()
	list, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("captured: got %d, want 1", len(list))
	}
	return list[0]
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			t.Parallel()
			if got := parseLevel(tt.level); got != tt.want {
				t.Errorf("parseLevel(%q): got %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestSend(t *testing.T) {
	a, m := testApp(t)
	report := writeFile(t, "report.pdf", "%PDF-1.4")

	out, err := run(t, a, "send",
		"--from", "Shop <shop@example.com>",
		"--to", "alice@example.com,bob@example.com",
		"--bcc", "audit@example.com",
		"--subject", "Your receipt",
		"--text", "Thanks for your order",
		"--html", "<p>Thanks for your order</p>",
		"--header", "X-Campaign: spring",
		"--attach", report,
	)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	c := onlyCaptured(t, m)
	if want := "sent via local: " + c.ID + "\n"; out != want {
		t.Errorf("output: got %q, want %q", out, want)
	}

	e := c.Email
	if e.From == nil || e.From.Name != "Shop" || e.From.Email != "shop@example.com" {
		t.Errorf("From: got %+v", e.From)
	}
	if len(e.To) != 2 || e.To[1].Email != "bob@example.com" {
		t.Errorf("To: got %+v", e.To)
	}
	if len(e.Bcc) != 1 {
		t.Errorf("Bcc: got %+v", e.Bcc)
	}
	if v, _ := e.HeaderValue("X-Campaign"); v != "spring" {
		t.Errorf("X-Campaign: got %q, want %q", v, "spring")
	}
	if len(e.Attachments) != 1 || e.Attachments[0].Filename != "report.pdf" {
		t.Errorf("Attachments: got %+v", e.Attachments)
	}
	if e.HTMLBody != "<p>Thanks for your order</p>" {
		t.Errorf("HTMLBody: got %q", e.HTMLBody)
	}
}

func TestSend_DefaultFromEnvironment(t *testing.T) {
	a, m := testApp(t)
	t.Setenv("EMAIL_FROM", "noreply@example.com")
	t.Setenv("EMAIL_FROM_NAME", "Example")

	if _, err := run(t, a, "send", "--to", "alice@example.com", "--text", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	from := onlyCaptured(t, m).Email.From
	if from == nil || from.Email != "noreply@example.com" || from.Name != "Example" {
		t.Errorf("From: got %+v", from)
	}
}

func TestSend_EML(t *testing.T) {
	a, m := testApp(t)

	path := writeFile(t, "welcome.eml", strings.Join([]string{
		"From: Team <team@example.com>",
		"To: alice@example.com",
		"Subject: Welcome",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Glad to have you.",
		"",
	}, "\r\n"))

	if _, err := run(t, a, "send", "--eml", path, "--cc", "carol@example.com", "--subject", "Welcome aboard"); err != nil {
		t.Fatalf("send: %v", err)
	}

	e := onlyCaptured(t, m).Email
	if e.Subject != "Welcome aboard" {
		t.Errorf("Subject: got %q, want the flag value", e.Subject)
	}
	if e.From == nil || e.From.Email != "team@example.com" {
		t.Errorf("From: got %+v", e.From)
	}
	if len(e.To) != 1 || len(e.Cc) != 1 || e.Cc[0].Email != "carol@example.com" {
		t.Errorf("recipients: to=%+v cc=%+v", e.To, e.Cc)
	}
	if !strings.Contains(e.TextBody, "Glad to have you.") {
		t.Errorf("TextBody: got %q", e.TextBody)
	}
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantKind mailerr.Kind
	}{
		{
			name:     "invalid recipient",
			args:     []string{"--from", "a@example.com", "--to", "not-an-address", "--text", "x"},
			wantKind: mailerr.KindInvalidAddress,
		},
		{
			name:     "missing recipient",
			args:     []string{"--from", "a@example.com", "--text", "x"},
			wantKind: mailerr.KindMissingField,
		},
		{
			name:     "missing attachment",
			args:     []string{"--from", "a@example.com", "--to", "b@example.com", "--text", "x", "--attach", "/nonexistent/file.pdf"},
			wantKind: mailerr.KindAttachment,
		},
		{
			name:     "invalid header",
			args:     []string{"--from", "a@example.com", "--to", "b@example.com", "--text", "x", "--header", "no-colon"},
			wantKind: mailerr.KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, m := testApp(t)

			_, err := run(t, a, append([]string{"send"}, tt.args...)...)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if got := mailerr.KindOf(err); got != tt.wantKind {
				t.Errorf("kind: got %v, want %v (%v)", got, tt.wantKind, err)
			}
			if n, _ := m.Count(context.Background()); n != 0 {
				t.Errorf("captured: got %d, want 0", n)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "fallback", want: "local (auto-detected)\n"},
		{name: "credentials present", env: map[string]string{"RESEND_API_KEY": "re_123"}, want: "resend (auto-detected)\n"},
		{name: "explicit", env: map[string]string{"EMAIL_PROVIDER": "Postmark"}, want: "postmark (set by EMAIL_PROVIDER)\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _ := testApp(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			out, err := run(t, a, "detect")
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			if out != tt.want {
				t.Errorf("output: got %q, want %q", out, tt.want)
			}
		})
	}
}

func TestDetect_ConfigFile(t *testing.T) {
	a, _ := testApp(t)
	path := writeFile(t, "mailkit.yaml", "resend:\n  api_key: re_file\n")

	out, err := run(t, a, "--config", path, "detect")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if out != "resend (auto-detected)\n" {
		t.Errorf("output: got %q", out)
	}
}

func TestProviders(t *testing.T) {
	a, _ := testApp(t)
	t.Setenv("RESEND_API_KEY", "re_123")

	out, err := run(t, a, "providers")
	if err != nil {
		t.Fatalf("providers: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines: got %d, want 3:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "KIND") {
		t.Errorf("header: got %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "resend") || !strings.Contains(lines[1], "RESEND_API_KEY") || !strings.HasSuffix(lines[1], "ready") {
		t.Errorf("resend line: got %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "local") || !strings.HasSuffix(lines[2], "ready") {
		t.Errorf("local line: got %q", lines[2])
	}
}

func TestRelayMailer_Interceptors(t *testing.T) {
	a, m := testApp(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	a.cfg = cfg

	rm, release, err := a.relayMailer(context.Background(), serveFlags{
		redirect:      []string{"qa@example.com"},
		subjectPrefix: "[staging] ",
	})
	if err != nil {
		t.Fatalf("relayMailer: %v", err)
	}
	defer release()

	e := email.New().
		WithFrom(email.Addr("app@example.com")).
		AddTo(email.Addr("customer@example.com")).
		WithSubject("Order shipped").
		WithText("On its way")
	if _, err := mailer.Deliver(context.Background(), rm, e); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	got := onlyCaptured(t, m).Email
	if got.Subject != "[staging] Order shipped" {
		t.Errorf("Subject: got %q", got.Subject)
	}
	if len(got.To) != 1 || got.To[0].Email != "qa@example.com" {
		t.Errorf("To: got %+v", got.To)
	}
	if v, _ := got.HeaderValue(mailer.OriginalRecipientsHeader); v != "customer@example.com" {
		t.Errorf("%s: got %q", mailer.OriginalRecipientsHeader, v)
	}
}

func TestRelayMailer_CaptureRedis(t *testing.T) {
	a, local := testApp(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	a.cfg = cfg

	mr := miniredis.RunT(t)
	rm, release, err := a.relayMailer(context.Background(), serveFlags{
		captureRedis: "redis://" + mr.Addr(),
		captureKey:   "mailkit:test",
	})
	if err != nil {
		t.Fatalf("relayMailer: %v", err)
	}

	e := email.New().
		WithFrom(email.Addr("app@example.com")).
		AddTo(email.Addr("customer@example.com")).
		WithText("hello")
	if _, err := mailer.Deliver(context.Background(), rm, e); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	items, err := mr.List("mailkit:test")
	if err != nil {
		t.Fatalf("redis list: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("redis items: got %d, want 1", len(items))
	}
	if n, _ := local.Count(context.Background()); n != 0 {
		t.Errorf("in-memory capture should be unused, got %d", n)
	}

	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := mailer.Deliver(context.Background(), rm, e); err == nil {
		t.Error("Deliver after release: got nil, want closed client error")
	}
}

func TestRelayMailer_CaptureRedisRequiresLocal(t *testing.T) {
	a, _ := testApp(t)
	a.cfg = &config.Config{Provider: mailer.KindPostmark}

	_, _, err := a.relayMailer(context.Background(), serveFlags{captureRedis: "redis://127.0.0.1:1"})
	if err == nil || !strings.Contains(err.Error(), "--capture-redis") {
		t.Errorf("got %v, want a --capture-redis error", err)
	}
}

func TestRelayTLSConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}

	tc, mode, err := relayTLSConfig(cfg, true)
	if err != nil || tc != nil || mode != "disabled" {
		t.Errorf("disabled: got (%v, %q, %v)", tc, mode, err)
	}

	tc, mode, err = relayTLSConfig(cfg, false)
	if err != nil {
		t.Fatalf("self-signed: %v", err)
	}
	if tc == nil || mode != "self-signed" {
		t.Errorf("self-signed: got (%v, %q)", tc, mode)
	}

	cfg.TLS.CertFile = "/nonexistent/cert.pem"
	if _, _, err := relayTLSConfig(cfg, false); err == nil {
		t.Error("expected error for a certificate without a key")
	}
}
