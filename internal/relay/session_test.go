package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shineum/mailkit/pkg/capture"
	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailerr"
	smtpprovider "github.com/shineum/mailkit/pkg/provider/smtp"
)

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// startSession runs a session for cfg and returns the client side with the
// greeting already consumed.
func startSession(t *testing.T, cfg Config) (net.Conn, *bufio.Reader) {
	t.Helper()

	if cfg.Hostname == "" {
		cfg.Hostname = "mail.test.com"
	}
	if cfg.Mailer == nil {
		cfg.Mailer = capture.New()
	}
	srv := New(cfg)

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	go newSession(server, srv).handle(ctx)

	reader := bufio.NewReader(client)
	if greeting := readLine(t, reader); !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want prefix '220 '", greeting)
	}
	return client, reader
}

func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// command sends cmd and returns the single-line reply.
func command(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd string) string {
	t.Helper()
	sendCmd(t, conn, cmd)
	return readLine(t, reader)
}

// ehlo greets and returns every reply line.
func ehlo(t *testing.T, conn net.Conn, reader *bufio.Reader) []string {
	t.Helper()
	sendCmd(t, conn, "EHLO client.test.com")
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if !strings.HasPrefix(line, "250-") {
			return lines
		}
	}
}

// sendData runs DATA with the given message lines and returns the final reply.
func sendData(t *testing.T, conn net.Conn, reader *bufio.Reader, lines ...string) string {
	t.Helper()
	if resp := command(t, conn, reader, "DATA"); !strings.HasPrefix(resp, "354 ") {
		t.Fatalf("DATA: got %q, want prefix '354 '", resp)
	}
	msg := strings.Join(append(lines, "."), "\r\n") + "\r\n"
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	return readLine(t, reader)
}

func expectPrefix(t *testing.T, what, got, prefix string) {
	t.Helper()
	if !strings.HasPrefix(got, prefix) {
		t.Errorf("%s: got %q, want prefix %q", what, got, prefix)
	}
}

func captured(t *testing.T, m *capture.Mailer) []capture.Captured {
	t.Helper()
	list, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return list
}

func TestSession_EHLO(t *testing.T) {
	t.Parallel()

	tlsConfig, err := TLSConfig("", "", "mail.test.com")
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}

	tests := []struct {
		name     string
		cfg      Config
		want     []string
		wantNone []string
	}{
		{
			name:     "plain",
			cfg:      Config{MaxMessageSize: 1024},
			want:     []string{"SIZE 1024", "8BITMIME"},
			wantNone: []string{"AUTH", "STARTTLS"},
		},
		{
			name: "auth and tls",
			cfg:  Config{AuthUsername: "user", AuthPassword: "pass", TLSConfig: tlsConfig},
			want: []string{"AUTH PLAIN LOGIN", "STARTTLS", "SIZE 26214400"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, reader := startSession(t, tt.cfg)
			lines := strings.Join(ehlo(t, client, reader), "\n")

			for _, w := range tt.want {
				if !strings.Contains(lines, w) {
					t.Errorf("EHLO reply missing %q:\n%s", w, lines)
				}
			}
			for _, w := range tt.wantNone {
				if strings.Contains(lines, w) {
					t.Errorf("EHLO reply should not contain %q:\n%s", w, lines)
				}
			}
		})
	}
}

func TestSession_HELO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, Config{})
	expectPrefix(t, "HELO", command(t, client, reader, "HELO client.test.com"), "250 mail.test.com")
	expectPrefix(t, "HELO without hostname", command(t, client, reader, "HELO"), "501 ")
}

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	m := capture.New()
	client, reader := startSession(t, Config{Mailer: m})
	ehlo(t, client, reader)

	expectPrefix(t, "MAIL FROM", command(t, client, reader, "MAIL FROM:<sender@example.com> BODY=8BITMIME"), "250 ")
	expectPrefix(t, "RCPT TO", command(t, client, reader, "RCPT TO:<alice@example.com>"), "250 ")
	expectPrefix(t, "RCPT TO", command(t, client, reader, "RCPT TO:<audit@example.com>"), "250 ")

	resp := sendData(t, client, reader,
		"From: Sender <sender@example.com>",
		"To: alice@example.com",
		"Subject: Quarterly report",
		"X-Campaign: q3",
		"Content-Type: text/plain",
		"",
		"Numbers are up.",
		"..leading dot",
	)
	expectPrefix(t, "DATA completion", resp, "250 OK queued as ")

	list := captured(t, m)
	if len(list) != 1 {
		t.Fatalf("captured: got %d, want 1", len(list))
	}
	got := list[0].Email
	if !strings.HasSuffix(resp, list[0].ID) {
		t.Errorf("reply %q does not carry id %q", resp, list[0].ID)
	}
	if got.Subject != "Quarterly report" {
		t.Errorf("Subject: got %q, want %q", got.Subject, "Quarterly report")
	}
	if got.From == nil || got.From.Name != "Sender" {
		t.Errorf("From: got %+v", got.From)
	}
	if len(got.To) != 1 || got.To[0].Email != "alice@example.com" {
		t.Errorf("To: got %+v", got.To)
	}
	if len(got.Bcc) != 1 || got.Bcc[0].Email != "audit@example.com" {
		t.Errorf("Bcc: got %+v, want the envelope-only recipient", got.Bcc)
	}
	if v, ok := got.HeaderValue("X-Campaign"); !ok || v != "q3" {
		t.Errorf("X-Campaign: got %q", v)
	}
	if !strings.Contains(got.TextBody, "\n.leading dot") {
		t.Errorf("TextBody should be dot-unstuffed, got %q", got.TextBody)
	}

	// The transaction is reset; a second message can follow.
	expectPrefix(t, "second MAIL FROM", command(t, client, reader, "MAIL FROM:<sender@example.com>"), "250 ")
}

func TestSession_EnvelopeFillsHeaders(t *testing.T) {
	t.Parallel()

	m := capture.New()
	client, reader := startSession(t, Config{Mailer: m})
	ehlo(t, client, reader)

	command(t, client, reader, "MAIL FROM:<cron@example.com>")
	command(t, client, reader, "RCPT TO:<ops@example.com>")

	resp := sendData(t, client, reader,
		"Subject: nightly job",
		"",
		"done",
	)
	expectPrefix(t, "DATA completion", resp, "250 ")

	list := captured(t, m)
	if len(list) != 1 {
		t.Fatalf("captured: got %d, want 1", len(list))
	}
	got := list[0].Email
	if got.From == nil || got.From.Email != "cron@example.com" {
		t.Errorf("From: got %+v, want envelope sender", got.From)
	}
	if len(got.To) != 1 || got.To[0].Email != "ops@example.com" {
		t.Errorf("To: got %+v, want envelope recipient", got.To)
	}
	if len(got.Bcc) != 0 {
		t.Errorf("Bcc: got %+v, want none", got.Bcc)
	}
}

func TestSession_DeliveryFailure(t *testing.T) {
	t.Parallel()

	m := capture.New()
	m.SetFailure("recipient blocked")
	client, reader := startSession(t, Config{Mailer: m})
	ehlo(t, client, reader)

	command(t, client, reader, "MAIL FROM:<sender@example.com>")
	command(t, client, reader, "RCPT TO:<alice@example.com>")
	resp := sendData(t, client, reader, "Subject: hi", "", "body")

	expectPrefix(t, "DATA completion", resp, "550 ")
	if !strings.Contains(resp, "recipient blocked") {
		t.Errorf("reply should carry the failure, got %q", resp)
	}
}

func TestSession_MessageTooLarge(t *testing.T) {
	t.Parallel()

	m := capture.New()
	client, reader := startSession(t, Config{Mailer: m, MaxMessageSize: 64})
	ehlo(t, client, reader)

	expectPrefix(t, "MAIL FROM with SIZE", command(t, client, reader, "MAIL FROM:<a@example.com> SIZE=1000"), "552 ")

	command(t, client, reader, "MAIL FROM:<a@example.com>")
	command(t, client, reader, "RCPT TO:<b@example.com>")
	resp := sendData(t, client, reader,
		"Subject: big",
		"",
		strings.Repeat("x", 200),
	)
	expectPrefix(t, "DATA completion", resp, "552 ")

	if n := len(captured(t, m)); n != 0 {
		t.Errorf("captured: got %d, want 0", n)
	}
	expectPrefix(t, "NOOP after oversize", command(t, client, reader, "NOOP"), "250 ")
}

func TestSession_AuthRequired(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, Config{AuthUsername: "app", AuthPassword: "s3cret"})

	expectPrefix(t, "AUTH before EHLO", command(t, client, reader, "AUTH PLAIN "+b64("\x00app\x00s3cret")), "503 ")
	ehlo(t, client, reader)

	expectPrefix(t, "MAIL before AUTH", command(t, client, reader, "MAIL FROM:<a@example.com>"), "530 ")
	expectPrefix(t, "bad AUTH", command(t, client, reader, "AUTH PLAIN "+b64("\x00app\x00wrong")), "535 ")
	expectPrefix(t, "AUTH PLAIN", command(t, client, reader, "AUTH PLAIN "+b64("\x00app\x00s3cret")), "235 ")
	expectPrefix(t, "second AUTH", command(t, client, reader, "AUTH PLAIN "+b64("\x00app\x00s3cret")), "503 ")
	expectPrefix(t, "MAIL after AUTH", command(t, client, reader, "MAIL FROM:<a@example.com>"), "250 ")

	// RSET keeps the authenticated state.
	expectPrefix(t, "RSET", command(t, client, reader, "RSET"), "250 ")
	expectPrefix(t, "MAIL after RSET", command(t, client, reader, "MAIL FROM:<a@example.com>"), "250 ")
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, Config{AuthUsername: "app", AuthPassword: "s3cret"})
	ehlo(t, client, reader)

	expectPrefix(t, "AUTH LOGIN", command(t, client, reader, "AUTH LOGIN"), "334 VXNlcm5hbWU6")
	expectPrefix(t, "username", command(t, client, reader, b64("app")), "334 UGFzc3dvcmQ6")
	expectPrefix(t, "password", command(t, client, reader, b64("s3cret")), "235 ")
}

func TestSession_AuthPlainChallenge(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, Config{AuthUsername: "app", AuthPassword: "s3cret"})
	ehlo(t, client, reader)

	expectPrefix(t, "AUTH PLAIN", command(t, client, reader, "AUTH PLAIN"), "334")
	expectPrefix(t, "cancel", command(t, client, reader, "*"), "501 ")
	expectPrefix(t, "unknown mechanism", command(t, client, reader, "AUTH CRAM-MD5"), "504 ")
}

func TestSession_StartTLS(t *testing.T) {
	t.Parallel()

	tlsConfig, err := TLSConfig("", "", "mail.test.com")
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}

	m := capture.New()
	client, reader := startSession(t, Config{Mailer: m, TLSConfig: tlsConfig})
	ehlo(t, client, reader)

	expectPrefix(t, "STARTTLS", command(t, client, reader, "STARTTLS"), "220 ")

	tlsClient := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	reader = bufio.NewReader(tlsClient)

	lines := strings.Join(ehlo(t, tlsClient, reader), "\n")
	if strings.Contains(lines, "STARTTLS") {
		t.Errorf("STARTTLS should not be offered twice:\n%s", lines)
	}
	expectPrefix(t, "second STARTTLS", command(t, tlsClient, reader, "STARTTLS"), "454 ")

	command(t, tlsClient, reader, "MAIL FROM:<a@example.com>")
	command(t, tlsClient, reader, "RCPT TO:<b@example.com>")
	expectPrefix(t, "DATA over TLS", sendData(t, tlsClient, reader, "Subject: secure", "", "hello"), "250 ")
	if n := len(captured(t, m)); n != 1 {
		t.Errorf("captured: got %d, want 1", n)
	}
}

func TestSession_StartTLSUnavailable(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, Config{})
	ehlo(t, client, reader)
	expectPrefix(t, "STARTTLS", command(t, client, reader, "STARTTLS"), "454 ")
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, Config{})

	expectPrefix(t, "MAIL before EHLO", command(t, client, reader, "MAIL FROM:<a@example.com>"), "503 ")
	ehlo(t, client, reader)
	expectPrefix(t, "RCPT before MAIL", command(t, client, reader, "RCPT TO:<b@example.com>"), "503 ")
	expectPrefix(t, "DATA before RCPT", command(t, client, reader, "DATA"), "503 ")
	expectPrefix(t, "MAIL syntax", command(t, client, reader, "MAIL <a@example.com>"), "501 ")
	expectPrefix(t, "MAIL", command(t, client, reader, "MAIL FROM:<a@example.com>"), "250 ")
	expectPrefix(t, "nested MAIL", command(t, client, reader, "MAIL FROM:<a@example.com>"), "503 ")
	expectPrefix(t, "invalid RCPT", command(t, client, reader, "RCPT TO:<not-an-address>"), "553 ")
	expectPrefix(t, "empty RCPT", command(t, client, reader, "RCPT TO:<>"), "501 ")
	expectPrefix(t, "unknown command", command(t, client, reader, "VRFY a@example.com"), "500 ")
	expectPrefix(t, "QUIT", command(t, client, reader, "QUIT"), "221 ")
}

func TestMergeEnvelope(t *testing.T) {
	t.Parallel()

	base := email.New().
		WithFrom(email.Addr("header@example.com")).
		AddTo(email.Addr("Alice@Example.com")).
		WithText("hi")

	got := mergeEnvelope(base, "bounce@example.com", []string{"alice@example.com", "audit@example.com", "audit@example.com"})

	if got.From.Email != "header@example.com" {
		t.Errorf("From: got %q, want the header sender", got.From.Email)
	}
	if len(got.To) != 1 {
		t.Errorf("To: got %+v", got.To)
	}
	if len(got.Bcc) != 1 || got.Bcc[0].Email != "audit@example.com" {
		t.Errorf("Bcc: got %+v", got.Bcc)
	}
	if len(base.Bcc) != 0 {
		t.Error("input email should not be modified")
	}
}

func TestReplyFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "missing field", err: mailerr.MissingField("from"), want: "554 "},
		{name: "invalid address", err: mailerr.InvalidAddress("x", "no at sign"), want: "554 "},
		{name: "unsupported", err: mailerr.Unsupported("resend", "inline attachments"), want: "554 "},
		{name: "send veto", err: mailerr.Send("blocked"), want: "550 "},
		{name: "provider rejected", err: mailerr.ProviderStatus("postmark", "bad request", 422), want: "554 "},
		{name: "provider throttled", err: mailerr.ProviderStatus("postmark", "slow down", 429), want: "451 "},
		{name: "provider unavailable", err: mailerr.ProviderStatus("msgraph", "unavailable", 503), want: "451 "},
		{name: "provider transport", err: mailerr.Provider("smtp", "connection refused"), want: "451 "},
		{name: "plain error", err: context.DeadlineExceeded, want: "451 "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := replyFor(tt.err)
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("replyFor: got %q, want prefix %q", got, tt.want)
			}
			if strings.ContainsAny(got, "\r\n") {
				t.Errorf("reply must be a single line, got %q", got)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"ehlo client.test.com", "EHLO", "client.test.com"},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, arg := parseCommand(tt.input)
			if cmd != tt.wantCmd {
				t.Errorf("command: got %q, want %q", cmd, tt.wantCmd)
			}
			if arg != tt.wantArg {
				t.Errorf("arg: got %q, want %q", arg, tt.wantArg)
			}
		})
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input     string
		want      string
		wantParam string
	}{
		{input: "<user@example.com>", want: "user@example.com"},
		{input: "  <user@example.com>  ", want: "user@example.com"},
		{input: "user@example.com", want: "user@example.com"},
		{input: "<user@example.com> SIZE=2048 BODY=8BITMIME", want: "user@example.com", wantParam: "2048"},
		{input: "<>", want: ""},
		{input: "<broken", want: ""},
		{input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, params := extractAddress(tt.input)
			if got != tt.want {
				t.Errorf("extractAddress(%q): got %q, want %q", tt.input, got, tt.want)
			}
			if params["SIZE"] != tt.wantParam {
				t.Errorf("SIZE: got %q, want %q", params["SIZE"], tt.wantParam)
			}
		})
	}
}

// TestServer_SMTPBackendRoundTrip sends through the smtp backend into a
// relay that captures.
func TestServer_SMTPBackendRoundTrip(t *testing.T) {
	t.Parallel()

	m := capture.New()
	srv := New(Config{Hostname: "relay.test", Mailer: m})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	backend, err := smtpprovider.New(smtpprovider.Config{Host: host, Port: port})
	if err != nil {
		t.Fatalf("smtp.New: %v", err)
	}

	e := email.New().
		WithFrom(email.NewNamedAddress("Billing", "billing@example.com")).
		AddTo(email.Addr("customer@example.com")).
		AddBcc(email.Addr("ledger@example.com")).
		WithSubject("Invoice #42").
		WithText("Amount due: $10").
		WithHTML("<p>Amount due: <b>$10</b></p>")

	res, err := backend.Deliver(context.Background(), e)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if res.MessageID == "" {
		t.Error("MessageID should not be empty")
	}

	list := captured(t, m)
	if len(list) != 1 {
		t.Fatalf("captured: got %d, want 1", len(list))
	}
	got := list[0].Email
	if got.Subject != "Invoice #42" {
		t.Errorf("Subject: got %q", got.Subject)
	}
	if got.From == nil || got.From.Email != "billing@example.com" || got.From.Name != "Billing" {
		t.Errorf("From: got %+v", got.From)
	}
	if !strings.Contains(got.TextBody, "Amount due: $10") {
		t.Errorf("TextBody: got %q", got.TextBody)
	}
	if !strings.Contains(got.HTMLBody, "<b>$10</b>") {
		t.Errorf("HTMLBody: got %q", got.HTMLBody)
	}
	if len(got.Bcc) != 1 || got.Bcc[0].Email != "ledger@example.com" {
		t.Errorf("Bcc: got %+v, want the blind copy recovered from the envelope", got.Bcc)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
