package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/mailkit/internal/eml"
	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailer"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// maxRecipients bounds RCPT TO commands per transaction.
const maxRecipients = 100

// session is one client connection.
type session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	srv    *Server
	logger *slog.Logger

	tlsActive bool

	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, srv *Server) *session {
	return &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		srv:    srv,
		logger: srv.logger.With("remote", conn.RemoteAddr().String()),
	}
}

// handle processes commands until the client quits, the connection fails
// or ctx is cancelled.
func (s *session) handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP mailkit relay", s.srv.config.Hostname)

	for {
		if ctx.Err() != nil {
			s.writeLine("421 Service shutting down")
			return
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.logger.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand processes one command and reports whether the session
// should end.
func (s *session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.srv.config.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.srv.config.Hostname, arg)
	if s.srv.config.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.srv.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.srv.config.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection. The client must greet again.
func (s *session) handleSTARTTLS() {
	if s.srv.config.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.srv.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.srv.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		s.handleAuthPlain(parts)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *session) handleAuthPlain(parts []string) {
	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		s.writeLine("334 ")
		line, ok := s.readAuthLine()
		if !ok {
			return
		}
		encoded = line
	}

	if err := s.srv.auth.VerifyPlain(encoded); err != nil {
		s.logger.Warn("relay authentication failed", "mechanism", "PLAIN", "error", err)
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

func (s *session) handleAuthLogin() {
	s.writeLine("334 VXNlcm5hbWU6") // "Username:"
	user, ok := s.readAuthLine()
	if !ok {
		return
	}
	s.writeLine("334 UGFzc3dvcmQ6") // "Password:"
	pass, ok := s.readAuthLine()
	if !ok {
		return
	}

	if err := s.srv.auth.VerifyLogin(user, pass); err != nil {
		s.logger.Warn("relay authentication failed", "mechanism", "LOGIN", "error", err)
		s.writeLine("535 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// readAuthLine reads one challenge response. A "*" cancels the exchange.
func (s *session) readAuthLine() (string, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		s.logger.Debug("failed to read AUTH response", "error", err)
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return line, true
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.srv.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, params := extractAddress(arg[5:])
	if size, ok := params["SIZE"]; ok {
		var n int64
		if _, err := fmt.Sscan(size, &n); err == nil && n > s.srv.config.MaxMessageSize {
			s.writeLine("552 Message size exceeds fixed limit")
			return
		}
	}

	// An empty reverse path ("<>") is a valid bounce sender.
	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _ := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	if _, err := email.ParseAddress(addr); err != nil {
		s.writeLine("553 Invalid recipient address")
		return
	}
	if len(s.rcptTo) >= maxRecipients {
		s.writeLine("452 Too many recipients")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message, converts it and delivers it.
func (s *session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooLarge, err := s.readData()
	if err != nil {
		s.logger.Error("error reading DATA", "error", err)
		s.resetTransaction()
		return
	}
	if tooLarge {
		s.writeLine("552 Message size exceeds fixed limit")
		s.resetTransaction()
		return
	}

	e, err := eml.Parse(raw)
	if err != nil {
		s.logger.Warn("failed to parse relayed message", "error", err)
		s.writeLine("554 Failed to parse message")
		s.resetTransaction()
		return
	}
	e = mergeEnvelope(e, s.mailFrom, s.rcptTo)

	res, err := mailer.Deliver(ctx, s.srv.config.Mailer, e, s.srv.config.Options...)
	if err != nil {
		s.writeLine("%s", replyFor(err))
		s.resetTransaction()
		return
	}

	s.writeLine("250 OK queued as %s", res.MessageID)
	s.resetTransaction()
}

// readData reads up to the terminating "." line, undoing dot-stuffing.
// Oversized input is drained so the session stays in sync.
func (s *session) readData() ([]byte, bool, error) {
	var buf strings.Builder
	tooLarge := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, false, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(line)) > s.srv.config.MaxMessageSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}
	return []byte(buf.String()), tooLarge, nil
}

// mergeEnvelope fills the sender from MAIL FROM when the headers have none.
// Envelope recipients absent from the headers are added as Bcc, which is
// how blind copies reach a relay.
func mergeEnvelope(e email.Email, mailFrom string, rcptTo []string) email.Email {
	if e.From == nil && mailFrom != "" {
		e = e.WithFrom(email.Addr(mailFrom))
	}

	listed := make(map[string]bool)
	for _, a := range e.Recipients() {
		listed[strings.ToLower(a.Email)] = true
	}

	var extra []email.Addresser
	for _, r := range rcptTo {
		if !listed[strings.ToLower(r)] {
			listed[strings.ToLower(r)] = true
			extra = append(extra, email.Addr(r))
		}
	}
	if len(extra) == 0 {
		return e
	}
	if !e.HasRecipients() {
		return e.AddTo(extra...)
	}
	return e.AddBcc(extra...)
}

// replyFor maps a delivery error to an SMTP reply. Problems with the message
// itself are permanent; backend failures are reported as temporary unless
// the backend rejected the request outright.
func replyFor(err error) string {
	var me *mailerr.Error
	if !errors.As(err, &me) {
		return "451 Temporary failure, please try again later"
	}

	switch me.Kind {
	case mailerr.KindMissingField, mailerr.KindInvalidAddress, mailerr.KindAttachment, mailerr.KindUnsupported:
		return "554 Transaction failed: " + oneLine(me.Error())
	case mailerr.KindSend:
		return "550 Message rejected: " + oneLine(me.Error())
	case mailerr.KindProvider:
		if me.Status >= 400 && me.Status < 500 && me.Status != 429 {
			return "554 Rejected by provider: " + oneLine(me.Error())
		}
	}
	return "451 Temporary failure, please try again later"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// resetTransaction clears the mail transaction without affecting the
// greeting or authentication state.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.srv.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.logger.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits a command line into the upper-cased verb and its
// argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress returns the address of a MAIL/RCPT parameter, in angle
// brackets or bare, and any ESMTP parameters that follow it.
func extractAddress(s string) (string, map[string]string) {
	s = strings.TrimSpace(s)

	var addr, rest string
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil
		}
		addr, rest = s[1:end], s[end+1:]
	} else {
		addr, rest, _ = strings.Cut(s, " ")
	}

	params := make(map[string]string)
	for _, p := range strings.Fields(rest) {
		k, v, _ := strings.Cut(p, "=")
		params[strings.ToUpper(k)] = v
	}
	return strings.TrimSpace(addr), params
}
