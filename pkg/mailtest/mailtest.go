// Package mailtest provides test assertions over emails captured by the
// local backend.
//
//	m := capture.New()
//	svc := signup.New(m)
//	svc.Register(ctx, "ada@example.com")
//
//	mailtest.AssertSentTo(t, m, "ada@example.com")
//	mailtest.AssertSubjectContains(t, m, "Welcome")
//
// Recipient and subject assertions look at every captured email; From, body,
// attachment and pattern assertions look at the most recent one. Failure
// messages include a numbered summary of what was captured.
package mailtest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/shineum/mailkit/pkg/capture"
	"github.com/shineum/mailkit/pkg/email"
)

const bodyPreview = 500

func list(tb testing.TB, m *capture.Mailer) []capture.Captured {
	tb.Helper()
	out, err := m.List(context.Background())
	if err != nil {
		tb.Fatalf("cannot list captured emails: %v", err)
	}
	return out
}

func last(tb testing.TB, m *capture.Mailer) (capture.Captured, bool) {
	tb.Helper()
	c, ok, err := m.Last(context.Background())
	if err != nil {
		tb.Fatalf("cannot read captured emails: %v", err)
	}
	if !ok {
		tb.Errorf("expected at least one email to be sent, but none were sent")
	}
	return c, ok
}

// Summary formats captured emails one per line, numbered from 1.
func Summary(captured []capture.Captured) string {
	if len(captured) == 0 {
		return "  (no emails sent)"
	}

	lines := make([]string, len(captured))
	for i, c := range captured {
		to := make([]string, len(c.Email.To))
		for j, a := range c.Email.To {
			to[j] = a.Email
		}
		from := "<none>"
		if c.Email.From != nil {
			from = c.Email.From.Email
		}
		lines[i] = fmt.Sprintf("  %d. To: [%s], From: %s, Subject: %q", i+1, strings.Join(to, ", "), from, c.Email.Subject)
	}
	return strings.Join(lines, "\n")
}

// preview keeps the first bodyPreview characters of s.
func preview(s string) string {
	n := 0
	for i := range s {
		if n == bodyPreview {
			return s[:i]
		}
		n++
	}
	return s
}

// AssertSent checks that at least one email was captured.
func AssertSent(tb testing.TB, m *capture.Mailer) bool {
	tb.Helper()
	if len(list(tb, m)) == 0 {
		tb.Errorf("expected at least one email to be sent, but none were sent")
		return false
	}
	return true
}

// AssertNoneSent checks that nothing was captured.
func AssertNoneSent(tb testing.TB, m *capture.Mailer) bool {
	tb.Helper()
	captured := list(tb, m)
	if len(captured) > 0 {
		tb.Errorf("expected no emails to be sent, but %d were sent.\n\nEmails sent:\n%s", len(captured), Summary(captured))
		return false
	}
	return true
}

// AssertCount checks that exactly n emails were captured.
func AssertCount(tb testing.TB, m *capture.Mailer, n int) bool {
	tb.Helper()
	captured := list(tb, m)
	if len(captured) != n {
		tb.Errorf("expected %d email(s) to be sent, but %d were sent.\n\nEmails sent:\n%s", n, len(captured), Summary(captured))
		return false
	}
	return true
}

// AssertSentTo checks that some captured email lists addr in To, Cc or Bcc.
// Addresses compare case-insensitively.
func AssertSentTo(tb testing.TB, m *capture.Mailer, addr string) bool {
	tb.Helper()
	captured := list(tb, m)
	for _, c := range captured {
		if capture.HasRecipient(c.Email, addr) {
			return true
		}
	}
	tb.Errorf("expected an email to be sent to %q, but none was.\n\nEmails sent:\n%s", addr, Summary(captured))
	return false
}

// RefuteSentTo checks that no captured email lists addr as a recipient.
func RefuteSentTo(tb testing.TB, m *capture.Mailer, addr string) bool {
	tb.Helper()
	captured := list(tb, m)
	for _, c := range captured {
		if capture.HasRecipient(c.Email, addr) {
			tb.Errorf("expected no email to be sent to %q, but one was.\n\nEmails sent:\n%s", addr, Summary(captured))
			return false
		}
	}
	return true
}

// AssertSubject checks that some captured email has exactly subject.
func AssertSubject(tb testing.TB, m *capture.Mailer, subject string) bool {
	tb.Helper()
	captured := list(tb, m)
	for _, c := range captured {
		if c.Email.Subject == subject {
			return true
		}
	}
	tb.Errorf("expected an email with subject %q, but none was found.\n\nEmails sent:\n%s", subject, Summary(captured))
	return false
}

// AssertSubjectContains checks that some captured subject contains substr.
func AssertSubjectContains(tb testing.TB, m *capture.Mailer, substr string) bool {
	tb.Helper()
	captured := list(tb, m)
	for _, c := range captured {
		if strings.Contains(c.Email.Subject, substr) {
			return true
		}
	}
	tb.Errorf("expected an email with subject containing %q, but none was found.\n\nEmails sent:\n%s", substr, Summary(captured))
	return false
}

// AssertSubjectMatches checks the most recent subject against pattern.
func AssertSubjectMatches(tb testing.TB, m *capture.Mailer, pattern string) bool {
	tb.Helper()
	re := regexp.MustCompile(pattern)
	c, ok := last(tb, m)
	if !ok {
		return false
	}
	if !re.MatchString(c.Email.Subject) {
		tb.Errorf("expected subject to match %q, but was %q.\n\nLast email:\n%s", pattern, c.Email.Subject, Summary([]capture.Captured{c}))
		return false
	}
	return true
}

// AssertFrom checks the sender of the most recent email.
func AssertFrom(tb testing.TB, m *capture.Mailer, addr string) bool {
	tb.Helper()
	c, ok := last(tb, m)
	if !ok {
		return false
	}
	from := "<none>"
	if c.Email.From != nil {
		from = c.Email.From.Email
	}
	if !strings.EqualFold(from, addr) {
		tb.Errorf("expected last email from %q, but was from %q.\n\nEmails sent:\n%s", addr, from, Summary(list(tb, m)))
		return false
	}
	return true
}

// AssertTextContains checks the text body of the most recent email.
func AssertTextContains(tb testing.TB, m *capture.Mailer, substr string) bool {
	tb.Helper()
	c, ok := last(tb, m)
	if !ok {
		return false
	}
	if !strings.Contains(c.Email.TextBody, substr) {
		tb.Errorf("expected text body to contain %q, but it didn't.\n\nLast email:\n%s\n\nText body (first %d chars):\n%s",
			substr, Summary([]capture.Captured{c}), bodyPreview, preview(c.Email.TextBody))
		return false
	}
	return true
}

// AssertHTMLContains checks the HTML body of the most recent email.
func AssertHTMLContains(tb testing.TB, m *capture.Mailer, substr string) bool {
	tb.Helper()
	c, ok := last(tb, m)
	if !ok {
		return false
	}
	if !strings.Contains(c.Email.HTMLBody, substr) {
		tb.Errorf("expected HTML body to contain %q, but it didn't.\n\nLast email:\n%s\n\nHTML body (first %d chars):\n%s",
			substr, Summary([]capture.Captured{c}), bodyPreview, preview(c.Email.HTMLBody))
		return false
	}
	return true
}

// AssertHTMLMatches checks the HTML body of the most recent email against
// pattern.
func AssertHTMLMatches(tb testing.TB, m *capture.Mailer, pattern string) bool {
	tb.Helper()
	re := regexp.MustCompile(pattern)
	c, ok := last(tb, m)
	if !ok {
		return false
	}
	if !re.MatchString(c.Email.HTMLBody) {
		tb.Errorf("expected HTML body to match %q, but it didn't.\n\nLast email:\n%s\n\nHTML body (first %d chars):\n%s",
			pattern, Summary([]capture.Captured{c}), bodyPreview, preview(c.Email.HTMLBody))
		return false
	}
	return true
}

// AssertAttachment checks that the most recent email carries an attachment
// named filename.
func AssertAttachment(tb testing.TB, m *capture.Mailer, filename string) bool {
	tb.Helper()
	c, ok := last(tb, m)
	if !ok {
		return false
	}
	names := make([]string, len(c.Email.Attachments))
	for i, a := range c.Email.Attachments {
		if a.Filename == filename {
			return true
		}
		names[i] = a.Filename
	}
	tb.Errorf("expected email to have attachment %q.\n\nLast email:\n%s\n\nAttachments: [%s]",
		filename, Summary([]capture.Captured{c}), strings.Join(names, ", "))
	return false
}

// Last returns the most recent captured email and stops the test when there
// is none.
func Last(tb testing.TB, m *capture.Mailer) email.Email {
	tb.Helper()
	c, ok := last(tb, m)
	if !ok {
		tb.FailNow()
	}
	return c.Email
}

// Flush drains the captured emails and returns them.
func Flush(tb testing.TB, m *capture.Mailer) []capture.Captured {
	tb.Helper()
	out, err := m.Drain(context.Background())
	if err != nil {
		tb.Fatalf("cannot drain captured emails: %v", err)
	}
	return out
}
