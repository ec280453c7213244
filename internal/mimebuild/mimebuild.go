// Package mimebuild renders an email.Email as an RFC 5322 message with a
// MIME body, for backends that take raw messages (SES raw content, SMTP).
package mimebuild

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// lineLength is the maximum base64 line length per RFC 2045.
const lineLength = 76

// Options controls the generated envelope headers.
type Options struct {
	// MessageID is written as the Message-ID header. When empty one is
	// generated from a random UUID and the sender's domain.
	MessageID string
	// Date is written as the Date header. The zero value means time.Now().
	Date time.Time
	// IncludeBcc writes a Bcc header. Relays that take envelope recipients
	// separately should leave it off.
	IncludeBcc bool
}

// MessageID returns a new "<id@domain>" identifier for e.
func MessageID(e email.Email) string {
	domain := "localhost"
	if e.From != nil && e.From.Domain() != "" {
		domain = e.From.Domain()
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// Render serializes e. Deferred attachments are read here, so a missing file
// surfaces as an attachment error.
func Render(e email.Email, opts Options) ([]byte, error) {
	if opts.MessageID == "" {
		opts.MessageID = MessageID(e)
	}
	if opts.Date.IsZero() {
		opts.Date = time.Now()
	}

	root, err := buildTree(e)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeEnvelope(&buf, e, opts); err != nil {
		return nil, err
	}
	writeHeader(&buf, root.header)
	buf.WriteString("\r\n")
	if err := root.writeBody(&buf); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	return buf.Bytes(), nil
}

func writeEnvelope(buf *bytes.Buffer, e email.Email, opts Options) error {
	for _, h := range e.Headers {
		if !email.ValidHeaderName(h.Name) {
			return mailerr.Unsupported("", fmt.Sprintf("header name %q is not a valid field name", h.Name))
		}
	}

	if e.From != nil {
		from, err := FormatAddress(*e.From)
		if err != nil {
			return err
		}
		fmt.Fprintf(buf, "From: %s\r\n", from)
	}

	lists := []struct {
		name  string
		addrs []email.Address
	}{
		{"To", e.To},
		{"Cc", e.Cc},
		{"Reply-To", e.ReplyTo},
	}
	if opts.IncludeBcc {
		lists = append(lists, struct {
			name  string
			addrs []email.Address
		}{"Bcc", e.Bcc})
	}
	for _, l := range lists {
		if len(l.addrs) == 0 {
			continue
		}
		value, err := FormatAddressList(l.addrs)
		if err != nil {
			return err
		}
		fmt.Fprintf(buf, "%s: %s\r\n", l.name, value)
	}

	fmt.Fprintf(buf, "Subject: %s\r\n", encodeWord(e.Subject))
	fmt.Fprintf(buf, "Date: %s\r\n", opts.Date.Format(time.RFC1123Z))
	fmt.Fprintf(buf, "Message-ID: %s\r\n", opts.MessageID)
	buf.WriteString("MIME-Version: 1.0\r\n")

	for _, h := range e.Headers {
		fmt.Fprintf(buf, "%s: %s\r\n", textproto.CanonicalMIMEHeaderKey(h.Name), encodeWord(h.Value))
	}
	return nil
}

// FormatAddress renders a for a header: the domain IDNA-encoded and a
// non-ASCII display name RFC 2047-encoded. Addresses without a name are
// returned bare.
func FormatAddress(a email.Address) (string, error) {
	ascii, err := a.ToASCII()
	if err != nil {
		return "", err
	}
	if ascii.Name == "" {
		return ascii.Email, nil
	}
	return (&mail.Address{Name: ascii.Name, Address: ascii.Email}).String(), nil
}

// FormatAddressList renders addrs comma-separated.
func FormatAddressList(addrs []email.Address) (string, error) {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		s, err := FormatAddress(a)
		if err != nil {
			return "", err
		}
		out[i] = s
	}
	return strings.Join(out, ", "), nil
}

func encodeWord(s string) string {
	return mime.QEncoding.Encode("UTF-8", s)
}

// part is a node of the MIME tree. Leaves carry an encoded body; multipart
// nodes carry children.
type part struct {
	header   textproto.MIMEHeader
	body     []byte
	boundary string
	children []*part
}

func multipartNode(subtype string, children ...*part) *part {
	boundary := multipart.NewWriter(io.Discard).Boundary()
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", mime.FormatMediaType("multipart/"+subtype, map[string]string{"boundary": boundary}))
	return &part{header: h, boundary: boundary, children: children}
}

func (p *part) writeBody(w io.Writer) error {
	if p.children == nil {
		_, err := w.Write(p.body)
		return err
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(p.boundary); err != nil {
		return err
	}
	for _, child := range p.children {
		pw, err := mw.CreatePart(child.header)
		if err != nil {
			return fmt.Errorf("failed to create part: %w", err)
		}
		if err := child.writeBody(pw); err != nil {
			return err
		}
	}
	return mw.Close()
}

// buildTree lays out the body as
//
//	mixed( related( alternative(text, html), inline... ), attachment... )
//
// omitting every level that would have a single child.
func buildTree(e email.Email) (*part, error) {
	var bodies []*part
	if e.TextBody != "" {
		bodies = append(bodies, textPart("text/plain", e.TextBody))
	}
	if e.HTMLBody != "" {
		bodies = append(bodies, textPart("text/html", e.HTMLBody))
	}

	var content *part
	switch len(bodies) {
	case 0:
		content = textPart("text/plain", "")
	case 1:
		content = bodies[0]
	default:
		content = multipartNode("alternative", bodies...)
	}

	var inline, attached []*part
	for _, a := range e.Attachments {
		p, err := attachmentPart(a)
		if err != nil {
			return nil, err
		}
		if a.IsInline() {
			inline = append(inline, p)
		} else {
			attached = append(attached, p)
		}
	}

	if len(inline) > 0 {
		content = multipartNode("related", append([]*part{content}, inline...)...)
	}
	if len(attached) > 0 {
		content = multipartNode("mixed", append([]*part{content}, attached...)...)
	}
	return content, nil
}

func textPart(mediaType, body string) *part {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", mime.FormatMediaType(mediaType, map[string]string{"charset": "UTF-8"}))
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	qp := quotedprintable.NewWriter(&buf)
	_, _ = qp.Write([]byte(body))
	_ = qp.Close()

	return &part{header: h, body: buf.Bytes()}
}

func attachmentPart(a email.Attachment) (*part, error) {
	data, err := a.Bytes()
	if err != nil {
		return nil, err
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = email.ContentTypeFor(a.Filename)
	}
	if _, _, err := mime.ParseMediaType(contentType); err != nil {
		return nil, mailerr.Attachment(fmt.Sprintf("invalid content type %q for %s", contentType, a.Filename), err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", contentType)
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", mime.FormatMediaType(a.Disposition.String(), map[string]string{"filename": a.Filename}))
	if a.IsInline() && a.ContentID != "" {
		h.Set("Content-ID", "<"+a.ContentID+">")
	}

	return &part{header: h, body: []byte(encodeBase64WithLineBreaks(data))}, nil
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line
// breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += lineLength {
		end := min(i+lineLength, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}

func writeHeader(buf *bytes.Buffer, h textproto.MIMEHeader) {
	for _, key := range []string{"Content-Type", "Content-Transfer-Encoding"} {
		if v := h.Get(key); v != "" {
			fmt.Fprintf(buf, "%s: %s\r\n", key, v)
		}
	}
}
