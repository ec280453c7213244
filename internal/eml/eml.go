// Package eml imports RFC 5322 messages (.eml files) into email.Email values,
// with MIME multipart support.
package eml

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"sort"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/shineum/mailkit/pkg/email"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// Parse parses a raw message. Plain, HTML and nested multipart bodies are
// supported; attachments keep their disposition and Content-ID. X- headers
// are carried over as custom headers. Unrecognized MIME parts are logged and
// skipped.
func Parse(raw []byte) (email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return email.Email{}, fmt.Errorf("failed to parse message: %w", err)
	}

	e := email.New()

	if from := parseAddressList(msg.Header.Get("From")); len(from) > 0 {
		e = e.WithFrom(from[0])
	}
	e.To = parseAddressList(msg.Header.Get("To"))
	e.Cc = parseAddressList(msg.Header.Get("Cc"))
	e.Bcc = parseAddressList(msg.Header.Get("Bcc"))
	e.ReplyTo = parseAddressList(msg.Header.Get("Reply-To"))
	e.Subject = decodeHeader(msg.Header.Get("Subject"))

	keys := make([]string, 0, len(msg.Header))
	for key := range msg.Header {
		if strings.HasPrefix(key, "X-") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		e = e.WithHeader(key, decodeHeader(msg.Header.Get(key)))
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return email.Email{}, fmt.Errorf("failed to read message body: %w", readErr)
		}
		e.TextBody = string(body)
		return e, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return email.Email{}, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, &e); err != nil {
			return email.Email{}, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return e, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return email.Email{}, fmt.Errorf("failed to read message body: %w", err)
	}
	text := toUTF8(body, params["charset"])
	switch mediaType {
	case "text/html":
		e.HTMLBody = text
	case "text/plain":
		e.TextBody = text
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		e.TextBody = text
	}
	return e, nil
}

// parseMultipart walks a multipart body, filling text and HTML bodies and
// collecting attachments.
func parseMultipart(body io.Reader, boundary string, e *email.Email) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nested, e); err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
			}
			continue
		}

		// multipart.Part already removes quoted-printable encoding.
		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		contentID := strings.Trim(part.Header.Get("Content-ID"), "<> ")
		filename := extractFilename(part, params)
		isBody := disposition != "attachment" && filename == "" && contentID == ""

		switch {
		case isBody && mediaType == "text/plain" && e.TextBody == "":
			e.TextBody = toUTF8(content, params["charset"])
		case isBody && mediaType == "text/html" && e.HTMLBody == "":
			e.HTMLBody = toUTF8(content, params["charset"])
		case disposition == "attachment" || disposition == "inline" || filename != "" || contentID != "":
			e.Attachments = append(e.Attachments, toAttachment(mediaType, filename, disposition, contentID, content))
		default:
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}
}

func toAttachment(mediaType, filename, disposition, contentID string, content []byte) email.Attachment {
	if filename == "" {
		filename = fallbackFilename(mediaType)
	}
	a := email.AttachmentFromBytes(filename, content).WithContentType(mediaType)
	if disposition == "inline" || (disposition == "" && contentID != "") {
		a = a.AsInline()
		if contentID != "" {
			a = a.WithContentID(contentID)
		}
	}
	return a
}

// decodeBody reads r, undoing base64 and quoted-printable transfer encodings.
func decodeBody(r io.Reader, transferEncoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
		return decoded, nil
	default:
		return raw, nil
	}
}

// toUTF8 converts a text body declared in charset to UTF-8. Unknown
// charsets are logged and the bytes kept as they are.
func toUTF8(content []byte, charset string) string {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8", "us-ascii":
		return string(content)
	}

	enc, err := lookupCharset(charset)
	if err != nil {
		slog.Warn("unknown charset, keeping body bytes unchanged",
			"charset", charset,
		)
		return string(content)
	}
	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		slog.Warn("failed to decode body charset",
			"charset", charset,
			"error", err,
		)
		return string(content)
	}
	return string(decoded)
}

// charsetReader lets the word decoder handle encoded words in charsets
// beyond the UTF-8 and Latin-1 it knows natively.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := lookupCharset(charset)
	if err != nil {
		return nil, err
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// lookupCharset resolves a MIME charset name. Names IANA knows but x/text
// has no encoding for are reported as errors.
func lookupCharset(charset string) (encoding.Encoding, error) {
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return enc, nil
}

// extractFilename checks the Content-Disposition filename, then the
// Content-Type name parameter.
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	return decodeHeader(params["name"])
}

func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// parseAddressList parses a header address list. Entries net/mail rejects
// are kept verbatim via a plain comma split so the caller's validation can
// report them.
func parseAddressList(raw string) []email.Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]email.Address, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, email.Address{Email: trimmed})
			}
		}
		return result
	}

	result := make([]email.Address, 0, len(addresses))
	for _, a := range addresses {
		result = append(result, email.Address{Name: a.Name, Email: a.Address})
	}
	return result
}
