// Package email defines the message value delivered by every backend:
// addresses, attachments and the Email builder.
//
// Builder methods have value receivers and return a modified copy. Slices
// and maps are cloned before modification, so an Email held by one goroutine
// is never changed by a builder call made on a copy in another.
package email

import (
	"maps"
	"slices"

	"github.com/shineum/mailkit/pkg/mailerr"
)

// Header is a single custom message header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Option is a provider-specific setting. Value holds JSON-like data:
// strings, numbers, booleans, slices and maps of those.
type Option struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Email is an outgoing message.
type Email struct {
	From    *Address  `json:"from,omitempty"`
	To      []Address `json:"to,omitempty"`
	Cc      []Address `json:"cc,omitempty"`
	Bcc     []Address `json:"bcc,omitempty"`
	ReplyTo []Address `json:"reply_to,omitempty"`

	Subject  string `json:"subject"`
	TextBody string `json:"text_body,omitempty"`
	HTMLBody string `json:"html_body,omitempty"`

	// Headers keeps insertion order; setting an existing name replaces its
	// value in place.
	Headers     []Header     `json:"headers,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// Options are passed through to the backend, keyed like Headers.
	Options []Option `json:"provider_options,omitempty"`
	// Assigns holds template variables for deferred rendering.
	Assigns map[string]any `json:"assigns,omitempty"`
}

// New returns an empty Email.
func New() Email {
	return Email{}
}

// WithFrom sets the sender.
func (e Email) WithFrom(from Addresser) Email {
	addr := from.ToAddress()
	e.From = &addr
	return e
}

// AddTo appends recipients.
func (e Email) AddTo(addrs ...Addresser) Email {
	e.To = appendAddresses(e.To, addrs)
	return e
}

// AddCc appends carbon-copy recipients.
func (e Email) AddCc(addrs ...Addresser) Email {
	e.Cc = appendAddresses(e.Cc, addrs)
	return e
}

// AddBcc appends blind carbon-copy recipients.
func (e Email) AddBcc(addrs ...Addresser) Email {
	e.Bcc = appendAddresses(e.Bcc, addrs)
	return e
}

// AddReplyTo appends reply-to addresses.
func (e Email) AddReplyTo(addrs ...Addresser) Email {
	e.ReplyTo = appendAddresses(e.ReplyTo, addrs)
	return e
}

// PutTo replaces all recipients.
func (e Email) PutTo(addrs ...Addresser) Email {
	e.To = toAddresses(addrs)
	return e
}

// PutCc replaces all carbon-copy recipients.
func (e Email) PutCc(addrs ...Addresser) Email {
	e.Cc = toAddresses(addrs)
	return e
}

// PutBcc replaces all blind carbon-copy recipients.
func (e Email) PutBcc(addrs ...Addresser) Email {
	e.Bcc = toAddresses(addrs)
	return e
}

// PutReplyTo replaces all reply-to addresses.
func (e Email) PutReplyTo(addrs ...Addresser) Email {
	e.ReplyTo = toAddresses(addrs)
	return e
}

// WithSubject sets the subject line.
func (e Email) WithSubject(subject string) Email {
	e.Subject = subject
	return e
}

// WithText sets the plain-text body.
func (e Email) WithText(body string) Email {
	e.TextBody = body
	return e
}

// WithHTML sets the HTML body.
func (e Email) WithHTML(body string) Email {
	e.HTMLBody = body
	return e
}

// WithAttachment appends attachments.
func (e Email) WithAttachment(atts ...Attachment) Email {
	e.Attachments = append(slices.Clip(e.Attachments), atts...)
	return e
}

// WithHeader sets a custom header, replacing any existing value for the
// exact same name.
func (e Email) WithHeader(name, value string) Email {
	e.Headers = slices.Clone(e.Headers)
	for i := range e.Headers {
		if e.Headers[i].Name == name {
			e.Headers[i].Value = value
			return e
		}
	}
	e.Headers = append(e.Headers, Header{Name: name, Value: value})
	return e
}

// ValidHeaderName reports whether name can be written as a header field
// name: printable ASCII without spaces or colons.
func ValidHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if c := name[i]; c < '!' || c > '~' || c == ':' {
			return false
		}
	}
	return true
}

// HeaderValue returns the value of the named header.
func (e Email) HeaderValue(name string) (string, bool) {
	for _, h := range e.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// WithOption sets a provider option, replacing any existing value for key.
func (e Email) WithOption(key string, value any) Email {
	e.Options = slices.Clone(e.Options)
	for i := range e.Options {
		if e.Options[i].Key == key {
			e.Options[i].Value = value
			return e
		}
	}
	e.Options = append(e.Options, Option{Key: key, Value: value})
	return e
}

// Option returns the provider option stored under key.
func (e Email) Option(key string) (any, bool) {
	for _, o := range e.Options {
		if o.Key == key {
			return o.Value, true
		}
	}
	return nil, false
}

// WithAssign sets a template variable.
func (e Email) WithAssign(key string, value any) Email {
	assigns := maps.Clone(e.Assigns)
	if assigns == nil {
		assigns = make(map[string]any)
	}
	assigns[key] = value
	e.Assigns = assigns
	return e
}

// Recipients returns to, cc and bcc in that order.
func (e Email) Recipients() []Address {
	out := make([]Address, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	return append(out, e.Bcc...)
}

// HasRecipients reports whether any of to, cc or bcc is set.
func (e Email) HasRecipients() bool {
	return len(e.To)+len(e.Cc)+len(e.Bcc) > 0
}

// HasBody reports whether a text or HTML body is set.
func (e Email) HasBody() bool {
	return e.TextBody != "" || e.HTMLBody != ""
}

// Validate checks the fields every backend needs. It is called at send time
// after the default sender has been applied.
func (e Email) Validate() error {
	if e.From == nil || e.From.Email == "" {
		return mailerr.MissingField("from")
	}
	if !e.HasRecipients() {
		return mailerr.MissingField("to")
	}
	if !e.HasBody() {
		return mailerr.MissingField("body")
	}
	return nil
}

// Clone returns a deep copy. Attachment content is shared since it is never
// modified in place.
func (e Email) Clone() Email {
	if e.From != nil {
		from := *e.From
		e.From = &from
	}
	e.To = slices.Clone(e.To)
	e.Cc = slices.Clone(e.Cc)
	e.Bcc = slices.Clone(e.Bcc)
	e.ReplyTo = slices.Clone(e.ReplyTo)
	e.Headers = slices.Clone(e.Headers)
	e.Attachments = slices.Clone(e.Attachments)
	e.Options = slices.Clone(e.Options)
	e.Assigns = maps.Clone(e.Assigns)
	return e
}

// appendAddresses never writes into the backing array of dst, which may be
// shared with an earlier copy of the Email.
func appendAddresses(dst []Address, addrs []Addresser) []Address {
	return append(slices.Clip(dst), toAddresses(addrs)...)
}
