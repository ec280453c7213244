// Package mailerr defines the structured error type shared by every part of
// the delivery layer: address parsing, interceptors and backends all return
// *Error so callers can branch on the kind uniformly.
package mailerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindMissingField
	KindInvalidAddress
	KindTemplate
	KindProvider
	KindSend
	KindConfiguration
	KindNotConfigured
	KindAttachment
	KindUnsupported
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindMissingField:   "missing_field",
	KindInvalidAddress: "invalid_address",
	KindTemplate:       "template",
	KindProvider:       "provider",
	KindSend:           "send",
	KindConfiguration:  "configuration",
	KindNotConfigured:  "not_configured",
	KindAttachment:     "attachment",
	KindUnsupported:    "unsupported",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the structured error returned across the delivery boundary.
// Only the fields relevant to Kind are populated.
type Error struct {
	Kind Kind

	// Field names the missing field for KindMissingField.
	Field string
	// Address is the offending input for KindInvalidAddress.
	Address string
	// Provider is the backend tag for KindProvider and KindUnsupported.
	Provider string
	// Status is the upstream status code, zero when unknown.
	Status int

	Message string
	Err     error
}

// Sentinels for errors.Is. Each matches any *Error of the same kind.
var (
	ErrMissingField   = &Error{Kind: KindMissingField}
	ErrInvalidAddress = &Error{Kind: KindInvalidAddress}
	ErrTemplate       = &Error{Kind: KindTemplate}
	ErrProvider       = &Error{Kind: KindProvider}
	ErrSend           = &Error{Kind: KindSend}
	ErrConfiguration  = &Error{Kind: KindConfiguration}
	ErrNotConfigured  = &Error{Kind: KindNotConfigured}
	ErrAttachment     = &Error{Kind: KindAttachment}
	ErrUnsupported    = &Error{Kind: KindUnsupported}
)

func (e *Error) Error() string {
	var b strings.Builder

	switch e.Kind {
	case KindMissingField:
		fmt.Fprintf(&b, "missing required field: %s", e.Field)
	case KindInvalidAddress:
		fmt.Fprintf(&b, "invalid email address %q", e.Address)
		if e.Message != "" {
			b.WriteString(": " + e.Message)
		}
	case KindProvider:
		b.WriteString("provider error")
		if e.Provider != "" || e.Status != 0 {
			b.WriteString(" (")
			b.WriteString(e.Provider)
			if e.Status != 0 {
				if e.Provider != "" {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "status %d", e.Status)
			}
			b.WriteString(")")
		}
		b.WriteString(": " + e.Message)
	case KindTemplate:
		b.WriteString("template error: " + e.Message)
	case KindSend:
		b.WriteString("send error: " + e.Message)
	case KindConfiguration:
		b.WriteString("configuration error: " + e.Message)
	case KindNotConfigured:
		b.WriteString("mailer not configured: " + e.Message)
	case KindAttachment:
		b.WriteString("attachment error: " + e.Message)
	case KindUnsupported:
		b.WriteString("unsupported feature")
		if e.Provider != "" {
			b.WriteString(" (" + e.Provider + ")")
		}
		b.WriteString(": " + e.Message)
	default:
		b.WriteString(e.Message)
	}

	if e.Err != nil && !strings.Contains(b.String(), e.Err.Error()) {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. Sentinels carry
// only a kind, so errors.Is(err, ErrProvider) matches every provider error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// MissingField reports a required field absent at send time.
func MissingField(field string) *Error {
	return &Error{Kind: KindMissingField, Field: field}
}

// InvalidAddress reports an address that failed strict parsing or IDNA
// conversion.
func InvalidAddress(addr, reason string) *Error {
	return &Error{Kind: KindInvalidAddress, Address: addr, Message: reason}
}

// Template wraps a rendering failure.
func Template(msg string, err error) *Error {
	return &Error{Kind: KindTemplate, Message: msg, Err: err}
}

// Provider reports a backend failure without a status code.
func Provider(provider, msg string) *Error {
	return &Error{Kind: KindProvider, Provider: provider, Message: msg}
}

// ProviderStatus reports a backend failure with an upstream status code.
func ProviderStatus(provider, msg string, status int) *Error {
	return &Error{Kind: KindProvider, Provider: provider, Message: msg, Status: status}
}

// ProviderErr wraps a transport or SDK error from a backend.
func ProviderErr(provider string, err error) *Error {
	return &Error{Kind: KindProvider, Provider: provider, Message: err.Error(), Err: err}
}

// Send reports a generic blocking reason, such as an interceptor veto.
func Send(msg string) *Error {
	return &Error{Kind: KindSend, Message: msg}
}

// Configuration reports that no backend could be resolved or configured.
func Configuration(msg string) *Error {
	return &Error{Kind: KindConfiguration, Message: msg}
}

// NotConfigured reports use of a dispatcher before a backend was set.
func NotConfigured(msg string) *Error {
	return &Error{Kind: KindNotConfigured, Message: msg}
}

// Attachment reports a missing or unreadable attachment source.
func Attachment(msg string, err error) *Error {
	return &Error{Kind: KindAttachment, Message: msg, Err: err}
}

// Unsupported reports a feature the backend cannot honour.
func Unsupported(provider, msg string) *Error {
	return &Error{Kind: KindUnsupported, Provider: provider, Message: msg}
}
