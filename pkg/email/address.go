package email

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"

	"github.com/shineum/mailkit/pkg/mailerr"
)

const (
	maxAddressLength = 254
	maxLocalLength   = 64
	maxDomainLength  = 253
	maxLabelLength   = 63
)

// Address is a mailbox with an optional display name.
//
// Addresses are plain values. Equality compares the whole email string, so
// "User@Example.com" and "user@example.com" are different addresses unless
// the caller normalizes them.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Addresser is implemented by anything that can be used as a recipient.
// Domain types such as a user record implement it to be passed directly to
// the Email builder methods.
type Addresser interface {
	ToAddress() Address
}

// Addr is a bare email string usable wherever an Addresser is accepted.
// Conversion goes through NewAddress, so malformed input is logged, not
// rejected.
type Addr string

// ToAddress implements Addresser.
func (a Addr) ToAddress() Address {
	return NewAddress(string(a))
}

// ToAddress implements Addresser.
func (a Address) ToAddress() Address {
	return a
}

// NewAddress builds an address without strict validation. Input that fails a
// basic shape check is accepted and logged as a warning. Use ParseAddress for
// untrusted input.
func NewAddress(email string) Address {
	return NewNamedAddress("", email)
}

// NewNamedAddress is NewAddress with a display name.
func NewNamedAddress(name, email string) Address {
	if !hasBasicShape(email) {
		slog.Warn("email address failed basic shape check, use ParseAddress for strict validation",
			"email", email,
		)
	}
	return Address{Name: name, Email: email}
}

// hasBasicShape reports whether s has exactly one "@" with non-empty parts
// on both sides.
func hasBasicShape(s string) bool {
	local, domain, ok := strings.Cut(s, "@")
	return ok && local != "" && domain != "" && !strings.Contains(domain, "@")
}

// Policy controls the domain rules applied by strict parsing.
type Policy struct {
	// RequireTLD rejects single-label domains such as "localhost".
	RequireTLD bool
	// AllowIPLiteral accepts domain literals such as "[192.0.2.1]".
	AllowIPLiteral bool
}

var (
	// DefaultPolicy accepts any syntactically valid domain, including
	// single-label hosts and IP literals.
	DefaultPolicy = Policy{AllowIPLiteral: true}

	// StrictPolicy requires a dotted domain with a non-numeric top-level
	// label and rejects IP literals.
	StrictPolicy = Policy{RequireTLD: true}
)

// ParseAddress validates email with DefaultPolicy.
func ParseAddress(email string) (Address, error) {
	return DefaultPolicy.Parse(email)
}

// ParseNamedAddress validates email with DefaultPolicy and attaches name.
func ParseNamedAddress(name, email string) (Address, error) {
	return DefaultPolicy.ParseNamed(name, email)
}

// Parse validates email against RFC 5321/5322 grammar and the policy.
func (p Policy) Parse(email string) (Address, error) {
	return p.ParseNamed("", email)
}

// ParseNamed is Parse with a display name.
func (p Policy) ParseNamed(name, email string) (Address, error) {
	if reason := p.check(email); reason != "" {
		return Address{}, mailerr.InvalidAddress(email, reason)
	}
	return Address{Name: name, Email: email}, nil
}

// check returns an empty string when email is valid and a human-readable
// reason otherwise.
func (p Policy) check(email string) string {
	if email == "" {
		return "address is empty"
	}
	if len(email) > maxAddressLength {
		return fmt.Sprintf("address exceeds %d octets", maxAddressLength)
	}

	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return "missing @"
	}
	local, domain := email[:at], email[at+1:]

	if local == "" {
		return "empty local part"
	}
	if domain == "" {
		return "empty domain"
	}
	if reason := checkLocal(local); reason != "" {
		return reason
	}
	return p.checkDomain(domain)
}

func checkLocal(local string) string {
	if len(local) > maxLocalLength {
		return fmt.Sprintf("local part exceeds %d octets", maxLocalLength)
	}
	if !utf8.ValidString(local) {
		return "local part is not valid UTF-8"
	}

	if strings.HasPrefix(local, `"`) {
		return checkQuotedLocal(local)
	}

	if strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") {
		return "local part has leading or trailing dot"
	}
	if strings.Contains(local, "..") {
		return "local part has consecutive dots"
	}
	for _, r := range local {
		if r != '.' && !isAtext(r) {
			return fmt.Sprintf("disallowed character %q in local part", r)
		}
	}
	return ""
}

func checkQuotedLocal(local string) string {
	if len(local) < 2 || !strings.HasSuffix(local, `"`) {
		return "unterminated quoted local part"
	}

	inner := local[1 : len(local)-1]
	escaped := false
	for _, r := range inner {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			return "unescaped quote in quoted local part"
		case r < 0x20 && r != '\t', r == 0x7f:
			return fmt.Sprintf("disallowed character %q in quoted local part", r)
		}
	}
	if escaped {
		return "dangling escape in quoted local part"
	}
	return ""
}

// isAtext reports whether r may appear in an unquoted local part
// (RFC 5322 atext, extended with UTF-8 per RFC 6531).
func isAtext(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r >= 0x80:
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", r)
}

func (p Policy) checkDomain(domain string) string {
	if strings.HasPrefix(domain, "[") {
		return p.checkLiteral(domain)
	}

	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "domain has leading or trailing dot"
	}

	ascii, err := domainToASCII(domain)
	if err != nil {
		return err.Error()
	}
	if len(ascii) > maxDomainLength {
		return fmt.Sprintf("domain exceeds %d octets", maxDomainLength)
	}

	labels := strings.Split(ascii, ".")
	for _, label := range labels {
		if reason := checkLabel(label); reason != "" {
			return reason
		}
	}

	if p.RequireTLD {
		if len(labels) < 2 {
			return "domain must contain a dot"
		}
		if isNumeric(labels[len(labels)-1]) {
			return "top-level domain must not be numeric"
		}
	}
	return ""
}

func checkLabel(label string) string {
	if label == "" {
		return "domain has consecutive dots"
	}
	if len(label) > maxLabelLength {
		return fmt.Sprintf("domain label %q exceeds %d octets", label, maxLabelLength)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Sprintf("domain label %q starts or ends with a hyphen", label)
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
			return fmt.Sprintf("disallowed character %q in domain", c)
		}
	}
	return ""
}

func (p Policy) checkLiteral(domain string) string {
	if !p.AllowIPLiteral {
		return "IP literal domains are not allowed"
	}
	if !strings.HasSuffix(domain, "]") {
		return "unterminated domain literal"
	}

	inner := domain[1 : len(domain)-1]
	if v6, ok := strings.CutPrefix(inner, "IPv6:"); ok {
		ip, err := netip.ParseAddr(v6)
		if err != nil || !ip.Is6() {
			return "invalid IPv6 domain literal"
		}
		return ""
	}
	ip, err := netip.ParseAddr(inner)
	if err != nil || !ip.Is4() {
		return "invalid IPv4 domain literal"
	}
	return ""
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// domainToASCII punycodes the non-ASCII labels of domain. ASCII labels are
// returned untouched so that pure-ASCII domains round-trip byte for byte.
func domainToASCII(domain string) (string, error) {
	if isASCII(domain) {
		return domain, nil
	}
	if !utf8.ValidString(domain) {
		return "", fmt.Errorf("domain is not valid UTF-8")
	}

	labels := strings.Split(domain, ".")
	for i, label := range labels {
		if isASCII(label) {
			continue
		}
		encoded, err := idna.Lookup.ToASCII(label)
		if err != nil {
			return "", fmt.Errorf("cannot encode domain label %q: %v", label, err)
		}
		labels[i] = encoded
	}
	return strings.Join(labels, "."), nil
}

// LocalPart returns the text before the last "@", or the whole email when
// there is none.
func (a Address) LocalPart() string {
	if at := strings.LastIndexByte(a.Email, '@'); at >= 0 {
		return a.Email[:at]
	}
	return a.Email
}

// Domain returns the text after the last "@", or "" when there is none.
func (a Address) Domain() string {
	if at := strings.LastIndexByte(a.Email, '@'); at >= 0 {
		return a.Email[at+1:]
	}
	return ""
}

// ToASCII returns a copy whose domain is IDNA-encoded. The local part is
// never re-encoded. Uppercase Unicode in a label is case-folded by the
// mapping, so decoding yields the lowercase form.
func (a Address) ToASCII() (Address, error) {
	at := strings.LastIndexByte(a.Email, '@')
	if at < 0 {
		return Address{}, mailerr.InvalidAddress(a.Email, "missing @")
	}

	domain, err := domainToASCII(a.Email[at+1:])
	if err != nil {
		return Address{}, mailerr.InvalidAddress(a.Email, err.Error())
	}
	return Address{Name: a.Name, Email: a.Email[:at+1] + domain}, nil
}

// String returns Formatted().
func (a Address) String() string {
	return a.Formatted()
}

// Formatted returns "Name <email>", or the bare email without a name.
func (a Address) Formatted() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// RFC5322 returns the address with a quoted display name suitable for a
// message header.
func (a Address) RFC5322() string {
	if a.Name == "" {
		return a.Email
	}
	return quoteName(a.Name) + " <" + a.Email + ">"
}

// FormattedASCII is Formatted with the domain IDNA-encoded.
func (a Address) FormattedASCII() (string, error) {
	ascii, err := a.ToASCII()
	if err != nil {
		return "", err
	}
	return ascii.Formatted(), nil
}

// RFC5322ASCII is RFC5322 with the domain IDNA-encoded.
func (a Address) RFC5322ASCII() (string, error) {
	ascii, err := a.ToASCII()
	if err != nil {
		return "", err
	}
	return ascii.RFC5322(), nil
}

func quoteName(name string) string {
	escaped := strings.ReplaceAll(name, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

// toAddresses converts builder arguments into addresses.
func toAddresses(in []Addresser) []Address {
	out := make([]Address, 0, len(in))
	for _, a := range in {
		out = append(out, a.ToAddress())
	}
	return out
}
