package mailer

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// OriginalRecipientsHeader records the recipients replaced by Redirect.
const OriginalRecipientsHeader = "X-Original-To"

// Redirect sends every email to the given addresses instead of its real
// recipients. Cc and Bcc are cleared and the original recipients are kept in
// the X-Original-To header.
func Redirect(to ...email.Addresser) Interceptor {
	return Named("redirect", InterceptorFunc(func(e email.Email) (email.Email, error) {
		original := strings.Join(addressList(e.Recipients()), ", ")
		e = e.PutTo(to...).PutCc().PutBcc()
		if original != "" {
			e = e.WithHeader(OriginalRecipientsHeader, original)
		}
		return e, nil
	}))
}

// SetHeader sets a header on every email.
func SetHeader(name, value string) Interceptor {
	return Named("set_header", InterceptorFunc(func(e email.Email) (email.Email, error) {
		return e.WithHeader(name, value), nil
	}))
}

// SubjectPrefix prepends prefix to every subject, e.g. "[staging] ".
func SubjectPrefix(prefix string) Interceptor {
	return Named("subject_prefix", InterceptorFunc(func(e email.Email) (email.Email, error) {
		if strings.HasPrefix(e.Subject, prefix) {
			return e, nil
		}
		return e.WithSubject(prefix + e.Subject), nil
	}))
}

// AllowDomains blocks emails with any recipient outside domains. Domains are
// compared case-insensitively.
func AllowDomains(domains ...string) Interceptor {
	allowed := lo.SliceToMap(domains, func(d string) (string, struct{}) {
		return strings.ToLower(d), struct{}{}
	})

	return Named("allow_domains", InterceptorFunc(func(e email.Email) (email.Email, error) {
		for _, addr := range e.Recipients() {
			if _, ok := allowed[strings.ToLower(addr.Domain())]; !ok {
				return email.Email{}, mailerr.Send(fmt.Sprintf("recipient %s is outside the allowed domains", addr.Email))
			}
		}
		return e, nil
	}))
}

// Block vetoes emails for which match returns true.
func Block(match func(email.Email) bool, reason string) Interceptor {
	return Named("block", InterceptorFunc(func(e email.Email) (email.Email, error) {
		if match(e) {
			return email.Email{}, mailerr.Send(reason)
		}
		return e, nil
	}))
}
