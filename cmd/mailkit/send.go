package main

import (
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/shineum/mailkit/internal/eml"
	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailerr"
)

type sendFlags struct {
	emlPath string
	from    string
	to      []string
	cc      []string
	bcc     []string
	replyTo []string
	subject string
	text    string
	html    string
	attach  []string
	inline  []string
	headers []string
}

func newSendCmd(a *app) *cobra.Command {
	var f sendFlags

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Build or import an email and deliver it",
		Long: "Build an email from flags, or import one with --eml and adjust it with flags, " +
			"then deliver it through the configured backend and print the message id.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := f.build()
			if err != nil {
				return err
			}

			tel, err := setupTelemetry(cmd.Context(), a.cfg.Telemetry)
			if err != nil {
				return err
			}
			defer tel.shutdown(cmd.Context())

			d := a.dispatcher()
			m, err := d.Mailer(cmd.Context())
			if err != nil {
				return err
			}
			if m, err = tel.instrument(m); err != nil {
				return err
			}
			d.Configure(m)

			res, err := d.Deliver(cmd.Context(), e)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent via %s: %s\n", m.Name(), res.MessageID)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.emlPath, "eml", "", "import a raw RFC 5322 message; other flags add to or replace its fields")
	fl.StringVar(&f.from, "from", "", `sender, "addr" or "Name <addr>" (defaults to EMAIL_FROM)`)
	fl.StringSliceVar(&f.to, "to", nil, "recipient (repeatable)")
	fl.StringSliceVar(&f.cc, "cc", nil, "carbon copy recipient (repeatable)")
	fl.StringSliceVar(&f.bcc, "bcc", nil, "blind carbon copy recipient (repeatable)")
	fl.StringSliceVar(&f.replyTo, "reply-to", nil, "reply-to address (repeatable)")
	fl.StringVar(&f.subject, "subject", "", "subject line")
	fl.StringVar(&f.text, "text", "", "plain text body")
	fl.StringVar(&f.html, "html", "", "HTML body")
	fl.StringArrayVar(&f.attach, "attach", nil, "file to attach (repeatable)")
	fl.StringArrayVar(&f.inline, "inline", nil, "file to embed inline, referenced as cid:<filename> (repeatable)")
	fl.StringArrayVar(&f.headers, "header", nil, `custom header "Name: value" (repeatable)`)

	return cmd
}

// build assembles the email described by the flags.
func (f *sendFlags) build() (email.Email, error) {
	e := email.New()
	if f.emlPath != "" {
		raw, err := os.ReadFile(f.emlPath)
		if err != nil {
			return email.Email{}, fmt.Errorf("failed to read message: %w", err)
		}
		if e, err = eml.Parse(raw); err != nil {
			return email.Email{}, err
		}
	}

	if f.from != "" {
		addr, err := parseAddress(f.from)
		if err != nil {
			return email.Email{}, err
		}
		e = e.WithFrom(addr)
	}

	lists := []struct {
		values []string
		add    func(email.Email, ...email.Addresser) email.Email
	}{
		{f.to, email.Email.AddTo},
		{f.cc, email.Email.AddCc},
		{f.bcc, email.Email.AddBcc},
		{f.replyTo, email.Email.AddReplyTo},
	}
	for _, l := range lists {
		addrs, err := parseAddresses(l.values)
		if err != nil {
			return email.Email{}, err
		}
		if len(addrs) > 0 {
			e = l.add(e, addrs...)
		}
	}

	if f.subject != "" {
		e = e.WithSubject(f.subject)
	}
	if f.text != "" {
		e = e.WithText(f.text)
	}
	if f.html != "" {
		e = e.WithHTML(f.html)
	}

	for _, h := range f.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return email.Email{}, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		e = e.WithHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	for _, path := range f.attach {
		att, err := email.AttachmentFromPathLazy(path)
		if err != nil {
			return email.Email{}, err
		}
		e = e.WithAttachment(att)
	}
	for _, path := range f.inline {
		att, err := email.AttachmentFromPathLazy(path)
		if err != nil {
			return email.Email{}, err
		}
		e = e.WithAttachment(att.AsInline())
	}

	return e, nil
}

// parseAddress accepts a bare address or the "Name <addr>" form.
func parseAddress(s string) (email.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "<") {
		return email.ParseAddress(s)
	}
	parsed, err := mail.ParseAddress(s)
	if err != nil {
		return email.Address{}, mailerr.InvalidAddress(s, err.Error())
	}
	return email.ParseNamedAddress(parsed.Name, parsed.Address)
}

func parseAddresses(values []string) ([]email.Addresser, error) {
	out := make([]email.Address, 0, len(values))
	for _, v := range values {
		addr, err := parseAddress(v)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return lo.Map(out, func(a email.Address, _ int) email.Addresser { return a }), nil
}
