package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// Option configures a Deliver or DeliverMany call.
type Option func(*options)

type options struct {
	from   *email.Address
	logger *slog.Logger
}

// WithDefaultFrom sets the sender used for emails without one.
func WithDefaultFrom(addr email.Address) Option {
	return func(o *options) {
		o.from = &addr
	}
}

// WithLogger sets the logger used for delivery logs. The default is
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts []Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) prepare(e email.Email) email.Email {
	if e.From == nil && o.from != nil {
		e = e.WithFrom(*o.from)
	}
	return e
}

// Deliver applies the default sender, validates e and hands it to m.
// Errors are always *mailerr.Error.
func Deliver(ctx context.Context, m Mailer, e email.Email, opts ...Option) (*DeliveryResult, error) {
	o := newOptions(opts)

	e = o.prepare(e)
	if err := e.Validate(); err != nil {
		return nil, err
	}

	o.logger.Debug("delivering email",
		"provider", m.Name(),
		"to", addressList(e.To),
		"subject", e.Subject,
	)

	start := time.Now()
	r := deliverOne(ctx, m, e)
	elapsed := time.Since(start)

	if r.Err != nil {
		o.logger.Warn("email delivery failed",
			"provider", m.Name(),
			"duration", elapsed,
			"error", r.Err,
		)
		return nil, r.Err
	}

	o.logger.Info("email delivered",
		"provider", r.Delivery.Provider,
		"message_id", r.Delivery.MessageID,
		"duration", elapsed,
	)
	return r.Delivery, nil
}

// DeliverMany delivers a batch and returns one Result per input, in input
// order. Emails failing validation get a MissingField error and are not
// sent; the rest are passed to the backend together.
func DeliverMany(ctx context.Context, m Mailer, emails []email.Email, opts ...Option) []Result {
	o := newOptions(opts)

	results := make([]Result, len(emails))
	valid := make([]email.Email, 0, len(emails))
	index := make([]int, 0, len(emails))

	for i, e := range emails {
		e = o.prepare(e)
		if err := e.Validate(); err != nil {
			results[i] = Result{Err: err}
			continue
		}
		valid = append(valid, e)
		index = append(index, i)
	}

	start := time.Now()
	if len(valid) > 0 {
		for j, r := range dispatchBatch(ctx, m, valid) {
			results[index[j]] = r
		}
	}

	failed := lo.CountBy(results, func(r Result) bool { return r.Err != nil })
	o.logger.Info("email batch delivered",
		"provider", m.Name(),
		"count", len(emails),
		"failed", failed,
		"duration", time.Since(start),
	)
	return results
}

// dispatchBatch runs the backend's batch validation and batch endpoint when
// it has them. A rejected batch reports the rejection at every position.
func dispatchBatch(ctx context.Context, m Mailer, emails []email.Email) []Result {
	if v, ok := m.(BatchValidator); ok {
		if err := v.ValidateBatch(emails); err != nil {
			return fill(len(emails), normalize(m, err))
		}
	}

	b, ok := m.(BatchMailer)
	if !ok {
		return DeliverEach(ctx, m, emails)
	}

	out := b.DeliverMany(ctx, emails)
	if len(out) != len(emails) {
		return fill(len(emails), mailerr.Provider(m.Name(),
			fmt.Sprintf("backend returned %d results for %d emails", len(out), len(emails))))
	}
	for i := range out {
		if out[i].Err != nil {
			out[i] = Result{Err: normalize(m, out[i].Err)}
		} else if out[i].Delivery == nil {
			out[i].Delivery = &DeliveryResult{Provider: m.Name()}
		}
	}
	return out
}

func fill(n int, err error) []Result {
	out := make([]Result, n)
	for i := range out {
		out[i] = Result{Err: err}
	}
	return out
}

// normalize tags errors that are not already *mailerr.Error as provider
// errors of m.
func normalize(m Mailer, err error) error {
	if err == nil || mailerr.KindOf(err) != mailerr.KindUnknown {
		return err
	}
	return mailerr.ProviderErr(m.Name(), err)
}

func addressList(addrs []email.Address) []string {
	return lo.Map(addrs, func(a email.Address, _ int) string {
		return a.Email
	})
}
