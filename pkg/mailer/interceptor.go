package mailer

import (
	"context"
	"log/slog"
	"slices"
	"strconv"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailerr"
)

// Interceptor transforms or vetoes an email before it reaches a backend.
// Returning an error blocks the send.
type Interceptor interface {
	Intercept(e email.Email) (email.Email, error)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(e email.Email) (email.Email, error)

// Intercept implements Interceptor.
func (f InterceptorFunc) Intercept(e email.Email) (email.Email, error) {
	return f(e)
}

type namedInterceptor struct {
	name string
	Interceptor
}

func (n namedInterceptor) Name() string {
	return n.name
}

// Named attaches a name used in logs when the interceptor blocks a send.
func Named(name string, i Interceptor) Interceptor {
	return namedInterceptor{name: name, Interceptor: i}
}

// Pipeline runs interceptors in registration order.
type Pipeline []Interceptor

// Run passes e through each interceptor and stops at the first error.
// Errors that are not *mailerr.Error are wrapped as send errors. Blocked
// sends are logged to the WithLogger logger.
func (p Pipeline) Run(e email.Email, opts ...Option) (email.Email, error) {
	logger := newOptions(opts).logger
	for i, ic := range p {
		out, err := ic.Intercept(e)
		if err != nil {
			logger.Info("email blocked by interceptor",
				"interceptor", interceptorName(ic, i),
				"error", err,
			)
			if mailerr.KindOf(err) == mailerr.KindUnknown {
				err = &mailerr.Error{Kind: mailerr.KindSend, Message: err.Error(), Err: err}
			}
			return email.Email{}, err
		}
		e = out
	}
	return e, nil
}

func interceptorName(ic Interceptor, i int) string {
	if n, ok := ic.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "#" + strconv.Itoa(i)
}

// Intercepted is a Mailer that runs a Pipeline before delegating to the
// wrapped backend.
type Intercepted struct {
	inner    Mailer
	pipeline Pipeline
	logger   *slog.Logger
}

// WithInterceptors wraps m so every email passes through interceptors first.
func WithInterceptors(m Mailer, interceptors ...Interceptor) *Intercepted {
	return &Intercepted{
		inner:    m,
		pipeline: slices.Clone(Pipeline(interceptors)),
	}
}

// Use returns a new Intercepted with more interceptors appended.
func (m *Intercepted) Use(interceptors ...Interceptor) *Intercepted {
	return &Intercepted{
		inner:    m.inner,
		pipeline: append(slices.Clip(m.pipeline), interceptors...),
		logger:   m.logger,
	}
}

// WithLogger returns a copy of m that logs blocked sends to l.
func (m *Intercepted) WithLogger(l *slog.Logger) *Intercepted {
	c := *m
	c.logger = l
	return &c
}

// run applies the pipeline and re-validates the result, so an interceptor
// cannot hand the backend an email without recipients or a body.
func (m *Intercepted) run(e email.Email) (email.Email, error) {
	out, err := m.pipeline.Run(e, WithLogger(m.logger))
	if err != nil {
		return email.Email{}, err
	}
	if err := out.Validate(); err != nil {
		return email.Email{}, err
	}
	return out, nil
}

// Unwrap returns the wrapped backend.
func (m *Intercepted) Unwrap() Mailer {
	return m.inner
}

// Deliver implements Mailer.
func (m *Intercepted) Deliver(ctx context.Context, e email.Email) (*DeliveryResult, error) {
	e, err := m.run(e)
	if err != nil {
		return nil, err
	}
	return m.inner.Deliver(ctx, e)
}

// DeliverMany implements BatchMailer. Blocked emails keep their error at
// their position; the survivors go to the backend as one batch.
func (m *Intercepted) DeliverMany(ctx context.Context, emails []email.Email) []Result {
	results := make([]Result, len(emails))
	passed := make([]email.Email, 0, len(emails))
	index := make([]int, 0, len(emails))

	for i, e := range emails {
		out, err := m.run(e)
		if err != nil {
			results[i] = Result{Err: err}
			continue
		}
		passed = append(passed, out)
		index = append(index, i)
	}

	if len(passed) > 0 {
		for j, r := range dispatchBatch(ctx, m.inner, passed) {
			results[index[j]] = r
		}
	}
	return results
}

// Name implements Mailer.
func (m *Intercepted) Name() string {
	return m.inner.Name()
}
