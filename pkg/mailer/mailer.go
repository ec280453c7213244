// Package mailer defines the delivery contract implemented by every backend
// and the entry points that validate, intercept and dispatch emails through
// it.
package mailer

import (
	"context"

	"github.com/shineum/mailkit/pkg/email"
)

// Mailer is the interface that email delivery backends must implement.
//
// Deliver makes exactly one attempt. A returned error means the attempt is
// over; backends never retry internally.
type Mailer interface {
	// Deliver sends a single email.
	Deliver(ctx context.Context, e email.Email) (*DeliveryResult, error)

	// Name returns the backend kind, e.g. "resend" or "local".
	Name() string
}

// BatchMailer is implemented by backends with a native batch endpoint.
// DeliverMany must return one Result per input, in input order, and must not
// stop at the first failure.
type BatchMailer interface {
	Mailer
	DeliverMany(ctx context.Context, emails []email.Email) []Result
}

// BatchValidator is implemented by backends that can reject a batch before
// any network call, e.g. because it exceeds a size limit.
type BatchValidator interface {
	ValidateBatch(emails []email.Email) error
}

// DeliveryResult describes an accepted email.
type DeliveryResult struct {
	MessageID string
	// Provider is the tag of the backend that accepted the email.
	Provider string
	// Response is the decoded provider response, kept for diagnostics.
	Response any
}

// Result is the outcome of one email in a batch. Exactly one of Delivery
// and Err is set.
type Result struct {
	Delivery *DeliveryResult
	Err      error
}

// OK reports whether the email was accepted.
func (r Result) OK() bool {
	return r.Err == nil
}

// DeliverEach sends emails one at a time through m.Deliver. It is the batch
// behaviour for backends without a native batch endpoint.
func DeliverEach(ctx context.Context, m Mailer, emails []email.Email) []Result {
	out := make([]Result, len(emails))
	for i, e := range emails {
		out[i] = deliverOne(ctx, m, e)
	}
	return out
}

func deliverOne(ctx context.Context, m Mailer, e email.Email) Result {
	res, err := m.Deliver(ctx, e)
	if err != nil {
		return Result{Err: normalize(m, err)}
	}
	if res == nil {
		res = &DeliveryResult{Provider: m.Name()}
	}
	return Result{Delivery: res}
}
