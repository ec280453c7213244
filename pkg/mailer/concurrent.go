package mailer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/mailkit/pkg/email"
)

// DeliverConcurrently calls Deliver for every email with at most limit calls
// in flight (no limit when limit <= 0). Results are positional like
// DeliverMany; one failure never cancels the others.
func DeliverConcurrently(ctx context.Context, m Mailer, emails []email.Email, limit int, opts ...Option) []Result {
	results := make([]Result, len(emails))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, e := range emails {
		g.Go(func() error {
			res, err := Deliver(ctx, m, e, opts...)
			results[i] = Result{Delivery: res, Err: err}
			return nil
		})
	}

	_ = g.Wait()
	return results
}
