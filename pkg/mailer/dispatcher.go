package mailer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shineum/mailkit/pkg/email"
)

// DispatcherConfig holds the configuration for creating a Dispatcher.
// Zero fields fall back to the process environment, the default registry
// and slog.Default().
type DispatcherConfig struct {
	Env      Env
	Registry *Registry
	// Mailer, when set, is used instead of selecting one from Env.
	Mailer Mailer
	// From overrides EMAIL_FROM / EMAIL_FROM_NAME.
	From   *email.Address
	Logger *slog.Logger
}

// Dispatcher owns the default backend and sender of an application. It is
// created once at the wiring boundary and passed to the code that sends
// email; the backend is selected lazily on first use. All methods are safe
// for concurrent use.
type Dispatcher struct {
	env      Env
	registry *Registry
	logger   *slog.Logger

	mu     sync.RWMutex
	mailer Mailer
	from   *email.Address
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		env:      cfg.Env,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		mailer:   cfg.Mailer,
		from:     cfg.From,
	}
	if d.env == nil {
		d.env = OSEnv
	}
	if d.registry == nil {
		d.registry = defaultRegistry
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Configure replaces the backend.
func (d *Dispatcher) Configure(m Mailer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mailer = m
}

// SetDefaultFrom replaces the default sender.
func (d *Dispatcher) SetDefaultFrom(addr email.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.from = &addr
}

// Reset drops the backend so the next use selects one again.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mailer = nil
}

// IsConfigured reports whether a backend has been set or selected.
func (d *Dispatcher) IsConfigured() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mailer != nil
}

// Mailer returns the backend, selecting it from the environment on first
// use.
func (d *Dispatcher) Mailer(ctx context.Context) (Mailer, error) {
	d.mu.RLock()
	m := d.mailer
	d.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mailer != nil {
		return d.mailer, nil
	}

	m, err := d.registry.Open(ctx, d.env, WithLogger(d.logger))
	if err != nil {
		return nil, err
	}
	d.mailer = m
	return m, nil
}

// DefaultFrom returns the configured sender, or the one from the
// environment.
func (d *Dispatcher) DefaultFrom() (email.Address, bool) {
	d.mu.RLock()
	from := d.from
	d.mu.RUnlock()
	if from != nil {
		return *from, true
	}
	return DefaultFromEnv(d.env)
}

func (d *Dispatcher) options() []Option {
	opts := []Option{WithLogger(d.logger)}
	if from, ok := d.DefaultFrom(); ok {
		opts = append(opts, WithDefaultFrom(from))
	}
	return opts
}

// Deliver sends e through the backend.
func (d *Dispatcher) Deliver(ctx context.Context, e email.Email) (*DeliveryResult, error) {
	m, err := d.Mailer(ctx)
	if err != nil {
		return nil, err
	}
	return Deliver(ctx, m, e, d.options()...)
}

// DeliverMany sends a batch through the backend. If no backend can be
// selected every position carries that error.
func (d *Dispatcher) DeliverMany(ctx context.Context, emails []email.Email) []Result {
	m, err := d.Mailer(ctx)
	if err != nil {
		return fill(len(emails), err)
	}
	return DeliverMany(ctx, m, emails, d.options()...)
}
