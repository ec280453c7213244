// Package capture implements the "local" backend: emails are kept in a
// Storage instead of being sent, for tests and live preview.
package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailkit/pkg/email"
	"github.com/shineum/mailkit/pkg/mailer"
	"github.com/shineum/mailkit/pkg/mailerr"
)

func init() {
	mailer.Register(mailer.Backend{
		Kind: mailer.KindLocal,
		New: func(context.Context, mailer.Env) (mailer.Mailer, error) {
			return New(), nil
		},
	})
}

// Mailer captures emails into a Storage. It implements mailer.Mailer.
type Mailer struct {
	storage Storage
	now     func() time.Time

	mu      sync.RWMutex
	failing bool
	failure string
}

// New returns a Mailer backed by in-memory storage.
func New() *Mailer {
	return NewWithStorage(NewMemory())
}

// NewWithStorage returns a Mailer backed by s.
func NewWithStorage(s Storage) *Mailer {
	return &Mailer{storage: s, now: time.Now}
}

// Storage returns the underlying storage.
func (m *Mailer) Storage() Storage {
	return m.storage
}

// Name implements mailer.Mailer.
func (m *Mailer) Name() string {
	return mailer.KindLocal
}

// SetFailure makes every following Capture fail with msg until
// ClearFailure is called.
func (m *Mailer) SetFailure(msg string) {
	m.mu.Lock()
	m.failing = true
	m.failure = msg
	m.mu.Unlock()
}

// ClearFailure disarms SetFailure.
func (m *Mailer) ClearFailure() {
	m.mu.Lock()
	m.failing = false
	m.failure = ""
	m.mu.Unlock()
}

func (m *Mailer) armedFailure() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure, m.failing
}

// Capture stores e. It fails only while a failure is armed, returning the
// armed message verbatim as a send error.
func (m *Mailer) Capture(ctx context.Context, e email.Email) (Captured, error) {
	if msg, ok := m.armedFailure(); ok {
		return Captured{}, mailerr.Send(msg)
	}

	c := Captured{
		ID:     newID(),
		Email:  e,
		SentAt: m.now().UTC(),
	}
	if err := m.storage.Push(ctx, c); err != nil {
		return Captured{}, mailerr.ProviderErr(mailer.KindLocal, err)
	}
	return c, nil
}

// Deliver implements mailer.Mailer.
func (m *Mailer) Deliver(ctx context.Context, e email.Email) (*mailer.DeliveryResult, error) {
	c, err := m.Capture(ctx, e)
	if err != nil {
		return nil, err
	}
	return &mailer.DeliveryResult{
		MessageID: c.ID,
		Provider:  mailer.KindLocal,
		Response:  c,
	}, nil
}

// List returns every captured email, oldest first.
func (m *Mailer) List(ctx context.Context) ([]Captured, error) {
	return m.storage.List(ctx)
}

// Drain returns every captured email and empties the storage atomically.
func (m *Mailer) Drain(ctx context.Context) ([]Captured, error) {
	return m.storage.Drain(ctx)
}

// Clear removes every captured email.
func (m *Mailer) Clear(ctx context.Context) error {
	return m.storage.Clear(ctx)
}

// Get returns the captured email with the given id.
func (m *Mailer) Get(ctx context.Context, id string) (Captured, bool, error) {
	return m.storage.Get(ctx, id)
}

// Delete removes the captured email with the given id.
func (m *Mailer) Delete(ctx context.Context, id string) (bool, error) {
	return m.storage.Delete(ctx, id)
}

// Count returns the number of captured emails.
func (m *Mailer) Count(ctx context.Context) (int, error) {
	return m.storage.Count(ctx)
}

// Last returns the most recently captured email.
func (m *Mailer) Last(ctx context.Context) (Captured, bool, error) {
	all, err := m.storage.List(ctx)
	if err != nil || len(all) == 0 {
		return Captured{}, false, err
	}
	return all[len(all)-1], true, nil
}

// Find returns the captured emails for which match returns true, oldest
// first.
func (m *Mailer) Find(ctx context.Context, match func(Captured) bool) ([]Captured, error) {
	all, err := m.storage.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Captured
	for _, c := range all {
		if match(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// SentTo returns the emails addressed to addr in to, cc or bcc. Addresses
// are compared case-insensitively.
func (m *Mailer) SentTo(ctx context.Context, addr string) ([]Captured, error) {
	return m.Find(ctx, func(c Captured) bool {
		return HasRecipient(c.Email, addr)
	})
}

// WithSubject returns the emails whose subject equals subject.
func (m *Mailer) WithSubject(ctx context.Context, subject string) ([]Captured, error) {
	return m.Find(ctx, func(c Captured) bool {
		return c.Email.Subject == subject
	})
}

// HasRecipient reports whether addr is among e's recipients.
func HasRecipient(e email.Email, addr string) bool {
	for _, r := range e.Recipients() {
		if strings.EqualFold(r.Email, addr) {
			return true
		}
	}
	return false
}

// newID returns a time-ordered UUID, falling back to a random one.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
