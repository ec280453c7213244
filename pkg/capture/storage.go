package capture

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shineum/mailkit/pkg/email"
)

// Captured is an email accepted by the capture backend.
type Captured struct {
	ID     string      `json:"id"`
	Email  email.Email `json:"email"`
	SentAt time.Time   `json:"sent_at"`
}

// Storage persists captured emails in capture order.
type Storage interface {
	// Push appends c.
	Push(ctx context.Context, c Captured) error
	// List returns a snapshot, oldest first.
	List(ctx context.Context) ([]Captured, error)
	// Get returns the email with the given id.
	Get(ctx context.Context, id string) (Captured, bool, error)
	// Delete removes the email with the given id and reports whether it
	// existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Drain returns every email and empties the storage in one step.
	Drain(ctx context.Context) ([]Captured, error)
	// Clear empties the storage.
	Clear(ctx context.Context) error
	// Count returns the number of stored emails.
	Count(ctx context.Context) (int, error)
}

// Memory is an in-process Storage. Each operation holds the lock only for
// the slice access itself.
type Memory struct {
	mu     sync.Mutex
	emails []Captured
}

// NewMemory returns an empty Memory storage.
func NewMemory() *Memory {
	return &Memory{}
}

// Push implements Storage.
func (m *Memory) Push(_ context.Context, c Captured) error {
	m.mu.Lock()
	m.emails = append(m.emails, c)
	m.mu.Unlock()
	return nil
}

// List implements Storage.
func (m *Memory) List(_ context.Context) ([]Captured, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.emails), nil
}

// Get implements Storage.
func (m *Memory) Get(_ context.Context, id string) (Captured, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.emails {
		if c.ID == id {
			return c, true, nil
		}
	}
	return Captured{}, false, nil
}

// Delete implements Storage.
func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.emails, func(c Captured) bool { return c.ID == id })
	if i < 0 {
		return false, nil
	}
	m.emails = slices.Delete(m.emails, i, i+1)
	return true, nil
}

// Drain implements Storage by swapping the slice under the lock.
func (m *Memory) Drain(_ context.Context) ([]Captured, error) {
	m.mu.Lock()
	out := m.emails
	m.emails = nil
	m.mu.Unlock()
	return out, nil
}

// Clear implements Storage.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.emails = nil
	m.mu.Unlock()
	return nil
}

// Count implements Storage.
func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.emails), nil
}
