// Package redisstore implements capture.Storage on a Redis list, so several
// processes (for example a test runner and a preview server) can share the
// same captured emails.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/mailkit/pkg/capture"
)

// DefaultKey is the Redis list used when no key is configured.
const DefaultKey = "mailkit:captured"

// Store keeps captured emails as JSON entries of a Redis list, oldest first.
type Store struct {
	client redis.UniversalClient
	key    string
}

var _ capture.Storage = (*Store)(nil)

// New returns a Store using key, or DefaultKey when key is empty.
func New(client redis.UniversalClient, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key}
}

// Push implements capture.Storage.
func (s *Store) Push(ctx context.Context, c capture.Captured) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode captured email: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, raw).Err(); err != nil {
		return fmt.Errorf("failed to push captured email: %w", err)
	}
	return nil
}

// List implements capture.Storage.
func (s *Store) List(ctx context.Context) ([]capture.Captured, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list captured emails: %w", err)
	}
	return decodeAll(raw)
}

// Get implements capture.Storage.
func (s *Store) Get(ctx context.Context, id string) (capture.Captured, bool, error) {
	c, _, ok, err := s.find(ctx, id)
	return c, ok, err
}

// Delete implements capture.Storage.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	_, raw, ok, err := s.find(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	n, err := s.client.LRem(ctx, s.key, 1, raw).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete captured email: %w", err)
	}
	return n > 0, nil
}

// Drain implements capture.Storage. The read and the delete run in one
// MULTI/EXEC transaction, so a concurrent Push lands either in the result
// or in the emptied list, never in both.
func (s *Store) Drain(ctx context.Context) ([]capture.Captured, error) {
	var entries *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		entries = p.LRange(ctx, s.key, 0, -1)
		p.Del(ctx, s.key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain captured emails: %w", err)
	}
	return decodeAll(entries.Val())
}

// Clear implements capture.Storage.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear captured emails: %w", err)
	}
	return nil
}

// Count implements capture.Storage.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count captured emails: %w", err)
	}
	return int(n), nil
}

func (s *Store) find(ctx context.Context, id string) (capture.Captured, string, bool, error) {
	raw, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return capture.Captured{}, "", false, fmt.Errorf("failed to read captured emails: %w", err)
	}
	for _, r := range raw {
		c, err := decode(r)
		if err != nil {
			return capture.Captured{}, "", false, err
		}
		if c.ID == id {
			return c, r, true, nil
		}
	}
	return capture.Captured{}, "", false, nil
}

func decodeAll(raw []string) ([]capture.Captured, error) {
	out := make([]capture.Captured, 0, len(raw))
	for _, r := range raw {
		c, err := decode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func decode(raw string) (capture.Captured, error) {
	var c capture.Captured
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return capture.Captured{}, fmt.Errorf("failed to decode captured email: %w", err)
	}
	return c, nil
}
