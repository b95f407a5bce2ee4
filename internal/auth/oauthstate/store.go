// Package oauthstate keeps the anti-forgery state and PKCE verifier of each
// in-flight OAuth redirect until its callback consumes them.
package oauthstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/carlossalguero/authgate/internal/shared/cache"
)

// ErrNotFound is returned when a state is unknown, expired or already used.
var ErrNotFound = errors.New("oauth state not found")

// Entry is one pending authorization round trip.
type Entry struct {
	State        string    `json:"state"`
	Provider     string    `json:"provider"`
	CodeVerifier string    `json:"code_verifier"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the entry is no longer usable at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store persists entries. Consume must hand out each entry at most once.
type Store interface {
	Save(ctx context.Context, entry Entry) error
	Consume(ctx context.Context, state string) (*Entry, error)
}

// Memory is a process-local Store. Expired entries linger until Sweep runs.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemory creates an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Save stores entry, replacing any previous entry with the same state.
func (m *Memory) Save(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.State] = entry
	return nil
}

// Consume removes and returns the entry for state.
func (m *Memory) Consume(_ context.Context, state string) (*Entry, error) {
	m.mu.Lock()
	entry, ok := m.entries[state]
	delete(m.entries, state)
	m.mu.Unlock()

	if !ok || entry.Expired(m.now()) {
		return nil, ErrNotFound
	}
	return &entry, nil
}

// Sweep drops expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for state, entry := range m.entries {
		if entry.Expired(now) {
			delete(m.entries, state)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Redis is a Store shared by every gateway replica.
type Redis struct {
	client *cache.Client
	now    func() time.Time
}

// NewRedis creates a Store on top of the shared cache client.
func NewRedis(client *cache.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

func redisKey(state string) string {
	return "oauth_state:" + state
}

// Save stores entry with a TTL matching its expiry.
func (r *Redis) Save(ctx context.Context, entry Entry) error {
	ttl := entry.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	return r.client.SetJSON(ctx, redisKey(entry.State), entry, ttl)
}

// Consume atomically takes the entry for state.
func (r *Redis) Consume(ctx context.Context, state string) (*Entry, error) {
	var entry Entry
	if err := r.client.TakeJSON(ctx, redisKey(state), &entry); err != nil {
		if errors.Is(err, cache.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if entry.Expired(r.now()) {
		return nil, ErrNotFound
	}
	return &entry, nil
}
