package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/carlossalguero/authgate/internal/auth/account"
	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
)

// Memory implements account.Store in process memory. Data does not survive a
// restart; use it for development and tests.
type Memory struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*account.Account
	byEmail map[string]uuid.UUID
}

// NewMemory creates an empty in-memory account store.
func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[uuid.UUID]*account.Account),
		byEmail: make(map[string]uuid.UUID),
	}
}

// Create inserts a new account, assigning its ID and timestamps.
func (m *Memory) Create(_ context.Context, acct *account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byEmail[acct.Email]; taken {
		return apperrors.AlreadyExists("account with this email already exists")
	}

	prepareForInsert(acct)
	stored := *acct
	m.byID[stored.ID] = &stored
	m.byEmail[stored.Email] = stored.ID

	return nil
}

// GetByID retrieves an account by ID.
func (m *Memory) GetByID(_ context.Context, id uuid.UUID) (*account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.byID[id]
	if !ok {
		return nil, apperrors.NotFound("account not found")
	}
	copied := *acct
	return &copied, nil
}

// GetByEmail retrieves an account by normalized email.
func (m *Memory) GetByEmail(ctx context.Context, email string) (*account.Account, error) {
	m.mu.RLock()
	id, ok := m.byEmail[email]
	m.mu.RUnlock()

	if !ok {
		return nil, apperrors.NotFound("account not found")
	}
	return m.GetByID(ctx, id)
}

// Len returns the number of stored accounts.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error {
	return nil
}
