package account_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/authgate/internal/auth/account"
	"github.com/carlossalguero/authgate/internal/auth/identity"
	"github.com/carlossalguero/authgate/internal/auth/repository"
	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
	"github.com/carlossalguero/authgate/internal/shared/logger"
)

// blindStore hides existing accounts from the first lookup, forcing the
// linker down the create-conflict path.
type blindStore struct {
	account.Store
	mu      sync.Mutex
	blinded bool
}

func (s *blindStore) GetByEmail(ctx context.Context, email string) (*account.Account, error) {
	s.mu.Lock()
	first := !s.blinded
	s.blinded = true
	s.mu.Unlock()

	if first {
		return nil, apperrors.NotFound("account not found")
	}
	return s.Store.GetByEmail(ctx, email)
}

func TestLinker_ResolveOrCreate(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()
	linker := account.NewLinker(store, logger.Nop())

	id := &identity.Canonical{Provider: "github", Email: "alice@x.com", DisplayName: "alice"}

	first, created, err := linker.ResolveOrCreate(ctx, id)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, account.RoleUser, first.Role)
	assert.Nil(t, first.PasswordHash)
	assert.Equal(t, "alice", first.DisplayName)

	t.Run("idempotent", func(t *testing.T) {
		second, created, err := linker.ResolveOrCreate(ctx, id)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, store.Len())
	})

	t.Run("existing record is not overwritten", func(t *testing.T) {
		renamed := &identity.Canonical{Provider: "google", Email: "alice@x.com", DisplayName: "Alice Google"}

		got, created, err := linker.ResolveOrCreate(ctx, renamed)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, got.ID)
		assert.Equal(t, "alice", got.DisplayName)
	})

	t.Run("missing email", func(t *testing.T) {
		_, _, err := linker.ResolveOrCreate(ctx, &identity.Canonical{Provider: "github"})
		assert.True(t, apperrors.IsCode(err, apperrors.CodeMissingEmail))
	})
}

func TestLinker_ConflictReReads(t *testing.T) {
	ctx := context.Background()
	mem := repository.NewMemory()

	winner := &account.Account{Email: "carol@x.com", DisplayName: "carol"}
	require.NoError(t, mem.Create(ctx, winner))

	linker := account.NewLinker(&blindStore{Store: mem}, logger.Nop())

	got, created, err := linker.ResolveOrCreate(ctx, &identity.Canonical{Email: "carol@x.com", DisplayName: "late"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner.ID, got.ID)
	assert.Equal(t, "carol", got.DisplayName)
	assert.Equal(t, 1, mem.Len())
}

func TestLinker_ConcurrentCallbacks(t *testing.T) {
	ctx := context.Background()

	store, err := repository.OpenSQLite(ctx, repository.MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	linker := account.NewLinker(store, logger.Nop())
	id := &identity.Canonical{Provider: "github", Email: "race@x.com"}

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]struct{})
		created int
	)

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			acct, isNew, err := linker.ResolveOrCreate(ctx, id)
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			ids[acct.ID.String()] = struct{}{}
			if isNew {
				created++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
}
