package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/authgate/internal/auth/account"
	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
)

type pingStore interface {
	account.Store
	Ping(ctx context.Context) error
}

func openStores(t *testing.T) map[string]pingStore {
	t.Helper()
	ctx := context.Background()

	mem, err := OpenSQLite(ctx, MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	file, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })

	return map[string]pingStore{
		"memory":        NewMemory(),
		"sqlite-memory": mem,
		"sqlite-file":   file,
	}
}

func TestStores(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Ping(ctx))

			t.Run("create assigns id and defaults", func(t *testing.T) {
				acct := &account.Account{Email: "alice@x.com", DisplayName: "alice"}
				require.NoError(t, store.Create(ctx, acct))

				assert.NotEqual(t, uuid.Nil, acct.ID)
				assert.Equal(t, account.RoleUser, acct.Role)
				assert.False(t, acct.CreatedAt.IsZero())

				byEmail, err := store.GetByEmail(ctx, "alice@x.com")
				require.NoError(t, err)
				assert.Equal(t, acct.ID, byEmail.ID)
				assert.Equal(t, "alice", byEmail.DisplayName)
				assert.Nil(t, byEmail.PasswordHash)
				assert.False(t, byEmail.HasPassword())

				byID, err := store.GetByID(ctx, acct.ID)
				require.NoError(t, err)
				assert.Equal(t, "alice@x.com", byID.Email)
			})

			t.Run("duplicate email", func(t *testing.T) {
				err := store.Create(ctx, &account.Account{Email: "alice@x.com"})
				assert.True(t, apperrors.IsCode(err, apperrors.CodeAlreadyExists))
			})

			t.Run("password hash and role round trip", func(t *testing.T) {
				hash := "$2a$10$abcdefghijklmnopqrstuv"
				acct := &account.Account{Email: "root@x.com", PasswordHash: &hash, Role: account.RoleAdmin}
				require.NoError(t, store.Create(ctx, acct))

				got, err := store.GetByEmail(ctx, "root@x.com")
				require.NoError(t, err)
				require.NotNil(t, got.PasswordHash)
				assert.Equal(t, hash, *got.PasswordHash)
				assert.True(t, got.IsAdmin())
			})

			t.Run("not found", func(t *testing.T) {
				_, err := store.GetByEmail(ctx, "nobody@x.com")
				assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))

				_, err = store.GetByID(ctx, uuid.New())
				assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
			})
		})
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	acct := &account.Account{Email: "bob@x.com"}
	require.NoError(t, store.Create(ctx, acct))
	acct.Role = account.RoleAdmin

	got, err := store.GetByEmail(ctx, "bob@x.com")
	require.NoError(t, err)
	got.DisplayName = "mutated"

	again, err := store.GetByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, account.RoleUser, again.Role)
	assert.Empty(t, again.DisplayName)
	assert.Equal(t, 1, store.Len())
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), " ")
	assert.Error(t, err)
}

func TestSQLite_ConnStats(t *testing.T) {
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	active, idle := db.ConnStats()
	assert.Equal(t, 0, active)
	assert.LessOrEqual(t, idle, 1)
}
