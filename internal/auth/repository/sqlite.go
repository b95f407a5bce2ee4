package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/carlossalguero/authgate/internal/auth/account"
	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		display_name  TEXT NOT NULL DEFAULT '',
		password_hash TEXT,
		role          TEXT NOT NULL DEFAULT 'user',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	)
`

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// SQLite implements account.Store over a single SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the SQLite database at path and applies
// the schema. Pass MemoryDSN for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := MemoryDSN
	if path != MemoryDSN {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps in-memory databases coherent and serializes inserts.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating accounts table: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ConnStats returns the in-use and idle connection counts.
func (s *SQLite) ConnStats() (active, idle int) {
	stats := s.db.Stats()
	return stats.InUse, stats.Idle
}

// Create inserts a new account, assigning its ID and timestamps.
func (s *SQLite) Create(ctx context.Context, acct *account.Account) error {
	prepareForInsert(acct)

	query := `
		INSERT INTO accounts (id, email, display_name, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		acct.ID.String(), acct.Email, acct.DisplayName, nullableString(acct.PasswordHash),
		string(acct.Role), toMillis(acct.CreatedAt), toMillis(acct.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return apperrors.AlreadyExists("account with this email already exists")
		}
		return fmt.Errorf("creating account: %w", err)
	}

	return nil
}

// GetByID retrieves an account by ID.
func (s *SQLite) GetByID(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	query := `
		SELECT id, email, display_name, password_hash, role, created_at, updated_at
		FROM accounts
		WHERE id = ?
	`
	return s.scanOne(ctx, query, id.String())
}

// GetByEmail retrieves an account by normalized email.
func (s *SQLite) GetByEmail(ctx context.Context, email string) (*account.Account, error) {
	query := `
		SELECT id, email, display_name, password_hash, role, created_at, updated_at
		FROM accounts
		WHERE email = ?
	`
	return s.scanOne(ctx, query, email)
}

func (s *SQLite) scanOne(ctx context.Context, query string, arg any) (*account.Account, error) {
	var (
		acct         account.Account
		id, role     string
		passwordHash sql.NullString
		createdAt    int64
		updatedAt    int64
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&id, &acct.Email, &acct.DisplayName, &passwordHash, &role, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("account not found")
		}
		return nil, fmt.Errorf("getting account: %w", err)
	}

	acct.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parsing account id: %w", err)
	}
	if passwordHash.Valid {
		acct.PasswordHash = &passwordHash.String
	}
	acct.Role = account.Role(role)
	acct.CreatedAt = fromMillis(createdAt)
	acct.UpdatedAt = fromMillis(updatedAt)

	return &acct, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
