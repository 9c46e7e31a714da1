package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrEmailTaken      = errors.New("email already registered")
)

// Account is a stored credential set. Password hashes never leave this
// package.
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash []byte
	Disabled     bool
	CreatedAt    time.Time
}

// AccountStore persists accounts.
type AccountStore interface {
	Create(ctx context.Context, acct *Account) error
	ByEmail(ctx context.Context, email string) (*Account, error)
	ByID(ctx context.Context, id string) (*Account, error)
}

// MemoryAccounts is the in-memory account store used alongside the
// memory ranked store.
type MemoryAccounts struct {
	mu      sync.RWMutex
	byID    map[string]Account
	byEmail map[string]string
}

// NewMemoryAccounts creates an empty in-memory account store.
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{
		byID:    make(map[string]Account),
		byEmail: make(map[string]string),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (m *MemoryAccounts) Create(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := normalizeEmail(acct.Email)
	if _, exists := m.byEmail[email]; exists {
		return ErrEmailTaken
	}
	cp := *acct
	cp.Email = email
	m.byID[cp.ID] = cp
	m.byEmail[email] = cp.ID
	return nil
}

func (m *MemoryAccounts) ByEmail(ctx context.Context, email string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	acct := m.byID[id]
	return &acct, nil
}

func (m *MemoryAccounts) ByID(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acct, nil
}

// PostgresAccounts stores accounts in the shared PostgreSQL pool.
type PostgresAccounts struct {
	pool *pgxpool.Pool
}

// NewPostgresAccounts creates the account store and ensures its table.
func NewPostgresAccounts(ctx context.Context, pool *pgxpool.Pool) (*PostgresAccounts, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id VARCHAR(64) PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			display_name VARCHAR(255) NOT NULL,
			password_hash BYTEA NOT NULL,
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return nil, fmt.Errorf("creating accounts table: %w", err)
	}
	return &PostgresAccounts{pool: pool}, nil
}

func (p *PostgresAccounts) Create(ctx context.Context, acct *Account) error {
	query := `
		INSERT INTO accounts (id, email, display_name, password_hash, disabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO NOTHING
	`
	result, err := p.pool.Exec(ctx, query,
		acct.ID,
		normalizeEmail(acct.Email),
		acct.DisplayName,
		acct.PasswordHash,
		acct.Disabled,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("creating account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrEmailTaken
	}
	return nil
}

func (p *PostgresAccounts) ByEmail(ctx context.Context, email string) (*Account, error) {
	query := `
		SELECT id, email, display_name, password_hash, disabled, created_at
		FROM accounts
		WHERE email = $1
	`
	return p.scanOne(ctx, query, normalizeEmail(email))
}

func (p *PostgresAccounts) ByID(ctx context.Context, id string) (*Account, error) {
	query := `
		SELECT id, email, display_name, password_hash, disabled, created_at
		FROM accounts
		WHERE id = $1
	`
	return p.scanOne(ctx, query, id)
}

func (p *PostgresAccounts) scanOne(ctx context.Context, query, arg string) (*Account, error) {
	var acct Account
	err := p.pool.QueryRow(ctx, query, arg).Scan(
		&acct.ID,
		&acct.Email,
		&acct.DisplayName,
		&acct.PasswordHash,
		&acct.Disabled,
		&acct.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("querying account: %w", err)
	}
	return &acct, nil
}
