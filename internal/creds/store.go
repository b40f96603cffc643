// Package creds implements C1, the credential store: user records
// persisted in SQLite, passwords hashed with Argon2id and never stored
// in plaintext, verification done in constant time.
package creds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vellum-mail/vellum/internal/logging"
	"github.com/vellum-mail/vellum/store"
)

var (
	// ErrAlreadyExists is returned by CreateUser for a duplicate username or email.
	ErrAlreadyExists = errors.New("creds: user already exists")
	// ErrInvalidInput is returned by CreateUser for an empty username/email/password.
	ErrInvalidInput = errors.New("creds: invalid input")
	// ErrNotFound is returned by operations addressing an unknown username.
	ErrNotFound = errors.New("creds: user not found")
)

// Hasher offloads the CPU-bound Argon2id computation so that C1's own
// mutex is never held while hashing (spec §5). In production this is the
// WorkManager's crypto pool; tests can pass a synchronous inline hasher.
type Hasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, encoded, password string) (bool, error)
}

// inlineHasher runs Argon2id directly on the caller's goroutine.
type inlineHasher struct{}

func (inlineHasher) Hash(_ context.Context, password string) (string, error) {
	return hashPassword(password)
}

func (inlineHasher) Verify(_ context.Context, encoded, password string) (bool, error) {
	return verifyPassword(encoded, password)
}

// Store is the credential store (C1), backed by the shared SQLite database.
type Store struct {
	db     *store.DB
	hasher Hasher
	mu     sync.Mutex // guards writes; reads need no lock (sqlite serializes them)
}

// NewStore constructs a credential store. A nil hasher uses the inline Argon2id path.
func NewStore(db *store.DB, hasher Hasher) *Store {
	if hasher == nil {
		hasher = inlineHasher{}
	}
	return &Store{db: db, hasher: hasher}
}

// CreateUser derives the password hash and inserts a new, enabled user.
// The caller never sees the plaintext again after this call returns.
func (s *Store) CreateUser(ctx context.Context, username, email, password string) (int64, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" || email == "" || password == "" {
		return 0, ErrInvalidInput
	}

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return 0, fmt.Errorf("creds: hashing: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, password_hash, enabled, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)`,
		username, email, hash, now, now)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logging.InfoLog("creds: user created username=%s id=%d", username, id)
	return id, nil
}

// VerifyCredentials returns true iff password is the last password set for
// username via CreateUser/ChangePassword and the user is enabled. Unknown
// users and wrong passwords are indistinguishable by return value.
func (s *Store) VerifyCredentials(ctx context.Context, username, password string) bool {
	row := s.db.QueryRowContext(ctx, `SELECT password_hash, enabled FROM users WHERE username = ?`, username)

	var hash string
	var enabled bool
	if err := row.Scan(&hash, &enabled); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logging.WarnLog("creds: verify lookup error username=%s: %v", username, err)
		}
		return false
	}
	if !enabled {
		logging.DebugLog("creds: verify rejected, disabled user")
		return false
	}

	ok, err := s.hasher.Verify(ctx, hash, password)
	if err != nil {
		logging.WarnLog("creds: verify error: %v", err)
		return false
	}
	return ok
}

// ChangePassword re-hashes and stores a new password for an existing user.
func (s *Store) ChangePassword(ctx context.Context, username, newPassword string) error {
	if newPassword == "" {
		return ErrInvalidInput
	}
	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return fmt.Errorf("creds: hashing: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ?, updated_at = ? WHERE username = ?`,
		hash, time.Now().UTC(), username)
	if err != nil {
		return err
	}
	return requireOneRowAffected(res)
}

// SetEnabled flips the enabled flag for a user, administratively locking an account.
func (s *Store) SetEnabled(ctx context.Context, username string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET enabled = ?, updated_at = ? WHERE username = ?`,
		enabled, time.Now().UTC(), username)
	if err != nil {
		return err
	}
	return requireOneRowAffected(res)
}

func requireOneRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
