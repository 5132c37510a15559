// Package store is the proxy's local persistence: the durable OAuth refresh
// token and proxy identity, the printer name to remote ID map, the local user
// table backing deferred-job authentication, and a per-job status journal.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrPrinterIDAssigned = errors.New("printer already has a remote id")
	ErrUserExists        = errors.New("user already exists")
)

const (
	SettingRefreshToken = "refresh_token"
	SettingProxyID      = "proxy_id"
	SettingXMPPJID      = "xmpp_jid"
	SettingUserEmail    = "user_email"
	SettingAccepted     = "registration_accepted"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS printers (
			name TEXT PRIMARY KEY,
			remote_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS job_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_journal_job ON job_journal(job_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// AssignPrinterID records the remote ID for a local queue name. The mapping is
// write-once: assigning a different ID to a known printer fails.
func (s *Store) AssignPrinterID(ctx context.Context, name, remoteID string) error {
	existing, err := s.PrinterID(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		if existing == remoteID {
			return nil
		}
		return ErrPrinterIDAssigned
	}

	_, err = s.db.ExecContext(ctx, "INSERT INTO printers (name, remote_id) VALUES (?, ?)", name, remoteID)
	if err != nil {
		return fmt.Errorf("failed to assign printer id: %w", err)
	}
	return nil
}

func (s *Store) PrinterID(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT remote_id FROM printers WHERE name = ?", name).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get printer id: %w", err)
	}
	return id, nil
}

func (s *Store) RemovePrinter(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM printers WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to remove printer: %w", err)
	}
	return nil
}

func (s *Store) PrinterIDs(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, remote_id FROM printers")
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]string)
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("failed to scan printer: %w", err)
		}
		ids[name] = id
	}
	return ids, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = s.db.ExecContext(ctx, "INSERT INTO users (username, password_hash) VALUES (?, ?)", username, string(hash))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// Authenticate checks a username/password pair. A failed match is a normal
// outcome, not an error.
func (s *Store) Authenticate(ctx context.Context, username, password string) (bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, "SELECT password_hash FROM users WHERE username = ?", username).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load user: %w", err)
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

func (s *Store) UserKnown(ctx context.Context, username string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return n > 0, nil
}

type JournalEntry struct {
	JobID        string
	Status       string
	ErrorCode    string
	ErrorMessage string
	RecordedAt   time.Time
}

func (s *Store) AppendJournal(ctx context.Context, e JournalEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_journal (job_id, status, error_code, error_message)
		VALUES (?, ?, ?, ?)
	`, e.JobID, e.Status, e.ErrorCode, e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to append journal: %w", err)
	}
	return nil
}

func (s *Store) Journal(ctx context.Context, jobID string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, status, error_code, error_message, recorded_at
		FROM job_journal WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.JobID, &e.Status, &e.ErrorCode, &e.ErrorMessage, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
