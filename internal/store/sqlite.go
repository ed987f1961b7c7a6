package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS displays (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		kind            TEXT NOT NULL DEFAULT '',
		terminal_id     TEXT NOT NULL DEFAULT '',
		credential_hash TEXT UNIQUE NOT NULL,
		paired_at       TEXT NOT NULL,
		last_seen       TEXT NOT NULL,
		frames_relayed  INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS pairing_tokens (
		id         TEXT PRIMARY KEY,
		code_hash  TEXT UNIQUE NOT NULL,
		label      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		used_at    TEXT,
		used_by    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		key_hash   TEXT UNIQUE NOT NULL,
		prefix     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_used  TEXT
	)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Displays ---

const displayColumns = `id, name, kind, terminal_id, credential_hash, paired_at, last_seen, frames_relayed`

func (s *SQLiteStore) CreateDisplay(ctx context.Context, d *DisplayRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO displays (`+displayColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Kind, d.TerminalID, d.CredentialHash,
		d.PairedAt.UTC().Format(time.RFC3339), d.LastSeen.UTC().Format(time.RFC3339),
		d.FramesRelayed)
	return err
}

func (s *SQLiteStore) GetDisplay(ctx context.Context, id string) (*DisplayRecord, error) {
	return scanDisplay(s.db.QueryRowContext(ctx,
		`SELECT `+displayColumns+` FROM displays WHERE id = ?`, id))
}

func (s *SQLiteStore) GetDisplayByCredential(ctx context.Context, credentialHash string) (*DisplayRecord, error) {
	return scanDisplay(s.db.QueryRowContext(ctx,
		`SELECT `+displayColumns+` FROM displays WHERE credential_hash = ?`, credentialHash))
}

func (s *SQLiteStore) UpdateDisplaySeen(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE displays SET last_seen = ? WHERE id = ?`, t.UTC().Format(time.RFC3339), id)
	return err
}

func (s *SQLiteStore) AddFramesRelayed(ctx context.Context, id string, n int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE displays SET frames_relayed = frames_relayed + ? WHERE id = ?`, n, id)
	return err
}

func (s *SQLiteStore) ListDisplays(ctx context.Context) ([]*DisplayRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+displayColumns+` FROM displays ORDER BY paired_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var displays []*DisplayRecord
	for rows.Next() {
		d, err := scanDisplayRows(rows)
		if err != nil {
			return nil, err
		}
		displays = append(displays, d)
	}
	return displays, rows.Err()
}

func (s *SQLiteStore) DeleteDisplay(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM displays WHERE id = ?`, id)
	return err
}

func scanDisplay(row *sql.Row) (*DisplayRecord, error) {
	var d DisplayRecord
	var paired, seen string
	if err := row.Scan(&d.ID, &d.Name, &d.Kind, &d.TerminalID, &d.CredentialHash, &paired, &seen, &d.FramesRelayed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	d.PairedAt, _ = time.Parse(time.RFC3339, paired)
	d.LastSeen, _ = time.Parse(time.RFC3339, seen)
	return &d, nil
}

func scanDisplayRows(rows *sql.Rows) (*DisplayRecord, error) {
	var d DisplayRecord
	var paired, seen string
	if err := rows.Scan(&d.ID, &d.Name, &d.Kind, &d.TerminalID, &d.CredentialHash, &paired, &seen, &d.FramesRelayed); err != nil {
		return nil, err
	}
	d.PairedAt, _ = time.Parse(time.RFC3339, paired)
	d.LastSeen, _ = time.Parse(time.RFC3339, seen)
	return &d, nil
}

// --- Pairing Tokens ---

func (s *SQLiteStore) CreatePairingToken(ctx context.Context, t *PairingToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_tokens (id, code_hash, label, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.CodeHash, t.Label,
		t.CreatedAt.UTC().Format(time.RFC3339), t.ExpiresAt.UTC().Format(time.RFC3339))
	return err
}

// ConsumePairingToken atomically marks a token used. A consumed or expired
// token is an error; an unknown code returns (nil, nil).
func (s *SQLiteStore) ConsumePairingToken(ctx context.Context, codeHash string, displayID string) (*PairingToken, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var t PairingToken
	var created, expires string
	var usedAt, usedBy sql.NullString

	err = tx.QueryRowContext(ctx,
		`SELECT id, code_hash, label, created_at, expires_at, used_at, used_by
		 FROM pairing_tokens WHERE code_hash = ?`, codeHash).
		Scan(&t.ID, &t.CodeHash, &t.Label, &created, &expires, &usedAt, &usedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	t.ExpiresAt, _ = time.Parse(time.RFC3339, expires)

	if usedAt.Valid {
		return nil, ErrTokenConsumed
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pairing_tokens SET used_at = ?, used_by = ? WHERE id = ?`,
		now, displayID, t.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &t, nil
}

func (s *SQLiteStore) ListPairingTokens(ctx context.Context) ([]*PairingToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, code_hash, label, created_at, expires_at, used_at, used_by
		 FROM pairing_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var tokens []*PairingToken
	for rows.Next() {
		var t PairingToken
		var created, expires string
		var usedAt, usedBy sql.NullString
		if err := rows.Scan(&t.ID, &t.CodeHash, &t.Label, &created, &expires, &usedAt, &usedBy); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, created)
		t.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
		if usedAt.Valid {
			parsed, _ := time.Parse(time.RFC3339, usedAt.String)
			t.UsedAt = &parsed
		}
		t.UsedBy = usedBy.String
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) DeletePairingToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pairing_tokens WHERE id = ?`, id)
	return err
}

// --- API Keys ---

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, prefix, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.KeyHash, k.Prefix, k.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) VerifyAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	var created string
	var lastUsed sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, key_hash, prefix, created_at, last_used FROM api_keys WHERE key_hash = ?`, keyHash).
		Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &created, &lastUsed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, created)

	// Update last_used timestamp.
	now := time.Now()
	k.LastUsed = &now
	_, _ = s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = ? WHERE id = ?`,
		now.UTC().Format(time.RFC3339), k.ID)

	return &k, nil
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, key_hash, prefix, created_at, last_used FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		var created string
		var lastUsed sql.NullString
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &created, &lastUsed); err != nil {
			return nil, err
		}
		k.CreatedAt, _ = time.Parse(time.RFC3339, created)
		if lastUsed.Valid {
			parsed, _ := time.Parse(time.RFC3339, lastUsed.String)
			k.LastUsed = &parsed
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}
