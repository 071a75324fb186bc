// Package ledger persists upload state in SQLite: open upload sessions that
// a retry may resume, and a history of completed uploads.
//
// Session rows hold pre-authenticated upload URLs, so the database file is
// created owner-only.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// MemoryPath opens a private in-memory ledger. Used by tests.
const MemoryPath = ":memory:"

const (
	dbFilePerms = 0o600
	dbDirPerms  = 0o700
	busyTimeout = 5000 // milliseconds
)

// Strategy values recorded in history.
const (
	StrategySmall = "small"
	StrategyLarge = "large"
)

// SessionRecord is a persisted upload session for one destination.
type SessionRecord struct {
	Key        string
	SiteID     string
	RootID     string
	Dir        string
	Name       string
	UploadURL  string // pre-authenticated, never log
	Size       int64
	Hash       string // QuickXorHash of the content being uploaded
	NextOffset int64
	ExpiresAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HistoryEntry is one completed upload.
type HistoryEntry struct {
	ID           int64
	ItemID       string
	SiteID       string
	Dir          string
	Name         string
	Size         int64
	Strategy     string
	WebURL       string
	Hash         string
	HashVerified bool
	CompletedAt  time.Time
}

// Store is the SQLite ledger. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// SessionKey identifies a destination: the same site, root, folder and name
// always map to the same key.
func SessionKey(siteID, rootID, dir, name string) string {
	h := sha256.New()
	for _, part := range []string{siteID, rootID, dir, name} {
		// Length-prefix each part so ("a:b","c") and ("a","b:c") differ.
		fmt.Fprintf(h, "%d:%s|", len(part), part)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Open opens (creating if needed) the ledger at path and applies migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening ledger", slog.String("path", path))

	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), dbDirPerms); err != nil {
			return nil, fmt.Errorf("ledger: creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists only on the connection that created it.
	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db); err != nil {
		db.Close()

		return nil, err
	}

	if err := migrate(ctx, db, logger); err != nil {
		db.Close()

		return nil, err
	}

	if path != MemoryPath {
		if err := os.Chmod(path, dbFilePerms); err != nil {
			db.Close()

			return nil, fmt.Errorf("ledger: restricting permissions: %w", err)
		}
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("ledger: %s: %w", p, err)
		}
	}

	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession inserts or replaces the session for rec.Key. CreatedAt is
// kept from the first save.
func (s *Store) SaveSession(ctx context.Context, rec *SessionRecord) error {
	if rec.Key == "" {
		rec.Key = SessionKey(rec.SiteID, rec.RootID, rec.Dir, rec.Name)
	}

	now := s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_sessions
			(session_key, site_id, root_id, dir, name, upload_url, size, hash, next_offset, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			upload_url  = excluded.upload_url,
			size        = excluded.size,
			hash        = excluded.hash,
			next_offset = excluded.next_offset,
			expires_at  = excluded.expires_at,
			updated_at  = excluded.updated_at`,
		rec.Key, rec.SiteID, rec.RootID, rec.Dir, rec.Name, rec.UploadURL,
		rec.Size, rec.Hash, rec.NextOffset, toUnix(rec.ExpiresAt), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("ledger: saving session: %w", err)
	}

	s.logger.Debug("session saved",
		slog.String("name", rec.Name),
		slog.Int64("next_offset", rec.NextOffset),
		slog.Int64("size", rec.Size),
	)

	return nil
}

// UpdateOffset records that the server acknowledged bytes up to offset.
func (s *Store) UpdateOffset(ctx context.Context, key string, offset int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_sessions SET next_offset = ?, updated_at = ? WHERE session_key = ?`,
		offset, s.now().UnixNano(), key)
	if err != nil {
		return fmt.Errorf("ledger: updating offset: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: updating offset: no session %s", key)
	}

	return nil
}

// LoadSession returns the session stored under key, or nil, nil if none.
func (s *Store) LoadSession(ctx context.Context, key string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE session_key = ?`, key)

	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("ledger: loading session: %w", err)
	}

	return rec, nil
}

// DeleteSession removes the session stored under key. Deleting a missing
// session is not an error.
func (s *Store) DeleteSession(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("ledger: deleting session: %w", err)
	}

	return nil
}

// ListSessions returns every persisted session, oldest update first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelect+` ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord

	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scanning session: %w", err)
		}

		out = append(out, *rec)
	}

	return out, rows.Err()
}

// PruneSessions deletes sessions not updated since before. It returns the
// number removed. Server-side sessions are left to expire on their own.
func (s *Store) PruneSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE updated_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("ledger: pruning sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: pruning sessions: %w", err)
	}

	if n > 0 {
		s.logger.Info("pruned stale upload sessions", slog.Int64("count", n))
	}

	return n, nil
}

// RecordUpload appends a completed upload to the history.
func (s *Store) RecordUpload(ctx context.Context, e *HistoryEntry) error {
	if e.CompletedAt.IsZero() {
		e.CompletedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_history
			(item_id, site_id, dir, name, size, strategy, web_url, hash, hash_verified, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ItemID, e.SiteID, e.Dir, e.Name, e.Size, e.Strategy, e.WebURL, e.Hash, e.HashVerified, e.CompletedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording upload: %w", err)
	}

	e.ID, _ = res.LastInsertId()

	return nil
}

// History returns up to limit completed uploads, newest first. A limit of
// zero or less returns everything.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, site_id, dir, name, size, strategy, web_url, hash, hash_verified, completed_at
		FROM upload_history ORDER BY completed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: reading history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry

	for rows.Next() {
		var (
			e         HistoryEntry
			completed int64
		)

		if err := rows.Scan(&e.ID, &e.ItemID, &e.SiteID, &e.Dir, &e.Name, &e.Size, &e.Strategy,
			&e.WebURL, &e.Hash, &e.HashVerified, &completed); err != nil {
			return nil, fmt.Errorf("ledger: scanning history: %w", err)
		}

		e.CompletedAt = time.Unix(0, completed)
		out = append(out, e)
	}

	return out, rows.Err()
}

const sessionSelect = `
	SELECT session_key, site_id, root_id, dir, name, upload_url, size, hash, next_offset, expires_at, created_at, updated_at
	FROM upload_sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*SessionRecord, error) {
	var (
		rec                       SessionRecord
		expires, created, updated int64
	)

	if err := sc.Scan(&rec.Key, &rec.SiteID, &rec.RootID, &rec.Dir, &rec.Name, &rec.UploadURL,
		&rec.Size, &rec.Hash, &rec.NextOffset, &expires, &created, &updated); err != nil {
		return nil, err
	}

	rec.ExpiresAt = fromUnix(expires)
	rec.CreatedAt = fromUnix(created)
	rec.UpdatedAt = fromUnix(updated)

	return &rec, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnix(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}
