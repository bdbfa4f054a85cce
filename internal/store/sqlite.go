// Package store provides SQLite-backed storage for flowlab sessions.
package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"flowlab/internal/cas"
	"flowlab/internal/editor"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrStateNotFound   = errors.New("session state not found")
)

// State blobs are compressed with shared zstd coders; creating one per
// call is wasteful.
var (
	zstdEnc, _ = zstd.NewWriter(nil)
	zstdDec, _ = zstd.NewReader(nil)
)

// DB wraps a SQLite connection for flowlab storage.
type DB struct {
	conn *sql.DB
	path string
}

// OpenDir opens or creates the database under the data directory.
func OpenDir(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return Open(filepath.Join(dataDir, "flowlab.db"))
}

// Open opens a database at the given path.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	db := &DB{conn: conn, path: dbPath}

	// Apply pragmas
	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	// Apply schema
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// ----- Sessions -----

// SessionRow is one sessions table row.
type SessionRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// CreateSession inserts a new session row.
func (db *DB) CreateSession(id, name string) (SessionRow, error) {
	now := cas.NowMs()
	row := SessionRow{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}

	_, err := db.conn.Exec(
		`INSERT INTO sessions (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, name, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return SessionRow{}, ErrSessionExists
		}
		return SessionRow{}, fmt.Errorf("inserting session: %w", err)
	}
	return row, nil
}

// GetSession fetches one session row.
func (db *DB) GetSession(id string) (SessionRow, error) {
	var row SessionRow
	err := db.conn.QueryRow(
		`SELECT id, name, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&row.ID, &row.Name, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return SessionRow{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRow{}, fmt.Errorf("querying session: %w", err)
	}
	return row, nil
}

// ListSessions returns all sessions, most recently updated first.
func (db *DB) ListSessions() ([]SessionRow, error) {
	rows, err := db.conn.Query(
		`SELECT id, name, created_at, updated_at FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		if err := rows.Scan(&row.ID, &row.Name, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// TouchSession bumps a session's updated_at.
func (db *DB) TouchSession(id string) error {
	res, err := db.conn.Exec(
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, cas.NowMs(), id,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session and, via cascade, its state, sync log
// and file rows.
func (db *DB) DeleteSession(id string) error {
	res, err := db.conn.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteExpired removes sessions not touched since the cutoff and
// returns their ids.
func (db *DB) DeleteExpired(cutoffMs int64) ([]string, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("starting expiry tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM sessions WHERE updated_at < ?`, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("querying expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired session: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := tx.Exec(`DELETE FROM sessions WHERE updated_at < ?`, cutoffMs); err != nil {
			return nil, fmt.Errorf("deleting expired sessions: %w", err)
		}
	}
	return ids, tx.Commit()
}

// ----- Editor state -----

// SaveState persists a session's editor state as a compressed blob.
func (db *DB) SaveState(sessionID string, st editor.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	blob := zstdEnc.EncodeAll(raw, nil)

	_, err = db.conn.Exec(
		`INSERT INTO session_state (session_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		sessionID, blob, cas.NowMs(),
	)
	if err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	return nil
}

// LoadState restores a session's editor state.
func (db *DB) LoadState(sessionID string) (editor.State, error) {
	var blob []byte
	err := db.conn.QueryRow(
		`SELECT state FROM session_state WHERE session_id = ?`, sessionID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return editor.State{}, ErrStateNotFound
	}
	if err != nil {
		return editor.State{}, fmt.Errorf("querying state: %w", err)
	}

	raw, err := zstdDec.DecodeAll(blob, nil)
	if err != nil {
		return editor.State{}, fmt.Errorf("decompressing state: %w", err)
	}
	var st editor.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return editor.State{}, fmt.Errorf("decoding state: %w", err)
	}
	return st, nil
}

// ----- Sync log -----

// SyncRecord is one completed sync.
type SyncRecord struct {
	Seq       int64    `json:"seq"`
	SessionID string   `json:"sessionId"`
	Version   int      `json:"version"`
	Digest    string   `json:"digest"`
	ChangeIDs []string `json:"changeIds"`
	FileCount int      `json:"fileCount"`
	SyncedAt  int64    `json:"syncedAt"`
}

// AppendSync records a completed sync and returns its sequence number.
func (db *DB) AppendSync(rec SyncRecord) (int64, error) {
	ids, err := json.Marshal(rec.ChangeIDs)
	if err != nil {
		return 0, fmt.Errorf("encoding change ids: %w", err)
	}
	if rec.SyncedAt == 0 {
		rec.SyncedAt = cas.NowMs()
	}

	res, err := db.conn.Exec(
		`INSERT INTO sync_log (session_id, version, digest, change_ids, file_count, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Version, rec.Digest, string(ids), rec.FileCount, rec.SyncedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("appending sync: %w", err)
	}
	return res.LastInsertId()
}

// ListSyncs returns a session's sync history, newest first. limit <= 0
// means no limit.
func (db *DB) ListSyncs(sessionID string, limit int) ([]SyncRecord, error) {
	q := `SELECT seq, session_id, version, digest, change_ids, file_count, synced_at
	      FROM sync_log WHERE session_id = ? ORDER BY seq DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing syncs: %w", err)
	}
	defer rows.Close()

	var out []SyncRecord
	for rows.Next() {
		var rec SyncRecord
		var ids string
		if err := rows.Scan(&rec.Seq, &rec.SessionID, &rec.Version, &rec.Digest, &ids, &rec.FileCount, &rec.SyncedAt); err != nil {
			return nil, fmt.Errorf("scanning sync: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &rec.ChangeIDs); err != nil {
			return nil, fmt.Errorf("decoding change ids: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ----- Generated files -----

// FileRow is one generated file record.
type FileRow struct {
	SessionID string `json:"-"`
	Version   int    `json:"version"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
}

// RecordFiles stores the file listing of one sync in a single
// transaction.
func (db *DB) RecordFiles(rows []FileRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("starting files tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range rows {
		if _, err := tx.Exec(
			`INSERT INTO gen_files (session_id, version, path, size) VALUES (?, ?, ?, ?)
			 ON CONFLICT(session_id, version, path) DO UPDATE SET size = excluded.size`,
			r.SessionID, r.Version, r.Path, r.Size,
		); err != nil {
			return fmt.Errorf("recording file %s: %w", r.Path, err)
		}
	}
	return tx.Commit()
}

// ListFiles returns the files of one sync version; version <= 0 selects
// the latest synced version.
func (db *DB) ListFiles(sessionID string, version int) ([]FileRow, error) {
	if version <= 0 {
		err := db.conn.QueryRow(
			`SELECT COALESCE(MAX(version), 0) FROM gen_files WHERE session_id = ?`, sessionID,
		).Scan(&version)
		if err != nil {
			return nil, fmt.Errorf("resolving latest version: %w", err)
		}
		if version == 0 {
			return nil, nil
		}
	}

	rows, err := db.conn.Query(
		`SELECT session_id, version, path, size FROM gen_files
		 WHERE session_id = ? AND version = ? ORDER BY path`,
		sessionID, version,
	)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	var out []FileRow
	for rows.Next() {
		var r FileRow
		if err := rows.Scan(&r.SessionID, &r.Version, &r.Path, &r.Size); err != nil {
			return nil, fmt.Errorf("scanning file: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
