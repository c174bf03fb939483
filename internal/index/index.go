// Package index persists check results between runs. The engine's cache is
// in-memory only; the index lets a batch run skip files whose check
// fingerprint has not changed since the previous invocation and serves the
// last known diagnostics for reporting.
package index

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jward/cambium"
)

// Index is the SQLite persistence layer for check snapshots.
type Index struct {
	db *sql.DB
}

// FileRecord is one persisted file snapshot.
type FileRecord struct {
	Path        string
	Language    string
	Fingerprint cambium.Fingerprint
	LastChecked time.Time
}

// New opens a SQLite database at dbPath with WAL mode enabled.
func New(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Migrate creates the tables and indexes. Idempotent.
func (ix *Index) Migrate() error {
	_, err := ix.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
  id              INTEGER PRIMARY KEY,
  path            TEXT NOT NULL UNIQUE,
  language        TEXT NOT NULL,
  fingerprint     TEXT,
  last_checked    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS diagnostics (
  id              INTEGER PRIMARY KEY,
  file_id         INTEGER NOT NULL REFERENCES files(id),
  severity        INTEGER NOT NULL,
  start_line      INTEGER,
  start_col       INTEGER,
  end_line        INTEGER,
  end_col         INTEGER,
  message         TEXT NOT NULL,
  source          TEXT
);

CREATE INDEX IF NOT EXISTS idx_files_language ON files(language);
CREATE INDEX IF NOT EXISTS idx_diagnostics_file ON diagnostics(file_id);
`

// ReplaceFile transactionally upserts a file's snapshot: the row's
// fingerprint and timestamp, and a full replacement of its diagnostics.
func (ix *Index) ReplaceFile(path, language string, fp cambium.Fingerprint, diags []cambium.Diagnostic) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO files (path, language, fingerprint, last_checked)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
		  language = excluded.language,
		  fingerprint = excluded.fingerprint,
		  last_checked = excluded.last_checked`,
		path, language, fp.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", path, err)
	}

	// LastInsertId is unreliable on conflict updates; resolve by path.
	var fileID int64
	if err := tx.QueryRow("SELECT id FROM files WHERE path = ?", path).Scan(&fileID); err != nil {
		return fmt.Errorf("lookup file %s: %w", path, err)
	}

	if _, err := tx.Exec("DELETE FROM diagnostics WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("clear diagnostics for %s: %w", path, err)
	}
	for _, d := range diags {
		_, err := tx.Exec(`
			INSERT INTO diagnostics (file_id, severity, start_line, start_col, end_line, end_col, message, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			fileID, int(d.Severity),
			d.Range.Start.Line, d.Range.Start.Col, d.Range.End.Line, d.Range.End.Col,
			d.Message, d.Source)
		if err != nil {
			return fmt.Errorf("insert diagnostic for %s: %w", path, err)
		}
	}

	return tx.Commit()
}

// FileFingerprint returns the persisted check fingerprint for path.
func (ix *Index) FileFingerprint(path string) (cambium.Fingerprint, bool, error) {
	var s string
	err := ix.db.QueryRow("SELECT fingerprint FROM files WHERE path = ?", path).Scan(&s)
	if err == sql.ErrNoRows {
		return cambium.Fingerprint{}, false, nil
	}
	if err != nil {
		return cambium.Fingerprint{}, false, fmt.Errorf("query fingerprint for %s: %w", path, err)
	}
	fp, err := cambium.ParseFingerprint(s)
	if err != nil {
		return cambium.Fingerprint{}, false, fmt.Errorf("stored fingerprint for %s: %w", path, err)
	}
	return fp, true, nil
}

// DiagnosticsByFile returns the persisted diagnostics for path, in insert
// order.
func (ix *Index) DiagnosticsByFile(path string) ([]cambium.Diagnostic, error) {
	rows, err := ix.db.Query(`
		SELECT d.severity, d.start_line, d.start_col, d.end_line, d.end_col, d.message, d.source
		FROM diagnostics d
		JOIN files f ON f.id = d.file_id
		WHERE f.path = ?
		ORDER BY d.id`, path)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics for %s: %w", path, err)
	}
	defer rows.Close()

	var diags []cambium.Diagnostic
	for rows.Next() {
		var d cambium.Diagnostic
		var sev int
		if err := rows.Scan(&sev,
			&d.Range.Start.Line, &d.Range.Start.Col,
			&d.Range.End.Line, &d.Range.End.Col,
			&d.Message, &d.Source); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		d.Severity = cambium.Severity(sev)
		d.File = path
		diags = append(diags, d)
	}
	return diags, rows.Err()
}

// AllFiles returns every persisted file snapshot, ordered by path.
func (ix *Index) AllFiles() ([]FileRecord, error) {
	rows, err := ix.db.Query("SELECT path, language, fingerprint, last_checked FROM files ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		var r FileRecord
		var fp string
		if err := rows.Scan(&r.Path, &r.Language, &fp, &r.LastChecked); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		if parsed, err := cambium.ParseFingerprint(fp); err == nil {
			r.Fingerprint = parsed
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteFile transactionally removes a file's snapshot and diagnostics.
func (ix *Index) DeleteFile(path string) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var fileID int64
	err = tx.QueryRow("SELECT id FROM files WHERE path = ?", path).Scan(&fileID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup file %s: %w", path, err)
	}

	if _, err := tx.Exec("DELETE FROM diagnostics WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("delete diagnostics for %s: %w", path, err)
	}
	if _, err := tx.Exec("DELETE FROM files WHERE id = ?", fileID); err != nil {
		return fmt.Errorf("delete file %s: %w", path, err)
	}
	return tx.Commit()
}
