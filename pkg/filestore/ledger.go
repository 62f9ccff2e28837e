// Package filestore owns the proxy's on-disk state: uploaded PDFs, the
// sqlite ledger mapping handles to files, and the janitor that sweeps
// leftovers.
package filestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pdfqa/pdfqa/pkg/domain"
)

// Upload is one ledger row: a handle issued to a client and the file it
// refers to. NumPages and NumChunks are filled in once indexing succeeds.
type Upload struct {
	PDFID       string    `json:"pdf_id"`
	Filename    string    `json:"filename"`
	Path        string    `json:"-"`
	Fingerprint string    `json:"-"`
	NumPages    int       `json:"num_pages"`
	NumChunks   int       `json:"num_chunks"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Ledger is the sqlite-backed registry of issued handles. It survives
// restarts so the janitor can tell live cache directories from orphans.
type Ledger struct {
	db *sql.DB
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS uploads (
	pdf_id      TEXT PRIMARY KEY,
	filename    TEXT NOT NULL,
	path        TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	num_pages   INTEGER NOT NULL DEFAULT 0,
	num_chunks  INTEGER NOT NULL DEFAULT 0,
	uploaded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_fingerprint ON uploads(fingerprint);
`

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// One writer at a time keeps sqlite happy under concurrent uploads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) Insert(ctx context.Context, u *Upload) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO uploads (pdf_id, filename, path, fingerprint, num_pages, num_chunks, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.PDFID, u.Filename, u.Path, u.Fingerprint, u.NumPages, u.NumChunks, u.UploadedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert upload %s: %w", u.PDFID, err)
	}
	return nil
}

// Get returns the upload for a handle, or ErrUnknownHandle.
func (l *Ledger) Get(ctx context.Context, pdfID string) (*Upload, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT pdf_id, filename, path, fingerprint, num_pages, num_chunks, uploaded_at
		 FROM uploads WHERE pdf_id = ?`, pdfID)
	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownHandle, pdfID)
	}
	if err != nil {
		return nil, fmt.Errorf("load upload %s: %w", pdfID, err)
	}
	return u, nil
}

// List returns all uploads, newest first.
func (l *Ledger) List(ctx context.Context) ([]*Upload, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT pdf_id, filename, path, fingerprint, num_pages, num_chunks, uploaded_at
		 FROM uploads ORDER BY uploaded_at DESC, pdf_id`)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

// Delete removes a handle. Returns ErrUnknownHandle when nothing matched.
func (l *Ledger) Delete(ctx context.Context, pdfID string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM uploads WHERE pdf_id = ?`, pdfID)
	if err != nil {
		return fmt.Errorf("delete upload %s: %w", pdfID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnknownHandle, pdfID)
	}
	return nil
}

// SetIndexStats records the page and chunk counts reported by indexing.
func (l *Ledger) SetIndexStats(ctx context.Context, pdfID string, numPages, numChunks int) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE uploads SET num_pages = ?, num_chunks = ? WHERE pdf_id = ?`,
		numPages, numChunks, pdfID)
	if err != nil {
		return fmt.Errorf("update stats for %s: %w", pdfID, err)
	}
	return nil
}

// FingerprintShared reports whether any handle other than excludeID refers to
// the same document bytes. The cache directory must outlive the deletion of
// one handle when others still point at it.
func (l *Ledger) FingerprintShared(ctx context.Context, fingerprint, excludeID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM uploads WHERE fingerprint = ? AND pdf_id != ?`,
		fingerprint, excludeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count fingerprint %s: %w", fingerprint, err)
	}
	return n > 0, nil
}

// Fingerprints returns the set of fingerprints referenced by live handles.
func (l *Ledger) Fingerprints(ctx context.Context) (map[string]bool, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT fingerprint FROM uploads`)
	if err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	defer rows.Close()

	live := make(map[string]bool)
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		live[fp] = true
	}
	return live, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*Upload, error) {
	var u Upload
	if err := row.Scan(&u.PDFID, &u.Filename, &u.Path, &u.Fingerprint,
		&u.NumPages, &u.NumChunks, &u.UploadedAt); err != nil {
		return nil, err
	}
	u.UploadedAt = u.UploadedAt.UTC()
	return &u, nil
}
