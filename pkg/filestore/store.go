package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pdfqa/pdfqa/pkg/domain"
	"github.com/pdfqa/pdfqa/pkg/log"
)

// tempPrefix marks in-progress upload files; the janitor sweeps stale ones.
const tempPrefix = ".tmp-"

// Store persists uploaded PDFs under one directory and records each issued
// handle in the ledger. Writes go to a temp file first and are renamed into
// place, so a crashed upload never leaves a half-written PDF behind.
type Store struct {
	dir    string
	ledger *Ledger
	logger *slog.Logger
}

func NewStore(dir string, ledger *Ledger) *Store {
	return &Store{dir: dir, ledger: ledger, logger: log.WithModule("filestore")}
}

func (s *Store) Ledger() *Ledger { return s.ledger }

// Save streams one upload to disk, fingerprints it on the way through, and
// registers the handle. The returned Upload carries the issued pdf_id.
func (s *Store) Save(ctx context.Context, filename string, r io.Reader) (*Upload, error) {
	pdfID := newHandle(filename)
	finalPath := filepath.Join(s.dir, pdfID+".pdf")

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("%w: create upload file: %v", domain.ErrInternal, err)
	}
	tmpPath := tmp.Name()

	hash := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(r, hash))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: write upload: %v", domain.ErrInternal, err)
	}
	if size == 0 {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: uploaded file is empty", domain.ErrBadInput)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: finalize upload: %v", domain.ErrInternal, err)
	}

	u := &Upload{
		PDFID:       pdfID,
		Filename:    filename,
		Path:        finalPath,
		Fingerprint: hex.EncodeToString(hash.Sum(nil))[:16],
		UploadedAt:  time.Now().UTC(),
	}
	if err := s.ledger.Insert(ctx, u); err != nil {
		_ = os.Remove(finalPath)
		return nil, err
	}
	s.logger.Info("upload stored", "pdf_id", pdfID, "bytes", size, "fingerprint", u.Fingerprint)
	return u, nil
}

// Remove deletes the handle's ledger row and its file, returning the removed
// record so the caller can decide what to do with the shared index cache.
func (s *Store) Remove(ctx context.Context, pdfID string) (*Upload, error) {
	u, err := s.ledger.Get(ctx, pdfID)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.Delete(ctx, pdfID); err != nil {
		return nil, err
	}
	if err := os.Remove(u.Path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove upload file", "pdf_id", pdfID, "error", err)
	}
	return u, nil
}

// newHandle builds a unique, filesystem-safe handle from the client filename.
func newHandle(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = sanitize(base)
	if base == "" {
		base = "document"
	}
	return fmt.Sprintf("%s_%d_%s", base, time.Now().Unix(), uuid.NewString()[:8])
}

// sanitize keeps letters, digits, dash and underscore, replacing runs of
// anything else with a single underscore.
func sanitize(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
