package filestore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pdfqa/pdfqa/pkg/log"
)

// JanitorConfig controls the periodic sweep.
type JanitorConfig struct {
	Schedule       string        // cron spec, e.g. "@hourly"
	TempMaxAge     time.Duration // abandoned temp uploads older than this go
	CacheRetention time.Duration // orphaned cache dirs older than this go
}

// Janitor periodically removes abandoned temp upload files and cache
// directories no live handle refers to anymore.
type Janitor struct {
	cfg        JanitorConfig
	uploadsDir string
	cacheDir   string
	ledger     *Ledger
	cron       *cron.Cron
	logger     *slog.Logger
}

func NewJanitor(cfg JanitorConfig, uploadsDir, cacheDir string, ledger *Ledger) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if cfg.TempMaxAge <= 0 {
		cfg.TempMaxAge = time.Hour
	}
	if cfg.CacheRetention <= 0 {
		cfg.CacheRetention = 30 * 24 * time.Hour
	}
	return &Janitor{
		cfg:        cfg,
		uploadsDir: uploadsDir,
		cacheDir:   cacheDir,
		ledger:     ledger,
		cron:       cron.New(),
		logger:     log.WithModule("janitor"),
	}
}

// Start schedules the sweep and runs one immediately to clear leftovers from
// a previous run.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.Schedule, func() { j.Sweep(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	go j.Sweep(context.Background())
	return nil
}

func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep removes stale temp files and orphaned cache directories, returning
// how many of each were deleted.
func (j *Janitor) Sweep(ctx context.Context) (tempRemoved, cacheRemoved int) {
	tempRemoved = j.sweepTemp()
	cacheRemoved = j.sweepCache(ctx)
	if tempRemoved > 0 || cacheRemoved > 0 {
		j.logger.Info("sweep complete", "temp_removed", tempRemoved, "cache_removed", cacheRemoved)
	}
	return tempRemoved, cacheRemoved
}

func (j *Janitor) sweepTemp() int {
	entries, err := os.ReadDir(j.uploadsDir)
	if err != nil {
		j.logger.Warn("cannot read uploads dir", "dir", j.uploadsDir, "error", err)
		return 0
	}
	cutoff := time.Now().Add(-j.cfg.TempMaxAge)
	removed := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.uploadsDir, entry.Name())
		if err := os.Remove(path); err != nil {
			j.logger.Warn("failed to remove stale temp file", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}

func (j *Janitor) sweepCache(ctx context.Context) int {
	live, err := j.ledger.Fingerprints(ctx)
	if err != nil {
		j.logger.Warn("cannot list live fingerprints, skipping cache sweep", "error", err)
		return 0
	}
	entries, err := os.ReadDir(j.cacheDir)
	if err != nil {
		j.logger.Warn("cannot read cache dir", "dir", j.cacheDir, "error", err)
		return 0
	}
	cutoff := time.Now().Add(-j.cfg.CacheRetention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || live[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.cacheDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn("failed to remove orphaned cache dir", "path", path, "error", err)
			continue
		}
		j.logger.Info("removed orphaned index cache", "fingerprint", entry.Name())
		removed++
	}
	return removed
}
