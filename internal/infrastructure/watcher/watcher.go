package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/doublej/snail-mail-parser/internal/core/ports"
)

var scannableExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
	".pdf":  true,
}

// Watcher polls the scanner drop directory and feeds new files into the
// pipeline. Polling is deliberate: the directory usually lives on a network
// share where inotify events are unreliable.
type Watcher struct {
	scanDir  string
	interval time.Duration
	ingestor ports.FileIngestor
	logger   *slog.Logger

	known map[string]bool
}

func New(scanDir string, interval time.Duration, ingestor ports.FileIngestor, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		scanDir:  scanDir,
		interval: interval,
		ingestor: ingestor,
		logger:   logger,
		known:    make(map[string]bool),
	}
}

// Run blocks until ctx is cancelled. The first scan treats existing files as
// new, so restarting the watcher picks up anything dropped while it was down;
// content-hash dedup downstream makes re-offers harmless.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watcher started", "scan_dir", w.scanDir, "interval", w.interval.String())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.scanOnce(ctx); err != nil {
			w.logger.Error("scan pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("watcher stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) scanOnce(ctx context.Context) error {
	entries, err := os.ReadDir(w.scanDir)
	if err != nil {
		return fmt.Errorf("read scan directory: %w", err)
	}

	fresh := make([]string, 0)
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !scannableExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		path := filepath.Join(w.scanDir, entry.Name())
		seen[path] = true
		if !w.known[path] {
			fresh = append(fresh, path)
		}
	}

	// Forget files removed from the drop directory so a re-drop of the same
	// name is offered again.
	for path := range w.known {
		if !seen[path] {
			delete(w.known, path)
		}
	}

	// Deterministic order so page 1 reaches the pipeline before page 2.
	sort.Strings(fresh)

	for _, path := range fresh {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !w.settled(path) {
			continue
		}

		file, duplicate, err := w.ingestor.IngestFile(ctx, path, time.Now().UTC())
		if err != nil {
			w.logger.Error("ingest failed", "path", path, "error", err)
			continue
		}
		w.known[path] = true
		if duplicate {
			w.logger.Info("duplicate scan skipped", "path", path)
			continue
		}
		w.logger.Info("file ingested", "path", path, "file_id", file.ID)
	}
	return nil
}

// settled reports whether the scanner finished writing the file. A file
// modified within the last second may still be streaming in.
func (w *Watcher) settled(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) >= time.Second && info.Size() > 0
}
