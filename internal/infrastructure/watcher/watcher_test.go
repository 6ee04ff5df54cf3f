package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
)

type fakeIngestor struct {
	paths      []string
	duplicates map[string]bool
}

func (f *fakeIngestor) IngestFile(_ context.Context, path string, _ time.Time) (*domain.RawFile, bool, error) {
	f.paths = append(f.paths, path)
	return &domain.RawFile{ID: "id-" + filepath.Base(path), Path: path}, f.duplicates[path], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSettledFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("scan bytes"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func TestScanOnceIngestsNewFilesInSortedOrder(t *testing.T) {
	dir := t.TempDir()
	writeSettledFile(t, dir, "mail_0001_p2.png")
	writeSettledFile(t, dir, "mail_0001_p1.png")
	writeSettledFile(t, dir, "notes.txt")

	ingestor := &fakeIngestor{duplicates: map[string]bool{}}
	w := New(dir, time.Second, ingestor, discardLogger())

	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce() error = %v", err)
	}

	if len(ingestor.paths) != 2 {
		t.Fatalf("expected 2 ingests, got %v", ingestor.paths)
	}
	if filepath.Base(ingestor.paths[0]) != "mail_0001_p1.png" || filepath.Base(ingestor.paths[1]) != "mail_0001_p2.png" {
		t.Fatalf("expected sorted page order, got %v", ingestor.paths)
	}
}

func TestScanOnceSkipsAlreadyKnownFiles(t *testing.T) {
	dir := t.TempDir()
	writeSettledFile(t, dir, "mail_0002_p1.pdf")

	ingestor := &fakeIngestor{duplicates: map[string]bool{}}
	w := New(dir, time.Second, ingestor, discardLogger())

	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatalf("first scanOnce() error = %v", err)
	}
	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatalf("second scanOnce() error = %v", err)
	}
	if len(ingestor.paths) != 1 {
		t.Fatalf("expected file offered once, got %v", ingestor.paths)
	}
}

func TestScanOnceReoffersAfterFileRemovedAndRedropped(t *testing.T) {
	dir := t.TempDir()
	path := writeSettledFile(t, dir, "mail_0003_p1.jpg")

	ingestor := &fakeIngestor{duplicates: map[string]bool{}}
	w := New(dir, time.Second, ingestor, discardLogger())

	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce() error = %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce() after remove error = %v", err)
	}
	writeSettledFile(t, dir, "mail_0003_p1.jpg")
	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce() after re-drop error = %v", err)
	}
	if len(ingestor.paths) != 2 {
		t.Fatalf("expected re-dropped file offered again, got %v", ingestor.paths)
	}
}

func TestScanOnceSkipsFilesStillBeingWritten(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mail_0004_p1.png")
	if err := os.WriteFile(path, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ingestor := &fakeIngestor{duplicates: map[string]bool{}}
	w := New(dir, time.Second, ingestor, discardLogger())

	if err := w.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce() error = %v", err)
	}
	if len(ingestor.paths) != 0 {
		t.Fatalf("expected freshly written file skipped, got %v", ingestor.paths)
	}
}
