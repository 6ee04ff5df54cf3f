package usecase

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScanFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestIngestFileRecordsAndPublishes(t *testing.T) {
	dir := t.TempDir()
	path := writeScanFile(t, dir, "mail_0001_p1.png", "scan bytes")

	evidence := newMemEvidence()
	queue := &fakeQueue{}
	uc := NewIngestFileUseCase(evidence, queue, testLogger())

	file, duplicate, err := uc.IngestFile(context.Background(), path, time.Now())
	if err != nil {
		t.Fatalf("IngestFile() error = %v", err)
	}
	if duplicate {
		t.Fatalf("fresh file reported as duplicate")
	}
	if file.ContentHash == "" {
		t.Fatalf("expected content hash")
	}
	if len(queue.published) != 1 || queue.published[0] != file.ID {
		t.Fatalf("expected discovery event for %s, got %v", file.ID, queue.published)
	}
}

func TestIngestFileDuplicateContentIsNoOp(t *testing.T) {
	dir := t.TempDir()
	first := writeScanFile(t, dir, "mail_0001_p1.png", "identical bytes")
	second := writeScanFile(t, dir, "rescan_of_p1.png", "identical bytes")

	evidence := newMemEvidence()
	queue := &fakeQueue{}
	uc := NewIngestFileUseCase(evidence, queue, testLogger())

	if _, _, err := uc.IngestFile(context.Background(), first, time.Now()); err != nil {
		t.Fatalf("first IngestFile() error = %v", err)
	}
	_, duplicate, err := uc.IngestFile(context.Background(), second, time.Now())
	if err != nil {
		t.Fatalf("second IngestFile() error = %v", err)
	}
	if !duplicate {
		t.Fatalf("expected identical bytes reported as duplicate")
	}
	if len(queue.published) != 1 {
		t.Fatalf("duplicate must not publish, got %v", queue.published)
	}
}

func TestIngestFileMissingPathFails(t *testing.T) {
	uc := NewIngestFileUseCase(newMemEvidence(), &fakeQueue{}, testLogger())

	_, _, err := uc.IngestFile(context.Background(), "/nonexistent/file.png", time.Now())
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
