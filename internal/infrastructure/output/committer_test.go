package output

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
)

type stubEvidenceStore struct {
	files    map[string]*domain.RawFile
	evidence map[string]domain.PageEvidence
}

func (s *stubEvidenceStore) RecordFile(context.Context, *domain.RawFile) (bool, error) { return false, nil }
func (s *stubEvidenceStore) RecordPageEvidence(context.Context, *domain.PageEvidence) error {
	return nil
}
func (s *stubEvidenceStore) GetFile(_ context.Context, id string) (*domain.RawFile, error) {
	f, ok := s.files[id]
	if !ok {
		return nil, domain.ErrFileNotFound
	}
	return f, nil
}
func (s *stubEvidenceStore) FindFileByPath(context.Context, string) (*domain.RawFile, error) {
	return nil, domain.ErrFileNotFound
}
func (s *stubEvidenceStore) UpdateExtractionState(context.Context, string, domain.ExtractionState) error {
	return nil
}
func (s *stubEvidenceStore) EvidenceForFiles(_ context.Context, fileIDs []string) ([]domain.PageEvidence, error) {
	out := make([]domain.PageEvidence, 0, len(fileIDs))
	for _, id := range fileIDs {
		if ev, ok := s.evidence[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}
func (s *stubEvidenceStore) RecordDiagnostic(context.Context, string, *domain.Diagnostic) error {
	return nil
}
func (s *stubEvidenceStore) RecordLLMInteraction(context.Context, string, string, string, string) error {
	return nil
}

func testSessionAndResult() (*domain.Session, *domain.ClassificationResult, *stubEvidenceStore) {
	session := &domain.Session{
		ID:            "sess-42",
		MemberFileIDs: []string{"f1", "f2"},
		State:         domain.StateClassifying,
		OpenedAt:      time.Now(),
	}
	result := &domain.ClassificationResult{
		Sender:         "Energy Co / Billing!",
		Date:           "2026-08-12",
		Subject:        "August invoice",
		DocumentType:   domain.TypeInvoice,
		ContentSummary: "Monthly energy invoice for August.",
		Confidence:     0.93,
	}
	store := &stubEvidenceStore{
		files: map[string]*domain.RawFile{
			"f1": {ID: "f1", Path: "/scan/mail_0007_p1.png"},
			"f2": {ID: "f2", Path: "/scan/mail_0007_p2.png"},
		},
		evidence: map[string]domain.PageEvidence{
			"f1": {RawFileID: "f1", OCRText: "invoice", QRPayloads: []string{"https://pay.example/7"}},
			"f2": {RawFileID: "f2", OCRText: "page two", QRPayloads: []string{"https://pay.example/7"}},
		},
	}
	return session, result, store
}

func TestCommitWritesArtifactsInSanitizedSenderFolder(t *testing.T) {
	dir := t.TempDir()
	session, result, store := testSessionAndResult()
	committer := NewCommitter(dir, store)

	paths, err := committer.Commit(context.Background(), session, result)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	wantDir := filepath.Join(dir, "Energy_Co_Billing")
	if filepath.Dir(paths.YAML) != wantDir || filepath.Dir(paths.Markdown) != wantDir {
		t.Fatalf("expected artifacts under %s, got %s and %s", wantDir, paths.YAML, paths.Markdown)
	}

	yamlBytes, err := os.ReadFile(paths.YAML)
	if err != nil {
		t.Fatalf("read yaml: %v", err)
	}
	content := string(yamlBytes)
	if !strings.Contains(content, "sess-42") || !strings.Contains(content, "document_type: invoice") {
		t.Fatalf("yaml record missing fields:\n%s", content)
	}
	if strings.Count(content, "https://pay.example/7") != 1 {
		t.Fatalf("expected qr payloads deduplicated:\n%s", content)
	}

	mdBytes, err := os.ReadFile(paths.Markdown)
	if err != nil {
		t.Fatalf("read markdown: %v", err)
	}
	md := string(mdBytes)
	if !strings.HasPrefix(md, "---\n") || !strings.Contains(md, "Monthly energy invoice for August.") {
		t.Fatalf("markdown missing front matter or body:\n%s", md)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	session, result, store := testSessionAndResult()
	committer := NewCommitter(dir, store)

	paths, err := committer.Commit(context.Background(), session, result)
	if err != nil {
		t.Fatalf("first Commit() error = %v", err)
	}
	first, err := os.ReadFile(paths.YAML)
	if err != nil {
		t.Fatalf("read yaml: %v", err)
	}

	pathsAgain, err := committer.Commit(context.Background(), session, result)
	if err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}
	if pathsAgain.YAML != paths.YAML || pathsAgain.Markdown != paths.Markdown {
		t.Fatalf("expected stable artifact paths, got %+v then %+v", paths, pathsAgain)
	}
	second, err := os.ReadFile(paths.YAML)
	if err != nil {
		t.Fatalf("re-read yaml: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected byte-identical artifacts on re-commit")
	}
}

func TestSanitizeFolderName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Energy Co / Billing!", "Energy_Co_Billing"},
		{"", "UnknownSender"},
		{"   ", "UnknownSender"},
		{"///", "UnknownSender"},
		{"Tax-Office", "Tax-Office"},
		{strings.Repeat("a", 80), strings.Repeat("a", 50)},
	}
	for _, tc := range cases {
		if got := SanitizeFolderName(tc.in); got != tc.want {
			t.Errorf("SanitizeFolderName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
