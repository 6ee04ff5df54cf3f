package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
)

// Committer writes the final YAML record and Markdown summary into a
// per-sender folder. Artifact names derive from the session ID, so committing
// the same session twice lands on the same paths with identical bytes.
type Committer struct {
	outputDir string
	evidence  ports.EvidenceStore
}

func NewCommitter(outputDir string, evidence ports.EvidenceStore) *Committer {
	return &Committer{outputDir: outputDir, evidence: evidence}
}

type record struct {
	ID             string              `yaml:"id"`
	Sender         string              `yaml:"sender"`
	Date           string              `yaml:"date"`
	Subject        string              `yaml:"subject"`
	DocumentType   domain.DocumentType `yaml:"document_type"`
	ContentSummary string              `yaml:"content_summary"`
	QRPayloads     []string            `yaml:"qr_payloads"`
	Payment        *domain.PaymentInfo `yaml:"payment,omitempty"`
	SuspectedQR    bool                `yaml:"suspected_qr"`
	Confidence     float64             `yaml:"confidence"`
	ForceClosed    bool                `yaml:"force_closed,omitempty"`
	Pages          int                 `yaml:"pages"`
	SourceFiles    []string            `yaml:"source_files"`
}

func (c *Committer) Commit(ctx context.Context, session *domain.Session, result *domain.ClassificationResult) (*domain.OutputPaths, error) {
	rec, err := c.buildRecord(ctx, session, result)
	if err != nil {
		return nil, err
	}

	senderDir := filepath.Join(c.outputDir, SanitizeFolderName(result.Sender))
	if err := os.MkdirAll(senderDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sender directory: %w", err)
	}

	yamlBytes, err := yaml.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal yaml record: %w", err)
	}
	yamlPath := filepath.Join(senderDir, session.ID+".yaml")
	if err := writeFileAtomic(yamlPath, yamlBytes); err != nil {
		return nil, err
	}

	markdownPath := filepath.Join(senderDir, session.ID+".md")
	if err := writeFileAtomic(markdownPath, renderMarkdown(rec)); err != nil {
		return nil, err
	}

	return &domain.OutputPaths{YAML: yamlPath, Markdown: markdownPath}, nil
}

func (c *Committer) buildRecord(ctx context.Context, session *domain.Session, result *domain.ClassificationResult) (*record, error) {
	evidence, err := c.evidence.EvidenceForFiles(ctx, session.MemberFileIDs)
	if err != nil {
		return nil, fmt.Errorf("load session evidence: %w", err)
	}

	qrPayloads := []string{}
	seen := map[string]bool{}
	for _, ev := range evidence {
		for _, payload := range ev.QRPayloads {
			if !seen[payload] {
				seen[payload] = true
				qrPayloads = append(qrPayloads, payload)
			}
		}
	}

	sourceFiles := make([]string, 0, len(session.MemberFileIDs))
	for _, fileID := range session.MemberFileIDs {
		file, err := c.evidence.GetFile(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("load member file: %w", err)
		}
		sourceFiles = append(sourceFiles, file.Path)
	}

	return &record{
		ID:             session.ID,
		Sender:         result.Sender,
		Date:           result.Date,
		Subject:        result.Subject,
		DocumentType:   result.DocumentType,
		ContentSummary: result.ContentSummary,
		QRPayloads:     qrPayloads,
		Payment:        result.Payment,
		SuspectedQR:    result.SuspectedQR,
		Confidence:     result.Confidence,
		ForceClosed:    session.ForceClosed,
		Pages:          len(session.MemberFileIDs),
		SourceFiles:    sourceFiles,
	}, nil
}

// renderMarkdown produces a document with YAML front matter followed by the
// summary body, readable both by humans and by static-site indexers.
func renderMarkdown(rec *record) []byte {
	var sb strings.Builder
	sb.WriteString("---\n")

	frontMatter := *rec
	frontMatter.ContentSummary = ""
	fm, err := yaml.Marshal(&frontMatter)
	if err == nil {
		sb.Write(fm)
	}
	sb.WriteString("---\n\n")
	sb.WriteString(rec.ContentSummary)
	sb.WriteString("\n")
	return []byte(sb.String())
}

// writeFileAtomic stages into a sibling temp file and renames it over the
// target, so readers never observe a half-written artifact.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".commit-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("publish artifact %s: %w", path, err)
	}
	return nil
}

var (
	invalidFolderChars = regexp.MustCompile(`[^\w\s-]`)
	folderWhitespace   = regexp.MustCompile(`\s+`)
)

// SanitizeFolderName maps a sender name onto a filesystem-safe folder name.
func SanitizeFolderName(name string) string {
	if strings.TrimSpace(name) == "" {
		name = "UnknownSender"
	}
	name = strings.TrimSpace(invalidFolderChars.ReplaceAllString(name, ""))
	name = folderWhitespace.ReplaceAllString(name, "_")
	if name == "" {
		return "UnknownSender"
	}
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}
