package openrouter

import (
	"fmt"
	"strings"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
)

// maxPromptChars bounds each page's contribution so a dense multi-page scan
// cannot blow the context window.
const maxPromptChars = 6000

func buildClassificationPrompt(bundle ports.EvidenceBundle) string {
	var sb strings.Builder
	sb.WriteString(`You are an assistant that reads OCR text of scanned physical mail.
Return a strict JSON object with keys:
sender (string), date (string, ISO 8601 or empty), subject (string),
document_type (one of: `)
	sb.WriteString(documentTypeList())
	sb.WriteString(`),
content_summary (string, two or three sentences),
payment (object with optional keys iban, amount, due_date; omit entirely when no payment is requested),
confidence (number from 0 to 1).
No markdown, no extra keys. OCR text may contain recognition noise; read past it.

`)
	writePages(&sb, bundle)
	return sb.String()
}

func buildSameDocumentPrompt(a, b ports.EvidenceBundle) string {
	var sb strings.Builder
	sb.WriteString(`You are comparing two batches of scanned mail pages.
Decide whether they are pages of the SAME physical mail item
(same sender, same letter, continuing content) or two separate items.
Return strict JSON: {"same_document": true} or {"same_document": false}.

=== Batch A ===
`)
	writePages(&sb, a)
	sb.WriteString("\n=== Batch B ===\n")
	writePages(&sb, b)
	return sb.String()
}

func writePages(sb *strings.Builder, bundle ports.EvidenceBundle) {
	for idx, text := range bundle.PageTexts {
		if len(text) > maxPromptChars {
			text = text[:maxPromptChars]
		}
		fmt.Fprintf(sb, "--- Page %d ---\n%s\n", idx+1, text)
	}
	if len(bundle.QRPayloads) > 0 {
		sb.WriteString("--- QR codes found on the pages ---\n")
		for _, payload := range bundle.QRPayloads {
			sb.WriteString(payload)
			sb.WriteString("\n")
		}
	}
}

func documentTypeList() string {
	types := domain.DocumentTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
