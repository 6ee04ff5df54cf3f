package domain

import "time"

type ExtractionState string

const (
	ExtractionPending ExtractionState = "pending"
	ExtractionDone    ExtractionState = "done"
	ExtractionFailed  ExtractionState = "failed"
)

// RawFile is one ingested scan artifact. Immutable once discovered;
// ContentHash keys idempotent re-ingestion of identical bytes.
type RawFile struct {
	ID           string          `json:"id"`
	Path         string          `json:"path"`
	ContentHash  string          `json:"content_hash"`
	PageIndex    int             `json:"page_index"`
	DiscoveredAt time.Time       `json:"discovered_at"`
	Extraction   ExtractionState `json:"extraction"`
}

// PageEvidence is the extraction result for one RawFile. Written at most
// once per file; a second write is an invariant violation, not an upsert.
type PageEvidence struct {
	RawFileID     string   `json:"raw_file_id"`
	OCRText       string   `json:"ocr_text"`
	OCRConfidence float64  `json:"ocr_confidence"`
	QRPayloads    []string `json:"qr_payloads"`
	// NonEmptyImage records that at least one page carried visible content,
	// whether or not OCR read anything from it. Near-empty OCR text only
	// suggests an unread code when the page itself was not blank.
	NonEmptyImage bool      `json:"non_empty_image"`
	Failed        bool      `json:"failed"`
	ExtractedAt   time.Time `json:"extracted_at"`
}

// NearEmptyOCRThreshold is the character count below which a page's OCR text
// counts as near-empty when deciding the suspected-QR signal.
const NearEmptyOCRThreshold = 16
