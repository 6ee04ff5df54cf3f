package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
)

// embeddedTextFloor is the length under which a page's embedded text layer is
// treated as absent. Scanned PDFs usually carry none at all, but some
// scanners inject a few stray glyphs.
const embeddedTextFloor = 32

func (e *Extractor) extractPDF(ctx context.Context, path string) ([]ports.ExtractedPage, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "open pdf", err)
	}
	defer f.Close()

	pageCount := reader.NumPage()
	if pageCount == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "open pdf",
			fmt.Errorf("pdf %s has no pages", path))
	}

	pages := make([]ports.ExtractedPage, 0, pageCount)
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text := embeddedPageText(reader, pageNum)
		if len(text) >= embeddedTextFloor {
			pages = append(pages, ports.ExtractedPage{
				Text:          text,
				Confidence:    1.0,
				NonEmptyImage: true,
			})
			continue
		}

		// No usable text layer: treat the page as a scan and OCR its
		// embedded images instead.
		page, err := e.ocrPDFPage(ctx, path, pageNum)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func embeddedPageText(reader *pdf.Reader, pageNum int) string {
	page := reader.Page(pageNum)
	if page.V.IsNull() {
		return ""
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

func (e *Extractor) ocrPDFPage(ctx context.Context, path string, pageNum int) (ports.ExtractedPage, error) {
	tempDir, err := os.MkdirTemp("", "mail-pdf-page-*")
	if err != nil {
		return ports.ExtractedPage{}, fmt.Errorf("create page temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	selected := []string{strconv.Itoa(pageNum)}
	if err := api.ExtractImagesFile(path, tempDir, selected, nil); err != nil {
		return ports.ExtractedPage{}, fmt.Errorf("extract images from pdf page %d: %w", pageNum, err)
	}

	imagePaths, err := listExtractedImages(tempDir)
	if err != nil {
		return ports.ExtractedPage{}, err
	}
	if len(imagePaths) == 0 {
		// Vector-only page with no text layer: nothing to read.
		return ports.ExtractedPage{}, nil
	}

	var merged ports.ExtractedPage
	var confidenceSum float64
	for _, imagePath := range imagePaths {
		page, err := e.extractImageFile(ctx, imagePath)
		if err != nil {
			return ports.ExtractedPage{}, err
		}
		if page.Text != "" {
			if merged.Text != "" {
				merged.Text += "\n"
			}
			merged.Text += page.Text
		}
		merged.QRPayloads = append(merged.QRPayloads, page.QRPayloads...)
		merged.NonEmptyImage = merged.NonEmptyImage || page.NonEmptyImage
		confidenceSum += page.Confidence
	}
	merged.Confidence = confidenceSum / float64(len(imagePaths))
	return merged, nil
}

func listExtractedImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list extracted images: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if imageExtensions[ext] {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
