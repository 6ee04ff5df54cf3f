package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
)

// Extractor turns one scanned file into per-page OCR text and QR payloads.
// Images map to a single page; PDFs are split and may expand into several.
type Extractor struct {
	languages []string
}

// NewExtractor accepts tesseract language specs in "eng+nld" form.
func NewExtractor(languages string) *Extractor {
	return &Extractor{languages: splitLanguages(languages)}
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

func (e *Extractor) ExtractPages(ctx context.Context, path string) ([]ports.ExtractedPage, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".pdf":
		return e.extractPDF(ctx, path)
	case imageExtensions[ext]:
		page, err := e.extractImageFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return []ports.ExtractedPage{page}, nil
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "extract pages",
			fmt.Errorf("unsupported file type %q", ext))
	}
}

func splitLanguages(spec string) []string {
	parts := strings.Split(spec, "+")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"eng"}
	}
	return out
}
