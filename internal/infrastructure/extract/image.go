package extract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/otiai10/gosseract/v2"
	_ "golang.org/x/image/tiff"

	"github.com/doublej/snail-mail-parser/internal/core/ports"
)

func (e *Extractor) extractImageFile(ctx context.Context, path string) (ports.ExtractedPage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ports.ExtractedPage{}, fmt.Errorf("read image %s: %w", path, err)
	}
	return e.extractImageBytes(ctx, data)
}

func (e *Extractor) extractImageBytes(ctx context.Context, data []byte) (ports.ExtractedPage, error) {
	if err := ctx.Err(); err != nil {
		return ports.ExtractedPage{}, err
	}

	text, confidence, err := e.recognize(data)
	if err != nil {
		return ports.ExtractedPage{}, err
	}

	img, _, decodeErr := image.Decode(bytes.NewReader(data))

	var payloads []string
	nonEmpty := false
	if decodeErr == nil {
		payloads = decodeQRPayloads(img)
		nonEmpty = hasVisibleContent(img)
	}

	return ports.ExtractedPage{
		Text:          text,
		Confidence:    confidence,
		QRPayloads:    payloads,
		NonEmptyImage: nonEmpty,
	}, nil
}

func (e *Extractor) recognize(data []byte) (string, float64, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetImageFromBytes(data); err != nil {
		return "", 0, fmt.Errorf("set ocr image: %w", err)
	}
	if err := client.SetLanguage(e.languages...); err != nil {
		return "", 0, fmt.Errorf("set ocr languages: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", 0, fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), wordConfidence(client), nil
}

func wordConfidence(client *gosseract.Client) float64 {
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}

// hasVisibleContent samples the image for non-background pixels. A page that
// produced no OCR text but still carries ink is flagged so downstream can
// suspect an undecoded QR or graphic.
func hasVisibleContent(img image.Image) bool {
	bounds := img.Bounds()
	if bounds.Empty() {
		return false
	}

	step := bounds.Dx() / 64
	if step < 1 {
		step = 1
	}

	total, dark := 0, 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			r, g, b, _ := img.At(x, y).RGBA()
			luma := (299*r + 587*g + 114*b) / 1000
			total++
			if luma < 0xA000 {
				dark++
			}
		}
	}
	if total == 0 {
		return false
	}
	return float64(dark)/float64(total) > 0.005
}
