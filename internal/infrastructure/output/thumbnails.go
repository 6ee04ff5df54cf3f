package output

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
)

// Thumbnailer renders fixed-width previews of the raster source pages next to
// the committed artifacts. Failures are logged and swallowed: a missing
// thumbnail never blocks a commit.
type Thumbnailer struct {
	outputDir string
	width     int
	logger    *slog.Logger
}

func NewThumbnailer(outputDir string, width int, logger *slog.Logger) *Thumbnailer {
	if width <= 0 {
		width = 320
	}
	return &Thumbnailer{outputDir: outputDir, width: width, logger: logger}
}

func (t *Thumbnailer) WriteThumbnails(ctx context.Context, session *domain.Session, sourcePaths []string) error {
	if session.Classification == nil {
		return nil
	}
	thumbDir := filepath.Join(t.outputDir, SanitizeFolderName(session.Classification.Sender), "thumbnails")
	if err := os.MkdirAll(thumbDir, 0o755); err != nil {
		return fmt.Errorf("create thumbnail directory: %w", err)
	}

	for idx, sourcePath := range sourcePaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.EqualFold(filepath.Ext(sourcePath), ".pdf") {
			continue
		}
		target := filepath.Join(thumbDir, fmt.Sprintf("%s_page_%d.png", session.ID, idx+1))
		if err := t.renderOne(sourcePath, target); err != nil {
			t.logger.Warn("thumbnail render failed",
				"session_id", session.ID,
				"source", sourcePath,
				"error", err)
		}
	}
	return nil
}

func (t *Thumbnailer) renderOne(sourcePath, targetPath string) error {
	f, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode source: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return fmt.Errorf("empty source image")
	}
	height := bounds.Dy() * t.width / bounds.Dx()
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, t.width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	out, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("create thumbnail: %w", err)
	}
	defer out.Close()

	if err := png.Encode(out, dst); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	return nil
}
