package extract

import (
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/multi/qrcode"
)

// decodeQRPayloads returns every QR payload found on the page. Decoding is
// best-effort: an undecodable page yields no payloads, not an error, since
// most mail pages carry no code at all.
func decodeQRPayloads(img image.Image) []string {
	source := gozxing.NewLuminanceSourceFromImage(img)
	bitmap, err := gozxing.NewBinaryBitmap(gozxing.NewHybridBinarizer(source))
	if err != nil {
		return nil
	}

	results, err := qrcode.NewQRCodeMultiReader().DecodeMultipleWithoutHint(bitmap)
	if err != nil {
		return nil
	}

	payloads := make([]string, 0, len(results))
	for _, result := range results {
		if text := result.GetText(); text != "" {
			payloads = append(payloads, text)
		}
	}
	return payloads
}
