/**
 * Image loading for the extraction pipeline
 *
 * Captured documents arrive as phone photos or scans in any common format.
 * Decoding applies EXIF orientation so anchor coordinates match what the
 * user saw when taking the picture.
 */

package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	apperrors "github.com/adverant/nexus/docextract-worker/internal/errors"
)

// Decode decodes raw image bytes, honouring EXIF orientation.
// Failures are ImageLoadErrors tagged with stage.
func Decode(data []byte, stage string) (image.Image, error) {
	if len(data) == 0 {
		return nil, apperrors.NewImageLoadError(stage, fmt.Errorf("empty image buffer"))
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperrors.NewImageLoadError(stage, err)
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, apperrors.NewImageLoadError(stage, fmt.Errorf("image has no pixels (%dx%d)", b.Dx(), b.Dy()))
	}

	return img, nil
}

// EncodePNG encodes img losslessly for OCR engines and artifact upload.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// DetectMimeType detects the image MIME type from content magic bytes.
// Capture clients often send "application/octet-stream"; the content is authoritative.
func DetectMimeType(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return "image/tiff"
	case bytes.HasPrefix(data, []byte("BM")):
		return "image/bmp"
	case bytes.HasPrefix(data, []byte("%PDF")):
		return "application/pdf"
	}

	return ""
}

// IsSupportedImage reports whether mimeType can be decoded by Decode.
func IsSupportedImage(mimeType string) bool {
	switch mimeType {
	case "image/png", "image/jpeg", "image/jpg", "image/gif", "image/webp", "image/tiff", "image/bmp":
		return true
	default:
		return false
	}
}
