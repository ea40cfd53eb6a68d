package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// Decode turns a raw upload into an image. PDFs are rendered from their first page.
func Decode(raw RawImage) (image.Image, error) {
	if len(raw.Data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrImageDecode)
	}

	format := normalizeFormat(raw.Format)

	switch {
	case format == "application/pdf" || isPDF(raw.Data):
		img, err := pdfToImage(raw.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
		}
		return img, nil
	case isHEICFormat(raw.Data) || isHEICMimeType(format):
		cfg, err := heic.DecodeConfig(bytes.NewReader(raw.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: reading HEIC/HEIF header: %v", ErrImageDecode, err)
		}
		if err := checkSize(cfg); err != nil {
			return nil, err
		}
		img, err := heic.Decode(bytes.NewReader(raw.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: decoding HEIC/HEIF image: %v", ErrImageDecode, err)
		}
		return img, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	if err := checkSize(cfg); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(raw.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	return img, nil
}

// checkSize refuses images whose header claims more than MaxPixels
func checkSize(cfg image.Config) error {
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageDecode, cfg.Width, cfg.Height, MaxPixels)
	}
	return nil
}

// normalizeFormat maps extensions and MIME types onto a lowercase MIME type
func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	format = strings.TrimPrefix(format, ".")
	switch format {
	case "pdf":
		return "application/pdf"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png", "gif", "bmp", "tiff", "webp", "heic", "heif":
		return "image/" + format
	case "tif":
		return "image/tiff"
	}
	return format
}

func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	// Most receipts are single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
