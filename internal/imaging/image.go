package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
)

// MinDimension is the smallest width or height we are willing to hand to OCR.
const MinDimension = 50

// MaxPixels bounds width*height of an upload. Larger images are refused before
// their pixels are decoded.
const MaxPixels = 64 << 20

var (
	// ErrImageDecode is returned when the buffer is not a decodable image.
	ErrImageDecode = errors.New("image could not be decoded")
	// ErrEmptyImage is returned when the image is too small to contain a receipt.
	ErrEmptyImage = errors.New("image is too small to process")
)

// RawImage is an uploaded image buffer and the format tag it arrived with.
// The format tag may be a MIME type ("image/jpeg") or a file extension ("jpg").
type RawImage struct {
	Data   []byte
	Format string
}

// NormalizedImage is a binarized, deskewed receipt ready for recognition.
type NormalizedImage struct {
	Gray *image.Gray
	// SkewDegrees is the rotation applied to straighten the text lines.
	SkewDegrees float64
	Cropped     bool
}

// Bounds returns the pixel bounds of the normalized image.
func (n *NormalizedImage) Bounds() image.Rectangle {
	return n.Gray.Bounds()
}

// PNG encodes the normalized image so it can be handed to external tools.
func (n *NormalizedImage) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, n.Gray); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}
